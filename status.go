package persistenced

import (
	"errors"
	"fmt"
)

// Status is the result code returned to management tools.
type Status int32

const (
	StatusSuccess Status = iota
	StatusDeviceNotFound
	StatusInvalidArgument
	StatusPermissions
	StatusDriverFailure
	StatusIoFailure
	StatusNumaFailure
	StatusInsufficientResources
	StatusUnknown
)

var statusNames = map[Status]string{
	StatusSuccess:               "SUCCESS",
	StatusDeviceNotFound:        "DEVICE_NOT_FOUND",
	StatusInvalidArgument:       "INVALID_ARGUMENT",
	StatusPermissions:           "PERMISSIONS",
	StatusDriverFailure:         "DRIVER",
	StatusIoFailure:             "IO",
	StatusNumaFailure:           "NUMA_FAILURE",
	StatusInsufficientResources: "INSUFFICIENT_RESOURCES",
	StatusUnknown:               "UNKNOWN",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Err returns nil for StatusSuccess and a StatusError otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return StatusError{Status: s}
}

// StatusError is the client-side form of a non-success Status.
type StatusError struct {
	Status Status
}

func (e StatusError) Error() string {
	return "nvidia-persistenced: " + e.Status.String()
}

// StatusOf maps an error to the Status reported to callers.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var nf ErrDeviceNotFound
	if errors.As(err, &nf) {
		return StatusDeviceNotFound
	}
	switch KindOf(err) {
	case KindDeviceNotFound:
		return StatusDeviceNotFound
	case KindInvalidArgument:
		return StatusInvalidArgument
	case KindPermissions:
		return StatusPermissions
	case KindDriverFailure:
		return StatusDriverFailure
	case KindIoFailure:
		return StatusIoFailure
	case KindNumaFailure:
		return StatusNumaFailure
	case KindInsufficientResources:
		return StatusInsufficientResources
	default:
		return StatusUnknown
	}
}
