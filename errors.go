package persistenced

import (
	"errors"
	"fmt"
)

// Kind classifies a failure coarsely enough to cross the RPC boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceNotFound
	KindInvalidArgument
	KindPermissions
	KindDriverFailure
	KindIoFailure
	KindNumaFailure
	KindInsufficientResources
)

func (k Kind) String() string {
	switch k {
	case KindDeviceNotFound:
		return "device not found"
	case KindInvalidArgument:
		return "invalid argument"
	case KindPermissions:
		return "permission denied"
	case KindDriverFailure:
		return "driver failure"
	case KindIoFailure:
		return "I/O failure"
	case KindNumaFailure:
		return "NUMA failure"
	case KindInsufficientResources:
		return "insufficient resources"
	default:
		return "unknown error"
	}
}

// Error carries a Kind alongside the operation, the device it applied
// to and the underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	Device PCIAddress
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Device != (PCIAddress{}) {
		msg = fmt.Sprintf("device %s: %s", e.Device, e.Op)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error whose cause is formatted from format and args.
func Errorf(kind Kind, op string, dev PCIAddress, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Device: dev, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrDeviceNotFound is returned when an address is not in the registry.
type ErrDeviceNotFound struct {
	Address PCIAddress
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("device %s not found", e.Address)
}
