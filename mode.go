package persistenced

import (
	"fmt"
	"strings"
)

// PersistenceMode is whether the daemon holds a device open.
type PersistenceMode int

const (
	PersistenceDisabled PersistenceMode = iota
	PersistenceEnabled
)

func (m PersistenceMode) String() string {
	switch m {
	case PersistenceDisabled:
		return "disabled"
	case PersistenceEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("PersistenceMode(%d)", int(m))
	}
}

// Valid reports whether m is one of the defined modes.
func (m PersistenceMode) Valid() bool {
	return m == PersistenceDisabled || m == PersistenceEnabled
}

// NumaTarget returns the NUMA status paired with m when both are
// changed together: enabled onlines memory, disabled offlines it.
func (m PersistenceMode) NumaTarget() NumaStatus {
	if m == PersistenceEnabled {
		return NumaOnline
	}
	return NumaOffline
}

// ParsePersistenceMode accepts enabled/disabled, on/off, 1/0 and
// true/false.
func ParsePersistenceMode(s string) (PersistenceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enabled", "enable", "on", "1", "true":
		return PersistenceEnabled, nil
	case "disabled", "disable", "off", "0", "false":
		return PersistenceDisabled, nil
	default:
		return PersistenceDisabled, fmt.Errorf("unknown persistence mode %q", s)
	}
}

// NumaStatus is the externally visible NUMA memory state of a device.
type NumaStatus int

const (
	NumaOffline NumaStatus = iota
	NumaOnline
)

func (s NumaStatus) String() string {
	switch s {
	case NumaOffline:
		return "offline"
	case NumaOnline:
		return "online"
	default:
		return fmt.Sprintf("NumaStatus(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s NumaStatus) Valid() bool {
	return s == NumaOffline || s == NumaOnline
}

// ParseNumaStatus accepts online/offline and on/off.
func ParseNumaStatus(s string) (NumaStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "on":
		return NumaOnline, nil
	case "offline", "off":
		return NumaOffline, nil
	default:
		return NumaOffline, fmt.Errorf("unknown NUMA status %q", s)
	}
}

// DeviceState is a point-in-time view of one registered device.
type DeviceState struct {
	Address PCIAddress      `cbor:"1,keyasint"`
	Mode    PersistenceMode `cbor:"2,keyasint"`
	Numa    NumaStatus      `cbor:"3,keyasint"`
}
