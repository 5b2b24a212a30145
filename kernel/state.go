// Package kernel talks to the NVIDIA kernel driver's per-device NUMA
// control interface: it locates a device's character file, queries
// the NUMA descriptor and moves the driver's NUMA state machine.
package kernel

import "fmt"

// NumaState mirrors the driver's NUMA memory state.
type NumaState int32

const (
	NumaDisabled NumaState = iota
	NumaOffline
	NumaOnlineInProgress
	NumaOnline
	NumaOnlineFailed
	NumaOfflineInProgress
	NumaOfflineFailed
)

func (s NumaState) String() string {
	switch s {
	case NumaDisabled:
		return "numa_status_disabled"
	case NumaOffline:
		return "offline"
	case NumaOnlineInProgress:
		return "online_in_progress"
	case NumaOnline:
		return "online"
	case NumaOnlineFailed:
		return "numa_online_failed"
	case NumaOfflineInProgress:
		return "offline_in_progress"
	case NumaOfflineFailed:
		return "offline_failed"
	default:
		return fmt.Sprintf("invalid_state(%d)", int32(s))
	}
}

// InProgress reports whether s is a transient state.
func (s NumaState) InProgress() bool {
	return s == NumaOnlineInProgress || s == NumaOfflineInProgress
}

// Failed reports whether s is a failure state from which either
// direction may be retried.
func (s NumaState) Failed() bool {
	return s == NumaOnlineFailed || s == NumaOfflineFailed
}
