package persistenced

import "time"

// Operation names a state-changing request.
type Operation string

const (
	OpSetPersistenceMode     Operation = "set-persistence-mode"
	OpSetPersistenceModeOnly Operation = "set-persistence-mode-only"
	OpSetNumaStatus          Operation = "set-numa-status"
)

// Transition is one journalled state-changing request.
type Transition struct {
	ID        string        `cbor:"1,keyasint"`
	OpID      uint64        `cbor:"2,keyasint"`
	Operation Operation     `cbor:"3,keyasint"`
	Device    PCIAddress    `cbor:"4,keyasint"`
	Value     string        `cbor:"5,keyasint"`
	Status    Status        `cbor:"6,keyasint"`
	Error     string        `cbor:"7,keyasint,omitempty"`
	Started   time.Time     `cbor:"8,keyasint"`
	Duration  time.Duration `cbor:"9,keyasint"`
}
