package rpc

import "github.com/frobware/go-persistenced"

// SetPersistenceModeRequest is the argument of SetPersistenceMode and
// SetPersistenceModeOnly.
type SetPersistenceModeRequest struct {
	Device persistenced.PCIAddress      `cbor:"1,keyasint"`
	Mode   persistenced.PersistenceMode `cbor:"2,keyasint"`
}

// SetNumaStatusRequest is the argument of SetNumaStatus.
type SetNumaStatusRequest struct {
	Device persistenced.PCIAddress `cbor:"1,keyasint"`
	Status persistenced.NumaStatus `cbor:"2,keyasint"`
}

// GetPersistenceModeRequest is the argument of GetPersistenceMode.
type GetPersistenceModeRequest struct {
	Device persistenced.PCIAddress `cbor:"1,keyasint"`
}

// StatusResponse carries the result of a mutating request.
type StatusResponse struct {
	Status persistenced.Status `cbor:"1,keyasint"`
}

// GetPersistenceModeResponse carries the mode when Status is
// StatusSuccess.
type GetPersistenceModeResponse struct {
	Status persistenced.Status          `cbor:"1,keyasint"`
	Mode   persistenced.PersistenceMode `cbor:"2,keyasint"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Status  persistenced.Status        `cbor:"1,keyasint"`
	Devices []persistenced.DeviceState `cbor:"2,keyasint"`
}

// GetHistoryRequest asks for up to Limit journal entries; zero means
// all of them.
type GetHistoryRequest struct {
	Limit int `cbor:"1,keyasint"`
}

type GetHistoryResponse struct {
	Status      persistenced.Status       `cbor:"1,keyasint"`
	Transitions []persistenced.Transition `cbor:"2,keyasint"`
}
