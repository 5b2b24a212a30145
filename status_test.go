package persistenced_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frobware/go-persistenced"
)

func TestStatusOf(t *testing.T) {
	dev := persistenced.PCIAddress{Bus: 1}

	tests := []struct {
		name string
		err  error
		want persistenced.Status
	}{
		{"nil", nil, persistenced.StatusSuccess},
		{"plain error", errors.New("boom"), persistenced.StatusUnknown},
		{"not found", persistenced.ErrDeviceNotFound{Address: dev}, persistenced.StatusDeviceNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", persistenced.ErrDeviceNotFound{Address: dev}), persistenced.StatusDeviceNotFound},
		{"driver", &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "open", Device: dev}, persistenced.StatusDriverFailure},
		{"numa", persistenced.Errorf(persistenced.KindNumaFailure, "online", dev, "no blocks changed"), persistenced.StatusNumaFailure},
		{"wrapped io", fmt.Errorf("ctx: %w", &persistenced.Error{Kind: persistenced.KindIoFailure}), persistenced.StatusIoFailure},
		{"status error", persistenced.StatusPermissions.Err(), persistenced.StatusPermissions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, persistenced.StatusOf(tt.err))
		})
	}
}

func TestStatus_Err(t *testing.T) {
	assert.NoError(t, persistenced.StatusSuccess.Err())

	err := persistenced.StatusNumaFailure.Err()
	assert.EqualError(t, err, "nvidia-persistenced: NUMA_FAILURE")
	assert.Equal(t, "Status(42)", persistenced.Status(42).String())
}

func TestError_Message(t *testing.T) {
	dev := persistenced.PCIAddress{Bus: 0x3b}
	cause := errors.New("ioctl failed")
	err := &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "query NUMA info", Device: dev, Err: cause}

	assert.Equal(t, "device 0000:3b:00.0: query NUMA info: ioctl failed", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := &persistenced.Error{Kind: persistenced.KindPermissions, Op: "set", Device: dev}
	assert.Equal(t, "device 0000:3b:00.0: set: permission denied", bare.Error())
}

func TestParseModeAndStatus(t *testing.T) {
	m, err := persistenced.ParsePersistenceMode("on")
	assert.NoError(t, err)
	assert.Equal(t, persistenced.PersistenceEnabled, m)
	assert.Equal(t, persistenced.NumaOnline, m.NumaTarget())
	assert.Equal(t, persistenced.NumaOffline, persistenced.PersistenceDisabled.NumaTarget())

	_, err = persistenced.ParsePersistenceMode("maybe")
	assert.Error(t, err)

	s, err := persistenced.ParseNumaStatus("OFFLINE")
	assert.NoError(t, err)
	assert.Equal(t, persistenced.NumaOffline, s)
	assert.False(t, persistenced.NumaStatus(5).Valid())
}

func TestError_NoDevice(t *testing.T) {
	err := &persistenced.Error{Kind: persistenced.KindDriverFailure, Op: "load library"}
	assert.Equal(t, "load library: driver failure", err.Error())
}
