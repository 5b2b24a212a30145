package client

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/rpc"
)

var dev0 = persistenced.PCIAddress{Domain: 0, Bus: 1, Slot: 0}

// mockService records requests and returns canned responses.
type mockService struct {
	service
	lastSet  *rpc.SetPersistenceModeRequest
	lastNuma *rpc.SetNumaStatusRequest
	status   persistenced.Status
	mode     persistenced.PersistenceMode
	err      error
}

func (m *mockService) SetPersistenceMode(_ context.Context, in *rpc.SetPersistenceModeRequest, _ ...grpc.CallOption) (*rpc.StatusResponse, error) {
	m.lastSet = in
	if m.err != nil {
		return nil, m.err
	}
	return &rpc.StatusResponse{Status: m.status}, nil
}

func (m *mockService) SetNumaStatus(_ context.Context, in *rpc.SetNumaStatusRequest, _ ...grpc.CallOption) (*rpc.StatusResponse, error) {
	m.lastNuma = in
	if m.err != nil {
		return nil, m.err
	}
	return &rpc.StatusResponse{Status: m.status}, nil
}

func (m *mockService) GetPersistenceMode(_ context.Context, _ *rpc.GetPersistenceModeRequest, _ ...grpc.CallOption) (*rpc.GetPersistenceModeResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &rpc.GetPersistenceModeResponse{Status: m.status, Mode: m.mode}, nil
}

func newTestClient(m *mockService) *Client {
	return &Client{svc: m, logger: slog.New(slog.DiscardHandler)}
}

func TestSetPersistenceMode_SendsRequest(t *testing.T) {
	m := &mockService{}
	c := newTestClient(m)

	require.NoError(t, c.SetPersistenceMode(context.Background(), dev0, persistenced.PersistenceEnabled))
	require.NotNil(t, m.lastSet)
	assert.Equal(t, dev0, m.lastSet.Device)
	assert.Equal(t, persistenced.PersistenceEnabled, m.lastSet.Mode)
}

func TestNonSuccessStatusIsStatusError(t *testing.T) {
	m := &mockService{status: persistenced.StatusPermissions}
	c := newTestClient(m)

	err := c.SetNumaStatus(context.Background(), dev0, persistenced.NumaOnline)
	require.Error(t, err)
	assert.Equal(t, persistenced.StatusPermissions, persistenced.StatusOf(err))
	assert.Equal(t, persistenced.NumaOnline, m.lastNuma.Status)

	m.status = persistenced.StatusDeviceNotFound
	_, err = c.PersistenceMode(context.Background(), dev0)
	assert.Equal(t, persistenced.StatusDeviceNotFound, persistenced.StatusOf(err))
}

func TestPersistenceMode(t *testing.T) {
	c := newTestClient(&mockService{mode: persistenced.PersistenceEnabled})

	mode, err := c.PersistenceMode(context.Background(), dev0)
	require.NoError(t, err)
	assert.Equal(t, persistenced.PersistenceEnabled, mode)
}

func TestTranslateGRPCError(t *testing.T) {
	c := newTestClient(&mockService{err: status.Error(codes.Unavailable, "connection refused")})

	err := c.SetPersistenceMode(context.Background(), dev0, persistenced.PersistenceEnabled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	plain := errors.New("plain")
	assert.Same(t, plain, translateGRPCError(plain))
}

func TestParseAddress(t *testing.T) {
	assert.Equal(t, "unix:///var/run/nvidia-persistenced/socket", parseAddress("/var/run/nvidia-persistenced/socket"))
	assert.Equal(t, "unix:///tmp/s", parseAddress("unix:///tmp/s"))
}

func TestDefaultSocketPath(t *testing.T) {
	assert.Equal(t, "/var/run/nvidia-persistenced/socket", DefaultSocketPath())
}
