package server

import (
	"context"
	"errors"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/rpc"
)

// authorize admits only the superuser. A caller whose credentials
// cannot be determined gets StatusUnknown.
func (s *Server) authorize(ctx context.Context, method string) persistenced.Status {
	cred, err := rpc.PeerCredFromContext(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get client credentials", "method", method, "error", err)
		return persistenced.StatusUnknown
	}
	if cred.UID != 0 {
		s.logger.WarnContext(ctx, "rejected request from non-root client", "method", method, "uid", cred.UID, "pid", cred.PID)
		return persistenced.StatusPermissions
	}
	return persistenced.StatusSuccess
}

func (s *Server) SetPersistenceMode(ctx context.Context, req *rpc.SetPersistenceModeRequest) (*rpc.StatusResponse, error) {
	if st := s.authorize(ctx, rpc.MethodSetPersistenceMode); st != persistenced.StatusSuccess {
		return &rpc.StatusResponse{Status: st}, nil
	}
	err := s.reg.SetPersistenceMode(ctx, req.Device, req.Mode)
	return &rpc.StatusResponse{Status: persistenced.StatusOf(err)}, nil
}

func (s *Server) SetPersistenceModeOnly(ctx context.Context, req *rpc.SetPersistenceModeRequest) (*rpc.StatusResponse, error) {
	if st := s.authorize(ctx, rpc.MethodSetPersistenceModeOnly); st != persistenced.StatusSuccess {
		return &rpc.StatusResponse{Status: st}, nil
	}
	err := s.reg.SetPersistenceModeOnly(ctx, req.Device, req.Mode)
	return &rpc.StatusResponse{Status: persistenced.StatusOf(err)}, nil
}

func (s *Server) SetNumaStatus(ctx context.Context, req *rpc.SetNumaStatusRequest) (*rpc.StatusResponse, error) {
	if st := s.authorize(ctx, rpc.MethodSetNumaStatus); st != persistenced.StatusSuccess {
		return &rpc.StatusResponse{Status: st}, nil
	}
	err := s.reg.SetNumaStatus(ctx, req.Device, req.Status)
	return &rpc.StatusResponse{Status: persistenced.StatusOf(err)}, nil
}

func (s *Server) GetPersistenceMode(ctx context.Context, req *rpc.GetPersistenceModeRequest) (*rpc.GetPersistenceModeResponse, error) {
	mode, err := s.reg.PersistenceMode(req.Device)
	if err != nil {
		s.logger.DebugContext(ctx, "get persistence mode failed", "device", req.Device.String(), "error", err)
		return &rpc.GetPersistenceModeResponse{Status: persistenced.StatusOf(err)}, nil
	}
	return &rpc.GetPersistenceModeResponse{Status: persistenced.StatusSuccess, Mode: mode}, nil
}

func (s *Server) ListDevices(context.Context, *rpc.ListDevicesRequest) (*rpc.ListDevicesResponse, error) {
	return &rpc.ListDevicesResponse{Status: persistenced.StatusSuccess, Devices: s.reg.Devices()}, nil
}

func (s *Server) GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*rpc.GetHistoryResponse, error) {
	if req.Limit < 0 {
		return &rpc.GetHistoryResponse{Status: persistenced.StatusInvalidArgument}, nil
	}
	hist, err := s.reg.History(ctx, req.Limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read journal", "error", err)
		st := persistenced.StatusOf(err)
		if st == persistenced.StatusUnknown && !errors.Is(err, context.Canceled) {
			st = persistenced.StatusIoFailure
		}
		return &rpc.GetHistoryResponse{Status: st}, nil
	}
	return &rpc.GetHistoryResponse{Status: persistenced.StatusSuccess, Transitions: hist}, nil
}
