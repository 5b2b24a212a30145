// Package client talks to a running nvidia-persistenced daemon.
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	if err != nil { ... }
//	defer c.Close()
//	err = c.SetPersistenceMode(ctx, addr, persistenced.PersistenceEnabled)
//
// A request the daemon answers with a non-success status returns a
// persistenced.StatusError; use persistenced.StatusOf to recover the
// status code.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/config"
	"github.com/frobware/go-persistenced/rpc"
)

// DefaultSocketPath returns the daemon's control socket in the default
// runtime directory.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// service is the subset of rpc.Client used here.
type service interface {
	SetPersistenceMode(ctx context.Context, in *rpc.SetPersistenceModeRequest, opts ...grpc.CallOption) (*rpc.StatusResponse, error)
	SetPersistenceModeOnly(ctx context.Context, in *rpc.SetPersistenceModeRequest, opts ...grpc.CallOption) (*rpc.StatusResponse, error)
	SetNumaStatus(ctx context.Context, in *rpc.SetNumaStatusRequest, opts ...grpc.CallOption) (*rpc.StatusResponse, error)
	GetPersistenceMode(ctx context.Context, in *rpc.GetPersistenceModeRequest, opts ...grpc.CallOption) (*rpc.GetPersistenceModeResponse, error)
	ListDevices(ctx context.Context, in *rpc.ListDevicesRequest, opts ...grpc.CallOption) (*rpc.ListDevicesResponse, error)
	GetHistory(ctx context.Context, in *rpc.GetHistoryRequest, opts ...grpc.CallOption) (*rpc.GetHistoryResponse, error)
}

// Client is a connection to the daemon.
type Client struct {
	svc    service
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// Dial connects to the daemon listening on address, which is a socket
// path with or without a unix:// prefix. No I/O happens until the first
// request.
func Dial(address string, opts ...Option) (*Client, error) {
	o := dialOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	target := parseAddress(address)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(rpc.PeerCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{
		svc:    rpc.NewClient(conn),
		conn:   conn,
		logger: o.logger.With("component", "client"),
	}, nil
}

// parseAddress normalises a socket path for gRPC.
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	return "unix://" + address
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SetPersistenceMode sets the persistence mode of addr and brings its
// NUMA memory to the matching state.
func (c *Client) SetPersistenceMode(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) error {
	resp, err := c.svc.SetPersistenceMode(ctx, &rpc.SetPersistenceModeRequest{Device: addr, Mode: mode})
	if err != nil {
		return translateGRPCError(err)
	}
	return c.result("set persistence mode", addr, resp.Status)
}

// SetPersistenceModeOnly sets the persistence mode of addr without
// touching its NUMA memory.
func (c *Client) SetPersistenceModeOnly(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) error {
	resp, err := c.svc.SetPersistenceModeOnly(ctx, &rpc.SetPersistenceModeRequest{Device: addr, Mode: mode})
	if err != nil {
		return translateGRPCError(err)
	}
	return c.result("set persistence mode only", addr, resp.Status)
}

// SetNumaStatus onlines or offlines the NUMA memory of addr.
func (c *Client) SetNumaStatus(ctx context.Context, addr persistenced.PCIAddress, st persistenced.NumaStatus) error {
	resp, err := c.svc.SetNumaStatus(ctx, &rpc.SetNumaStatusRequest{Device: addr, Status: st})
	if err != nil {
		return translateGRPCError(err)
	}
	return c.result("set NUMA status", addr, resp.Status)
}

// PersistenceMode returns the persistence mode of addr.
func (c *Client) PersistenceMode(ctx context.Context, addr persistenced.PCIAddress) (persistenced.PersistenceMode, error) {
	resp, err := c.svc.GetPersistenceMode(ctx, &rpc.GetPersistenceModeRequest{Device: addr})
	if err != nil {
		return 0, translateGRPCError(err)
	}
	if err := c.result("get persistence mode", addr, resp.Status); err != nil {
		return 0, err
	}
	return resp.Mode, nil
}

// Devices returns the state of every managed device.
func (c *Client) Devices(ctx context.Context) ([]persistenced.DeviceState, error) {
	resp, err := c.svc.ListDevices(ctx, &rpc.ListDevicesRequest{})
	if err != nil {
		return nil, translateGRPCError(err)
	}
	if err := resp.Status.Err(); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// History returns up to limit journal entries, newest first. A limit
// of zero returns them all.
func (c *Client) History(ctx context.Context, limit int) ([]persistenced.Transition, error) {
	resp, err := c.svc.GetHistory(ctx, &rpc.GetHistoryRequest{Limit: limit})
	if err != nil {
		return nil, translateGRPCError(err)
	}
	if err := resp.Status.Err(); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

func (c *Client) result(op string, addr persistenced.PCIAddress, st persistenced.Status) error {
	if err := st.Err(); err != nil {
		c.logger.Debug("request failed", "op", op, "device", addr.String(), "status", st)
		return err
	}
	return nil
}

// translateGRPCError turns transport failures into errors that name the
// likely cause.
func translateGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("nvidia-persistenced is not running or its socket is unreachable: %s", st.Message())
	case codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("request aborted: %s", st.Message())
	default:
		return err
	}
}
