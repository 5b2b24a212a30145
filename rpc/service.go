// Package rpc defines the daemon's gRPC service. Messages are plain Go
// structs carried by a CBOR codec, and the service descriptor is
// written by hand.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nvpd.Persistenced"

// Method names.
const (
	MethodSetPersistenceMode     = "SetPersistenceMode"
	MethodSetPersistenceModeOnly = "SetPersistenceModeOnly"
	MethodSetNumaStatus          = "SetNumaStatus"
	MethodGetPersistenceMode     = "GetPersistenceMode"
	MethodListDevices            = "ListDevices"
	MethodGetHistory             = "GetHistory"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Service is implemented by the daemon.
type Service interface {
	SetPersistenceMode(context.Context, *SetPersistenceModeRequest) (*StatusResponse, error)
	SetPersistenceModeOnly(context.Context, *SetPersistenceModeRequest) (*StatusResponse, error)
	SetNumaStatus(context.Context, *SetNumaStatusRequest) (*StatusResponse, error)
	GetPersistenceMode(context.Context, *GetPersistenceModeRequest) (*GetPersistenceModeResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
}

// unary builds the method descriptor for a unary call.
func unary[Req, Resp any](method string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Service), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(Service), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSetPersistenceMode, Service.SetPersistenceMode),
		unary(MethodSetPersistenceModeOnly, Service.SetPersistenceModeOnly),
		unary(MethodSetNumaStatus, Service.SetNumaStatus),
		unary(MethodGetPersistenceMode, Service.GetPersistenceMode),
		unary(MethodListDevices, Service.ListDevices),
		unary(MethodGetHistory, Service.GetHistory),
	},
	Metadata: "persistenced.cbor",
}

// RegisterService registers srv with s.
func RegisterService(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the service over a connection. Every call uses the
// CBOR codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetPersistenceMode(ctx context.Context, in *SetPersistenceModeRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, MethodSetPersistenceMode, in, opts)
}

func (c *Client) SetPersistenceModeOnly(ctx context.Context, in *SetPersistenceModeRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, MethodSetPersistenceModeOnly, in, opts)
}

func (c *Client) SetNumaStatus(ctx context.Context, in *SetNumaStatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, MethodSetNumaStatus, in, opts)
}

func (c *Client) GetPersistenceMode(ctx context.Context, in *GetPersistenceModeRequest, opts ...grpc.CallOption) (*GetPersistenceModeResponse, error) {
	return invoke[GetPersistenceModeResponse](ctx, c.cc, MethodGetPersistenceMode, in, opts)
}

func (c *Client) ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c.cc, MethodListDevices, in, opts)
}

func (c *Client) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*GetHistoryResponse, error) {
	return invoke[GetHistoryResponse](ctx, c.cc, MethodGetHistory, in, opts)
}
