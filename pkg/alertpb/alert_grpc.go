package alertpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names.
const (
	ServiceName           = "carewatch.v1.AlertService"
	ListAlertsFullMethod  = "/" + ServiceName + "/ListAlerts"
	listAlertsMethodName  = "ListAlerts"
	alertServiceProtoFile = "carewatch/v1/alert.proto"
)

// AlertServiceClient is the client API for AlertService.
type AlertServiceClient interface {
	ListAlerts(ctx context.Context, in *ListAlertsRequest, opts ...grpc.CallOption) (*ListAlertsResponse, error)
}

type alertServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAlertServiceClient creates a client on cc.
func NewAlertServiceClient(cc grpc.ClientConnInterface) AlertServiceClient {
	return &alertServiceClient{cc}
}

func (c *alertServiceClient) ListAlerts(ctx context.Context, in *ListAlertsRequest, opts ...grpc.CallOption) (*ListAlertsResponse, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListAlertsFullMethod, in.ToStruct(), out, opts...); err != nil {
		return nil, err
	}

	resp, err := ListAlertsResponseFromStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// AlertServiceServer is the server API for AlertService.
type AlertServiceServer interface {
	ListAlerts(ctx context.Context, in *ListAlertsRequest) (*ListAlertsResponse, error)
}

// RegisterAlertServiceServer registers srv on s.
func RegisterAlertServiceServer(s grpc.ServiceRegistrar, srv AlertServiceServer) {
	s.RegisterService(&AlertService_ServiceDesc, srv)
}

func _AlertService_ListAlerts_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		parsed, err := ListAlertsRequestFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		resp, err := srv.(AlertServiceServer).ListAlerts(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return resp.ToStruct(), nil
	}

	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ListAlertsFullMethod,
	}
	return interceptor(ctx, in, info, handler)
}

// AlertService_ServiceDesc is the grpc.ServiceDesc for AlertService.
//
//nolint:revive,stylecheck // mirrors protoc-gen-go-grpc naming
var AlertService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AlertServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: listAlertsMethodName,
			Handler:    _AlertService_ListAlerts_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: alertServiceProtoFile,
}
