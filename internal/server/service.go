package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	getOwnerMethod   = "/" + ServiceName + "/GetOwner"
	ownedTasksMethod = "/" + ServiceName + "/OwnedTasks"
	statusMethod     = "/" + ServiceName + "/Status"
)

// RegisterOwnershipServer registers srv on s.
func RegisterOwnershipServer(s grpc.ServiceRegistrar, srv OwnershipServer) {
	s.RegisterService(&ownershipServiceDesc, srv)
}

var ownershipServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OwnershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOwner", Handler: getOwnerHandler},
		{MethodName: "OwnedTasks", Handler: ownedTasksHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskshard/v1/ownership",
}

func getOwnerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OwnershipServer).GetOwner(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getOwnerMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OwnershipServer).GetOwner(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func ownedTasksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OwnershipServer).OwnedTasks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ownedTasksMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OwnershipServer).OwnedTasks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OwnershipServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OwnershipServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ownershipClient is the raw client side of the ownership service.
type ownershipClient struct {
	cc grpc.ClientConnInterface
}

func (c *ownershipClient) GetOwner(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getOwnerMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ownershipClient) OwnedTasks(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ownedTasksMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ownershipClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
