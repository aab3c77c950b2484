// Package grpc serves the planner over gRPC as the partplan.v1.Planner
// service. Requests and responses are google.protobuf.Struct messages, so
// the service needs no generated stubs.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "partplan.v1.Planner"

	methodPlan          = "/" + ServiceName + "/Plan"
	methodAddPartition  = "/" + ServiceName + "/AddPartition"
	methodDropPartition = "/" + ServiceName + "/DropPartition"
	methodGetScheme     = "/" + ServiceName + "/GetScheme"
)

// PlannerServer is the server side of partplan.v1.Planner.
type PlannerServer interface {
	// Plan takes {table, lower, upper, selectivity?, filter?}.
	Plan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// AddPartition takes {table, name, boundary}.
	AddPartition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// DropPartition takes {table, name}.
	DropPartition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetScheme takes {table}.
	GetScheme(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes partplan.v1.Planner for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlannerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Plan", Handler: unaryHandler(methodPlan, PlannerServer.Plan)},
		{MethodName: "AddPartition", Handler: unaryHandler(methodAddPartition, PlannerServer.AddPartition)},
		{MethodName: "DropPartition", Handler: unaryHandler(methodDropPartition, PlannerServer.DropPartition)},
		{MethodName: "GetScheme", Handler: unaryHandler(methodGetScheme, PlannerServer.GetScheme)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "partplan/v1/planner.proto",
}

// RegisterPlannerServer registers srv on s.
func RegisterPlannerServer(s grpc.ServiceRegistrar, srv PlannerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(PlannerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PlannerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PlannerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// PlannerClient calls partplan.v1.Planner.
type PlannerClient struct {
	cc grpc.ClientConnInterface
}

func NewPlannerClient(cc grpc.ClientConnInterface) *PlannerClient {
	return &PlannerClient{cc: cc}
}

func (c *PlannerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PlannerClient) Plan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodPlan, in, opts...)
}

func (c *PlannerClient) AddPartition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodAddPartition, in, opts...)
}

func (c *PlannerClient) DropPartition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodDropPartition, in, opts...)
}

func (c *PlannerClient) GetScheme(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetScheme, in, opts...)
}
