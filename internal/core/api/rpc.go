// internal/core/api/rpc.go
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

/*
 * gRPC surface of the formula service.
 *
 * Messages are google.protobuf.Struct on both sides so the service needs no
 * generated code; the descriptor below is what protoc-gen-go-grpc would emit
 * for a service whose methods all take and return Struct.
 */

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "synthkeeper.v1.FormulaService"

// FormulaServer is the server API for the formula service.
type FormulaServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateSensor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	NotifyChanges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterFormulaServer registers srv with a gRPC service registrar.
func RegisterFormulaServer(s grpc.ServiceRegistrar, srv FormulaServer) {
	s.RegisterService(&FormulaServiceDesc, srv)
}

type structMethod func(FormulaServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call structMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FormulaServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(FormulaServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FormulaServiceDesc is the grpc.ServiceDesc for the formula service.
var FormulaServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FormulaServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Evaluate", FormulaServer.Evaluate),
		unaryHandler("EvaluateSensor", FormulaServer.EvaluateSensor),
		unaryHandler("NotifyChanges", FormulaServer.NotifyChanges),
		unaryHandler("RegisterEntity", FormulaServer.RegisterEntity),
		unaryHandler("Stats", FormulaServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synthkeeper/v1/formula.proto",
}

// FormulaClient calls the formula service.
type FormulaClient struct {
	cc grpc.ClientConnInterface
}

// NewFormulaClient creates a client over a connection.
func NewFormulaClient(cc grpc.ClientConnInterface) *FormulaClient {
	return &FormulaClient{cc: cc}
}

// Call invokes method with req.
func (c *FormulaClient) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
