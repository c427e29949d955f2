package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Service stubs for proto/beaver/pipeline/v1/pipeline.proto. The messages
// are well-known Structs, so no message code is generated for this package.

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beaver.pipeline.v1.PipelineService"

// Method names. Every request and response body is a google.protobuf.Struct.
const (
	MethodTriggerRun = "TriggerRun" // {"wait": bool} -> {"run_id": string, "run": {...}}
	MethodGetRun     = "GetRun"     // {"run_id": string} -> {"run": {...}}
	MethodCancelRun  = "CancelRun"  // {"run_id": string} -> {"run_id": string}
	MethodListRuns   = "ListRuns"   // {"limit": number} -> {"runs": [{...}]}
)

// PipelineServiceClient is the client API for PipelineService.
type PipelineServiceClient interface {
	TriggerRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListRuns(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type pipelineServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPipelineServiceClient(cc grpc.ClientConnInterface) PipelineServiceClient {
	return &pipelineServiceClient{cc}
}

func (c *pipelineServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pipelineServiceClient) TriggerRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodTriggerRun, in, opts)
}

func (c *pipelineServiceClient) GetRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetRun, in, opts)
}

func (c *pipelineServiceClient) CancelRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCancelRun, in, opts)
}

func (c *pipelineServiceClient) ListRuns(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListRuns, in, opts)
}

// PipelineServiceServer is the server API for PipelineService.
// Implementations must embed UnimplementedPipelineServiceServer.
type PipelineServiceServer interface {
	TriggerRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	mustEmbedUnimplementedPipelineServiceServer()
}

// UnimplementedPipelineServiceServer answers every method with
// codes.Unimplemented. Embed it by value.
type UnimplementedPipelineServiceServer struct{}

func (UnimplementedPipelineServiceServer) TriggerRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TriggerRun not implemented")
}

func (UnimplementedPipelineServiceServer) GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetRun not implemented")
}

func (UnimplementedPipelineServiceServer) CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CancelRun not implemented")
}

func (UnimplementedPipelineServiceServer) ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListRuns not implemented")
}

func (UnimplementedPipelineServiceServer) mustEmbedUnimplementedPipelineServiceServer() {}

// UnsafePipelineServiceServer opts out of forward compatibility. Not
// recommended.
type UnsafePipelineServiceServer interface {
	mustEmbedUnimplementedPipelineServiceServer()
}

// ServiceDesc describes PipelineService to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodTriggerRun, PipelineServiceServer.TriggerRun),
		unary(MethodGetRun, PipelineServiceServer.GetRun),
		unary(MethodCancelRun, PipelineServiceServer.CancelRun),
		unary(MethodListRuns, PipelineServiceServer.ListRuns),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/pipeline/v1/pipeline.proto",
}

// RegisterPipelineServiceServer registers srv on s.
func RegisterPipelineServiceServer(s grpc.ServiceRegistrar, srv PipelineServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type structMethod func(PipelineServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PipelineServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PipelineServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// runToValue converts a run through its JSON form so the field names match
// the archive and journal.
func runToValue(run *types.PipelineRun) (*structpb.Value, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert run: %w", err)
	}
	return structpb.NewStructValue(s), nil
}

func runFromValue(v *structpb.Value) (*types.PipelineRun, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("run is not an object")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	var run types.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}
