// ============================================================================
// Beaver-Pipeline RPC Server
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// Exposes one engine over gRPC as beaver.pipeline.v1.PipelineService.
//
// The service is declared in proto/beaver/pipeline/v1/pipeline.proto.
// Messages are google.protobuf.Struct; the run object inside a response has
// the same fields as an archived run.
//
// Error mapping:
//   engine.ErrRunNotFound  -> NotFound
//   engine.ErrRunFinished  -> FailedPrecondition
//   engine.ErrStopped      -> Unavailable
//   missing/invalid fields -> InvalidArgument
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-pipeline/internal/engine"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// DefaultListLimit caps ListRuns when the request sets no limit.
const DefaultListLimit = 20

// Engine is the part of *engine.Engine the service calls.
type Engine interface {
	Trigger(ctx context.Context) (*types.PipelineRun, error)
	TriggerAsync(ctx context.Context) (string, error)
	Get(ctx context.Context, id string) (*types.PipelineRun, error)
	Cancel(id string) error
	List(ctx context.Context) ([]*types.PipelineRun, error)
}

// Server implements PipelineServiceServer.
type Server struct {
	UnimplementedPipelineServiceServer

	engine Engine
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a gRPC server with the pipeline and health services
// registered.
func NewServer(e Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: e,
		logger: logger,
		health: health.NewServer(),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterPipelineServiceServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("rpc server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on the TCP port and serves.
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop drains in-flight calls, or stops hard once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err)
	} else {
		s.logger.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// TriggerRun starts a run. With "wait" set it returns the finished run.
func (s *Server) TriggerRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req.GetFields()["wait"].GetBoolValue() {
		run, err := s.engine.Trigger(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		v, err := runToValue(run)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"run_id": structpb.NewStringValue(run.ID),
			"run":    v,
		}}, nil
	}

	id, err := s.engine.TriggerAsync(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id": structpb.NewStringValue(id),
	}}, nil
}

func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := runID(req)
	if err != nil {
		return nil, err
	}
	run, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := runToValue(run)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"run": v}}, nil
}

func (s *Server) CancelRun(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := runID(req)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Cancel(id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id": structpb.NewStringValue(id),
	}}, nil
}

// ListRuns returns the newest runs first.
func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := DefaultListLimit
	if v, ok := req.GetFields()["limit"]; ok {
		n := v.GetNumberValue()
		if n < 1 || n != float64(int(n)) {
			return nil, status.Errorf(codes.InvalidArgument, "limit must be a positive integer, got %v", n)
		}
		limit = int(n)
	}

	runs, err := s.engine.List(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	values := make([]*structpb.Value, 0, len(runs))
	for _, run := range runs {
		v, err := runToValue(run)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		values = append(values, v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"runs": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}, nil
}

func runID(req *structpb.Struct) (string, error) {
	id := req.GetFields()["run_id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "run_id is required")
	}
	return id, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrRunFinished):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
