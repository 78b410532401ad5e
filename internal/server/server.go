// Package server exposes a node's ownership view over gRPC.
//
// Two services are registered on the same gRPC server:
//   - grpc.health.v1.Health, reporting SERVING once the first diff pass has settled
//   - taskshard.v1.Ownership, a read-only query service built on well-known
//     protobuf types (wrapperspb, structpb, emptypb) so no generated code is needed
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/taskshard/internal/controller"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

var log = slog.Default()

// ServiceName is the full gRPC name of the ownership query service.
const ServiceName = "taskshard.v1.Ownership"

// OwnershipServer is the server API of the ownership query service.
type OwnershipServer interface {
	GetOwner(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	OwnedTasks(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements OwnershipServer on top of a controller.
type Server struct {
	controller *controller.Controller
	health     *health.Server
	grpc       *grpc.Server
}

// NewServer creates a gRPC server for ctrl. Health reports NOT_SERVING until
// the engine emits its first ring_settled event.
func NewServer(ctrl *controller.Controller) *Server {
	s := &Server{
		controller: ctrl,
		health:     health.NewServer(),
		grpc:       grpc.NewServer(),
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	ctrl.Engine().Subscribe(func(ev types.Event) {
		if ev.Kind == types.EventRingSettled {
			s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		}
	})

	healthpb.RegisterHealthServer(s.grpc, s.health)
	RegisterOwnershipServer(s.grpc, s)
	return s
}

// Run listens on port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	}
}

// GetOwner returns {task_id, owner, resolved, self} for a registered task.
func (s *Server) GetOwner(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := types.TaskID(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "task id is required")
	}

	engine := s.controller.Engine()
	if !engine.HasTask(id) {
		return nil, status.Errorf(codes.NotFound, "task %q is not registered", id)
	}
	owner, resolved := engine.GetOwner(id)

	return structpb.NewStruct(map[string]any{
		"task_id":  string(id),
		"owner":    string(owner),
		"resolved": resolved,
		"self":     engine.IsOwnedBySelf(id),
	})
}

// OwnedTasks returns {node, tasks} with the tasks this node owns, in table order.
func (s *Server) OwnedTasks(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	engine := s.controller.Engine()
	self, _ := engine.SelfIdentity()

	owned := engine.OwnedTasks()
	tasks := make([]any, 0, len(owned))
	for _, id := range owned {
		tasks = append(tasks, string(id))
	}

	return structpb.NewStruct(map[string]any{
		"node":  string(self),
		"tasks": tasks,
	})
}

// Status returns controller.Status as a struct.
func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	b, err := json.Marshal(s.controller.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return structpb.NewStruct(m)
}
