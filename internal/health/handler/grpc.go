// Package handler serves liveness and readiness over gRPC (grpc.health.v1) and HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "pushauth.v1.PushAuth"

const checkTimeout = 2 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the push-eligibility policy is compiled and evaluable.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the standard gRPC health server whose Check re-evaluates readiness on every call.
type Server struct {
	*health.Server
	pinger Pinger
	policy PolicyChecker
	log    *zap.Logger
}

// NewServer returns a health server. pinger and policy may be nil, in which case that check is skipped
// (e.g. the memory challenge store has no database).
func NewServer(pinger Pinger, policy PolicyChecker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Server: health.NewServer(), pinger: pinger, policy: policy, log: log}
}

// Register adds the grpc.health.v1.Health service to s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s)
}

// Ready runs the dependency checks and returns the first failure.
func (s *Server) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	var errs []error
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Refresh recomputes readiness and publishes it to health watchers.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.Ready(ctx); err != nil {
		s.log.Warn("health: not ready", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.SetServingStatus("", status)
	s.SetServingStatus(ServiceName, status)
	return status
}

// Check refreshes readiness before answering so probes see the current dependency state.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.Refresh(ctx)
	return s.Server.Check(ctx, req)
}
