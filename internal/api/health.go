package api

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"paper-trading-core/internal/engine"
	"paper-trading-core/pkg/logger"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "paper_trading.Loop"

// HealthReporter mirrors the loop's running state into a gRPC health server.
type HealthReporter struct {
	server *health.Server
	svc    engine.Service
}

func NewHealthReporter(svc engine.Service) *HealthReporter {
	h := &HealthReporter{server: health.NewServer(), svc: svc}
	h.Sync()
	return h
}

// Server returns the underlying health implementation.
func (h *HealthReporter) Server() *health.Server { return h.server }

// Sync sets SERVING while the loop runs and NOT_SERVING otherwise.
func (h *HealthReporter) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.svc.Status().Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthService, status)
	return status
}

// Run polls the loop until ctx is done, then marks everything NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// ServeGRPCHealth serves grpc.health.v1.Health on addr until ctx is done.
func ServeGRPCHealth(ctx context.Context, addr string, svc engine.Service) error {
	log := logger.Component("grpc")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	reporter := NewHealthReporter(svc)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, reporter.Server())

	go reporter.Run(ctx, 2*time.Second)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Info().Str("addr", addr).Msg("🚀 gRPC health server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
