package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is the store health probe.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// HealthMonitor mirrors store reachability into a gRPC health server.
type HealthMonitor struct {
	db       Pinger
	health   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewHealthMonitor(db Pinger, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		db:       db,
		health:   health.NewServer(),
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Server returns the health service to register on a gRPC server.
func (m *HealthMonitor) Server() *health.Server { return m.health }

// Check pings the store once and publishes the result for the overall service.
func (m *HealthMonitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := m.db.HealthCheck(ctx, m.timeout); err != nil {
		m.logger.Warn("health.db.unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus("", status)
	return status
}

// Run checks immediately and then every interval until ctx is done, at which
// point the service is marked as shutting down.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
