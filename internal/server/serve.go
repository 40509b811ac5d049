package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ListenConfig holds the listener addresses for Serve.
type ListenConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	HealthInterval time.Duration
}

// Serve runs the HTTP API, the gRPC health endpoint and the health monitor
// until ctx is cancelled or one of them fails.
func Serve(ctx context.Context, cfg ListenConfig, api http.Handler, db Pinger, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	monitor := NewHealthMonitor(db, cfg.HealthInterval, logger)
	healthpb.RegisterHealthServer(grpcServer, monitor.Server())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server.grpc.listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("server.http.listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		logger.Info("server.stopped")
		return err
	})
	return g.Wait()
}
