package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/takeoff-tracker/constants"

	"github.com/joseph-ayodele/takeoff-tracker/internal/async"
	"github.com/joseph-ayodele/takeoff-tracker/internal/corpus"
	"github.com/joseph-ayodele/takeoff-tracker/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		httpAddr, grpcAddr string
		watch              bool
		watchTrade         string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the review API and process queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := ctx.services(runCtx)
			if err != nil {
				return err
			}
			proc, err := ctx.processor(svc)
			if err != nil {
				return err
			}
			cfg := ctx.config
			logger := ctx.log()

			queue := async.NewProcessorQueue(proc, logger,
				async.WithWorkers(cfg.Queue.Workers),
				async.WithQueueSize(cfg.Queue.Size),
				async.WithProcessTimeout(cfg.Queue.RunTimeout.Duration),
			)
			defer queue.Shutdown(context.Background())
			go func() {
				if err := resumeQueued(runCtx, svc, queue); err != nil {
					logger.Warn("serve.resume_failed", "error", err)
				}
			}()

			if watch || cfg.Corpus.Watch {
				tradeInput := cfg.Corpus.WatchTrade
				if watchTrade != "" {
					tradeInput = watchTrade
				}
				trade, ok := constants.CanonicalizeTrade(tradeInput)
				if !ok {
					return fmt.Errorf("unknown watch trade %q", tradeInput)
				}
				w := &bidWatcher{runs: svc.runs, queue: queue, trade: trade, user: defaultUser(), logger: logger}
				go func() {
					err := w.watchCorpus(runCtx, corpus.WatchConfig{
						Base:        cfg.Corpus.BaseDir,
						Debounce:    cfg.Corpus.WatchDebounce.Duration,
						InitialScan: false,
					})
					if err != nil {
						logger.Error("serve.watch.failed", "base", cfg.Corpus.BaseDir, "error", err)
					}
				}()
			}

			api := server.NewServer(server.Deps{
				Runs:      svc.runs,
				Items:     svc.items,
				Instances: svc.instances,
				Review:    svc.review,
				Export:    svc.export,
				Queue:     queue,
			}, logger)

			listen := server.ListenConfig{
				HTTPAddr:       cfg.Server.HTTPAddr,
				GRPCAddr:       cfg.Server.GRPCAddr,
				HealthInterval: cfg.Server.HealthInterval.Duration,
			}
			if httpAddr != "" {
				listen.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				listen.GRPCAddr = grpcAddr
			}
			return server.Serve(runCtx, listen, api, svc.db, logger)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health listen address (overrides server.grpc_addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "start runs when PDFs land in a bid directory (overrides corpus.watch)")
	cmd.Flags().StringVar(&watchTrade, "watch-trade", "", "trade for watch-started runs (overrides corpus.watch_trade)")
	return cmd
}

// resumeQueued hands runs left queued by a previous process back to the pool.
func resumeQueued(ctx context.Context, svc *services, queue async.Queue) error {
	runs, err := svc.runs.List(ctx, "", 0)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status != constants.RunQueued {
			continue
		}
		if err := queue.Enqueue(ctx, async.Job{RunID: run.ID, SubmittedAt: time.Now().UTC()}); err != nil {
			return err
		}
	}
	return nil
}
