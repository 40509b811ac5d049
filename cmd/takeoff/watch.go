package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/async"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/corpus"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

// bidWatcher starts or re-queues a run whenever a bid directory settles.
type bidWatcher struct {
	runs   repository.RunRepository
	queue  async.Queue
	trade  constants.Trade
	user   string
	logger *slog.Logger
}

// watchCorpus consumes bid events until ctx is done.
func (b *bidWatcher) watchCorpus(ctx context.Context, cfg corpus.WatchConfig) error {
	bids, errs, err := corpus.WatchBids(ctx, cfg, b.logger)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case bid, ok := <-bids:
			if !ok {
				return nil
			}
			if err := b.handle(ctx, bid); err != nil {
				b.logger.Warn("serve.watch.run_failed", "bid_id", bid, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.logger.Warn("serve.watch.error", "error", err)
		}
	}
}

// handle creates the first run for a bid, re-queues a settled one and leaves
// queued or running runs alone.
func (b *bidWatcher) handle(ctx context.Context, bid string) error {
	existing, err := b.runs.List(ctx, bid, 0)
	if err != nil {
		return err
	}
	var latest *entity.Run
	for i := range existing {
		if existing[i].Trade == b.trade {
			latest = &existing[i]
			break
		}
	}

	var runID uuid.UUID
	switch {
	case latest == nil:
		run, err := b.runs.Create(ctx, entity.Run{BidID: bid, UserID: b.user, Trade: b.trade})
		if err != nil {
			return err
		}
		runID = run.ID
	case latest.Status == constants.RunQueued || latest.Status == constants.RunRunning:
		b.logger.Info("serve.watch.skip", "bid_id", bid, "run_id", latest.ID, "status", latest.Status)
		return nil
	default:
		if err := b.runs.Requeue(ctx, latest.ID); err != nil {
			if errors.Is(err, common.ErrConflict) {
				return nil
			}
			return err
		}
		runID = latest.ID
	}

	b.logger.Info("serve.watch.enqueue", "bid_id", bid, "run_id", runID, "trade", b.trade)
	return b.queue.Enqueue(ctx, async.Job{RunID: runID, SubmittedAt: time.Now().UTC()})
}
