package llm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrent model calls across every run sharing the semaphore.
type Limiter struct {
	inner  Completer
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewLimiter wraps inner so that at most the semaphore's weight calls are in flight.
func NewLimiter(inner Completer, sem *semaphore.Weighted, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{inner: inner, sem: sem, logger: logger}
}

func (l *Limiter) Complete(ctx context.Context, req Request) (Completion, error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Completion{}, err
	}
	defer l.sem.Release(1)
	if waited := time.Since(start); waited > time.Second {
		l.logger.Debug("llm.limiter.waited", "op", req.Op, "wait_ms", waited.Milliseconds())
	}
	return l.inner.Complete(ctx, req)
}
