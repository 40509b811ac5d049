package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

// ProcessorQueue runs the cascade for queued runs on a fixed worker pool,
// each run under its own timeout. A run already waiting in the queue is not
// queued twice.
type ProcessorQueue struct {
	proc    RunProcessor
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[uuid.UUID]struct{}
}

type Option func(*ProcessorQueue)

// WithWorkers sets how many runs are processed at once.
func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets the buffer before Enqueue applies backpressure.
func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

// WithProcessTimeout bounds a single run.
func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewProcessorQueue(proc RunProcessor, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		proc:    proc,
		logger:  logger,
		workers: 2,
		timeout: 45 * time.Minute,
		ch:      make(chan Job, 64),
		pending: map[uuid.UUID]struct{}{},
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work(i + 1)
		}
		q.logger.Info("queue.started", "workers", q.workers, "capacity", cap(q.ch), "run_timeout_ms", q.timeout.Milliseconds())
	})
}

func (q *ProcessorQueue) work(workerID int) {
	defer q.wg.Done()
	for job := range q.ch {
		q.mu.Lock()
		delete(q.pending, job.RunID)
		q.mu.Unlock()
		q.process(workerID, job)
	}
}

func (q *ProcessorQueue) process(workerID int, job Job) {
	ctx := common.WithRunID(context.Background(), job.RunID.String())
	if job.TraceID != "" {
		ctx = common.WithRequestID(ctx, job.TraceID)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	log := q.logger.With("worker_id", workerID, "run_id", job.RunID, "trace_id", job.TraceID)
	if !job.SubmittedAt.IsZero() {
		log.Debug("queue.run.picked", "waited_ms", start.Sub(job.SubmittedAt).Milliseconds())
	}
	if err := q.proc.Process(ctx, job.RunID); err != nil {
		log.Error("queue.run.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return
	}
	log.Info("queue.run.done", "elapsed_ms", time.Since(start).Milliseconds())
}

// Enqueue blocks while the queue is full until ctx is done. Enqueueing a run
// that is still waiting is a no-op.
func (q *ProcessorQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("queue.enqueue.closed", "run_id", job.RunID)
		return ErrQueueClosed
	}
	if _, dup := q.pending[job.RunID]; dup {
		q.logger.Debug("queue.enqueue.duplicate", "run_id", job.RunID)
		return nil
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	select {
	case q.ch <- job:
	default:
		q.logger.Warn("queue.enqueue.backpressure", "run_id", job.RunID, "depth", len(q.ch))
		select {
		case q.ch <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.pending[job.RunID] = struct{}{}
	q.logger.Info("queue.enqueue.ok", "run_id", job.RunID, "depth", len(q.ch))
	return nil
}

// Shutdown stops intake and waits for queued runs to finish or ctx to end.
func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown.interrupted", "error", ctx.Err())
	case <-done:
		q.logger.Info("queue.shutdown.drained")
	}
}
