package async

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks for one run to be processed.
type Job struct {
	RunID       uuid.UUID
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// RunProcessor executes the cascade for a run.
type RunProcessor interface {
	Process(ctx context.Context, runID uuid.UUID) error
}
