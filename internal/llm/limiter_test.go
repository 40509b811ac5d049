package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

type slowCompleter struct {
	inFlight int32
	peak     int32
}

func (s *slowCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return Completion{Text: "{}"}, nil
}

func TestLimiterCapsConcurrentCalls(t *testing.T) {
	inner := &slowCompleter{}
	lim := NewLimiter(inner, semaphore.NewWeighted(2), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lim.Complete(context.Background(), Request{Op: "test"}); err != nil {
				t.Errorf("Complete: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := atomic.LoadInt32(&inner.peak); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", peak)
	}
}

func TestLimiterHonoursCancellation(t *testing.T) {
	sem := semaphore.NewWeighted(1)
	if !sem.TryAcquire(1) {
		t.Fatal("could not pre-acquire semaphore")
	}
	lim := NewLimiter(&slowCompleter{}, sem, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lim.Complete(ctx, Request{}); err == nil {
		t.Fatal("expected context error while waiting for a slot")
	}
}
