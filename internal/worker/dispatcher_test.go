package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/engine"
)

func TestDispatcherSerializesByKey(t *testing.T) {
	d := NewDispatcher(4, 1, zerolog.Nop())
	defer d.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), "alice/binary", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger submissions so FIFO order is observable.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 20 {
		t.Fatalf("ran %d jobs, want 20", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("jobs for one key ran out of order: %v", order)
		}
	}
}

func TestDispatcherParallelAcrossKeys(t *testing.T) {
	d := NewDispatcher(8, 1, zerolog.Nop())
	defer d.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), key, func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want distinct keys to overlap", peak.Load())
	}
}

func TestDispatcherRetriesTransient(t *testing.T) {
	d := NewDispatcher(1, 3, zerolog.Nop())
	defer d.Close()

	var attempts atomic.Int32
	err := d.Do(context.Background(), "k", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("%w: wait", engine.ErrTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatcherDoesNotRetryValidation(t *testing.T) {
	d := NewDispatcher(1, 3, zerolog.Nop())
	defer d.Close()

	var attempts atomic.Int32
	err := d.Do(context.Background(), "k", func(ctx context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("%w: bad input", engine.ErrValidation)
	})
	if err == nil {
		t.Fatal("want error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDispatcherCloseRejectsNewWork(t *testing.T) {
	d := NewDispatcher(2, 1, zerolog.Nop())
	d.Close()

	err := d.Do(context.Background(), "k", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("Do after Close should fail")
	}
}
