// Package worker runs the engine's background machinery: a partitioned
// dispatcher that serializes activations per (user, program), and the
// schedulers that drain the auto-upgrade queue and run fund sweeps on
// their cadences.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/engine"
)

// Dispatcher serializes work by partition key. Jobs sharing a key always
// land on the same worker and run FIFO; distinct keys proceed in
// parallel. Transient failures retry with backoff before surfacing.
type Dispatcher struct {
	partitions []chan job
	maxRetries int
	wg         sync.WaitGroup
	log        zerolog.Logger

	mu         sync.Mutex
	closed     bool
	submitters sync.WaitGroup
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewDispatcher starts workerCount partition workers. maxRetries bounds
// retries of transiently failing jobs.
func NewDispatcher(workerCount, maxRetries int, log zerolog.Logger) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	d := &Dispatcher{
		partitions: make([]chan job, workerCount),
		maxRetries: maxRetries,
		log:        log.With().Str("component", "dispatcher").Logger(),
	}
	for i := range d.partitions {
		ch := make(chan job, 64)
		d.partitions[i] = ch
		d.wg.Add(1)
		go d.worker(ch)
	}
	return d
}

func (d *Dispatcher) worker(jobs <-chan job) {
	defer d.wg.Done()
	for j := range jobs {
		j.done <- d.runWithRetry(j.ctx, j.fn)
	}
}

func (d *Dispatcher) runWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !engine.Retryable(err) || attempt >= d.maxRetries {
			return err
		}
		backoff := time.Duration(50*(1<<attempt)) * time.Millisecond
		d.log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying transient failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Do runs fn on the partition owning key and waits for its result. The
// caller's context cancels the wait, not a job already running.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return context.Canceled
	}
	d.submitters.Add(1)
	d.mu.Unlock()
	defer d.submitters.Done()

	h := fnv.New32a()
	h.Write([]byte(key))
	part := d.partitions[int(h.Sum32())%len(d.partitions)]

	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case part <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the partitions and stops the workers. Pending jobs finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.submitters.Wait()

	for _, ch := range d.partitions {
		close(ch)
	}
	d.wg.Wait()
}
