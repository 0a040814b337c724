package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.NewMemStore(), engine.Config{MotherID: "mother"}, zerolog.Nop())
	if err := eng.Bootstrap(t.Context()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return eng
}

func TestDrainQueueEmptyStore(t *testing.T) {
	s := NewScheduler(newTestEngine(t), SchedulerConfig{}, zerolog.Nop())
	if err := s.drainQueue(t.Context()); err != nil {
		t.Fatalf("drainQueue: %v", err)
	}
}

func TestSweepLoopsRunOnce(t *testing.T) {
	s := NewScheduler(newTestEngine(t), SchedulerConfig{}, zerolog.Nop())
	for _, fn := range []func(context.Context) error{
		s.sweep("spark", s.engine.DistributeSpark),
		s.sweep("triple_entry", s.engine.PayTripleEntry),
		s.sweep("newcomer_upline", s.engine.DistributeNewcomerFunds),
		s.sweep("leadership_stipend", s.engine.PayLeadershipStipend),
		s.sweepAwards,
	} {
		if err := fn(t.Context()); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s := NewScheduler(newTestEngine(t), SchedulerConfig{
		QueueDrainInterval:  5 * time.Millisecond,
		SparkInterval:       -1,
		TripleEntryInterval: -1,
		NewcomerInterval:    -1,
		StipendInterval:     -1,
		AwardsInterval:      -1,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
