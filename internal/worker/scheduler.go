package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/internal/metrics"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// SchedulerConfig sets the cadences of the background loops. Zero values
// fall back to defaults; a negative interval disables that loop.
type SchedulerConfig struct {
	QueueDrainInterval  time.Duration
	QueueDrainBatch     int
	SparkInterval       time.Duration
	TripleEntryInterval time.Duration
	NewcomerInterval    time.Duration
	StipendInterval     time.Duration
	AwardsInterval      time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&c.QueueDrainInterval, 5*time.Second)
	def(&c.SparkInterval, time.Hour)
	def(&c.TripleEntryInterval, time.Hour)
	// Newcomer accruals expire after their 30-day window; a daily pass
	// keeps payouts inside it.
	def(&c.NewcomerInterval, 24*time.Hour)
	def(&c.StipendInterval, 24*time.Hour)
	def(&c.AwardsInterval, 10*time.Minute)
	if c.QueueDrainBatch <= 0 {
		c.QueueDrainBatch = 50
	}
	return c
}

// Scheduler owns the periodic loops: queue drain plus the fund sweeps.
// Each loop is one goroutine with its own ticker; Run blocks until the
// context cancels and every loop has stopped.
type Scheduler struct {
	engine *engine.Engine
	cfg    SchedulerConfig
	log    zerolog.Logger
}

func NewScheduler(eng *engine.Engine, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine: eng,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Run starts every enabled loop and blocks until ctx cancels.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("queue_drain", s.cfg.QueueDrainInterval).
		Dur("spark", s.cfg.SparkInterval).
		Dur("stipend", s.cfg.StipendInterval).
		Msg("starting background schedulers")

	var wg sync.WaitGroup
	loop := func(name string, every time.Duration, fn func(context.Context) error) {
		if every < 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := fn(ctx); err != nil && ctx.Err() == nil {
						s.log.Error().Err(err).Str("loop", name).Msg("scheduled pass failed")
					}
				}
			}
		}()
	}

	loop("queue_drain", s.cfg.QueueDrainInterval, s.drainQueue)
	loop("spark", s.cfg.SparkInterval, s.sweep(models.PoolSpark, s.engine.DistributeSpark))
	loop("triple_entry", s.cfg.TripleEntryInterval, s.sweep(models.PoolTripleEntry, s.engine.PayTripleEntry))
	loop("newcomer", s.cfg.NewcomerInterval, s.sweep(models.PoolNewcomerUpline, s.engine.DistributeNewcomerFunds))
	loop("stipend", s.cfg.StipendInterval, s.sweep(models.PoolLeadershipStipend, s.engine.PayLeadershipStipend))
	loop("awards", s.cfg.AwardsInterval, s.sweepAwards)

	wg.Wait()
	s.log.Info().Msg("schedulers stopped")
}

func (s *Scheduler) drainQueue(ctx context.Context) error {
	processed, err := s.engine.ProcessPendingUpgrades(ctx, s.cfg.QueueDrainBatch)
	if err != nil {
		return err
	}
	if processed > 0 {
		s.log.Info().Int("processed", processed).Msg("drained auto-upgrade queue")
	}
	if depth, err := s.engine.PendingQueueDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return nil
}

func (s *Scheduler) sweep(pool models.PoolName, fn func(context.Context) ([]models.LedgerEntry, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		written, err := fn(ctx)
		if err != nil {
			return err
		}
		if len(written) > 0 {
			s.log.Info().Str("pool", string(pool)).Int("payouts", len(written)).Msg("fund sweep complete")
		}
		return nil
	}
}

func (s *Scheduler) sweepAwards(ctx context.Context) error {
	written, err := s.engine.PayAwards(ctx)
	if err != nil {
		return err
	}
	if len(written) > 0 {
		s.log.Info().Int("payouts", len(written)).Msg("award sweep complete")
	}
	return nil
}
