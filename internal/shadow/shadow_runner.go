// Package shadow runs experimental routing rules in parallel against
// production events. No rule change affects live payouts immediately: a
// candidate rule set observes every routing input for a multi-week
// window, divergences are counted and logged, and only a clean drift
// report promotes the candidate.
package shadow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/routing"
)

// RouteFunc is a candidate routing rule set under evaluation.
type RouteFunc func(routing.Input) (*routing.Result, error)

// maxSamples bounds the retained divergence examples.
const maxSamples = 100

// Divergence captures one event where the candidate disagreed with
// production.
type Divergence struct {
	CorrelationID string          `json:"correlationId"`
	Program       string          `json:"program"`
	SlotNo        int             `json:"slotNo"`
	ProdReserved  bool            `json:"prodReserved"`
	CandReserved  bool            `json:"candReserved"`
	ProdIntents   int             `json:"prodIntents"`
	CandIntents   int             `json:"candIntents"`
	AmountDelta   decimal.Decimal `json:"amountDelta"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// Runner implements engine.ShadowObserver: it replays every routing
// input through the candidate rule set and records disagreements.
type Runner struct {
	candidate RouteFunc
	log       zerolog.Logger

	totalRuns   atomic.Int64
	divergences atomic.Int64
	errors      atomic.Int64

	mu      sync.Mutex
	samples []Divergence
}

// NewRunner builds a runner for the given candidate rule set.
func NewRunner(candidate RouteFunc, log zerolog.Logger) *Runner {
	return &Runner{
		candidate: candidate,
		log:       log.With().Str("component", "shadow").Logger(),
	}
}

// Observe runs the candidate beside the production result. Never fails;
// a candidate error is itself a divergence signal.
func (r *Runner) Observe(in routing.Input, production *routing.Result) {
	r.totalRuns.Add(1)

	cand, err := r.candidate(in)
	if err != nil {
		r.errors.Add(1)
		r.log.Warn().
			Err(err).
			Str("correlation_id", in.Event.CorrelationID).
			Msg("candidate rule set failed on production input")
		return
	}

	diff := Compare(production, cand)
	if diff.Identical {
		return
	}

	r.divergences.Add(1)
	d := Divergence{
		CorrelationID: in.Event.CorrelationID,
		Program:       string(in.Event.Program),
		SlotNo:        in.Event.SlotNo,
		ProdReserved:  production.Reserved,
		CandReserved:  cand.Reserved,
		ProdIntents:   len(production.Intents),
		CandIntents:   len(cand.Intents),
		AmountDelta:   diff.AbsAmountDelta,
		ObservedAt:    time.Now(),
	}
	r.log.Info().
		Str("correlation_id", d.CorrelationID).
		Str("program", d.Program).
		Int("slot", d.SlotNo).
		Str("amount_delta", d.AmountDelta.String()).
		Msg("shadow divergence")

	r.mu.Lock()
	if len(r.samples) < maxSamples {
		r.samples = append(r.samples, d)
	}
	r.mu.Unlock()
}

// DriftReport summarizes the observation window so far.
type DriftReport struct {
	TotalRuns      int64        `json:"totalRuns"`
	Divergences    int64        `json:"divergences"`
	CandidateFails int64        `json:"candidateFails"`
	DivergenceRate float64      `json:"divergenceRate"`
	Samples        []Divergence `json:"samples"`
}

// Report returns the current drift report.
func (r *Runner) Report() DriftReport {
	total := r.totalRuns.Load()
	div := r.divergences.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(div) / float64(total)
	}
	r.mu.Lock()
	samples := append([]Divergence(nil), r.samples...)
	r.mu.Unlock()
	return DriftReport{
		TotalRuns:      total,
		Divergences:    div,
		CandidateFails: r.errors.Load(),
		DivergenceRate: rate,
		Samples:        samples,
	}
}

// Reset clears the window, used when a new candidate is installed.
func (r *Runner) Reset() {
	r.totalRuns.Store(0)
	r.divergences.Store(0)
	r.errors.Store(0)
	r.mu.Lock()
	r.samples = nil
	r.mu.Unlock()
}
