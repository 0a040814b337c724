// Package audit sweeps the ledger stream and re-verifies the cascade's
// accounting invariants after the fact: no reserve ever went negative, no
// member wallet ever went negative, every write carries a known reason,
// and each event's entries sit contiguously in the stream. Findings are
// operational alerts, not recoveries; the ledger is append-only and a
// finding means an engine bug.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

const pageSize = 500

// Finding is one detected invariant breach.
type Finding struct {
	Seq           int64           `json:"seq"`
	Check         string          `json:"check"`
	UserID        string          `json:"userId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Detail        string          `json:"detail"`
	Timestamp     string          `json:"timestamp"`
}

// Progress is the auditor's state for the API.
type Progress struct {
	IsRunning     bool  `json:"isRunning"`
	CurrentSeq    int64 `json:"currentSeq"`
	TotalScanned  int64 `json:"totalScanned"`
	TotalFindings int64 `json:"totalFindings"`
}

// Auditor walks ledger seq ranges asynchronously. One sweep at a time;
// progress reads are safe concurrently.
type Auditor struct {
	store     engine.Datastore
	motherID  string
	log       zerolog.Logger
	alertFunc func(Finding) // optional broadcast callback

	currentSeq    atomic.Int64
	totalScanned  atomic.Int64
	totalFindings atomic.Int64
	isRunning     atomic.Bool
}

// New builds an idle auditor. alertFunc may be nil.
func New(store engine.Datastore, motherID string, log zerolog.Logger, alertFunc func(Finding)) *Auditor {
	return &Auditor{
		store:     store,
		motherID:  motherID,
		log:       log.With().Str("component", "audit").Logger(),
		alertFunc: alertFunc,
	}
}

// GetProgress returns the current sweep progress (thread-safe).
func (a *Auditor) GetProgress() Progress {
	return Progress{
		IsRunning:     a.isRunning.Load(),
		CurrentSeq:    a.currentSeq.Load(),
		TotalScanned:  a.totalScanned.Load(),
		TotalFindings: a.totalFindings.Load(),
	}
}

// SweepRange audits the stream from afterSeq (exclusive) to the current
// head, asynchronously. Returns false when a sweep is already running.
func (a *Auditor) SweepRange(ctx context.Context, afterSeq int64) bool {
	if a.isRunning.Load() {
		a.log.Warn().Msg("sweep already in progress, ignoring duplicate request")
		return false
	}

	a.isRunning.Store(true)
	a.totalScanned.Store(0)
	a.totalFindings.Store(0)

	go func() {
		defer a.isRunning.Store(false)
		start := time.Now()
		findings, scanned, err := a.sweep(ctx, afterSeq)
		if err != nil {
			a.log.Error().Err(err).Msg("sweep aborted")
			return
		}
		a.log.Info().
			Int64("scanned", scanned).
			Int("findings", findings).
			Dur("elapsed", time.Since(start)).
			Msg("ledger sweep complete")
	}()
	return true
}

// balances tracks the running projections a prefix-order walk maintains.
type balances struct {
	reserves map[reserveKey]decimal.Decimal
	wallets  map[walletKey]decimal.Decimal
}

type reserveKey struct {
	userID  string
	program models.Program
	target  int
}

type walletKey struct {
	userID   string
	currency string
}

func (a *Auditor) sweep(ctx context.Context, afterSeq int64) (int, int64, error) {
	bal := &balances{
		reserves: make(map[reserveKey]decimal.Decimal),
		wallets:  make(map[walletKey]decimal.Decimal),
	}
	findings := 0
	var scanned int64
	// Contiguity: once a correlation id's run of entries ends, it must
	// never resume later in the stream.
	lastCorr := ""
	closedCorr := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return findings, scanned, ctx.Err()
		default:
		}

		var page []models.LedgerEntry
		err := a.store.View(ctx, func(tx engine.Tx) error {
			var err error
			page, err = tx.LedgerRange(afterSeq, pageSize)
			return err
		})
		if err != nil {
			return findings, scanned, err
		}
		if len(page) == 0 {
			return findings, scanned, nil
		}

		for i := range page {
			e := &page[i]
			afterSeq = e.Seq
			scanned++
			a.currentSeq.Store(e.Seq)
			a.totalScanned.Store(scanned)

			if e.CorrelationID != lastCorr {
				if closedCorr[e.CorrelationID] {
					findings++
					a.report(Finding{
						Seq:           e.Seq,
						Check:         "event_contiguity",
						CorrelationID: e.CorrelationID,
						Amount:        e.Amount,
						Detail:        "entries of one event must be contiguous in the stream",
						Timestamp:     e.TS.Format(time.RFC3339),
					})
				}
				if lastCorr != "" {
					closedCorr[lastCorr] = true
				}
				lastCorr = e.CorrelationID
			}

			for _, f := range a.checkEntry(e, bal) {
				findings++
				a.report(f)
			}
		}
	}
}

// checkEntry applies the per-entry checks and advances the projections.
func (a *Auditor) checkEntry(e *models.LedgerEntry, bal *balances) []Finding {
	var out []Finding
	ts := e.TS.Format(time.RFC3339)

	if !knownReason(e.Reason) {
		out = append(out, Finding{
			Seq:           e.Seq,
			Check:         "reason_vocabulary",
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
			Amount:        e.Amount,
			Detail:        "reason code " + string(e.Reason) + " is outside the closed vocabulary",
			Timestamp:     ts,
		})
	}
	if !e.Amount.IsPositive() {
		out = append(out, Finding{
			Seq:           e.Seq,
			Check:         "positive_amount",
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
			Amount:        e.Amount,
			Detail:        "ledger amounts are strictly positive; direction lives in the kind",
			Timestamp:     ts,
		})
	}

	switch e.Kind {
	case models.KindReserveCredit:
		k := reserveKey{e.UserID, e.Program, e.TargetSlot}
		bal.reserves[k] = bal.reserves[k].Add(e.Amount)
	case models.KindReserveDebit:
		k := reserveKey{e.UserID, e.Program, e.TargetSlot}
		next := bal.reserves[k].Sub(e.Amount)
		bal.reserves[k] = next
		if next.IsNegative() {
			out = append(out, Finding{
				Seq:           e.Seq,
				Check:         "reserve_non_negative",
				UserID:        e.UserID,
				CorrelationID: e.CorrelationID,
				Amount:        next,
				Detail:        "reserve balance went negative",
				Timestamp:     ts,
			})
		}
	case models.KindWalletCredit:
		k := walletKey{e.UserID, e.Currency}
		bal.wallets[k] = bal.wallets[k].Add(e.Amount)
	case models.KindWalletDebit:
		k := walletKey{e.UserID, e.Currency}
		bal.wallets[k] = bal.wallets[k].Sub(e.Amount)
		// Mother is the system sink and legitimately runs negative; any
		// member wallet below zero is an engine bug.
		if e.UserID != a.motherID && bal.wallets[k].IsNegative() {
			out = append(out, Finding{
				Seq:           e.Seq,
				Check:         "wallet_non_negative",
				UserID:        e.UserID,
				CorrelationID: e.CorrelationID,
				Amount:        bal.wallets[k],
				Detail:        "member wallet balance went negative",
				Timestamp:     ts,
			})
		}
	}
	return out
}

func (a *Auditor) report(f Finding) {
	a.totalFindings.Add(1)
	a.log.Warn().
		Int64("seq", f.Seq).
		Str("check", f.Check).
		Str("user", f.UserID).
		Str("correlation_id", f.CorrelationID).
		Str("detail", f.Detail).
		Msg("ledger finding")
	if a.alertFunc != nil {
		a.alertFunc(f)
	}
}

var reasonSet = map[models.ReasonCode]bool{
	models.ReasonJoiningCommission:      true,
	models.ReasonPartnerIncentive:       true,
	models.ReasonLevelDistribution:      true,
	models.ReasonReserveRoute:           true,
	models.ReasonReserveDebitAuto:       true,
	models.ReasonSlotActivationFull:     true,
	models.ReasonSparkFund:              true,
	models.ReasonRoyalCaptainFund:       true,
	models.ReasonPresidentFund:          true,
	models.ReasonLeadershipStipendFund:  true,
	models.ReasonLeadershipMissedProfit: true,
	models.ReasonJackpotFund:            true,
	models.ReasonNewcomerInstant:        true,
	models.ReasonNewcomerUplineFund:     true,
	models.ReasonMentorship:             true,
	models.ReasonShareholders:           true,
	models.ReasonTripleEntryFund:        true,
	models.ReasonMotherFallback:         true,
	models.ReasonAutoUpgradeChain:       true,
	models.ReasonRecycleReentry:         true,
}

func knownReason(r models.ReasonCode) bool {
	return reasonSet[r]
}
