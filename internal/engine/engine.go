// Package engine orchestrates the activation cascade: placement, routing,
// ledger writes, auto-upgrade chaining, matrix recycle, fund eligibility
// and rank recomputation. One call into the engine is one transaction
// against the datastore.
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"context"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/metrics"
	"github.com/bitgpt/cascade-engine/internal/routing"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// MotherID is the system sink account; it is bootstrapped with every
	// slot active and absorbs unresolvable payouts.
	MotherID string
	// MaxChainDepth bounds in-transaction auto-upgrade and recycle
	// chaining; deeper links stay queued for the background worker.
	MaxChainDepth int
	// MaxRetries bounds worker retries of a transiently failing queue
	// item before it dead-letters.
	MaxRetries int
}

const (
	defaultMotherID      = "mother"
	defaultMaxChainDepth = 8
	defaultMaxRetries    = 5
)

func (c Config) withDefaults() Config {
	if c.MotherID == "" {
		c.MotherID = defaultMotherID
	}
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = defaultMaxChainDepth
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Broadcaster receives committed outcomes for live fan-out. Optional.
type Broadcaster interface {
	BroadcastOutcome(o *models.EventOutcome)
}

// PaymentVerifier checks an inbound payment before the cascade runs.
// Optional; absent means payments are trusted as declared.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txHash string, amount decimal.Decimal, currency string) error
}

// ShadowObserver sees every routing decision beside production. Observers
// must be side-effect free with respect to the transaction; they run
// experimental rule sets against live inputs without touching the ledger.
type ShadowObserver interface {
	Observe(in routing.Input, production *routing.Result)
}

// Engine is the transactional core. Safe for concurrent use as long as
// the datastore serializes conflicting transactions; callers are expected
// to serialize events per (user, program) through the dispatcher.
type Engine struct {
	store    Datastore
	cfg      Config
	log      zerolog.Logger
	hub      Broadcaster
	verifier PaymentVerifier
	shadow   ShadowObserver
	now      func() time.Time
	lastTS   atomic.Int64
}

// New builds an engine over the given datastore.
func New(store Datastore, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "engine").Logger(),
		now:   time.Now,
	}
}

// SetBroadcaster wires the live outcome stream.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.hub = b }

// SetVerifier wires inbound payment verification.
func (e *Engine) SetVerifier(v PaymentVerifier) { e.verifier = v }

// SetShadow wires a shadow routing observer.
func (e *Engine) SetShadow(s ShadowObserver) { e.shadow = s }

// MotherID returns the configured system sink account.
func (e *Engine) MotherID() string { return e.cfg.MotherID }

// monotonicTS returns a strictly increasing nanosecond timestamp for
// correlation ids minted inside one process.
func (e *Engine) monotonicTS() int64 {
	for {
		now := e.now().UnixNano()
		last := e.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if e.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

// JoinRequest is a first activation in a program. TS is the caller's
// monotonic timestamp; retries must resend the same TS so the correlation
// id matches and the replay returns the original outcome.
type JoinRequest struct {
	Program    models.Program  `json:"program"`
	UserID     string          `json:"userId"`
	ReferrerID string          `json:"referrerId"`
	TxHash     string          `json:"txHash"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	TS         int64           `json:"ts"`
}

// UpgradeRequest activates the user's next slot in a program.
type UpgradeRequest struct {
	Program    models.Program  `json:"program"`
	UserID     string          `json:"userId"`
	TargetSlot int             `json:"targetSlot"`
	TxHash     string          `json:"txHash"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	TS         int64           `json:"ts"`
}

// Join processes a user's entry into a program. Binary seeds slots 1 and
// 2 as two chained activation events inside one transaction; matrix and
// global seed slot 1.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*models.EventOutcome, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if req.UserID == e.cfg.MotherID {
		return nil, fmt.Errorf("%w: mother account cannot join", ErrValidation)
	}
	if !req.Program.Valid() {
		return nil, fmt.Errorf("%w: unknown program %q", ErrValidation, req.Program)
	}
	if req.Currency != "" && req.Currency != req.Program.Currency() {
		return nil, fmt.Errorf("%w: %s settles in %s, not %s", ErrValidation, req.Program, req.Program.Currency(), req.Currency)
	}
	join, err := catalog.JoinAmount(req.Program)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.Amount.Equal(join) {
		return nil, fmt.Errorf("%w: %s join requires %s %s, got %s", ErrValidation, req.Program, join, req.Program.Currency(), req.Amount)
	}
	if err := e.verifyPayment(ctx, req.TxHash, req.Amount, req.Program.Currency()); err != nil {
		return nil, err
	}

	ts := req.TS
	if ts == 0 {
		ts = e.monotonicTS()
	}

	var outcome *models.EventOutcome
	err = e.store.RunInTx(ctx, func(tx Tx) error {
		referrerID, isNew, err := e.resolveJoinUser(tx, req)
		if err != nil {
			return err
		}

		user, ok, err := tx.GetUser(req.UserID)
		if err != nil {
			return err
		}
		if ok && user.InProgram(req.Program) {
			// Replays of the same join return the original outcome; a
			// fresh request against an occupied program is a conflict.
			corr := models.CorrelationID(req.Program, req.UserID, 1, models.EventJoin, ts)
			if prior, found, err := tx.Outcome(corr); err != nil {
				return err
			} else if found {
				outcome = e.replayJoin(tx, req, prior, ts)
				return nil
			}
			return fmt.Errorf("%w: %s already joined %s", ErrAlreadyActive, req.UserID, req.Program)
		}

		if isNew {
			if err := tx.CreateUser(&models.User{
				ID:         req.UserID,
				ReferrerID: referrerID,
				JoinedAt:   e.now(),
			}); err != nil {
				return err
			}
		}
		if err := tx.SetProgramFlag(req.UserID, req.Program); err != nil {
			return err
		}
		directs, err := tx.AddDirect(referrerID, req.UserID, req.Program)
		if err != nil {
			return err
		}

		outcome = newOutcome(req.Program, req.UserID, 1)
		for _, seed := range joinSeeds(req.Program) {
			price, err := catalog.Price(req.Program, seed)
			if err != nil {
				return err
			}
			ev := models.ActivationEvent{
				EventID:       uuid.NewString(),
				Kind:          models.EventJoin,
				Program:       req.Program,
				UserID:        req.UserID,
				ReferrerID:    referrerID,
				SlotNo:        seed,
				Amount:        price,
				Currency:      req.Program.Currency(),
				TxHash:        req.TxHash,
				Type:          models.ActivationInitial,
				CorrelationID: models.CorrelationID(req.Program, req.UserID, seed, models.EventJoin, ts),
				OccurredAt:    e.now(),
			}
			out, err := e.processActivation(tx, ev, 0)
			if err != nil {
				return err
			}
			mergeOutcome(outcome, out)
		}

		// Binary partner trigger: the referrer reaching two direct
		// partners arms their next-slot upgrade.
		if req.Program == models.ProgramBinary && directs == 2 && referrerID != e.cfg.MotherID {
			if err := e.armPartnerUpgrade(tx, referrerID, 0); err != nil {
				return err
			}
		}
		// A new direct partner is what dream-matrix and award predicates
		// watch; re-evaluate the referrer.
		if err := e.evaluateAwards(tx, referrerID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		metrics.EventErrors.WithLabelValues(string(req.Program), Classify(err)).Inc()
		return nil, err
	}

	e.finish(outcome, "join")
	return outcome, nil
}

// Upgrade processes a manual upgrade to the user's next slot.
func (e *Engine) Upgrade(ctx context.Context, req UpgradeRequest) (*models.EventOutcome, error) {
	if !req.Program.Valid() {
		return nil, fmt.Errorf("%w: unknown program %q", ErrValidation, req.Program)
	}
	if req.Currency != "" && req.Currency != req.Program.Currency() {
		return nil, fmt.Errorf("%w: %s settles in %s, not %s", ErrValidation, req.Program, req.Program.Currency(), req.Currency)
	}
	if req.TargetSlot < 2 || req.TargetSlot > catalog.MaxSlot(req.Program) {
		return nil, fmt.Errorf("%w: %s has no upgrade slot %d", ErrValidation, req.Program, req.TargetSlot)
	}
	cost, err := catalog.UpgradeCost(req.Program, req.TargetSlot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.Amount.Equal(cost) {
		return nil, fmt.Errorf("%w: upgrading %s to slot %d requires %s %s, got %s", ErrValidation, req.Program, req.TargetSlot, cost, req.Program.Currency(), req.Amount)
	}
	if err := e.verifyPayment(ctx, req.TxHash, req.Amount, req.Program.Currency()); err != nil {
		return nil, err
	}

	ts := req.TS
	if ts == 0 {
		ts = e.monotonicTS()
	}
	corr := models.CorrelationID(req.Program, req.UserID, req.TargetSlot, models.EventUpgrade, ts)

	var outcome *models.EventOutcome
	err = e.store.RunInTx(ctx, func(tx Tx) error {
		user, ok, err := tx.GetUser(req.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, req.UserID)
		}
		if !user.InProgram(req.Program) {
			return fmt.Errorf("%w: %s has not joined %s", ErrOutOfSequence, req.UserID, req.Program)
		}

		if prior, found, err := tx.Outcome(corr); err != nil {
			return err
		} else if found {
			prior.Replayed = true
			outcome = prior
			return nil
		}

		active, err := tx.SlotActive(req.UserID, req.Program, req.TargetSlot)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: %s %s slot %d", ErrAlreadyActive, req.UserID, req.Program, req.TargetSlot)
		}
		highest, err := tx.HighestSlot(req.UserID, req.Program)
		if err != nil {
			return err
		}
		if req.TargetSlot != highest+1 {
			return fmt.Errorf("%w: next %s slot for %s is %d, not %d", ErrOutOfSequence, req.Program, req.UserID, highest+1, req.TargetSlot)
		}

		ev := models.ActivationEvent{
			EventID:       uuid.NewString(),
			Kind:          models.EventUpgrade,
			Program:       req.Program,
			UserID:        req.UserID,
			ReferrerID:    user.ReferrerID,
			SlotNo:        req.TargetSlot,
			Amount:        req.Amount,
			Currency:      req.Program.Currency(),
			TxHash:        req.TxHash,
			Type:          models.ActivationUpgrade,
			CorrelationID: corr,
			OccurredAt:    e.now(),
		}
		outcome, err = e.processActivation(tx, ev, 0)
		return err
	})
	if err != nil {
		metrics.EventErrors.WithLabelValues(string(req.Program), Classify(err)).Inc()
		return nil, err
	}

	e.finish(outcome, "upgrade")
	return outcome, nil
}

// resolveJoinUser figures out the effective referrer and whether the user
// row must be created. Unknown referrers are rejected; an absent one
// means Mother.
func (e *Engine) resolveJoinUser(tx Tx, req JoinRequest) (referrerID string, isNew bool, err error) {
	user, ok, err := tx.GetUser(req.UserID)
	if err != nil {
		return "", false, err
	}
	if ok {
		if req.ReferrerID != "" && req.ReferrerID != user.ReferrerID {
			return "", false, fmt.Errorf("%w: referrer mismatch for %s", ErrValidation, req.UserID)
		}
		return user.ReferrerID, false, nil
	}

	referrerID = req.ReferrerID
	if referrerID == "" {
		referrerID = e.cfg.MotherID
	}
	if referrerID == req.UserID {
		return "", false, fmt.Errorf("%w: self-referral", ErrValidation)
	}
	if _, found, err := tx.GetUser(referrerID); err != nil {
		return "", false, err
	} else if !found {
		return "", false, fmt.Errorf("%w: referrer %s", ErrNotFound, referrerID)
	}
	return referrerID, true, nil
}

// replayJoin reassembles the aggregate outcome of an already-committed
// join from its per-slot outcomes.
func (e *Engine) replayJoin(tx Tx, req JoinRequest, first *models.EventOutcome, ts int64) *models.EventOutcome {
	agg := newOutcome(req.Program, req.UserID, 1)
	mergeOutcome(agg, first)
	for _, seed := range joinSeeds(req.Program)[1:] {
		corr := models.CorrelationID(req.Program, req.UserID, seed, models.EventJoin, ts)
		if prior, found, err := tx.Outcome(corr); err == nil && found {
			mergeOutcome(agg, prior)
		}
	}
	agg.Replayed = true
	return agg
}

// joinSeeds lists the slots a join activates, in order.
func joinSeeds(p models.Program) []int {
	if p == models.ProgramBinary {
		return []int{1, 2}
	}
	return []int{1}
}

func (e *Engine) verifyPayment(ctx context.Context, txHash string, amount decimal.Decimal, currency string) error {
	if e.verifier == nil || txHash == "" {
		return nil
	}
	return e.verifier.VerifyPayment(ctx, txHash, amount, currency)
}

// finish emits post-commit logging, metrics and the live broadcast.
func (e *Engine) finish(o *models.EventOutcome, op string) {
	if o == nil {
		return
	}
	metrics.EventsProcessed.WithLabelValues(string(o.Program), op).Inc()
	for range o.ChainedSlots {
		metrics.AutoUpgrades.WithLabelValues(string(o.Program)).Inc()
	}
	if o.Recycled {
		metrics.Recycles.Inc()
	}
	e.log.Info().
		Str("user", o.UserID).
		Str("program", string(o.Program)).
		Int("slot", o.SlotNo).
		Bool("reserved", o.Reserved).
		Bool("replayed", o.Replayed).
		Int("entries", len(o.Entries)).
		Ints("chained", o.ChainedSlots).
		Msg(op + " processed")
	if e.hub != nil {
		e.hub.BroadcastOutcome(o)
	}
}

func newOutcome(p models.Program, userID string, slot int) *models.EventOutcome {
	return &models.EventOutcome{
		Program: p,
		UserID:  userID,
		SlotNo:  slot,
		// ANDed down by merges; an aggregate is a replay only if every
		// constituent event replayed.
		Replayed: true,
	}
}

// mergeOutcome folds a nested outcome into the aggregate.
func mergeOutcome(dst, src *models.EventOutcome) {
	if src == nil {
		return
	}
	if dst.EventID == "" {
		dst.EventID = src.EventID
		dst.CorrelationID = src.CorrelationID
		dst.SlotNo = src.SlotNo
		dst.Placement = src.Placement
	}
	dst.Entries = append(dst.Entries, src.Entries...)
	dst.ChainedSlots = append(dst.ChainedSlots, src.ChainedSlots...)
	dst.Reserved = dst.Reserved || src.Reserved
	dst.Recycled = dst.Recycled || src.Recycled
	if src.Rank > dst.Rank {
		dst.Rank = src.Rank
	}
	dst.Replayed = dst.Replayed && src.Replayed
}
