// Package routing decides, for one activation event, where the money
// goes: a single upline reserve or a percentage split across wallets and
// fund pools. Route is pure: the caller resolves every tree and referral
// fact up front, Route only enumerates ledger intents. All side effects
// stay with the ledger writer.
package routing

import (
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// ReserveWindow is the number of leading BFS positions under the slot-N
// ancestor that reserve-route a binary activation: the 1st and 2nd
// members feed the ancestor's next-slot reserve.
const ReserveWindow = 2

// Input carries one activation event plus the resolved placement and
// referral facts Route needs. Exactly one of Binary, Matrix, Global must
// match the event's program.
type Input struct {
	Event models.ActivationEvent

	// MotherID is the system sink account. Never empty.
	MotherID string
	// ReferrerID is the user's direct referrer; empty when the user roots
	// the referral chain (payouts then fall back to Mother).
	ReferrerID string
	// MentorID is the referrer's referrer, resolved by referral chain.
	MentorID string

	// FirstInProgram marks the user's very first activation in this
	// program; it gates the joining commission.
	FirstInProgram bool

	Binary *BinaryFacts
	Matrix *MatrixFacts
	Global *GlobalFacts

	// Uplines lists the placement-tree ancestors of the just-placed node,
	// level 1 first, as deep as the program's level table reaches or the
	// tree allows.
	Uplines []Upline
}

// BinaryFacts are the slot-N-tree facts behind the binary reserve test.
type BinaryFacts struct {
	// AncestorID is ancestor(user, binary, N, depth=N); found is false
	// when the tree is shallower than N.
	AncestorID    string
	AncestorFound bool
	// BFSIndex is the user's index among the ancestor's depth-N
	// descendants in the slot-N tree, BFS order; only indexes below
	// ReserveWindow matter.
	BFSIndex      int
	BFSIndexFound bool
	// NextSlot is N+1, or 0 when N is the last slot.
	NextSlot       int
	NextSlotActive bool
}

// MatrixFacts are the facts behind the matrix middle-route test.
type MatrixFacts struct {
	// SuperID is the placement grandparent (depth 2); found is false when
	// the node sits at depth 1 or roots the tree.
	SuperID    string
	SuperFound bool
	// MiddlePosition reports position 1 under the placement parent.
	MiddlePosition bool
	// NextSlot is the super-upline's next matrix slot, or 0 at the top.
	NextSlot       int
	NextSlotActive bool
}

// GlobalFacts identify the phase tree the activation filled.
type GlobalFacts struct {
	// OwnerID owns the phase tree the user was placed into.
	OwnerID string
	// OwnerNextSlot is the owner's next global slot, or 0 at the top.
	OwnerNextSlot int
}

// Upline is one placement-tree ancestor considered for level income.
type Upline struct {
	UserID string
	// SlotActive reports whether the upline holds the event's slot.
	SlotActive bool
	// Directs counts the upline's direct partners in the event's program.
	Directs int
}

// Result is the routed outcome: either a single reserve credit or the
// normal-distribution intent list, in deterministic order.
type Result struct {
	Reserved      bool
	ReserveTo     string
	ReserveTarget int
	Intents       []models.LedgerIntent
}

// NetCredited returns total credits minus total debits across the
// intents. It must equal the event amount exactly.
func (r *Result) NetCredited() decimal.Decimal {
	net := decimal.Zero
	for _, in := range r.Intents {
		switch in.Kind {
		case models.KindWalletDebit, models.KindReserveDebit:
			net = net.Sub(in.Amount)
		default:
			net = net.Add(in.Amount)
		}
	}
	return net
}

// Route runs the per-event decision tree and enumerates ledger intents.
func Route(in Input) (*Result, error) {
	ev := in.Event
	if !ev.Program.Valid() {
		return nil, fmt.Errorf("routing: unknown program %q", ev.Program)
	}
	if in.MotherID == "" {
		return nil, fmt.Errorf("routing: mother account unset")
	}
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("routing: non-positive amount %s", ev.Amount)
	}

	switch ev.Program {
	case models.ProgramBinary:
		if ev.SlotNo == 1 {
			return fullUpline(in), nil
		}
		if in.Binary == nil {
			return nil, fmt.Errorf("routing: binary facts missing for slot %d", ev.SlotNo)
		}
		if r := binaryReserve(in); r != nil {
			return r, nil
		}
		return normalBinary(in), nil
	case models.ProgramMatrix:
		if in.Matrix == nil {
			return nil, fmt.Errorf("routing: matrix facts missing for slot %d", ev.SlotNo)
		}
		if r := matrixMiddle(in); r != nil {
			return r, nil
		}
		return normalMatrix(in), nil
	default:
		if in.Global == nil {
			return nil, fmt.Errorf("routing: global facts missing for slot %d", ev.SlotNo)
		}
		return normalGlobal(in), nil
	}
}

// fullUpline is the binary slot-1 rule: everything to the direct upline's
// wallet, no pools, no partner split, no joining commission.
func fullUpline(in Input) *Result {
	payee, reason := in.ReferrerID, models.ReasonSlotActivationFull
	if payee == "" {
		payee, reason = in.MotherID, models.ReasonMotherFallback
	}
	return &Result{Intents: []models.LedgerIntent{{
		Kind:   models.KindWalletCredit,
		UserID: payee,
		Amount: in.Event.Amount,
		Reason: reason,
	}}}
}

// binaryReserve applies the slot-N (N >= 2) reserve test: the 1st or 2nd
// BFS member under the depth-N ancestor routes 100% to that ancestor's
// next-slot reserve, as long as the ancestor has not activated it yet.
func binaryReserve(in Input) *Result {
	f := in.Binary
	if !f.AncestorFound || !f.BFSIndexFound || f.BFSIndex >= ReserveWindow {
		return nil
	}
	if f.NextSlot == 0 || f.NextSlotActive {
		return nil
	}
	return &Result{
		Reserved:      true,
		ReserveTo:     f.AncestorID,
		ReserveTarget: f.NextSlot,
		Intents: []models.LedgerIntent{{
			Kind:       models.KindReserveCredit,
			UserID:     f.AncestorID,
			Amount:     in.Event.Amount,
			Reason:     models.ReasonReserveRoute,
			TargetSlot: f.NextSlot,
		}},
	}
}

// matrixMiddle applies the middle-route test: a level-2 middle-position
// placement under super-upline S routes 100% to S's next-slot reserve.
func matrixMiddle(in Input) *Result {
	f := in.Matrix
	if !f.SuperFound || !f.MiddlePosition {
		return nil
	}
	if f.NextSlot == 0 || f.NextSlotActive {
		return nil
	}
	return &Result{
		Reserved:      true,
		ReserveTo:     f.SuperID,
		ReserveTarget: f.NextSlot,
		Intents: []models.LedgerIntent{{
			Kind:       models.KindReserveCredit,
			UserID:     f.SuperID,
			Amount:     in.Event.Amount,
			Reason:     models.ReasonReserveRoute,
			TargetSlot: f.NextSlot,
		}},
	}
}

func normalBinary(in Input) *Result {
	amount := in.Event.Amount
	r := &Result{}

	r.add(fundCredit(models.PoolSpark, models.ReasonSparkFund, catalog.PercentOf(amount, catalog.BinarySparkPct)))
	r.add(fundCredit(models.PoolRoyalCaptain, models.ReasonRoyalCaptainFund, catalog.PercentOf(amount, catalog.BinaryRoyalCaptainPct)))
	r.add(fundCredit(models.PoolPresident, models.ReasonPresidentFund, catalog.PercentOf(amount, catalog.BinaryPresidentPct)))
	r.add(fundCredit(models.PoolLeadershipStipend, models.ReasonLeadershipStipendFund, catalog.PercentOf(amount, catalog.BinaryLeadershipPct)))
	r.add(fundCredit(models.PoolJackpot, models.ReasonJackpotFund, catalog.PercentOf(amount, catalog.BinaryJackpotPct)))
	r.add(walletOrMother(in, in.ReferrerID, models.ReasonPartnerIncentive, catalog.PercentOf(amount, catalog.BinaryPartnerPct)))
	r.add(fundCredit(models.PoolShareholders, models.ReasonShareholders, catalog.PercentOf(amount, catalog.BinaryShareholdersPct)))

	levelPool := catalog.PercentOf(amount, catalog.BinaryLevelPct)
	r.levels(in, models.ProgramBinary, levelPool)

	r.joiningCommission(in)
	return r
}

func normalMatrix(in Input) *Result {
	amount := in.Event.Amount
	r := &Result{}

	r.add(fundCredit(models.PoolSpark, models.ReasonSparkFund, catalog.PercentOf(amount, catalog.MatrixSparkPct)))
	r.add(fundCredit(models.PoolRoyalCaptain, models.ReasonRoyalCaptainFund, catalog.PercentOf(amount, catalog.MatrixRoyalCaptainPct)))
	r.add(fundCredit(models.PoolPresident, models.ReasonPresidentFund, catalog.PercentOf(amount, catalog.MatrixPresidentPct)))

	// Newcomer growth support: half instantly claimable by the joining
	// user, half accumulated in the direct upline's newcomer fund.
	newcomer := catalog.PercentOf(amount, catalog.MatrixNewcomerPct)
	instant := catalog.Half(newcomer)
	r.add(models.LedgerIntent{
		Kind:   models.KindWalletCredit,
		UserID: in.Event.UserID,
		Amount: instant,
		Reason: models.ReasonNewcomerInstant,
	})
	uplineFund := newcomer.Sub(instant)
	uplineID := in.ReferrerID
	if uplineID == "" {
		uplineID = in.MotherID
	}
	r.add(models.LedgerIntent{
		Kind:   models.KindFundCredit,
		UserID: uplineID,
		Pool:   models.PoolNewcomerUpline,
		Amount: uplineFund,
		Reason: models.ReasonNewcomerUplineFund,
	})

	r.add(walletOrMother(in, in.MentorID, models.ReasonMentorship, catalog.PercentOf(amount, catalog.MatrixMentorshipPct)))
	r.add(walletOrMother(in, in.ReferrerID, models.ReasonPartnerIncentive, catalog.PercentOf(amount, catalog.MatrixPartnerPct)))
	r.add(fundCredit(models.PoolShareholders, models.ReasonShareholders, catalog.PercentOf(amount, catalog.MatrixShareholdersPct)))

	levelPool := catalog.PercentOf(amount, catalog.MatrixLevelPct)
	r.levels(in, models.ProgramMatrix, levelPool)

	r.joiningCommission(in)
	return r
}

func normalGlobal(in Input) *Result {
	amount := in.Event.Amount
	f := in.Global
	r := &Result{}

	// Level share: the phase-tree owner's progression reserve, or the
	// owner's wallet once no further slot exists.
	level := catalog.PercentOf(amount, catalog.GlobalLevelPct)
	if f.OwnerNextSlot > 0 {
		r.add(models.LedgerIntent{
			Kind:       models.KindReserveCredit,
			UserID:     f.OwnerID,
			Amount:     level,
			Reason:     models.ReasonReserveRoute,
			TargetSlot: f.OwnerNextSlot,
		})
	} else {
		r.add(models.LedgerIntent{
			Kind:   models.KindWalletCredit,
			UserID: f.OwnerID,
			Amount: level,
			Reason: models.ReasonLevelDistribution,
			Level:  1,
		})
	}

	r.add(walletOrMother(in, in.ReferrerID, models.ReasonPartnerIncentive, catalog.PercentOf(amount, catalog.GlobalPartnerPct)))

	// Profit share pays the owner directly; the flat phase tree has a
	// single level.
	r.add(models.LedgerIntent{
		Kind:   models.KindWalletCredit,
		UserID: f.OwnerID,
		Amount: catalog.PercentOf(amount, catalog.GlobalProfitPct),
		Reason: models.ReasonLevelDistribution,
		Level:  1,
	})

	r.add(fundCredit(models.PoolRoyalCaptain, models.ReasonRoyalCaptainFund, catalog.PercentOf(amount, catalog.GlobalRoyalCaptainPct)))
	r.add(fundCredit(models.PoolPresident, models.ReasonPresidentFund, catalog.PercentOf(amount, catalog.GlobalPresidentPct)))
	r.add(fundCredit(models.PoolTripleEntry, models.ReasonTripleEntryFund, catalog.PercentOf(amount, catalog.GlobalTripleEntryPct)))
	r.add(fundCredit(models.PoolShareholders, models.ReasonShareholders, catalog.PercentOf(amount, catalog.GlobalShareholdersPct)))

	r.joiningCommission(in)
	return r
}

// levels splits the level pool across the program's placement-tree
// uplines. A present but ineligible binary upline diverts its share to
// the leadership stipend as missed profit; a missing binary upline does
// the same. Matrix misses fall back to Mother. The last level absorbs
// any residue so the pool always pays out exactly.
func (r *Result) levels(in Input, program models.Program, pool decimal.Decimal) {
	depth := catalog.LevelDepth(program)
	remaining := pool
	for lvl := 1; lvl <= depth; lvl++ {
		var share decimal.Decimal
		if lvl == depth {
			share = remaining
		} else {
			num, den, _ := catalog.LevelPercent(program, lvl)
			share = pool.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den))
			remaining = remaining.Sub(share)
		}
		if share.IsZero() {
			continue
		}

		var up *Upline
		if lvl <= len(in.Uplines) {
			up = &in.Uplines[lvl-1]
		}
		switch {
		case up != nil && eligibleForLevel(program, *up):
			r.add(models.LedgerIntent{
				Kind:   models.KindWalletCredit,
				UserID: up.UserID,
				Amount: share,
				Reason: models.ReasonLevelDistribution,
				Level:  lvl,
			})
		case program == models.ProgramBinary:
			r.add(models.LedgerIntent{
				Kind:   models.KindMissedProfit,
				Pool:   models.PoolLeadershipStipend,
				Amount: share,
				Reason: models.ReasonLeadershipMissedProfit,
				Level:  lvl,
			})
		default:
			r.add(models.LedgerIntent{
				Kind:   models.KindWalletCredit,
				UserID: in.MotherID,
				Amount: share,
				Reason: models.ReasonMotherFallback,
				Level:  lvl,
			})
		}
	}
}

// eligibleForLevel is the per-program level-income predicate: the upline
// must hold the slot, and binary additionally requires two direct
// partners.
func eligibleForLevel(program models.Program, up Upline) bool {
	if !up.SlotActive {
		return false
	}
	if program == models.ProgramBinary {
		return up.Directs >= 2
	}
	return true
}

// joiningCommission pays the direct referrer 10% on the user's first
// activation in a program, funded by Mother on top of the distribution.
// It never applies to reserve-routed events or the binary slot-1 rule,
// and has no recipient when the user roots the referral chain.
func (r *Result) joiningCommission(in Input) {
	if !in.FirstInProgram || in.ReferrerID == "" {
		return
	}
	jc := catalog.PercentOf(in.Event.Amount, catalog.JoiningCommissionPct)
	r.add(models.LedgerIntent{
		Kind:   models.KindWalletDebit,
		UserID: in.MotherID,
		Amount: jc,
		Reason: models.ReasonJoiningCommission,
	})
	r.add(models.LedgerIntent{
		Kind:   models.KindWalletCredit,
		UserID: in.ReferrerID,
		Amount: jc,
		Reason: models.ReasonJoiningCommission,
	})
}

func (r *Result) add(i models.LedgerIntent) {
	r.Intents = append(r.Intents, i)
}

func fundCredit(pool models.PoolName, reason models.ReasonCode, amount decimal.Decimal) models.LedgerIntent {
	return models.LedgerIntent{
		Kind:   models.KindFundCredit,
		Pool:   pool,
		Amount: amount,
		Reason: reason,
	}
}

// walletOrMother credits the payee's wallet, substituting Mother with the
// fallback reason when the intended recipient cannot be resolved.
func walletOrMother(in Input, payee string, reason models.ReasonCode, amount decimal.Decimal) models.LedgerIntent {
	if payee == "" {
		return models.LedgerIntent{
			Kind:   models.KindWalletCredit,
			UserID: in.MotherID,
			Amount: amount,
			Reason: models.ReasonMotherFallback,
		}
	}
	return models.LedgerIntent{
		Kind:   models.KindWalletCredit,
		UserID: payee,
		Amount: amount,
		Reason: reason,
	}
}
