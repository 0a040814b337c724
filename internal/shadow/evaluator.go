package shadow

import (
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/routing"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// Diff is the structural comparison of two routed results.
type Diff struct {
	Identical bool
	// AbsAmountDelta sums the absolute per-reason differences between
	// the two intent lists, a money-weighted distance between rule sets.
	AbsAmountDelta decimal.Decimal
}

// Compare measures how far a candidate result is from production. Two
// results are identical when the reserve decision matches and every
// reason bucket carries the same net amount.
func Compare(prod, cand *routing.Result) Diff {
	d := Diff{AbsAmountDelta: decimal.Zero}

	pt := reasonTotals(prod.Intents)
	ct := reasonTotals(cand.Intents)
	for reason, pv := range pt {
		d.AbsAmountDelta = d.AbsAmountDelta.Add(pv.Sub(ct[reason]).Abs())
	}
	for reason, cv := range ct {
		if _, seen := pt[reason]; !seen {
			d.AbsAmountDelta = d.AbsAmountDelta.Add(cv.Abs())
		}
	}

	d.Identical = prod.Reserved == cand.Reserved &&
		prod.ReserveTo == cand.ReserveTo &&
		prod.ReserveTarget == cand.ReserveTarget &&
		d.AbsAmountDelta.IsZero()
	return d
}

// reasonTotals folds an intent list into net amount per reason code.
// Debits count negative so funding entries cancel against their payouts.
func reasonTotals(intents []models.LedgerIntent) map[models.ReasonCode]decimal.Decimal {
	out := make(map[models.ReasonCode]decimal.Decimal, len(intents))
	for _, in := range intents {
		amt := in.Amount
		if in.Kind == models.KindWalletDebit || in.Kind == models.KindReserveDebit {
			amt = amt.Neg()
		}
		out[in.Reason] = out[in.Reason].Add(amt)
	}
	return out
}
