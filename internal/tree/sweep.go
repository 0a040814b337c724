package tree

import (
	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// Uplines is the referral-chain read surface sweepover walks. It is
// deliberately narrower than View: sweepover resolves eligibility by the
// referral graph, not by tree placement.
type Uplines interface {
	// ReferrerOf returns the direct referrer, or false for the chain root.
	ReferrerOf(userID string) (string, bool, error)
	// SlotActive reports whether the user has the slot active.
	SlotActive(program models.Program, slot int, userID string) (bool, error)
}

// Sweepover resolves the placement root for a new node: the designated
// parent if it holds the slot, else the nearest referral ancestor holding
// it, checked up to catalog.SweepoverMaxDepth hops above the parent.
// Returns the number of hops walked and false when no eligible ancestor
// exists within the cap; the caller then places under Mother.
func Sweepover(up Uplines, program models.Program, slot int, parentID string) (string, int, bool, error) {
	cur := parentID
	for hops := 0; hops <= catalog.SweepoverMaxDepth; hops++ {
		active, err := up.SlotActive(program, slot, cur)
		if err != nil {
			return "", hops, false, err
		}
		if active {
			return cur, hops, true, nil
		}
		next, ok, err := up.ReferrerOf(cur)
		if err != nil {
			return "", hops, false, err
		}
		if !ok {
			return "", hops, false, nil
		}
		cur = next
	}
	return "", catalog.SweepoverMaxDepth, false, nil
}
