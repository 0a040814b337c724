package engine

import (
	"context"
	"fmt"

	"github.com/bitgpt/cascade-engine/pkg/models"
)

// advancePhase bumps the owner's occupancy for a placement into their
// phase tree. Phase one completes at four members and rolls into phase
// two; phase two completes at eight and arms the owner's next-slot
// upgrade, funded by the level share their tree banked in reserve.
func (e *Engine) advancePhase(tx Tx, ownerID string, depth int, outcome *models.EventOutcome) error {
	if ownerID == "" {
		return nil
	}
	st, err := e.phaseStateFor(tx, ownerID)
	if err != nil {
		return err
	}
	st.MembersInPhase++
	if st.MembersInPhase >= st.Phase.Capacity() {
		completed := st.Phase
		st.MembersInPhase = 0
		if completed == models.PhaseOne {
			st.Phase = models.PhaseTwo
		} else {
			st.Phase = models.PhaseOne
		}
		e.log.Info().
			Str("user", ownerID).
			Int("slot", st.SlotNo).
			Str("phase", string(completed)).
			Msg("global phase completed")
		if completed == models.PhaseTwo {
			if err := e.armTriggeredUpgrade(tx, ownerID, models.ProgramGlobal, models.TriggerGlobalPhase, depth, outcome); err != nil {
				return err
			}
			// An inline-executed upgrade already rolled the owner onto a
			// fresh phase tree for the new slot; saving st here would
			// clobber it with the pre-upgrade slot number.
			if cur, ok, err := tx.PhaseState(ownerID); err != nil {
				return err
			} else if ok && cur.SlotNo > st.SlotNo {
				return nil
			}
		}
	}
	return tx.SavePhaseState(st)
}

// rollOwnPhase resets the activating user's own phase progression: a new
// slot opens a fresh phase-one tree.
func (e *Engine) rollOwnPhase(tx Tx, userID string, slotNo int) error {
	return tx.SavePhaseState(&models.GlobalPhaseState{
		UserID: userID,
		Phase:  models.PhaseOne,
		SlotNo: slotNo,
	})
}

func (e *Engine) phaseStateFor(tx Tx, userID string) (*models.GlobalPhaseState, error) {
	st, ok, err := tx.PhaseState(userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return st, nil
	}
	highest, err := tx.HighestSlot(userID, models.ProgramGlobal)
	if err != nil {
		return nil, err
	}
	if highest == 0 {
		highest = 1
	}
	return &models.GlobalPhaseState{
		UserID: userID,
		Phase:  models.PhaseOne,
		SlotNo: highest,
	}, nil
}

// ProgressGlobal re-evaluates a user's phase state against their current
// tree occupancy, re-arming a completed phase two whose upgrade was lost
// to the chain depth bound. Safe to call repeatedly.
func (e *Engine) ProgressGlobal(ctx context.Context, userID string) (*models.GlobalPhaseState, error) {
	var out *models.GlobalPhaseState
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		if _, ok, err := tx.GetUser(userID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		st, err := e.phaseStateFor(tx, userID)
		if err != nil {
			return err
		}
		highest, err := tx.HighestSlot(userID, models.ProgramGlobal)
		if err != nil {
			return err
		}
		if highest > 0 {
			outcome := newOutcome(models.ProgramGlobal, userID, highest+1)
			if err := e.checkReserveTrigger(tx, userID, models.ProgramGlobal, highest+1, models.TriggerGlobalPhase, 0, outcome); err != nil {
				return err
			}
		}
		if err := tx.SavePhaseState(st); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
