package engine

import (
	"context"
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/tree"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/google/uuid"
)

// countMatrixMembers bumps the member counter of every tree ancestor
// within the three counted levels. Placements under a frozen generation
// still land in the tree but no longer count toward it; an active
// generation reaching the full 39 recycles in the same transaction.
func (e *Engine) countMatrixMembers(tx Tx, node *models.TreeNode, depth int, outcome *models.EventOutcome) error {
	chain, err := tree.UplineChain(tx, node, tree.MatrixPlacementDepth)
	if err != nil {
		return err
	}
	for _, anc := range chain {
		count, ok, err := tx.BumpGenerationMembers(anc.UserID, node.SlotNo, anc.Generation)
		if err != nil {
			return err
		}
		if !ok || count < catalog.MatrixCycleSize {
			continue
		}
		if err := e.recycle(tx, anc, depth, outcome); err != nil {
			return err
		}
	}
	return nil
}

// recycle freezes a full matrix generation: snapshot the 39-member
// subtree, close the generation, and re-enter the owner as a fresh
// member of their upline's tree. Chain-root trees have no upline and
// simply reopen.
func (e *Engine) recycle(tx Tx, owner *models.TreeNode, depth int, outcome *models.EventOutcome) error {
	nodes, err := tree.CollectSubtree(tx, models.ProgramMatrix, owner.SlotNo, owner.Ref(), tree.MatrixPlacementDepth)
	if err != nil {
		return err
	}
	snapshotID := uuid.NewString()
	if err := tx.SaveSnapshot(snapshotID, nodes); err != nil {
		return err
	}
	next, err := tx.RecycleGeneration(owner.UserID, owner.SlotNo, owner.Generation, snapshotID)
	if err != nil {
		return err
	}
	outcome.Recycled = true
	e.log.Info().
		Str("user", owner.UserID).
		Int("slot", owner.SlotNo).
		Int("generation", owner.Generation).
		Int("next_generation", next.GenNo).
		Str("snapshot", snapshotID).
		Msg("matrix generation recycled")

	if owner.UserID == e.cfg.MotherID {
		return nil
	}

	ev := models.ActivationEvent{
		EventID:       uuid.NewString(),
		Kind:          models.EventRecycle,
		Program:       models.ProgramMatrix,
		UserID:        owner.UserID,
		SlotNo:        owner.SlotNo,
		Amount:        catalog.MustPrice(models.ProgramMatrix, owner.SlotNo),
		Currency:      models.ProgramMatrix.Currency(),
		Type:          models.ActivationRecycleReentry,
		CorrelationID: models.CorrelationID(models.ProgramMatrix, owner.UserID, owner.SlotNo, models.EventRecycle, e.monotonicTS()),
		OccurredAt:    e.now(),
	}
	reentered, err := e.processActivation(tx, ev, depth+1)
	if err != nil {
		return err
	}
	outcome.Entries = append(outcome.Entries, reentered.Entries...)
	outcome.ChainedSlots = append(outcome.ChainedSlots, reentered.ChainedSlots...)
	return nil
}

// EvaluateRecycle re-checks a matrix subtree against the recycle
// threshold by walking the tree rather than trusting the counter. It is
// safe to call repeatedly; a generation below 39 members or already
// frozen is left untouched.
func (e *Engine) EvaluateRecycle(ctx context.Context, userID string, slotNo int) (*models.EventOutcome, error) {
	if slotNo < 1 || slotNo > catalog.MatrixSlots {
		return nil, fmt.Errorf("%w: matrix has no slot %d", ErrValidation, slotNo)
	}
	outcome := newOutcome(models.ProgramMatrix, userID, slotNo)
	outcome.Replayed = false
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		node, ok, err := tx.Node(models.ProgramMatrix, slotNo, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no matrix slot %d tree", ErrNotFound, userID, slotNo)
		}
		gen, err := tx.CurrentGeneration(userID, slotNo)
		if err != nil {
			return err
		}
		if gen.GenNo != node.Generation || gen.Status != models.GenerationActive {
			return nil
		}
		count, err := tree.SubtreeCount(tx, models.ProgramMatrix, slotNo, node.Ref(), tree.MatrixPlacementDepth)
		if err != nil {
			return err
		}
		if count < catalog.MatrixCycleSize {
			return nil
		}
		return e.recycle(tx, node, 0, outcome)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}
