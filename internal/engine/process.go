package engine

import (
	"errors"
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/routing"
	"github.com/bitgpt/cascade-engine/internal/tree"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/google/uuid"
)

// txUplines adapts a transaction to the sweepover walk.
type txUplines struct {
	tx Tx
}

func (u txUplines) ReferrerOf(userID string) (string, bool, error) {
	usr, ok, err := u.tx.GetUser(userID)
	if err != nil || !ok {
		return "", false, err
	}
	if usr.ReferrerID == "" {
		return "", false, nil
	}
	return usr.ReferrerID, true, nil
}

func (u txUplines) SlotActive(p models.Program, slot int, userID string) (bool, error) {
	return u.tx.SlotActive(userID, p, slot)
}

// processActivation runs one activation event end to end inside the
// caller's transaction: idempotency check, sequence validation, tree
// placement, routing, ledger writes, and the cascade reactions (reserve
// triggers, matrix member counting and recycle, global phase advance,
// eligibility, rank). depth counts chained events above this one.
func (e *Engine) processActivation(tx Tx, ev models.ActivationEvent, depth int) (*models.EventOutcome, error) {
	if prior, found, err := tx.Outcome(ev.CorrelationID); err != nil {
		return nil, err
	} else if found {
		prior.Replayed = true
		return prior, nil
	}

	if ev.SlotNo < 1 || ev.SlotNo > catalog.MaxSlot(ev.Program) {
		return nil, fmt.Errorf("%w: %s has no slot %d", ErrValidation, ev.Program, ev.SlotNo)
	}
	active, err := tx.SlotActive(ev.UserID, ev.Program, ev.SlotNo)
	if err != nil {
		return nil, err
	}
	if active && ev.Type != models.ActivationRecycleReentry {
		return nil, fmt.Errorf("%w: %s %s slot %d", ErrAlreadyActive, ev.UserID, ev.Program, ev.SlotNo)
	}
	if ev.SlotNo > 1 {
		prevActive, err := tx.SlotActive(ev.UserID, ev.Program, ev.SlotNo-1)
		if err != nil {
			return nil, err
		}
		if !prevActive {
			return nil, fmt.Errorf("%w: %s slot %d requires slot %d", ErrOutOfSequence, ev.Program, ev.SlotNo, ev.SlotNo-1)
		}
	}

	user, ok, err := tx.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, ev.UserID)
	}

	// FirstInProgram must be read before this activation lands.
	highestBefore, err := tx.HighestSlot(ev.UserID, ev.Program)
	if err != nil {
		return nil, err
	}
	firstInProgram := highestBefore == 0 && ev.Type == models.ActivationInitial

	node, err := e.place(tx, ev, user)
	if err != nil {
		return nil, err
	}

	input, err := e.buildRoutingInput(tx, ev, user, node, firstInProgram)
	if err != nil {
		return nil, err
	}
	routed, err := routing.Route(*input)
	if err != nil {
		return nil, err
	}
	if e.shadow != nil {
		e.shadow.Observe(*input, routed)
	}
	if !routed.NetCredited().Equal(ev.Amount) {
		return nil, fmt.Errorf("%w: routed %s of %s for %s", ErrInvariant, routed.NetCredited(), ev.Amount, ev.CorrelationID)
	}

	if err := tx.AppendActivation(&models.SlotActivation{
		UserID:      ev.UserID,
		Program:     ev.Program,
		SlotNo:      ev.SlotNo,
		Type:        ev.Type,
		AmountPaid:  ev.Amount,
		TxHash:      ev.TxHash,
		ActivatedAt: ev.OccurredAt,
	}); err != nil {
		return nil, err
	}

	outcome := newOutcome(ev.Program, ev.UserID, ev.SlotNo)
	outcome.EventID = ev.EventID
	outcome.CorrelationID = ev.CorrelationID
	outcome.Replayed = false
	outcome.Placement = node
	outcome.Reserved = routed.Reserved

	if err := e.fundEvent(tx, ev, outcome); err != nil {
		return nil, err
	}
	if err := e.applyIntents(tx, ev, routed.Intents, outcome); err != nil {
		return nil, err
	}

	// Cascade reactions, nearest effect first. Matrix reserve credits
	// only arise from middle-position routes, which carry their own
	// trigger kind.
	for _, in := range routed.Intents {
		if in.Kind != models.KindReserveCredit {
			continue
		}
		trigger := models.TriggerReserve
		if ev.Program == models.ProgramMatrix && routed.Reserved {
			trigger = models.TriggerMiddleThree
		}
		if err := e.checkReserveTrigger(tx, in.UserID, ev.Program, in.TargetSlot, trigger, depth, outcome); err != nil {
			return nil, err
		}
	}
	if ev.Program == models.ProgramMatrix {
		if err := e.countMatrixMembers(tx, node, depth, outcome); err != nil {
			return nil, err
		}
	}
	if ev.Program == models.ProgramGlobal {
		if err := e.advancePhase(tx, input.Global.OwnerID, depth, outcome); err != nil {
			return nil, err
		}
		if err := e.rollOwnPhase(tx, ev.UserID, ev.SlotNo); err != nil {
			return nil, err
		}
	}
	if err := e.evaluateEligibility(tx, ev, user); err != nil {
		return nil, err
	}
	rank, err := e.recomputeRank(tx, ev.UserID, ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	outcome.Rank = rank

	if err := tx.SaveOutcome(outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// place resolves the placement root by sweepover and inserts the node.
func (e *Engine) place(tx Tx, ev models.ActivationEvent, user *models.User) (*models.TreeNode, error) {
	parentHint := user.ReferrerID
	if parentHint == "" {
		// Mother's own activations root their trees.
		return e.placeRoot(tx, ev)
	}

	rootID, _, found, err := tree.Sweepover(txUplines{tx}, ev.Program, ev.SlotNo, parentHint)
	if err != nil {
		return nil, err
	}
	if !found {
		rootID = e.cfg.MotherID
	}
	rootNode, ok, err := tx.Node(ev.Program, ev.SlotNo, rootID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: placement root %s has no node in %s slot %d", ErrInvariant, rootID, ev.Program, ev.SlotNo)
	}

	var parent models.NodeRef
	var pos int
	switch ev.Program {
	case models.ProgramBinary:
		parent, pos, err = tree.PlaceBinary(tx, ev.SlotNo, rootNode.Ref())
	case models.ProgramMatrix:
		parent, pos, err = tree.PlaceMatrix(tx, ev.SlotNo, rootNode.Ref())
		if errors.Is(err, tree.ErrSubtreeFull) {
			err = fmt.Errorf("%w: matrix tree under %s full without recycle", ErrInvariant, rootID)
		}
	default:
		// Global phase trees are flat: every member is a direct child of
		// the phase owner, in arrival order.
		children, cerr := tx.Children(ev.Program, ev.SlotNo, rootNode.Ref())
		if cerr != nil {
			return nil, cerr
		}
		parent, pos, err = rootNode.Ref(), len(children), nil
	}
	if err != nil {
		return nil, err
	}

	gen := 1
	if prev, ok, err := tx.Node(ev.Program, ev.SlotNo, ev.UserID); err != nil {
		return nil, err
	} else if ok {
		gen = prev.Generation + 1
	}

	node := &models.TreeNode{
		Program:    ev.Program,
		SlotNo:     ev.SlotNo,
		UserID:     ev.UserID,
		Generation: gen,
		ParentID:   parent.UserID,
		ParentGen:  parent.Gen,
		Position:   pos,
		PlacedAt:   ev.OccurredAt,
	}
	if err := tx.InsertNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// placeRoot inserts a parentless node for chain-root accounts.
func (e *Engine) placeRoot(tx Tx, ev models.ActivationEvent) (*models.TreeNode, error) {
	node := &models.TreeNode{
		Program:    ev.Program,
		SlotNo:     ev.SlotNo,
		UserID:     ev.UserID,
		Generation: 1,
		PlacedAt:   ev.OccurredAt,
	}
	if err := tx.InsertNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// buildRoutingInput resolves every placement and referral fact the
// routing decision tree consumes.
func (e *Engine) buildRoutingInput(tx Tx, ev models.ActivationEvent, user *models.User, node *models.TreeNode, first bool) (*routing.Input, error) {
	in := &routing.Input{
		Event:          ev,
		MotherID:       e.cfg.MotherID,
		ReferrerID:     user.ReferrerID,
		FirstInProgram: first,
	}
	if user.ReferrerID != "" {
		ref, ok, err := tx.GetUser(user.ReferrerID)
		if err != nil {
			return nil, err
		}
		if ok {
			in.MentorID = ref.ReferrerID
		}
	}

	switch ev.Program {
	case models.ProgramBinary:
		if ev.SlotNo == 1 {
			return in, nil
		}
		facts := &routing.BinaryFacts{}
		anc, ok, err := tree.AncestorOf(tx, node, ev.SlotNo)
		if err != nil {
			return nil, err
		}
		if ok {
			facts.AncestorID = anc.UserID
			facts.AncestorFound = true
			idx, found, err := tree.BFSIndexUnder(tx, ev.Program, ev.SlotNo, anc.Ref(), node.Ref(), ev.SlotNo, routing.ReserveWindow)
			if err != nil {
				return nil, err
			}
			facts.BFSIndex = idx
			facts.BFSIndexFound = found
			if ev.SlotNo < catalog.BinarySlots {
				facts.NextSlot = ev.SlotNo + 1
				facts.NextSlotActive, err = tx.SlotActive(anc.UserID, ev.Program, facts.NextSlot)
				if err != nil {
					return nil, err
				}
			}
		}
		in.Binary = facts

	case models.ProgramMatrix:
		facts := &routing.MatrixFacts{}
		super, ok, err := tree.AncestorOf(tx, node, 2)
		if err != nil {
			return nil, err
		}
		if ok {
			facts.SuperID = super.UserID
			facts.SuperFound = true
			facts.MiddlePosition = node.Position == 1
			highest, err := tx.HighestSlot(super.UserID, ev.Program)
			if err != nil {
				return nil, err
			}
			if highest > 0 && highest < catalog.MatrixSlots {
				facts.NextSlot = highest + 1
			}
		}
		in.Matrix = facts

	default:
		owner := node.ParentID
		facts := &routing.GlobalFacts{OwnerID: owner}
		highest, err := tx.HighestSlot(owner, ev.Program)
		if err != nil {
			return nil, err
		}
		if highest > 0 && highest < catalog.GlobalSlots {
			facts.OwnerNextSlot = highest + 1
		}
		in.Global = facts
	}

	chain, err := tree.UplineChain(tx, node, catalog.LevelDepth(ev.Program))
	if err != nil {
		return nil, err
	}
	for _, up := range chain {
		slotActive, err := tx.SlotActive(up.UserID, ev.Program, ev.SlotNo)
		if err != nil {
			return nil, err
		}
		directs, err := tx.DirectsCount(up.UserID, ev.Program)
		if err != nil {
			return nil, err
		}
		in.Uplines = append(in.Uplines, routing.Upline{
			UserID:     up.UserID,
			SlotActive: slotActive,
			Directs:    directs,
		})
	}
	return in, nil
}

// fundEvent appends the entry that pays for the activation itself: a
// reserve debit for auto-activations, a Mother debit for recycle
// re-entries. Join and upgrade amounts arrive as external payments and
// need no funding entry.
func (e *Engine) fundEvent(tx Tx, ev models.ActivationEvent, outcome *models.EventOutcome) error {
	switch ev.Type {
	case models.ActivationAuto:
		bal, err := tx.ReserveBalance(ev.UserID, ev.Program, ev.SlotNo)
		if err != nil {
			return err
		}
		if bal.LessThan(ev.Amount) {
			return fmt.Errorf("%w: reserve %s below price %s for %s slot %d", ErrInsufficientFunds, bal, ev.Amount, ev.Program, ev.SlotNo)
		}
		return e.appendEntry(tx, ev, outcome, &models.LedgerEntry{
			UserID:     ev.UserID,
			Kind:       models.KindReserveDebit,
			Amount:     ev.Amount,
			Reason:     models.ReasonReserveDebitAuto,
			TargetSlot: ev.SlotNo,
		})
	case models.ActivationRecycleReentry:
		return e.appendEntry(tx, ev, outcome, &models.LedgerEntry{
			UserID: e.cfg.MotherID,
			Kind:   models.KindWalletDebit,
			Amount: ev.Amount,
			Reason: models.ReasonRecycleReentry,
		})
	}
	return nil
}

// applyIntents turns routed intents into ledger entries and commission
// records, preserving enumeration order.
func (e *Engine) applyIntents(tx Tx, ev models.ActivationEvent, intents []models.LedgerIntent, outcome *models.EventOutcome) error {
	for _, in := range intents {
		entry := &models.LedgerEntry{
			UserID:     in.UserID,
			Kind:       in.Kind,
			Amount:     in.Amount,
			Reason:     in.Reason,
			Pool:       in.Pool,
			TargetSlot: in.TargetSlot,
			Level:      in.Level,
		}
		if in.Pool == models.PoolNewcomerUpline {
			entry.PoolOwnerID = in.UserID
		}
		if err := e.appendEntry(tx, ev, outcome, entry); err != nil {
			return err
		}
		if in.Kind == models.KindWalletCredit && in.UserID != "" && in.UserID != ev.UserID {
			if err := tx.AppendCommission(&models.CommissionEvent{
				EventID:      uuid.NewString(),
				PayerUserID:  ev.UserID,
				PayeeUserID:  in.UserID,
				Program:      ev.Program,
				SourceSlotNo: ev.SlotNo,
				Level:        in.Level,
				Amount:       in.Amount,
				Category:     in.Reason,
				CreatedAt:    ev.OccurredAt,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) appendEntry(tx Tx, ev models.ActivationEvent, outcome *models.EventOutcome, entry *models.LedgerEntry) error {
	entry.Program = ev.Program
	entry.Currency = ev.Currency
	entry.CorrelationID = ev.CorrelationID
	entry.SourceEventID = ev.EventID
	if entry.TS.IsZero() {
		entry.TS = ev.OccurredAt
	}
	if err := tx.AppendLedger(entry); err != nil {
		return err
	}
	outcome.Entries = append(outcome.Entries, *entry)
	return nil
}
