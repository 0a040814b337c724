package engine

import (
	"context"
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/tree"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// ProgramStatus is one user's standing in one program.
type ProgramStatus struct {
	Joined      bool                   `json:"joined"`
	HighestSlot int                    `json:"highestSlot"`
	SlotName    string                 `json:"slotName,omitempty"`
	Directs     int                    `json:"directs"`
	NextSlot    int                    `json:"nextSlot,omitempty"`
	NextCost    decimal.Decimal        `json:"nextCost"`
	Reserve     decimal.Decimal        `json:"reserve"`
	Generation  *models.TreeGeneration `json:"generation,omitempty"`
}

// StatusReport aggregates a user's standing across programs, wallets and
// the auto-upgrade queue.
type StatusReport struct {
	User     *models.User                      `json:"user"`
	Rank     int                               `json:"rank"`
	Programs map[models.Program]*ProgramStatus `json:"programs"`
	Wallets  map[string]decimal.Decimal        `json:"wallets"`
	Pending  []models.QueueItem                `json:"pendingUpgrades"`
	Phase    *models.GlobalPhaseState          `json:"globalPhase,omitempty"`
}

// Status reports one user's standing across all programs.
func (e *Engine) Status(ctx context.Context, userID string) (*StatusReport, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	report := &StatusReport{
		Programs: make(map[models.Program]*ProgramStatus, 3),
		Wallets:  make(map[string]decimal.Decimal, 3),
	}
	err := e.store.View(ctx, func(tx Tx) error {
		user, ok, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		report.User = user

		if info, ok, err := tx.Rank(userID); err != nil {
			return err
		} else if ok {
			report.Rank = info.Rank
		}

		for _, p := range []models.Program{models.ProgramBinary, models.ProgramMatrix, models.ProgramGlobal} {
			ps := &ProgramStatus{Joined: user.InProgram(p)}
			report.Programs[p] = ps

			bal, err := tx.WalletBalance(userID, p.Currency())
			if err != nil {
				return err
			}
			report.Wallets[p.Currency()] = bal

			if !ps.Joined {
				continue
			}
			ps.HighestSlot, err = tx.HighestSlot(userID, p)
			if err != nil {
				return err
			}
			if ps.HighestSlot > 0 {
				if name, err := catalog.SlotName(p, ps.HighestSlot); err == nil {
					ps.SlotName = name
				}
			}
			ps.Directs, err = tx.DirectsCount(userID, p)
			if err != nil {
				return err
			}
			if ps.HighestSlot < catalog.MaxSlot(p) {
				ps.NextSlot = ps.HighestSlot + 1
				ps.NextCost, err = catalog.UpgradeCost(p, ps.NextSlot)
				if err != nil {
					return err
				}
				ps.Reserve, err = tx.ReserveBalance(userID, p, ps.NextSlot)
				if err != nil {
					return err
				}
			}
			if p == models.ProgramMatrix && ps.HighestSlot > 0 {
				gen, err := tx.CurrentGeneration(userID, ps.HighestSlot)
				if err != nil {
					return err
				}
				ps.Generation = gen
			}

			pending, err := tx.PendingUpgrades(userID, p)
			if err != nil {
				return err
			}
			report.Pending = append(report.Pending, pending...)
		}

		if user.InGlobal {
			if st, ok, err := tx.PhaseState(userID); err != nil {
				return err
			} else if ok {
				report.Phase = st
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// TreeReport is one subtree of a program/slot placement tree.
type TreeReport struct {
	Root       *models.TreeNode       `json:"root"`
	Generation *models.TreeGeneration `json:"generation,omitempty"`
	Members    int                    `json:"members"`
	Nodes      []*models.TreeNode     `json:"nodes"`
}

// TreeView returns the user's subtree in breadth-first order, depth
// limited. Matrix views include the current generation record.
func (e *Engine) TreeView(ctx context.Context, p models.Program, slot int, userID string, depth int) (*TreeReport, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown program %q", ErrValidation, p)
	}
	if slot < 1 || slot > catalog.MaxSlot(p) {
		return nil, fmt.Errorf("%w: %s has no slot %d", ErrValidation, p, slot)
	}
	if depth <= 0 {
		depth = tree.MatrixPlacementDepth
	}
	report := &TreeReport{}
	err := e.store.View(ctx, func(tx Tx) error {
		node, ok, err := tx.Node(p, slot, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no %s slot %d tree", ErrNotFound, userID, p, slot)
		}
		report.Root = node
		report.Nodes, err = tree.CollectSubtree(tx, p, slot, node.Ref(), depth)
		if err != nil {
			return err
		}
		report.Members = len(report.Nodes)
		if p == models.ProgramMatrix {
			report.Generation, err = tx.CurrentGeneration(userID, slot)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// LedgerOf returns a user's most recent ledger entries, newest first.
func (e *Engine) LedgerOf(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.LedgerEntry
	err := e.store.View(ctx, func(tx Tx) error {
		if _, ok, err := tx.GetUser(userID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		var err error
		entries, err = tx.EntriesForUser(userID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CommissionsOf returns a user's most recent commission events.
func (e *Engine) CommissionsOf(ctx context.Context, userID string, limit int) ([]models.CommissionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.CommissionEvent
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		events, err = tx.CommissionsFor(userID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// OutcomeOf returns the committed outcome for a correlation id.
func (e *Engine) OutcomeOf(ctx context.Context, correlationID string) (*models.EventOutcome, error) {
	var out *models.EventOutcome
	err := e.store.View(ctx, func(tx Tx) error {
		o, found, err := tx.Outcome(correlationID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: correlation %s", ErrNotFound, correlationID)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bootstrap seeds the Mother account: every slot in every program active,
// rooting every placement tree. No money moves; re-running is a no-op.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.store.RunInTx(ctx, func(tx Tx) error {
		if _, ok, err := tx.GetUser(e.cfg.MotherID); err != nil {
			return err
		} else if ok {
			return nil
		}
		now := e.now()
		if err := tx.CreateUser(&models.User{
			ID:       e.cfg.MotherID,
			JoinedAt: now,
			InBinary: true,
			InMatrix: true,
			InGlobal: true,
		}); err != nil {
			return err
		}
		for _, p := range []models.Program{models.ProgramBinary, models.ProgramMatrix, models.ProgramGlobal} {
			for slot := 1; slot <= catalog.MaxSlot(p); slot++ {
				if err := tx.AppendActivation(&models.SlotActivation{
					UserID:      e.cfg.MotherID,
					Program:     p,
					SlotNo:      slot,
					Type:        models.ActivationInitial,
					AmountPaid:  decimal.Zero,
					ActivatedAt: now,
				}); err != nil {
					return err
				}
				if err := tx.InsertNode(&models.TreeNode{
					Program:    p,
					SlotNo:     slot,
					UserID:     e.cfg.MotherID,
					Generation: 1,
					PlacedAt:   now,
				}); err != nil {
					return err
				}
			}
		}
		if _, err := e.recomputeRank(tx, e.cfg.MotherID, now); err != nil {
			return err
		}
		e.log.Info().Str("mother", e.cfg.MotherID).Msg("chain root bootstrapped")
		return nil
	})
}
