package engine

import (
	"context"
	"fmt"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// checkReserveTrigger runs after a reserve credit lands for (user,
// program, target). If an armed queue item already exists it is reused;
// otherwise one is created once the balance covers the target's price.
// Funded items execute inline while depth stays under the chain bound,
// and are left pending for the worker beyond it.
func (e *Engine) checkReserveTrigger(tx Tx, userID string, p models.Program, target int, trigger models.TriggerKind, depth int, outcome *models.EventOutcome) error {
	if target < 1 || target > catalog.MaxSlot(p) {
		return nil
	}
	active, err := tx.SlotActive(userID, p, target)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	highest, err := tx.HighestSlot(userID, p)
	if err != nil {
		return err
	}
	if target != highest+1 {
		return nil
	}
	price, err := catalog.Price(p, target)
	if err != nil {
		return err
	}
	bal, err := tx.ReserveBalance(userID, p, target)
	if err != nil {
		return err
	}

	item, err := findPendingFor(tx, userID, p, target)
	if err != nil {
		return err
	}

	if bal.LessThan(price) {
		// Not funded yet. An armed item just tracks the accumulation; an
		// unarmed target waits for the balance to reach the price.
		if item != nil {
			item.Available = bal
			item.UpdatedAt = e.now()
			return tx.UpdateQueueItem(item)
		}
		return nil
	}

	if item == nil {
		if depth > 0 && trigger == models.TriggerReserve {
			trigger = models.TriggerChain
		}
		item = e.newQueueItem(userID, p, highest, target, price, trigger)
		if err := tx.EnqueueUpgrade(item); err != nil {
			return err
		}
	}
	item.Available = bal
	if depth >= e.cfg.MaxChainDepth {
		item.UpdatedAt = e.now()
		if err := tx.UpdateQueueItem(item); err != nil {
			return err
		}
		e.log.Debug().
			Str("user", userID).
			Str("program", string(p)).
			Int("target", target).
			Int("depth", depth).
			Msg("chain depth reached, upgrade left queued")
		return nil
	}
	return e.executeQueueItem(tx, item, depth, outcome)
}

// armTriggeredUpgrade arms the next-slot upgrade for a non-reserve
// trigger (partner count, matrix middle fill, global phase completion).
// A funded arm executes immediately; an unfunded one stays pending until
// reserve credits catch up.
func (e *Engine) armTriggeredUpgrade(tx Tx, userID string, p models.Program, trigger models.TriggerKind, depth int, outcome *models.EventOutcome) error {
	highest, err := tx.HighestSlot(userID, p)
	if err != nil {
		return err
	}
	if highest == 0 || highest >= catalog.MaxSlot(p) {
		return nil
	}
	target := highest + 1
	if item, err := findPendingFor(tx, userID, p, target); err != nil {
		return err
	} else if item != nil {
		return e.checkReserveTrigger(tx, userID, p, target, trigger, depth, outcome)
	}
	price, err := catalog.Price(p, target)
	if err != nil {
		return err
	}
	bal, err := tx.ReserveBalance(userID, p, target)
	if err != nil {
		return err
	}
	item := e.newQueueItem(userID, p, highest, target, price, trigger)
	item.Available = bal
	if err := tx.EnqueueUpgrade(item); err != nil {
		return err
	}
	if bal.LessThan(price) {
		return nil
	}
	if depth >= e.cfg.MaxChainDepth {
		return nil
	}
	return e.executeQueueItem(tx, item, depth, outcome)
}

// armPartnerUpgrade handles the binary partner trigger: a referrer
// reaching two direct partners arms the next-slot upgrade, funded by the
// reserve those partners' activations accumulated.
func (e *Engine) armPartnerUpgrade(tx Tx, userID string, depth int) error {
	outcome := newOutcome(models.ProgramBinary, userID, 0)
	return e.armTriggeredUpgrade(tx, userID, models.ProgramBinary, models.TriggerPartner, depth, outcome)
}

func (e *Engine) newQueueItem(userID string, p models.Program, highest, target int, price decimal.Decimal, trigger models.TriggerKind) *models.QueueItem {
	now := e.now()
	return &models.QueueItem{
		ItemID:        uuid.NewString(),
		UserID:        userID,
		Program:       p,
		CurrentSlot:   highest,
		TargetSlot:    target,
		Cost:          price,
		Available:     price,
		Status:        models.QueuePending,
		Trigger:       trigger,
		CorrelationID: models.CorrelationID(p, userID, target, models.EventAuto, e.monotonicTS()),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func findPendingFor(tx Tx, userID string, p models.Program, target int) (*models.QueueItem, error) {
	pending, err := tx.PendingUpgrades(userID, p)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].TargetSlot == target {
			return &pending[i], nil
		}
	}
	return nil, nil
}

// executeQueueItem runs one armed auto-upgrade inside the transaction:
// the activation event it emits debits the reserve and routes through the
// normal cascade. Chaining above it is bounded by the depth the caller
// carries.
func (e *Engine) executeQueueItem(tx Tx, item *models.QueueItem, depth int, outcome *models.EventOutcome) error {
	item.Status = models.QueueProcessing
	item.UpdatedAt = e.now()
	if err := tx.UpdateQueueItem(item); err != nil {
		return err
	}

	// The armed event may already have run, or the slot may have been
	// activated by a manual upgrade since arming.
	if _, found, err := tx.Outcome(item.CorrelationID); err != nil {
		return err
	} else if found {
		item.Status = models.QueueCompleted
		item.UpdatedAt = e.now()
		return tx.UpdateQueueItem(item)
	}
	active, err := tx.SlotActive(item.UserID, item.Program, item.TargetSlot)
	if err != nil {
		return err
	}
	if active {
		item.Status = models.QueueVoided
		item.UpdatedAt = e.now()
		return tx.UpdateQueueItem(item)
	}

	ev := models.ActivationEvent{
		EventID:       uuid.NewString(),
		Kind:          models.EventAuto,
		Program:       item.Program,
		UserID:        item.UserID,
		SlotNo:        item.TargetSlot,
		Amount:        item.Cost,
		Currency:      item.Program.Currency(),
		Type:          models.ActivationAuto,
		CorrelationID: item.CorrelationID,
		OccurredAt:    e.now(),
	}
	chained, err := e.processActivation(tx, ev, depth+1)
	if err != nil {
		return err
	}

	item.Status = models.QueueCompleted
	item.UpdatedAt = e.now()
	if err := tx.UpdateQueueItem(item); err != nil {
		return err
	}

	outcome.ChainedSlots = append(outcome.ChainedSlots, item.TargetSlot)
	outcome.ChainedSlots = append(outcome.ChainedSlots, chained.ChainedSlots...)
	outcome.Entries = append(outcome.Entries, chained.Entries...)
	outcome.Recycled = outcome.Recycled || chained.Recycled
	return nil
}

// ProcessPendingUpgrades drains queued auto-upgrades left behind by the
// chain depth bound or by unfunded arms. Each item runs in its own
// transaction; transient failures back off via retry_count and
// dead-letter after the configured maximum.
func (e *Engine) ProcessPendingUpgrades(ctx context.Context, limit int) (int, error) {
	var items []models.QueueItem
	if err := e.store.View(ctx, func(tx Tx) error {
		var err error
		items, err = tx.PendingQueueItems(limit)
		return err
	}); err != nil {
		return 0, err
	}

	processed := 0
	for i := range items {
		item := items[i]
		err := e.store.RunInTx(ctx, func(tx Tx) error {
			current, err := findPendingFor(tx, item.UserID, item.Program, item.TargetSlot)
			if err != nil {
				return err
			}
			if current == nil || current.ItemID != item.ItemID {
				return nil
			}
			bal, err := tx.ReserveBalance(current.UserID, current.Program, current.TargetSlot)
			if err != nil {
				return err
			}
			if bal.LessThan(current.Cost) {
				return nil
			}
			current.Available = bal
			outcome := newOutcome(current.Program, current.UserID, current.TargetSlot)
			return e.executeQueueItem(tx, current, 0, outcome)
		})
		if err == nil {
			processed++
			continue
		}
		if rerr := e.retryOrFail(ctx, item, err); rerr != nil {
			return processed, rerr
		}
	}
	return processed, nil
}

// PendingQueueDepth counts queue items still awaiting the worker.
func (e *Engine) PendingQueueDepth(ctx context.Context) (int, error) {
	var n int
	err := e.store.View(ctx, func(tx Tx) error {
		items, err := tx.PendingQueueItems(10000)
		if err != nil {
			return err
		}
		n = len(items)
		return nil
	})
	return n, err
}

// retryOrFail bumps the item's retry count on transient failure and
// dead-letters it after exhaustion. Non-transient failures dead-letter
// immediately; the activation that failed never committed.
func (e *Engine) retryOrFail(ctx context.Context, item models.QueueItem, cause error) error {
	return e.store.RunInTx(ctx, func(tx Tx) error {
		item.RetryCount++
		item.UpdatedAt = e.now()
		if Retryable(cause) && item.RetryCount <= e.cfg.MaxRetries {
			item.Status = models.QueuePending
		} else {
			item.Status = models.QueueFailed
			e.log.Error().
				Err(cause).
				Str("item", item.ItemID).
				Str("user", item.UserID).
				Str("program", string(item.Program)).
				Int("target", item.TargetSlot).
				Int("retries", item.RetryCount).
				Msg("auto-upgrade dead-lettered")
		}
		return tx.UpdateQueueItem(&item)
	})
}

// VoidUpgrade voids a pending queue item, used by operators to cancel an
// arm that should no longer run.
func (e *Engine) VoidUpgrade(ctx context.Context, itemID, userID string, p models.Program) error {
	return e.store.RunInTx(ctx, func(tx Tx) error {
		pending, err := tx.PendingUpgrades(userID, p)
		if err != nil {
			return err
		}
		for i := range pending {
			if pending[i].ItemID == itemID {
				pending[i].Status = models.QueueVoided
				pending[i].UpdatedAt = e.now()
				return tx.UpdateQueueItem(&pending[i])
			}
		}
		return fmt.Errorf("%w: queue item %s", ErrNotFound, itemID)
	})
}
