package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// recomputeRank maps the user's total active slot count through the rank
// table and stores the max of prior and computed rank. History rows
// append only when the rank actually moves.
func (e *Engine) recomputeRank(tx Tx, userID string, at time.Time) (int, error) {
	total, err := tx.ActiveSlotCount(userID)
	if err != nil {
		return 0, err
	}
	computed := catalog.RankFor(total)

	info, ok, err := tx.Rank(userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		info = &models.RankInfo{UserID: userID}
	}
	if computed <= info.Rank {
		return info.Rank, nil
	}
	info.Rank = computed
	info.History = append(info.History, models.RankChange{Rank: computed, At: at})
	if err := tx.SaveRank(info); err != nil {
		return 0, err
	}
	e.log.Debug().
		Str("user", userID).
		Int("rank", computed).
		Int("slots", total).
		Msg("rank advanced")
	return computed, nil
}

// RankOf reports a user's stored rank with history.
func (e *Engine) RankOf(ctx context.Context, userID string) (*models.RankInfo, error) {
	var info *models.RankInfo
	err := e.store.View(ctx, func(tx Tx) error {
		r, ok, err := tx.Rank(userID)
		if err != nil {
			return err
		}
		if !ok {
			if _, found, uerr := tx.GetUser(userID); uerr != nil {
				return uerr
			} else if !found {
				return fmt.Errorf("%w: user %s", ErrNotFound, userID)
			}
			r = &models.RankInfo{UserID: userID}
		}
		info = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ResetRank is the admin override that re-derives rank from current
// activations, allowed to move it down. The reset itself is a history
// row.
func (e *Engine) ResetRank(ctx context.Context, userID string) (*models.RankInfo, error) {
	var info *models.RankInfo
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		if _, found, err := tx.GetUser(userID); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		total, err := tx.ActiveSlotCount(userID)
		if err != nil {
			return err
		}
		computed := catalog.RankFor(total)
		r, ok, err := tx.Rank(userID)
		if err != nil {
			return err
		}
		if !ok {
			r = &models.RankInfo{UserID: userID}
		}
		if r.Rank != computed {
			r.Rank = computed
			r.History = append(r.History, models.RankChange{Rank: computed, At: e.now()})
			if err := tx.SaveRank(r); err != nil {
				return err
			}
		}
		info = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
