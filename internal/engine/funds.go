package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/metrics"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// fundScale is the payout granularity. Equal splits truncate here and
// the last recipient absorbs the residue.
const fundScale = 8

var sweepCurrencies = []string{
	models.ProgramBinary.Currency(),
	models.ProgramMatrix.Currency(),
	models.ProgramGlobal.Currency(),
}

func programForCurrency(currency string) models.Program {
	switch currency {
	case models.ProgramBinary.Currency():
		return models.ProgramBinary
	case models.ProgramMatrix.Currency():
		return models.ProgramMatrix
	default:
		return models.ProgramGlobal
	}
}

func sweepCorrelation(pool models.PoolName, currency string, ts int64) string {
	return fmt.Sprintf("fund-%s-%s-%d", pool, currency, ts)
}

// evaluateEligibility records the fund predicates an activation can newly
// satisfy. Checks only write eligibility records; payouts run as separate
// sweep events.
func (e *Engine) evaluateEligibility(tx Tx, ev models.ActivationEvent, user *models.User) error {
	if ev.SlotNo >= catalog.StipendMinSlot && ev.UserID != e.cfg.MotherID {
		if err := tx.SaveEligibility(ev.UserID, models.PoolLeadershipStipend, ev.OccurredAt); err != nil {
			return err
		}
	}
	// The user's own activation can complete their Royal Captain or
	// President predicate, and a direct's activation can complete the
	// referrer's.
	if err := e.evaluateAwards(tx, ev.UserID); err != nil {
		return err
	}
	return e.evaluateAwards(tx, user.ReferrerID)
}

// evaluateAwards re-checks the direct-partner award predicates for one
// user and records any newly satisfied eligibility. Idempotent: the
// first-satisfied timestamp is kept on repeat calls.
func (e *Engine) evaluateAwards(tx Tx, userID string) error {
	if userID == "" || userID == e.cfg.MotherID {
		return nil
	}
	u, ok, err := tx.GetUser(userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	directs, err := tx.DirectsOf(userID)
	if err != nil {
		return err
	}

	if len(directs) >= catalog.DreamMatrixMinDirects {
		if err := tx.SaveEligibility(userID, models.PoolDreamMatrix, e.now()); err != nil {
			return err
		}
	}

	if u.InMatrix && u.InGlobal {
		both := 0
		for _, d := range directs {
			du, ok, err := tx.GetUser(d)
			if err != nil {
				return err
			}
			if ok && du.InMatrix && du.InGlobal {
				both++
			}
		}
		if both >= catalog.RoyalCaptainMinDirects {
			if err := tx.SaveEligibility(userID, models.PoolRoyalCaptain, e.now()); err != nil {
				return err
			}
		}
	}

	if len(directs) >= catalog.PresidentMinDirects {
		team, err := tx.TeamSize(userID, models.ProgramGlobal)
		if err != nil {
			return err
		}
		if team >= catalog.PresidentMinTeam {
			if err := tx.SaveEligibility(userID, models.PoolPresident, e.now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitEqually divides amount across n recipients. Shares truncate at
// fundScale and the final share absorbs the residue, so the parts always
// sum back to amount.
func splitEqually(amount decimal.Decimal, n int) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	each := amount.Div(decimal.NewFromInt(int64(n))).Truncate(fundScale)
	for i := range shares {
		shares[i] = each
	}
	shares[n-1] = amount.Sub(each.Mul(decimal.NewFromInt(int64(n - 1))))
	return shares
}

func (e *Engine) withoutMother(users []string) []string {
	out := users[:0]
	for _, u := range users {
		if u != e.cfg.MotherID {
			out = append(out, u)
		}
	}
	return out
}

func (e *Engine) appendSweepEntry(tx Tx, corr string, p models.Program, currency string, entry *models.LedgerEntry, written *[]models.LedgerEntry) error {
	entry.Program = p
	entry.Currency = currency
	entry.CorrelationID = corr
	entry.TS = e.now()
	if err := tx.AppendLedger(entry); err != nil {
		return err
	}
	*written = append(*written, *entry)
	return nil
}

// DistributeSpark pays out the accrued spark pool, per currency: a fifth
// diverts into the Triple-Entry sub-pool and the rest spreads across
// matrix slot holders by the level pattern. Levels with no holders keep
// their share pooled for the next run.
func (e *Engine) DistributeSpark(ctx context.Context) ([]models.LedgerEntry, error) {
	var written []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		for _, cur := range sweepCurrencies {
			bal, err := tx.PoolBalance(models.PoolSpark, cur)
			if err != nil {
				return err
			}
			if !bal.IsPositive() {
				continue
			}
			p := programForCurrency(cur)
			corr := sweepCorrelation(models.PoolSpark, cur, e.monotonicTS())

			divert := catalog.PercentOf(bal, catalog.SparkTripleEntryPct)
			if divert.IsPositive() {
				if err := e.appendSweepEntry(tx, corr, p, cur, &models.LedgerEntry{
					Kind:   models.KindFundCredit,
					Pool:   models.PoolTripleEntry,
					Amount: divert,
					Reason: models.ReasonSparkFund,
				}, &written); err != nil {
					return err
				}
			}

			rest := bal.Sub(divert)
			for i, pct := range catalog.SparkLevelPercents() {
				slot := i + 1
				share := catalog.PercentOf(rest, pct)
				if !share.IsPositive() {
					continue
				}
				holders, err := tx.UsersWithSlot(models.ProgramMatrix, slot)
				if err != nil {
					return err
				}
				holders = e.withoutMother(holders)
				if len(holders) == 0 {
					continue
				}
				sort.Strings(holders)
				shares := splitEqually(share, len(holders))
				for j, holder := range holders {
					if err := e.appendSweepEntry(tx, corr, p, cur, &models.LedgerEntry{
						UserID: holder,
						Kind:   models.KindWalletCredit,
						Pool:   models.PoolSpark,
						Amount: shares[j],
						Reason: models.ReasonSparkFund,
						Level:  slot,
					}, &written); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordSweep(models.PoolSpark, written)
	return written, nil
}

// PayTripleEntry splits the Triple-Entry pool equally among users active
// in all three programs, per currency.
func (e *Engine) PayTripleEntry(ctx context.Context) ([]models.LedgerEntry, error) {
	var written []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		users, err := tx.UsersInAllPrograms()
		if err != nil {
			return err
		}
		users = e.withoutMother(users)
		if len(users) == 0 {
			return nil
		}
		sort.Strings(users)
		for _, cur := range sweepCurrencies {
			bal, err := tx.PoolBalance(models.PoolTripleEntry, cur)
			if err != nil {
				return err
			}
			if !bal.IsPositive() {
				continue
			}
			p := programForCurrency(cur)
			corr := sweepCorrelation(models.PoolTripleEntry, cur, e.monotonicTS())
			shares := splitEqually(bal, len(users))
			for i, user := range users {
				if err := e.appendSweepEntry(tx, corr, p, cur, &models.LedgerEntry{
					UserID: user,
					Kind:   models.KindWalletCredit,
					Pool:   models.PoolTripleEntry,
					Amount: shares[i],
					Reason: models.ReasonTripleEntryFund,
				}, &written); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordSweep(models.PoolTripleEntry, written)
	return written, nil
}

// DistributeNewcomerFunds pays each upline's accrued newcomer fund half
// equally to their current direct referrals. The scheduler invokes this
// on the thirty-day cadence; an upline with no directs keeps accruing.
func (e *Engine) DistributeNewcomerFunds(ctx context.Context) ([]models.LedgerEntry, error) {
	currency := models.ProgramMatrix.Currency()
	var written []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		owners, err := tx.NewcomerFundOwners()
		if err != nil {
			return err
		}
		sort.Strings(owners)
		for _, owner := range owners {
			bal, err := tx.UserFundBalance(models.PoolNewcomerUpline, owner, currency)
			if err != nil {
				return err
			}
			if !bal.IsPositive() {
				continue
			}
			directs, err := tx.DirectsOf(owner)
			if err != nil {
				return err
			}
			if len(directs) == 0 {
				continue
			}
			sort.Strings(directs)
			corr := sweepCorrelation(models.PoolNewcomerUpline, currency, e.monotonicTS())
			shares := splitEqually(bal, len(directs))
			for i, direct := range directs {
				if err := e.appendSweepEntry(tx, corr, models.ProgramMatrix, currency, &models.LedgerEntry{
					UserID:      direct,
					Kind:        models.KindWalletCredit,
					Pool:        models.PoolNewcomerUpline,
					PoolOwnerID: owner,
					Amount:      shares[i],
					Reason:      models.ReasonNewcomerUplineFund,
				}, &written); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordSweep(models.PoolNewcomerUpline, written)
	return written, nil
}

// PayLeadershipStipend pays the daily stipend to every eligible user:
// twice the price of their highest qualifying slot, per program currency,
// stopping when the pool runs dry.
func (e *Engine) PayLeadershipStipend(ctx context.Context) ([]models.LedgerEntry, error) {
	var written []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		eligible, err := tx.EligibleUsers(models.PoolLeadershipStipend)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}
		sort.Strings(eligible)
		for _, cur := range sweepCurrencies {
			remaining, err := tx.PoolBalance(models.PoolLeadershipStipend, cur)
			if err != nil {
				return err
			}
			if !remaining.IsPositive() {
				continue
			}
			p := programForCurrency(cur)
			corr := sweepCorrelation(models.PoolLeadershipStipend, cur, e.monotonicTS())
			for _, user := range eligible {
				highest, err := tx.HighestSlot(user, p)
				if err != nil {
					return err
				}
				if highest < catalog.StipendMinSlot {
					continue
				}
				need := catalog.MustPrice(p, highest).Mul(decimal.NewFromInt(catalog.StipendDailyMultiple))
				pay := decimal.Min(need, remaining)
				if !pay.IsPositive() {
					break
				}
				if err := e.appendSweepEntry(tx, corr, p, cur, &models.LedgerEntry{
					UserID: user,
					Kind:   models.KindWalletCredit,
					Pool:   models.PoolLeadershipStipend,
					Amount: pay,
					Reason: models.ReasonLeadershipStipendFund,
				}, &written); err != nil {
					return err
				}
				remaining = remaining.Sub(pay)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordSweep(models.PoolLeadershipStipend, written)
	return written, nil
}

// PayAwards advances the once-only award ladders: Royal Captain and
// President tiers from their pools, Dream Matrix tranches funded by the
// chain root. Predicates are re-verified at payout time; the record of
// paid tiers makes every award once-only.
func (e *Engine) PayAwards(ctx context.Context) ([]models.LedgerEntry, error) {
	var written []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		if err := e.payRoyalCaptain(tx, &written); err != nil {
			return err
		}
		if err := e.payPresident(tx, &written); err != nil {
			return err
		}
		return e.payDreamMatrix(tx, &written)
	})
	if err != nil {
		return nil, err
	}
	e.recordSweep(models.PoolRoyalCaptain, written)
	return written, nil
}

func (e *Engine) payRoyalCaptain(tx Tx, written *[]models.LedgerEntry) error {
	currency := models.ProgramGlobal.Currency()
	eligible, err := tx.EligibleUsers(models.PoolRoyalCaptain)
	if err != nil {
		return err
	}
	sort.Strings(eligible)
	remaining, err := tx.PoolBalance(models.PoolRoyalCaptain, currency)
	if err != nil {
		return err
	}
	tiers := catalog.RoyalCaptainTiers()
	for _, user := range eligible {
		directs, err := tx.DirectsOf(user)
		if err != nil {
			return err
		}
		both := 0
		for _, d := range directs {
			du, ok, err := tx.GetUser(d)
			if err != nil {
				return err
			}
			if ok && du.InMatrix && du.InGlobal {
				both++
			}
		}
		if both < catalog.RoyalCaptainMinDirects {
			continue
		}
		team, err := tx.TeamSize(user, models.ProgramGlobal)
		if err != nil {
			return err
		}
		paid, err := tx.AwardCount(user, models.PoolRoyalCaptain)
		if err != nil {
			return err
		}
		for paid < len(tiers) && team >= tiers[paid].GlobalTeam {
			award := tiers[paid].Award
			if remaining.LessThan(award) {
				return nil
			}
			corr := sweepCorrelation(models.PoolRoyalCaptain, currency, e.monotonicTS())
			if err := e.appendSweepEntry(tx, corr, models.ProgramGlobal, currency, &models.LedgerEntry{
				UserID: user,
				Kind:   models.KindWalletCredit,
				Pool:   models.PoolRoyalCaptain,
				Amount: award,
				Reason: models.ReasonRoyalCaptainFund,
			}, written); err != nil {
				return err
			}
			if err := tx.RecordAward(user, models.PoolRoyalCaptain, award, e.now()); err != nil {
				return err
			}
			remaining = remaining.Sub(award)
			paid++
		}
	}
	return nil
}

func (e *Engine) payPresident(tx Tx, written *[]models.LedgerEntry) error {
	currency := models.ProgramGlobal.Currency()
	eligible, err := tx.EligibleUsers(models.PoolPresident)
	if err != nil {
		return err
	}
	sort.Strings(eligible)
	remaining, err := tx.PoolBalance(models.PoolPresident, currency)
	if err != nil {
		return err
	}
	tiers := catalog.PresidentTiers()
	for _, user := range eligible {
		directs, err := tx.DirectsOf(user)
		if err != nil {
			return err
		}
		if len(directs) < catalog.PresidentMinDirects {
			continue
		}
		team, err := tx.TeamSize(user, models.ProgramGlobal)
		if err != nil {
			return err
		}
		paid, err := tx.AwardCount(user, models.PoolPresident)
		if err != nil {
			return err
		}
		for paid < len(tiers) && team >= tiers[paid].GlobalTeam {
			award := tiers[paid].Award
			if remaining.LessThan(award) {
				return nil
			}
			corr := sweepCorrelation(models.PoolPresident, currency, e.monotonicTS())
			if err := e.appendSweepEntry(tx, corr, models.ProgramGlobal, currency, &models.LedgerEntry{
				UserID: user,
				Kind:   models.KindWalletCredit,
				Pool:   models.PoolPresident,
				Amount: award,
				Reason: models.ReasonPresidentFund,
			}, written); err != nil {
				return err
			}
			if err := tx.RecordAward(user, models.PoolPresident, award, e.now()); err != nil {
				return err
			}
			remaining = remaining.Sub(award)
			paid++
		}
	}
	return nil
}

// payDreamMatrix pays one tranche per direct partner from the third
// onward, chain-root funded: a wallet debit against the Mother account
// backs every credit.
func (e *Engine) payDreamMatrix(tx Tx, written *[]models.LedgerEntry) error {
	currency := models.ProgramMatrix.Currency()
	eligible, err := tx.EligibleUsers(models.PoolDreamMatrix)
	if err != nil {
		return err
	}
	sort.Strings(eligible)
	tranches := catalog.DreamMatrixTranches()
	for _, user := range eligible {
		directs, err := tx.DirectsOf(user)
		if err != nil {
			return err
		}
		earned := len(directs) - catalog.DreamMatrixMinDirects + 1
		if earned < 1 {
			continue
		}
		if earned > len(tranches) {
			earned = len(tranches)
		}
		paid, err := tx.AwardCount(user, models.PoolDreamMatrix)
		if err != nil {
			return err
		}
		for ; paid < earned; paid++ {
			amount := tranches[paid]
			corr := sweepCorrelation(models.PoolDreamMatrix, currency, e.monotonicTS())
			if err := e.appendSweepEntry(tx, corr, models.ProgramMatrix, currency, &models.LedgerEntry{
				UserID: e.cfg.MotherID,
				Kind:   models.KindWalletDebit,
				Amount: amount,
				Reason: models.ReasonPartnerIncentive,
			}, written); err != nil {
				return err
			}
			if err := e.appendSweepEntry(tx, corr, models.ProgramMatrix, currency, &models.LedgerEntry{
				UserID: user,
				Kind:   models.KindWalletCredit,
				Amount: amount,
				Reason: models.ReasonPartnerIncentive,
			}, written); err != nil {
				return err
			}
			if err := tx.RecordAward(user, models.PoolDreamMatrix, amount, e.now()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) recordSweep(pool models.PoolName, written []models.LedgerEntry) {
	if len(written) == 0 {
		return
	}
	metrics.FundPayouts.WithLabelValues(string(pool)).Add(float64(len(written)))
	e.log.Info().
		Str("pool", string(pool)).
		Int("entries", len(written)).
		Msg("fund sweep distributed")
}
