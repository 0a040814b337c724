// Package catalog holds the read-only deployment constants of the platform:
// slot prices, level-distribution tables, fund percentages, rank thresholds
// and award tiers. Every table is bounded and hard-coded; nothing here is
// mutable at runtime.
package catalog

import (
	"fmt"

	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Slot counts per program. Binary and Global run 16 tiers, Matrix 15.
const (
	BinarySlots = 16
	MatrixSlots = 15
	GlobalSlots = 16
)

// binaryPrices holds the BNB price of binary slots 1..16. Each slot doubles
// the previous one starting from 0.0022.
var binaryPrices = mustDecimals(
	"0.0022", "0.0044", "0.0088", "0.0176",
	"0.0352", "0.0704", "0.1408", "0.2816",
	"0.5632", "1.1264", "2.2528", "4.5056",
	"9.0112", "18.0224", "36.0448", "72.0896",
)

// matrixPrices holds the USDT price of matrix slots 1..15.
// Recurrence: price(k) = 3 x price(k-1), seeded at 11.
var matrixPrices = mustDecimals(
	"11", "33", "99", "297", "891",
	"2673", "8019", "24057", "72171", "216513",
	"649539", "1948617", "5845851", "17537553", "52612659",
)

// globalPrices holds the USD price of global slots 1..16, doubling from 33.
var globalPrices = mustDecimals(
	"33", "66", "132", "264",
	"528", "1056", "2112", "4224",
	"8448", "16896", "33792", "67584",
	"135168", "270336", "540672", "1081344",
)

var binarySlotNames = []string{
	"STARTER", "BRONZE", "SILVER", "GOLD",
	"PLATINUM", "RUBY", "EMERALD", "SAPPHIRE",
	"DIAMOND", "BLUE DIAMOND", "BLACK DIAMOND", "ROYAL DIAMOND",
	"CROWN", "AMBASSADOR", "TITAN", "LEGEND",
}

var matrixSlotNames = []string{
	"SEED", "SPROUT", "SAPLING", "BRANCH", "GROVE",
	"FOREST", "SUMMIT", "HORIZON", "NOVA", "ORBIT",
	"QUASAR", "PULSAR", "NEBULA", "GALAXY", "COSMOS",
}

var globalSlotNames = []string{
	"PIONEER", "VOYAGER", "NAVIGATOR", "EXPLORER",
	"PATHFINDER", "VANGUARD", "FRONTIER", "ASCENT",
	"ZENITH", "APEX", "PRIME", "ELITE",
	"MASTER", "GRAND", "ROYAL", "IMPERIAL",
}

// levelPercents is the shared level-distribution table applied to the
// level pool: L1 30, L2 10, L3 10, L4-10 5, L11-13 3, L14-16 2. The 16
// entries sum to 100. Binary consumes all 16 levels; matrix consumes only
// L1-3 (shares renormalized over the used prefix so the pool is paid out
// in full).
var levelPercents = []int64{30, 10, 10, 5, 5, 5, 5, 5, 5, 5, 3, 3, 3, 2, 2, 2}

// Level depth consumed per program.
const (
	BinaryLevels = 16
	MatrixLevels = 3
)

// Binary normal distribution (slot >= 2), percent of the activation amount.
// Binary slot 1 bypasses all of this: 100% to the direct upline's wallet.
const (
	BinarySparkPct        int64 = 8
	BinaryRoyalCaptainPct int64 = 4
	BinaryPresidentPct    int64 = 3
	BinaryLeadershipPct   int64 = 5
	BinaryJackpotPct      int64 = 5
	BinaryPartnerPct      int64 = 10
	BinaryShareholdersPct int64 = 5
	BinaryLevelPct        int64 = 60
)

// Matrix normal distribution, percent of the activation amount. The
// newcomer share splits half instant-claimable to the joining user and
// half to the direct upline's newcomer fund.
const (
	MatrixSparkPct        int64 = 8
	MatrixRoyalCaptainPct int64 = 4
	MatrixPresidentPct    int64 = 3
	MatrixNewcomerPct     int64 = 20
	MatrixMentorshipPct   int64 = 10
	MatrixPartnerPct      int64 = 10
	MatrixShareholdersPct int64 = 5
	MatrixLevelPct        int64 = 40
)

// Global distribution, percent of the activation amount. Level feeds the
// phase-tree owner's progression reserve, Profit pays the owner's wallet.
const (
	GlobalLevelPct        int64 = 30
	GlobalPartnerPct      int64 = 10
	GlobalProfitPct       int64 = 30
	GlobalRoyalCaptainPct int64 = 10
	GlobalPresidentPct    int64 = 10
	GlobalTripleEntryPct  int64 = 5
	GlobalShareholdersPct int64 = 5
)

// JoiningCommissionPct is paid to the direct referrer on a user's first
// normal-distribution activation in a program, funded by the Mother
// account on top of the distribution itself.
const JoiningCommissionPct int64 = 10

// SparkTripleEntryPct of the spark pool is diverted to the triple-entry
// sub-pool before level distribution; the rest distributes over matrix
// levels 1-14 by sparkLevelPercents.
const SparkTripleEntryPct int64 = 20

// sparkLevelPercents splits the distributable 80% of the spark pool over
// matrix levels 1-14: L1 15, L2-5 10, L6 7, L7-9 6, L10-14 4 (sums to 100).
var sparkLevelPercents = []int64{15, 10, 10, 10, 10, 7, 6, 6, 6, 4, 4, 4, 4, 4}

// rankThresholds maps total active slots (all programs) to rank. Ordered
// ascending; RankFor picks the highest threshold reached.
var rankThresholds = []struct {
	TotalSlots int
	Rank       int
}{
	{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5},
	{6, 6}, {8, 7}, {10, 8}, {12, 9}, {14, 10},
	{16, 11}, {18, 12}, {20, 13}, {25, 14}, {30, 15},
}

// MaxRank is the top of the rank ladder.
const MaxRank = 15

// RoyalCaptainTier is one once-only Royal Captain award step. All tiers
// additionally require at least RoyalCaptainMinDirects direct partners
// holding both Matrix and Global.
type RoyalCaptainTier struct {
	GlobalTeam int
	Award      decimal.Decimal
}

const RoyalCaptainMinDirects = 5

var royalCaptainTiers = []RoyalCaptainTier{
	{GlobalTeam: 0, Award: dec("200")},
	{GlobalTeam: 10, Award: dec("200")},
	{GlobalTeam: 20, Award: dec("200")},
	{GlobalTeam: 30, Award: dec("250")},
	{GlobalTeam: 40, Award: dec("250")},
	{GlobalTeam: 50, Award: dec("300")},
}

// PresidentTier is one once-only President Reward step. All tiers require
// at least PresidentMinDirects direct partners.
type PresidentTier struct {
	GlobalTeam int
	Award      decimal.Decimal
}

const (
	PresidentMinDirects = 10
	PresidentMinTeam    = 80
)

var presidentTiers = []PresidentTier{
	{GlobalTeam: 80, Award: dec("350")},
	{GlobalTeam: 120, Award: dec("500")},
	{GlobalTeam: 160, Award: dec("700")},
	{GlobalTeam: 200, Award: dec("700")},
	{GlobalTeam: 250, Award: dec("800")},
	{GlobalTeam: 300, Award: dec("900")},
}

// Dream Matrix: users with DreamMatrixMinDirects direct partners earn the
// tranches below, each a percent of the matrix slot-5 price, one tranche
// per qualifying direct-partner event from the 3rd partner onward.
const (
	DreamMatrixMinDirects = 3
	DreamMatrixBaseSlot   = 5
)

var dreamMatrixTranchePcts = []int64{10, 10, 15, 25, 40}

// Leadership stipend: any slot >= StipendMinSlot in any program qualifies;
// the daily return target is StipendDailyMultiple x the price of the
// highest qualifying slot, paid per currency and capped by pool solvency.
const (
	StipendMinSlot       = 10
	StipendDailyMultiple = 2
)

// Sweepover walks at most SweepoverMaxDepth ancestors up the referral
// chain before falling back to the Mother account.
const SweepoverMaxDepth = 60

// MatrixCycleSize is the member count that completes a matrix generation:
// levels of 3 + 9 + 27.
const MatrixCycleSize = 39

// MatrixWidth and BinaryWidth are the child capacities per node.
const (
	BinaryWidth = 2
	MatrixWidth = 3
)

// Price returns the activation price of (program, slot) in the program's
// currency. Slot numbers are 1-based.
func Price(p models.Program, slot int) (decimal.Decimal, error) {
	table, err := priceTable(p)
	if err != nil {
		return decimal.Zero, err
	}
	if slot < 1 || slot > len(table) {
		return decimal.Zero, fmt.Errorf("catalog: %s has no slot %d", p, slot)
	}
	return table[slot-1], nil
}

// MustPrice is Price for slots already known to be in range, as when
// re-reading a slot from a stored activation.
func MustPrice(p models.Program, slot int) decimal.Decimal {
	price, err := Price(p, slot)
	if err != nil {
		panic(err)
	}
	return price
}

// SlotName returns the display name of (program, slot).
func SlotName(p models.Program, slot int) (string, error) {
	var names []string
	switch p {
	case models.ProgramBinary:
		names = binarySlotNames
	case models.ProgramMatrix:
		names = matrixSlotNames
	case models.ProgramGlobal:
		names = globalSlotNames
	default:
		return "", fmt.Errorf("catalog: unknown program %q", p)
	}
	if slot < 1 || slot > len(names) {
		return "", fmt.Errorf("catalog: %s has no slot %d", p, slot)
	}
	return names[slot-1], nil
}

// MaxSlot returns the highest slot number of the program.
func MaxSlot(p models.Program) int {
	switch p {
	case models.ProgramBinary:
		return BinarySlots
	case models.ProgramMatrix:
		return MatrixSlots
	case models.ProgramGlobal:
		return GlobalSlots
	}
	return 0
}

// JoinAmount returns the required payment for a first join. Binary seeds
// slots 1 and 2 together; matrix and global seed slot 1.
func JoinAmount(p models.Program) (decimal.Decimal, error) {
	switch p {
	case models.ProgramBinary:
		p1, err := Price(p, 1)
		if err != nil {
			return decimal.Zero, err
		}
		p2, err := Price(p, 2)
		if err != nil {
			return decimal.Zero, err
		}
		return p1.Add(p2), nil
	case models.ProgramMatrix, models.ProgramGlobal:
		return Price(p, 1)
	}
	return decimal.Zero, fmt.Errorf("catalog: unknown program %q", p)
}

// UpgradeCost returns the required payment for upgrading to target. Matrix
// charges the cost-to-upgrade delta; binary and global charge the full
// slot price.
func UpgradeCost(p models.Program, target int) (decimal.Decimal, error) {
	price, err := Price(p, target)
	if err != nil {
		return decimal.Zero, err
	}
	if p != models.ProgramMatrix {
		return price, nil
	}
	prev, err := Price(p, target-1)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Sub(prev), nil
}

// LevelPercent returns the share of the level pool owed to the 1-based
// level in the given program, renormalized over the levels the program
// uses. The returned pair is (numerator, denominator): the level's table
// entry and the sum of table entries over the used prefix.
func LevelPercent(p models.Program, level int) (int64, int64, error) {
	depth := LevelDepth(p)
	if level < 1 || level > depth {
		return 0, 0, fmt.Errorf("catalog: %s has no level %d", p, level)
	}
	var total int64
	for i := 0; i < depth; i++ {
		total += levelPercents[i]
	}
	return levelPercents[level-1], total, nil
}

// LevelDepth returns the number of placement-tree levels a program's level
// distribution resolves.
func LevelDepth(p models.Program) int {
	if p == models.ProgramMatrix {
		return MatrixLevels
	}
	return BinaryLevels
}

// SparkLevelPercents returns the matrix-level split of the distributable
// spark pool (levels 1-14, summing to 100).
func SparkLevelPercents() []int64 {
	out := make([]int64, len(sparkLevelPercents))
	copy(out, sparkLevelPercents)
	return out
}

// RankFor maps a total active-slot count to a rank between 0 (unranked)
// and MaxRank.
func RankFor(totalSlots int) int {
	rank := 0
	for _, t := range rankThresholds {
		if totalSlots >= t.TotalSlots {
			rank = t.Rank
		} else {
			break
		}
	}
	return rank
}

// RoyalCaptainTiers returns the once-only Royal Captain award ladder.
func RoyalCaptainTiers() []RoyalCaptainTier {
	out := make([]RoyalCaptainTier, len(royalCaptainTiers))
	copy(out, royalCaptainTiers)
	return out
}

// PresidentTiers returns the once-only President Reward ladder.
func PresidentTiers() []PresidentTier {
	out := make([]PresidentTier, len(presidentTiers))
	copy(out, presidentTiers)
	return out
}

// DreamMatrixTranches returns the tranche amounts of the Dream Matrix
// schedule: 10/10/15/25/40 percent of the matrix slot-5 price.
func DreamMatrixTranches() []decimal.Decimal {
	base := matrixPrices[DreamMatrixBaseSlot-1]
	out := make([]decimal.Decimal, len(dreamMatrixTranchePcts))
	for i, pct := range dreamMatrixTranchePcts {
		out[i] = PercentOf(base, pct)
	}
	return out
}

// PercentOf returns pct% of amount. Division by 100 is exact in decimal
// arithmetic, so percentage splits never lose value.
func PercentOf(amount decimal.Decimal, pct int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
}

// Half splits an amount exactly in two.
func Half(amount decimal.Decimal) decimal.Decimal {
	return amount.Div(decimal.NewFromInt(2))
}

func priceTable(p models.Program) ([]decimal.Decimal, error) {
	switch p {
	case models.ProgramBinary:
		return binaryPrices, nil
	case models.ProgramMatrix:
		return matrixPrices, nil
	case models.ProgramGlobal:
		return globalPrices, nil
	}
	return nil, fmt.Errorf("catalog: unknown program %q", p)
}

func mustDecimals(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}
