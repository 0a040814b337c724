package catalog

import (
	"testing"

	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

func TestPriceRecurrences(t *testing.T) {
	// Binary doubles from 0.0022, matrix triples from 11, global doubles
	// from 33. Every table must follow its recurrence exactly.
	two := decimal.NewFromInt(2)
	three := decimal.NewFromInt(3)

	for slot := 2; slot <= BinarySlots; slot++ {
		prev, _ := Price(models.ProgramBinary, slot-1)
		cur, _ := Price(models.ProgramBinary, slot)
		if !cur.Equal(prev.Mul(two)) {
			t.Errorf("Expected binary slot %d to double slot %d. Got: %s from %s", slot, slot-1, cur, prev)
		}
	}
	for slot := 2; slot <= MatrixSlots; slot++ {
		prev, _ := Price(models.ProgramMatrix, slot-1)
		cur, _ := Price(models.ProgramMatrix, slot)
		if !cur.Equal(prev.Mul(three)) {
			t.Errorf("Expected matrix slot %d to triple slot %d. Got: %s from %s", slot, slot-1, cur, prev)
		}
	}
	for slot := 2; slot <= GlobalSlots; slot++ {
		prev, _ := Price(models.ProgramGlobal, slot-1)
		cur, _ := Price(models.ProgramGlobal, slot)
		if !cur.Equal(prev.Mul(two)) {
			t.Errorf("Expected global slot %d to double slot %d. Got: %s from %s", slot, slot-1, cur, prev)
		}
	}
}

func TestPriceBounds(t *testing.T) {
	if _, err := Price(models.ProgramBinary, 0); err == nil {
		t.Error("Expected error for binary slot 0")
	}
	if _, err := Price(models.ProgramBinary, 17); err == nil {
		t.Error("Expected error for binary slot 17")
	}
	if _, err := Price(models.ProgramMatrix, 16); err == nil {
		t.Error("Expected error for matrix slot 16")
	}
	if _, err := Price(models.Program("ponzi"), 1); err == nil {
		t.Error("Expected error for unknown program")
	}
}

func TestKnownPrices(t *testing.T) {
	cases := []struct {
		program models.Program
		slot    int
		want    string
	}{
		{models.ProgramBinary, 1, "0.0022"},
		{models.ProgramBinary, 2, "0.0044"},
		{models.ProgramBinary, 16, "72.0896"},
		{models.ProgramMatrix, 1, "11"},
		{models.ProgramMatrix, 5, "891"},
		{models.ProgramMatrix, 15, "52612659"},
		{models.ProgramGlobal, 1, "33"},
		{models.ProgramGlobal, 16, "1081344"},
	}
	for _, c := range cases {
		got, err := Price(c.program, c.slot)
		if err != nil {
			t.Fatalf("Price(%s, %d) failed: %v", c.program, c.slot, err)
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("Expected %s slot %d price %s. Got: %s", c.program, c.slot, c.want, got)
		}
	}
}

func TestFundPercentsSumTo100(t *testing.T) {
	// Every program's distribution must account for exactly 100% of the
	// activation amount.
	binary := BinarySparkPct + BinaryRoyalCaptainPct + BinaryPresidentPct +
		BinaryLeadershipPct + BinaryJackpotPct + BinaryPartnerPct +
		BinaryShareholdersPct + BinaryLevelPct
	if binary != 100 {
		t.Errorf("Expected binary distribution to sum to 100. Got: %d", binary)
	}

	matrix := MatrixSparkPct + MatrixRoyalCaptainPct + MatrixPresidentPct +
		MatrixNewcomerPct + MatrixMentorshipPct + MatrixPartnerPct +
		MatrixShareholdersPct + MatrixLevelPct
	if matrix != 100 {
		t.Errorf("Expected matrix distribution to sum to 100. Got: %d", matrix)
	}

	global := GlobalLevelPct + GlobalPartnerPct + GlobalProfitPct +
		GlobalRoyalCaptainPct + GlobalPresidentPct + GlobalTripleEntryPct +
		GlobalShareholdersPct
	if global != 100 {
		t.Errorf("Expected global distribution to sum to 100. Got: %d", global)
	}
}

func TestLevelTableSums(t *testing.T) {
	// The 16-entry level table sums to 100, so binary level shares need no
	// renormalization. Matrix uses only L1-3 and renormalizes over 50.
	var total int64
	for i := 0; i < BinaryLevels; i++ {
		n, d, err := LevelPercent(models.ProgramBinary, i+1)
		if err != nil {
			t.Fatalf("LevelPercent(binary, %d) failed: %v", i+1, err)
		}
		if d != 100 {
			t.Errorf("Expected binary level denominator 100. Got: %d", d)
		}
		total += n
	}
	if total != 100 {
		t.Errorf("Expected binary level shares to sum to 100. Got: %d", total)
	}

	var mTotal int64
	for i := 0; i < MatrixLevels; i++ {
		n, d, err := LevelPercent(models.ProgramMatrix, i+1)
		if err != nil {
			t.Fatalf("LevelPercent(matrix, %d) failed: %v", i+1, err)
		}
		if d != 50 {
			t.Errorf("Expected matrix level denominator 50. Got: %d", d)
		}
		mTotal += n
	}
	if mTotal != 50 {
		t.Errorf("Expected matrix level shares to sum to 50. Got: %d", mTotal)
	}

	if _, _, err := LevelPercent(models.ProgramMatrix, 4); err == nil {
		t.Error("Expected error for matrix level 4")
	}
}

func TestSparkLevelPercents(t *testing.T) {
	pcts := SparkLevelPercents()
	if len(pcts) != 14 {
		t.Fatalf("Expected 14 spark levels. Got: %d", len(pcts))
	}
	var total int64
	for _, p := range pcts {
		total += p
	}
	if total != 100 {
		t.Errorf("Expected spark level shares to sum to 100. Got: %d", total)
	}
}

func TestRankFor(t *testing.T) {
	cases := []struct {
		slots int
		want  int
	}{
		{0, 0}, {1, 1}, {2, 2}, {5, 5}, {6, 6},
		{7, 6}, {8, 7}, {9, 7}, {10, 8}, {15, 10},
		{16, 11}, {24, 13}, {25, 14}, {29, 14}, {30, 15},
		{47, 15}, // the absolute cap across all programs
	}
	for _, c := range cases {
		if got := RankFor(c.slots); got != c.want {
			t.Errorf("Expected rank %d for %d slots. Got: %d", c.want, c.slots, got)
		}
	}
}

func TestJoinAmount(t *testing.T) {
	// Binary joins pay for slots 1 and 2 together: 0.0022 + 0.0044.
	got, err := JoinAmount(models.ProgramBinary)
	if err != nil {
		t.Fatalf("JoinAmount(binary) failed: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.0066")) {
		t.Errorf("Expected binary join amount 0.0066. Got: %s", got)
	}

	got, err = JoinAmount(models.ProgramMatrix)
	if err != nil {
		t.Fatalf("JoinAmount(matrix) failed: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("11")) {
		t.Errorf("Expected matrix join amount 11. Got: %s", got)
	}
}

func TestUpgradeCost(t *testing.T) {
	// Matrix charges the delta between consecutive slots; binary and
	// global charge the full target price.
	got, err := UpgradeCost(models.ProgramMatrix, 2)
	if err != nil {
		t.Fatalf("UpgradeCost(matrix, 2) failed: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("22")) {
		t.Errorf("Expected matrix upgrade cost 22 for slot 2. Got: %s", got)
	}

	got, err = UpgradeCost(models.ProgramBinary, 3)
	if err != nil {
		t.Fatalf("UpgradeCost(binary, 3) failed: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.0088")) {
		t.Errorf("Expected binary upgrade cost 0.0088 for slot 3. Got: %s", got)
	}
}

func TestDreamMatrixTranches(t *testing.T) {
	// Tranches are 10/10/15/25/40 percent of the matrix slot-5 price 891,
	// summing back to 891 exactly.
	tranches := DreamMatrixTranches()
	if len(tranches) != 5 {
		t.Fatalf("Expected 5 dream-matrix tranches. Got: %d", len(tranches))
	}
	want := []string{"89.1", "89.1", "133.65", "222.75", "356.4"}
	total := decimal.Zero
	for i, tr := range tranches {
		if !tr.Equal(decimal.RequireFromString(want[i])) {
			t.Errorf("Expected tranche %d to be %s. Got: %s", i+1, want[i], tr)
		}
		total = total.Add(tr)
	}
	if !total.Equal(decimal.RequireFromString("891")) {
		t.Errorf("Expected tranches to sum to 891. Got: %s", total)
	}
}

func TestAwardTiersAscend(t *testing.T) {
	prev := -1
	for i, tier := range RoyalCaptainTiers() {
		if tier.GlobalTeam <= prev {
			t.Errorf("Expected royal captain tier %d team requirement above %d. Got: %d", i, prev, tier.GlobalTeam)
		}
		prev = tier.GlobalTeam
	}
	prev = PresidentMinTeam - 1
	for i, tier := range PresidentTiers() {
		if tier.GlobalTeam <= prev {
			t.Errorf("Expected president tier %d team requirement above %d. Got: %d", i, prev, tier.GlobalTeam)
		}
		prev = tier.GlobalTeam
	}
}

func TestSlotNamesCoverAllSlots(t *testing.T) {
	for slot := 1; slot <= BinarySlots; slot++ {
		if _, err := SlotName(models.ProgramBinary, slot); err != nil {
			t.Errorf("Expected a name for binary slot %d. Got error: %v", slot, err)
		}
	}
	for slot := 1; slot <= MatrixSlots; slot++ {
		if _, err := SlotName(models.ProgramMatrix, slot); err != nil {
			t.Errorf("Expected a name for matrix slot %d. Got error: %v", slot, err)
		}
	}
	for slot := 1; slot <= GlobalSlots; slot++ {
		if _, err := SlotName(models.ProgramGlobal, slot); err != nil {
			t.Errorf("Expected a name for global slot %d. Got error: %v", slot, err)
		}
	}
}

func TestPercentOfExact(t *testing.T) {
	// 60% of 0.0044 BNB is 0.00264; percentage math must never round.
	got := PercentOf(decimal.RequireFromString("0.0044"), 60)
	if !got.Equal(decimal.RequireFromString("0.00264")) {
		t.Errorf("Expected 0.00264. Got: %s", got)
	}
	got = Half(decimal.RequireFromString("2.2"))
	if !got.Equal(decimal.RequireFromString("1.1")) {
		t.Errorf("Expected 1.1. Got: %s", got)
	}
}
