package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

func TestBinaryJoinSeedsTwoSlots(t *testing.T) {
	// A binary join pays 0.0066 BNB and activates slots 1 and 2 in one
	// transaction. Slot 1 routes 100% of 0.0022 to the direct upline.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramBinary, "carol", "", 100)
	out := mustJoin(t, eng, models.ProgramBinary, "ada", "carol", 200)

	corr1 := models.CorrelationID(models.ProgramBinary, "ada", 1, models.EventJoin, 200)
	slot1 := corrEntries(out, corr1)
	if len(slot1) != 1 {
		t.Fatalf("Expected exactly one entry for the slot-1 activation. Got: %d", len(slot1))
	}
	e := slot1[0]
	if e.Kind != models.KindWalletCredit || e.UserID != "carol" {
		t.Errorf("Expected the whole slot-1 amount in carol's wallet. Got: %s to %s", e.Kind, e.UserID)
	}
	if !e.Amount.Equal(d("0.0022")) {
		t.Errorf("Expected a 0.0022 BNB slot-1 credit. Got: %s", e.Amount)
	}
	if e.Reason != models.ReasonSlotActivationFull {
		t.Errorf("Expected reason slot_activation_full_upline. Got: %s", e.Reason)
	}

	// Slot 2 follows the percentage split (23 entries), so the join as a
	// whole writes 24.
	if len(out.Entries) != 24 {
		t.Errorf("Expected 24 ledger entries across both seeded slots. Got: %d", len(out.Entries))
	}
	if out.Rank != 2 {
		t.Errorf("Expected ada at rank 2 after two slots. Got: %d", out.Rank)
	}

	status, err := eng.Status(ctx, "ada")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	ps := status.Programs[models.ProgramBinary]
	if ps.HighestSlot != 2 || ps.SlotName != "BRONZE" {
		t.Errorf("Expected ada holding slot 2 (BRONZE). Got: %d (%s)", ps.HighestSlot, ps.SlotName)
	}

	// Carol banks the slot-1 credit plus the 10% partner incentive from
	// ada's slot 2.
	if got := walletOf(t, store, "carol", "BNB"); !got.Equal(d("0.00264")) {
		t.Errorf("Expected carol's wallet at 0.00264 BNB. Got: %s", got)
	}
}

func TestBinaryReserveRoutesToAncestor(t *testing.T) {
	// Ada lands as the first depth-2 node under alice in the slot-2 tree,
	// inside the two-wide window, so her whole slot-2 amount routes into
	// alice's slot-3 reserve instead of the percentage split.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramBinary, "alice", "", 100)
	mustJoin(t, eng, models.ProgramBinary, "bob", "alice", 200)
	out := mustJoin(t, eng, models.ProgramBinary, "ada", "bob", 300)

	if !out.Reserved {
		t.Errorf("Expected ada's join flagged reserved. Got: %v", out.Reserved)
	}
	corr2 := models.CorrelationID(models.ProgramBinary, "ada", 2, models.EventJoin, 300)
	slot2 := corrEntries(out, corr2)
	if len(slot2) != 1 {
		t.Fatalf("Expected the reserve route to be the only slot-2 entry. Got: %d", len(slot2))
	}
	e := slot2[0]
	if e.Kind != models.KindReserveCredit || e.UserID != "alice" || e.TargetSlot != 3 {
		t.Errorf("Expected a reserve credit toward alice's slot 3. Got: %s to %s target %d", e.Kind, e.UserID, e.TargetSlot)
	}
	if !e.Amount.Equal(d("0.0044")) || e.Reason != models.ReasonReserveRoute {
		t.Errorf("Expected 0.0044 BNB reserve_route_to_next_slot. Got: %s %s", e.Amount, e.Reason)
	}

	if got := reserveOf(t, store, "alice", models.ProgramBinary, 3); !got.Equal(d("0.0044")) {
		t.Errorf("Expected alice's slot-3 reserve at 0.0044. Got: %s", got)
	}
	status, err := eng.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Programs[models.ProgramBinary].Reserve.Equal(d("0.0044")) {
		t.Errorf("Expected the status report to surface the reserve. Got: %s", status.Programs[models.ProgramBinary].Reserve)
	}
	// Half the price of slot 3 cannot execute anything, and no trigger has
	// armed an item for alice yet.
	if len(status.Pending) != 0 {
		t.Errorf("Expected no pending upgrade for alice. Got: %d", len(status.Pending))
	}
	if got, _ := eng.RankOf(ctx, "alice"); got.Rank != 2 {
		t.Errorf("Expected alice still at rank 2. Got: %d", got.Rank)
	}
}

func TestBinaryNormalDistribution(t *testing.T) {
	// Erin is the third depth-2 placement under alice, outside the
	// two-wide reserve window, so her slot 2 pays the percentage split:
	// Spark 8, Royal 4, President 3, Leadership 5, Jackpot 5, Partner 10,
	// Shareholders 5 and Levels 60 over L1..L16.
	eng, store := newTestEngine(t)
	mustJoin(t, eng, models.ProgramBinary, "alice", "", 100)
	mustJoin(t, eng, models.ProgramBinary, "bob", "alice", 200)
	mustJoin(t, eng, models.ProgramBinary, "ben", "alice", 300)
	mustJoin(t, eng, models.ProgramBinary, "carol", "bob", 400)
	mustJoin(t, eng, models.ProgramBinary, "dave", "bob", 500)

	benBefore := walletOf(t, store, "ben", "BNB")
	aliceBefore := walletOf(t, store, "alice", "BNB")
	out := mustJoin(t, eng, models.ProgramBinary, "erin", "ben", 600)

	if out.Reserved {
		t.Errorf("Expected erin's join outside the reserve window. Got reserved: %v", out.Reserved)
	}
	corr2 := models.CorrelationID(models.ProgramBinary, "erin", 2, models.EventJoin, 600)
	entries := corrEntries(out, corr2)
	if len(entries) != 23 {
		t.Fatalf("Expected 23 entries for the slot-2 split. Got: %d", len(entries))
	}

	funds := []struct {
		pool   models.PoolName
		reason models.ReasonCode
		amount string
	}{
		{models.PoolSpark, models.ReasonSparkFund, "0.000352"},
		{models.PoolRoyalCaptain, models.ReasonRoyalCaptainFund, "0.000176"},
		{models.PoolPresident, models.ReasonPresidentFund, "0.000132"},
		{models.PoolLeadershipStipend, models.ReasonLeadershipStipendFund, "0.00022"},
		{models.PoolJackpot, models.ReasonJackpotFund, "0.00022"},
		{models.PoolShareholders, models.ReasonShareholders, "0.00022"},
	}
	for _, f := range funds {
		found := false
		for _, e := range entries {
			if e.Kind == models.KindFundCredit && e.Pool == f.pool && e.Reason == f.reason {
				found = true
				if !e.Amount.Equal(d(f.amount)) {
					t.Errorf("Expected %s %s into the %s pool. Got: %s", f.amount, f.reason, f.pool, e.Amount)
				}
			}
		}
		if !found {
			t.Errorf("Expected a %s fund credit. Got none", f.pool)
		}
	}

	if e, ok := findEntry(entries, models.KindWalletCredit, "ben", models.ReasonPartnerIncentive); !ok || !e.Amount.Equal(d("0.00044")) {
		t.Errorf("Expected ben's 0.00044 partner incentive. Got: %+v (found %v)", e, ok)
	}
	// Alice is the only eligible level upline: slot 2 held and two direct
	// partners. Ben has one direct, so his L1 share is missed profit.
	if e, ok := findEntry(entries, models.KindWalletCredit, "alice", models.ReasonLevelDistribution); !ok || !e.Amount.Equal(d("0.000264")) || e.Level != 2 {
		t.Errorf("Expected alice's 0.000264 L2 level share. Got: %+v (found %v)", e, ok)
	}

	missedCount := 0
	missedSum := decimal.Zero
	for _, e := range entries {
		if e.Kind != models.KindMissedProfit {
			continue
		}
		missedCount++
		missedSum = missedSum.Add(e.Amount)
		if e.Pool != models.PoolLeadershipStipend || e.Reason != models.ReasonLeadershipMissedProfit {
			t.Errorf("Expected missed level shares diverted to the leadership stipend. Got: %s %s", e.Pool, e.Reason)
		}
		if e.Level == 1 && !e.Amount.Equal(d("0.000792")) {
			t.Errorf("Expected the missed L1 share at 0.000792. Got: %s", e.Amount)
		}
		if e.Level == 16 && !e.Amount.Equal(d("0.0000528")) {
			t.Errorf("Expected the missed L16 residue at 0.0000528. Got: %s", e.Amount)
		}
	}
	if missedCount != 15 {
		t.Errorf("Expected 15 missed level shares. Got: %d", missedCount)
	}
	if !missedSum.Equal(d("0.002376")) {
		t.Errorf("Expected 0.002376 of the level pool missed. Got: %s", missedSum)
	}

	if got := walletOf(t, store, "ben", "BNB").Sub(benBefore); !got.Equal(d("0.00264")) {
		t.Errorf("Expected erin's join to pay ben 0.00264 (slot-1 full + partner). Got: %s", got)
	}
	if got := walletOf(t, store, "alice", "BNB").Sub(aliceBefore); !got.Equal(d("0.000264")) {
		t.Errorf("Expected erin's join to pay alice her L2 share only. Got: %s", got)
	}
}

func TestMatrixMiddleRouteAndAutoUpgrade(t *testing.T) {
	// Middle-position level-2 placements under carol route 11 USDT each
	// into her slot-2 reserve; the third one funds 33 and activates slot 2
	// in the same transaction.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramMatrix, "carol", "", 400)
	mustJoin(t, eng, models.ProgramMatrix, "dan", "carol", 401)
	mustJoin(t, eng, models.ProgramMatrix, "erin", "carol", 402)
	mustJoin(t, eng, models.ProgramMatrix, "frank", "carol", 403)

	// Gina fills dan's first seat: level-2 but not the middle.
	gina := mustJoin(t, eng, models.ProgramMatrix, "gina", "carol", 404)
	if gina.Reserved {
		t.Errorf("Expected gina's non-middle placement to distribute normally. Got reserved: %v", gina.Reserved)
	}

	// Bob lands on dan's middle seat.
	bob := mustJoin(t, eng, models.ProgramMatrix, "bob", "carol", 405)
	if !bob.Reserved {
		t.Errorf("Expected bob's middle placement to route to reserve. Got: %v", bob.Reserved)
	}
	corr := models.CorrelationID(models.ProgramMatrix, "bob", 1, models.EventJoin, 405)
	entries := corrEntries(bob, corr)
	if len(entries) != 1 {
		t.Fatalf("Expected the middle route to be bob's only entry. Got: %d", len(entries))
	}
	if e := entries[0]; e.Kind != models.KindReserveCredit || e.UserID != "carol" || e.TargetSlot != 2 || !e.Amount.Equal(d("11")) {
		t.Errorf("Expected 11 USDT into carol's slot-2 reserve. Got: %s %s target %d amount %s", e.Kind, e.UserID, e.TargetSlot, e.Amount)
	}
	if got := reserveOf(t, store, "carol", models.ProgramMatrix, 2); !got.Equal(d("11")) {
		t.Errorf("Expected carol's slot-2 reserve at 11. Got: %s", got)
	}
	status, err := eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Pending) != 0 {
		t.Errorf("Expected no queue item at a third of the price. Got: %d", len(status.Pending))
	}

	mustJoin(t, eng, models.ProgramMatrix, "harry", "carol", 406)
	mustJoin(t, eng, models.ProgramMatrix, "ivan", "carol", 407)
	judy := mustJoin(t, eng, models.ProgramMatrix, "judy", "carol", 408)
	if !judy.Reserved {
		t.Errorf("Expected judy on erin's middle seat to route to reserve. Got: %v", judy.Reserved)
	}
	mustJoin(t, eng, models.ProgramMatrix, "lena", "carol", 409)
	mustJoin(t, eng, models.ProgramMatrix, "mike", "carol", 410)

	// Nina is the third middle: 33 USDT banked, slot 2 costs 33.
	nina := mustJoin(t, eng, models.ProgramMatrix, "nina", "carol", 411)
	if len(nina.ChainedSlots) != 1 || nina.ChainedSlots[0] != 2 {
		t.Fatalf("Expected nina's join to chain carol's slot-2 activation. Got: %v", nina.ChainedSlots)
	}
	if e, ok := findEntry(nina.Entries, models.KindReserveDebit, "carol", models.ReasonReserveDebitAuto); !ok || !e.Amount.Equal(d("33")) || e.TargetSlot != 2 {
		t.Errorf("Expected a 33 USDT reserve debit funding the upgrade. Got: %+v (found %v)", e, ok)
	}

	status, err = eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	ps := status.Programs[models.ProgramMatrix]
	if ps.HighestSlot != 2 {
		t.Errorf("Expected carol auto-upgraded to matrix slot 2. Got: %d", ps.HighestSlot)
	}
	if len(status.Pending) != 0 {
		t.Errorf("Expected the executed item off the pending queue. Got: %d", len(status.Pending))
	}
	if len(store.state.queue) != 1 {
		t.Fatalf("Expected exactly one queue item for the whole flow. Got: %d", len(store.state.queue))
	}
	item := store.state.queue[0]
	if item.Status != models.QueueCompleted || item.Trigger != models.TriggerMiddleThree {
		t.Errorf("Expected a completed matrix_middle item. Got: %s %s", item.Status, item.Trigger)
	}

	view, err := eng.TreeView(ctx, models.ProgramMatrix, 1, "carol", 3)
	if err != nil {
		t.Fatalf("TreeView failed: %v", err)
	}
	if view.Generation.MemberCount != 11 {
		t.Errorf("Expected carol's slot-1 generation at 11 members. Got: %d", view.Generation.MemberCount)
	}
}

func TestMatrixNormalDistribution(t *testing.T) {
	// Bob joins matrix under carol (herself under betty): $11 splits into
	// Spark 8, Royal 4, President 3, Newcomer 20 (half instant to bob,
	// half to carol's upline fund), Mentorship 10, Partner 10,
	// Shareholders 5 and Levels 40 over three levels.
	eng, store := newTestEngine(t)
	mustJoin(t, eng, models.ProgramMatrix, "betty", "", 500)
	mustJoin(t, eng, models.ProgramMatrix, "carol", "betty", 501)

	carolBefore := walletOf(t, store, "carol", "USDT")
	bettyBefore := walletOf(t, store, "betty", "USDT")
	motherBefore := walletOf(t, store, "mother", "USDT")
	out := mustJoin(t, eng, models.ProgramMatrix, "bob", "carol", 502)

	corr := models.CorrelationID(models.ProgramMatrix, "bob", 1, models.EventJoin, 502)
	entries := corrEntries(out, corr)
	if len(entries) != 13 {
		t.Fatalf("Expected 13 entries for the matrix split. Got: %d", len(entries))
	}

	if e, ok := findEntry(entries, models.KindWalletCredit, "bob", models.ReasonNewcomerInstant); !ok || !e.Amount.Equal(d("1.1")) {
		t.Errorf("Expected bob's 1.1 instant newcomer half. Got: %+v (found %v)", e, ok)
	}
	fundHalf, ok := findEntry(entries, models.KindFundCredit, "carol", models.ReasonNewcomerUplineFund)
	if !ok || !fundHalf.Amount.Equal(d("1.1")) || fundHalf.PoolOwnerID != "carol" {
		t.Errorf("Expected 1.1 into carol's newcomer upline fund. Got: %+v (found %v)", fundHalf, ok)
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "betty", models.ReasonMentorship); !ok || !e.Amount.Equal(d("1.1")) {
		t.Errorf("Expected betty's 1.1 mentorship share. Got: %+v (found %v)", e, ok)
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "carol", models.ReasonPartnerIncentive); !ok || !e.Amount.Equal(d("1.1")) {
		t.Errorf("Expected carol's 1.1 partner incentive. Got: %+v (found %v)", e, ok)
	}
	// Levels renormalize 30/10/10 over the used prefix: 2.64/0.88/0.88.
	levels := map[string]string{"carol": "2.64", "betty": "0.88", "mother": "0.88"}
	for user, want := range levels {
		if e, ok := findEntry(entries, models.KindWalletCredit, user, models.ReasonLevelDistribution); !ok || !e.Amount.Equal(d(want)) {
			t.Errorf("Expected %s level share of %s. Got: %+v (found %v)", user, want, e, ok)
		}
	}
	// First matrix join pays the 10% joining commission from Mother to
	// the direct upline.
	if e, ok := findEntry(entries, models.KindWalletDebit, "mother", models.ReasonJoiningCommission); !ok || !e.Amount.Equal(d("1.1")) {
		t.Errorf("Expected mother debited 1.1 joining commission. Got: %+v (found %v)", e, ok)
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "carol", models.ReasonJoiningCommission); !ok || !e.Amount.Equal(d("1.1")) {
		t.Errorf("Expected carol credited 1.1 joining commission. Got: %+v (found %v)", e, ok)
	}

	if got := walletOf(t, store, "carol", "USDT").Sub(carolBefore); !got.Equal(d("4.84")) {
		t.Errorf("Expected bob's join to pay carol 4.84. Got: %s", got)
	}
	if got := walletOf(t, store, "betty", "USDT").Sub(bettyBefore); !got.Equal(d("1.98")) {
		t.Errorf("Expected bob's join to pay betty 1.98. Got: %s", got)
	}
	if got := walletOf(t, store, "mother", "USDT").Sub(motherBefore); !got.Equal(d("-0.22")) {
		t.Errorf("Expected mother net -0.22 (L3 in, commission out). Got: %s", got)
	}

	err := store.View(context.Background(), func(tx Tx) error {
		bal, err := tx.UserFundBalance(models.PoolNewcomerUpline, "carol", "USDT")
		if err != nil {
			return err
		}
		if !bal.Equal(d("1.1")) {
			t.Errorf("Expected carol's newcomer fund at 1.1. Got: %s", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if got := poolOf(t, store, models.PoolSpark, "USDT"); !got.Equal(d("2.64")) {
		t.Errorf("Expected the spark pool at 2.64 after three joins. Got: %s", got)
	}
}

func TestGlobalJoinDistribution(t *testing.T) {
	// Gina joins global under carol: $33 splits into Level 30 (to carol's
	// next-slot reserve), Partner 10, Profit 30 (carol's wallet), Royal
	// 10, President 10, Triple-Entry 5, Shareholders 5, plus the Mother
	// funded joining commission.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	carol := mustJoin(t, eng, models.ProgramGlobal, "carol", "", 600)

	// Carol sits under Mother, who holds every slot: her level share pays
	// Mother's wallet instead of a reserve.
	if carol.Reserved {
		t.Errorf("Expected no reserve under a fully upgraded owner. Got: %v", carol.Reserved)
	}

	out := mustJoin(t, eng, models.ProgramGlobal, "gina", "carol", 601)
	corr := models.CorrelationID(models.ProgramGlobal, "gina", 1, models.EventJoin, 601)
	entries := corrEntries(out, corr)
	if len(entries) != 9 {
		t.Fatalf("Expected 9 entries for the global split. Got: %d", len(entries))
	}
	if !out.Reserved {
		t.Errorf("Expected gina's level share reserved for carol. Got: %v", out.Reserved)
	}

	if e, ok := findEntry(entries, models.KindReserveCredit, "carol", models.ReasonReserveRoute); !ok || !e.Amount.Equal(d("9.9")) || e.TargetSlot != 2 {
		t.Errorf("Expected 9.9 USD into carol's slot-2 reserve. Got: %+v (found %v)", e, ok)
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "carol", models.ReasonPartnerIncentive); !ok || !e.Amount.Equal(d("3.3")) {
		t.Errorf("Expected carol's 3.3 partner incentive. Got: %+v (found %v)", e, ok)
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "carol", models.ReasonLevelDistribution); !ok || !e.Amount.Equal(d("9.9")) || e.Level != 1 {
		t.Errorf("Expected carol's 9.9 profit share. Got: %+v (found %v)", e, ok)
	}
	funds := []struct {
		pool   models.PoolName
		amount string
	}{
		{models.PoolRoyalCaptain, "3.3"},
		{models.PoolPresident, "3.3"},
		{models.PoolTripleEntry, "1.65"},
		{models.PoolShareholders, "1.65"},
	}
	for _, f := range funds {
		found := false
		for _, e := range entries {
			if e.Kind == models.KindFundCredit && e.Pool == f.pool {
				found = true
				if !e.Amount.Equal(d(f.amount)) {
					t.Errorf("Expected %s into the %s pool. Got: %s", f.amount, f.pool, e.Amount)
				}
			}
		}
		if !found {
			t.Errorf("Expected a %s fund credit. Got none", f.pool)
		}
	}
	if e, ok := findEntry(entries, models.KindWalletCredit, "carol", models.ReasonJoiningCommission); !ok || !e.Amount.Equal(d("3.3")) {
		t.Errorf("Expected carol's 3.3 joining commission. Got: %+v (found %v)", e, ok)
	}

	status, err := eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase == nil || status.Phase.Phase != models.PhaseOne || status.Phase.MembersInPhase != 1 {
		t.Errorf("Expected carol's phase tree at P1 with one member. Got: %+v", status.Phase)
	}
	if got := reserveOf(t, store, "carol", models.ProgramGlobal, 2); !got.Equal(d("9.9")) {
		t.Errorf("Expected carol's slot-2 reserve at 9.9. Got: %s", got)
	}
}

func TestMatrixRecycleAtThirtyNineMembers(t *testing.T) {
	// Thirty-nine placements fill carol's three counted levels (3+9+27).
	// The last one freezes generation 1 behind a snapshot, opens an
	// active generation 2, and re-enters carol under mother at Mother's
	// expense, routed like any other activation.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramMatrix, "carol", "", 700)

	var last *models.EventOutcome
	for i := 1; i <= 39; i++ {
		last = mustJoin(t, eng, models.ProgramMatrix, fmt.Sprintf("m%02d", i), "carol", 700+int64(i))
		if i < 39 && last.Recycled {
			t.Fatalf("Expected no recycle before member 39. Got one at member %d", i)
		}
	}
	if !last.Recycled {
		t.Fatal("Expected the 39th member to recycle carol's generation. Got none")
	}

	err := store.View(ctx, func(tx Tx) error {
		node, ok, err := tx.Node(models.ProgramMatrix, 1, "carol")
		if err != nil {
			return err
		}
		if !ok || node.Generation != 2 {
			t.Errorf("Expected carol re-entered as a generation-2 node. Got: %+v (found %v)", node, ok)
		}
		if ok && node.ParentID != "mother" {
			t.Errorf("Expected the re-entry placed under mother. Got parent: %s", node.ParentID)
		}
		gen, err := tx.CurrentGeneration("carol", 1)
		if err != nil {
			return err
		}
		if gen.GenNo != 2 || gen.Status != models.GenerationActive {
			t.Errorf("Expected generation 2 active after the recycle. Got: %d %s", gen.GenNo, gen.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	frozen, ok := store.state.generations[genKey{genRef{"carol", 1}, 1}]
	if !ok {
		t.Fatal("Expected a frozen generation-1 record. Got none")
	}
	if frozen.Status != models.GenerationRecycled || frozen.MemberCount != 39 {
		t.Errorf("Expected generation 1 recycled at 39 members. Got: %s %d", frozen.Status, frozen.MemberCount)
	}
	if frozen.SnapshotID == "" {
		t.Fatal("Expected the frozen generation to carry a snapshot id. Got none")
	}
	if snap := store.state.snapshots[frozen.SnapshotID]; len(snap) != 39 {
		t.Errorf("Expected the snapshot to hold the full 39-member subtree. Got: %d nodes", len(snap))
	}

	if e, ok := findEntry(last.Entries, models.KindWalletDebit, "mother", models.ReasonRecycleReentry); !ok || !e.Amount.Equal(d("11")) {
		t.Errorf("Expected mother debited 11 USDT for the re-entry. Got: %+v (found %v)", e, ok)
	}
	// 40 joins of 11 entered; auto-upgrades and the Mother-funded
	// re-entry net to zero inside the stream.
	if got := ledgerNet(store, "USDT"); !got.Equal(d("440")) {
		t.Errorf("Expected USDT net of forty 11 joins. Got: %s", got)
	}
}

func TestGlobalPhaseProgression(t *testing.T) {
	// Carol's phase-one tree completes at four members and rolls into
	// phase two; the seventh member's level share lifts her slot-2
	// reserve to 69.3 over the 66 price, auto-activating slot 2 and
	// opening a fresh phase-one tree for the new slot.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramGlobal, "carol", "", 800)

	for i := 1; i <= 3; i++ {
		mustJoin(t, eng, models.ProgramGlobal, fmt.Sprintf("g%02d", i), "carol", 800+int64(i))
	}
	status, err := eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase.Phase != models.PhaseOne || status.Phase.MembersInPhase != 3 {
		t.Errorf("Expected carol at P1 with three members. Got: %+v", status.Phase)
	}

	mustJoin(t, eng, models.ProgramGlobal, "g04", "carol", 804)
	status, err = eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase.Phase != models.PhaseTwo || status.Phase.SlotNo != 1 || status.Phase.MembersInPhase != 0 {
		t.Errorf("Expected the fourth member to roll carol into P2 with zero members. Got: %+v", status.Phase)
	}

	mustJoin(t, eng, models.ProgramGlobal, "g05", "carol", 805)
	mustJoin(t, eng, models.ProgramGlobal, "g06", "carol", 806)
	out7 := mustJoin(t, eng, models.ProgramGlobal, "g07", "carol", 807)

	if len(out7.ChainedSlots) != 1 || out7.ChainedSlots[0] != 2 {
		t.Fatalf("Expected the seventh join to chain carol's slot-2 activation. Got: %v", out7.ChainedSlots)
	}
	if e, ok := findEntry(out7.Entries, models.KindReserveDebit, "carol", models.ReasonReserveDebitAuto); !ok || !e.Amount.Equal(d("66")) || e.TargetSlot != 2 {
		t.Errorf("Expected a 66 USD reserve debit funding slot 2. Got: %+v (found %v)", e, ok)
	}
	status, err = eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Programs[models.ProgramGlobal].HighestSlot != 2 {
		t.Errorf("Expected carol auto-upgraded to global slot 2. Got: %d", status.Programs[models.ProgramGlobal].HighestSlot)
	}
	// The seventh member lands in the fresh slot-2 phase-one tree.
	if status.Phase.Phase != models.PhaseOne || status.Phase.SlotNo != 2 || status.Phase.MembersInPhase != 1 {
		t.Errorf("Expected a fresh P1 tree for slot 2 holding one member. Got: %+v", status.Phase)
	}
	if got := reserveOf(t, store, "carol", models.ProgramGlobal, 2); !got.Equal(d("3.3")) {
		t.Errorf("Expected 3.3 left in the slot-2 reserve after the debit. Got: %s", got)
	}

	for i := 8; i <= 12; i++ {
		mustJoin(t, eng, models.ProgramGlobal, fmt.Sprintf("g%02d", i), "carol", 800+int64(i))
	}
	status, err = eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase.Phase != models.PhaseTwo || status.Phase.SlotNo != 2 || status.Phase.MembersInPhase != 2 {
		t.Errorf("Expected carol at slot-2 P2 with two members after twelve joins. Got: %+v", status.Phase)
	}
	if got := reserveOf(t, store, "carol", models.ProgramGlobal, 3); !got.Equal(d("49.5")) {
		t.Errorf("Expected five 9.9 shares banked toward slot 3. Got: %s", got)
	}
	if got := ledgerNet(store, "USD"); !got.Equal(d("429")) {
		t.Errorf("Expected USD net of thirteen 33 joins. Got: %s", got)
	}
}

func TestPhaseTwoCompletionRollsOntoUpgradedSlot(t *testing.T) {
	// Phase two completing against a funded reserve executes the armed
	// upgrade inline; the saved state must describe the new slot's fresh
	// phase-one tree, not the completed slot.
	eng, store := newTestEngine(t)
	ctx := context.Background()
	mustJoin(t, eng, models.ProgramGlobal, "carol", "", 900)

	err := store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.SavePhaseState(&models.GlobalPhaseState{
			UserID:         "carol",
			Phase:          models.PhaseTwo,
			SlotNo:         1,
			MembersInPhase: 7,
		}); err != nil {
			return err
		}
		return tx.AppendLedger(&models.LedgerEntry{
			UserID:        "carol",
			Program:       models.ProgramGlobal,
			Kind:          models.KindReserveCredit,
			Amount:        d("66"),
			Currency:      "USD",
			Reason:        models.ReasonReserveRoute,
			TargetSlot:    2,
			CorrelationID: "carol-slot2-reserve-seed",
		})
	})
	if err != nil {
		t.Fatalf("Seeding failed: %v", err)
	}

	outcome := newOutcome(models.ProgramGlobal, "carol", 2)
	err = store.RunInTx(ctx, func(tx Tx) error {
		return eng.advancePhase(tx, "carol", 0, outcome)
	})
	if err != nil {
		t.Fatalf("advancePhase failed: %v", err)
	}

	if len(outcome.ChainedSlots) != 1 || outcome.ChainedSlots[0] != 2 {
		t.Fatalf("Expected the completion to chain slot 2. Got: %v", outcome.ChainedSlots)
	}
	status, err := eng.Status(ctx, "carol")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Programs[models.ProgramGlobal].HighestSlot != 2 {
		t.Errorf("Expected carol holding global slot 2. Got: %d", status.Programs[models.ProgramGlobal].HighestSlot)
	}
	if status.Phase.Phase != models.PhaseOne || status.Phase.SlotNo != 2 || status.Phase.MembersInPhase != 0 {
		t.Errorf("Expected an empty P1 tree for slot 2. Got: %+v", status.Phase)
	}
}

func TestLedgerConservation(t *testing.T) {
	// Every entry pairs or sums back to the payments that entered: per
	// currency, credits minus debits equal exactly what joins and
	// upgrades paid in, auto-upgrades and commissions included.
	eng, store := newTestEngine(t)
	ctx := context.Background()

	mustJoin(t, eng, models.ProgramBinary, "b1", "", 100)
	mustJoin(t, eng, models.ProgramBinary, "b2", "b1", 101)
	mustJoin(t, eng, models.ProgramBinary, "b3", "b1", 102)
	mustJoin(t, eng, models.ProgramBinary, "b4", "b2", 103)
	mustJoin(t, eng, models.ProgramBinary, "b5", "b2", 104)

	mustJoin(t, eng, models.ProgramMatrix, "m1", "", 200)
	mustJoin(t, eng, models.ProgramMatrix, "m2", "m1", 201)
	mustJoin(t, eng, models.ProgramMatrix, "m3", "m2", 202)
	if _, err := eng.Upgrade(ctx, UpgradeRequest{
		Program:    models.ProgramMatrix,
		UserID:     "m1",
		TargetSlot: 2,
		Currency:   "USDT",
		Amount:     d("22"),
		TS:         203,
	}); err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}

	mustJoin(t, eng, models.ProgramGlobal, "g1", "", 300)
	mustJoin(t, eng, models.ProgramGlobal, "g2", "g1", 301)
	mustJoin(t, eng, models.ProgramGlobal, "g3", "g1", 302)

	// b5 funded b1's slot-3 auto-upgrade; the reserve debit nets against
	// its credits.
	if got, err := eng.Status(ctx, "b1"); err != nil || got.Programs[models.ProgramBinary].HighestSlot != 3 {
		t.Fatalf("Expected b1 auto-upgraded to slot 3 (err %v). Got: %+v", err, got.Programs[models.ProgramBinary])
	}

	if got := ledgerNet(store, "BNB"); !got.Equal(d("0.033")) {
		t.Errorf("Expected BNB net of five 0.0066 joins. Got: %s", got)
	}
	if got := ledgerNet(store, "USDT"); !got.Equal(d("55")) {
		t.Errorf("Expected USDT net of three joins plus one 22 upgrade. Got: %s", got)
	}
	if got := ledgerNet(store, "USD"); !got.Equal(d("99")) {
		t.Errorf("Expected USD net of three 33 joins. Got: %s", got)
	}
}
