package audit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

func cleanStream(t *testing.T) engine.Datastore {
	t.Helper()
	store := engine.NewMemStore()
	eng := engine.New(store, engine.Config{MotherID: "mother"}, zerolog.Nop())
	if err := eng.Bootstrap(t.Context()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	users := []struct{ id, ref string }{
		{"alice", "mother"}, {"bob", "alice"}, {"carol", "alice"}, {"dave", "bob"},
	}
	ts := int64(1000)
	for _, u := range users {
		for _, p := range models.Programs() {
			amount, _ := catalog.JoinAmount(p)
			_, err := eng.Join(t.Context(), engine.JoinRequest{
				Program:    p,
				UserID:     u.id,
				ReferrerID: u.ref,
				Amount:     amount,
				Currency:   p.Currency(),
				TS:         ts,
			})
			if err != nil {
				t.Fatalf("join %s %s: %v", u.id, p, err)
			}
			ts++
		}
	}
	return store
}

func TestSweepCleanStreamHasNoFindings(t *testing.T) {
	store := cleanStream(t)
	a := New(store, "mother", zerolog.Nop(), nil)

	findings, scanned, err := a.sweep(t.Context(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if scanned == 0 {
		t.Fatal("sweep scanned nothing; the joins wrote no ledger entries")
	}
	if findings != 0 {
		t.Errorf("clean stream produced %d findings", findings)
	}
}

func TestSweepFlagsNegativeMemberWallet(t *testing.T) {
	store := cleanStream(t)

	// Forge a debit no credit covers. The engine never writes this; the
	// auditor exists to catch exactly this class of bug.
	err := store.RunInTx(t.Context(), func(tx engine.Tx) error {
		return tx.AppendLedger(&models.LedgerEntry{
			UserID:        "dave",
			Program:       models.ProgramBinary,
			Kind:          models.KindWalletDebit,
			Amount:        decimal.RequireFromString("999"),
			Currency:      "BNB",
			Reason:        models.ReasonPartnerIncentive,
			CorrelationID: "forged-debit",
			SourceEventID: "forged",
		})
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	var alerts []Finding
	a := New(store, "mother", zerolog.Nop(), func(f Finding) { alerts = append(alerts, f) })
	findings, _, err := a.sweep(t.Context(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if findings == 0 {
		t.Fatal("forged over-debit not flagged")
	}
	found := false
	for _, f := range alerts {
		if f.Check == "wallet_non_negative" && f.UserID == "dave" {
			found = true
		}
	}
	if !found {
		t.Errorf("no wallet_non_negative finding for dave in %+v", alerts)
	}
}

func TestSweepFlagsUnknownReason(t *testing.T) {
	store := cleanStream(t)
	err := store.RunInTx(t.Context(), func(tx engine.Tx) error {
		return tx.AppendLedger(&models.LedgerEntry{
			UserID:        "alice",
			Program:       models.ProgramMatrix,
			Kind:          models.KindWalletCredit,
			Amount:        decimal.RequireFromString("1"),
			Currency:      "USDT",
			Reason:        "made_up_reason",
			CorrelationID: "forged-reason",
			SourceEventID: "forged",
		})
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	a := New(store, "mother", zerolog.Nop(), nil)
	findings, _, err := a.sweep(t.Context(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if findings != 1 {
		t.Errorf("findings = %d, want exactly the forged reason", findings)
	}
}

func TestCheckEntryReserveProjection(t *testing.T) {
	a := New(engine.NewMemStore(), "mother", zerolog.Nop(), nil)
	bal := &balances{
		reserves: make(map[reserveKey]decimal.Decimal),
		wallets:  make(map[walletKey]decimal.Decimal),
	}
	credit := &models.LedgerEntry{
		Seq: 1, TS: time.Now(), UserID: "alice", Program: models.ProgramBinary,
		Kind: models.KindReserveCredit, Amount: decimal.RequireFromString("5"),
		Currency: "BNB", Reason: models.ReasonReserveRoute, TargetSlot: 3,
	}
	if got := a.checkEntry(credit, bal); len(got) != 0 {
		t.Fatalf("credit flagged: %+v", got)
	}

	debit := *credit
	debit.Seq = 2
	debit.Kind = models.KindReserveDebit
	debit.Amount = decimal.RequireFromString("6")
	debit.Reason = models.ReasonReserveDebitAuto
	got := a.checkEntry(&debit, bal)
	if len(got) != 1 || got[0].Check != "reserve_non_negative" {
		t.Fatalf("over-debit findings = %+v, want reserve_non_negative", got)
	}
}

func TestSweepRangeRefusesConcurrent(t *testing.T) {
	a := New(cleanStream(t), "mother", zerolog.Nop(), nil)

	if !a.SweepRange(t.Context(), 0) {
		t.Fatal("first sweep refused")
	}
	// A second request may race the first's completion; once idle it must
	// be accepted again.
	deadline := time.Now().Add(5 * time.Second)
	for a.GetProgress().IsRunning {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !a.SweepRange(t.Context(), 0) {
		t.Fatal("sweep refused while idle")
	}
}
