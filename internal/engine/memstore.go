package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitgpt/cascade-engine/internal/catalog"
	"github.com/bitgpt/cascade-engine/internal/tree"
	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

type activationKey struct {
	userID  string
	program models.Program
	slot    int
}

type directKey struct {
	userID  string
	program models.Program
}

type genRef struct {
	owner string
	slot  int
}

type genKey struct {
	genRef
	gen int
}

type poolUserKey struct {
	pool   models.PoolName
	userID string
}

// memState is one immutable-by-convention snapshot of everything. Stored
// struct values are never mutated in place; writers replace them, so a
// clone can share value pointers and copy only the index structures.
type memState struct {
	users          map[string]*models.User
	directs        map[string][]string
	programDirects map[directKey][]string
	activations    []models.SlotActivation
	active         map[activationKey]bool
	tree           *tree.MemTree
	generations    map[genKey]*models.TreeGeneration
	currentGen     map[genRef]int
	snapshots      map[string][]*models.TreeNode
	ledger         []models.LedgerEntry
	outcomes       map[string]*models.EventOutcome
	commissions    []models.CommissionEvent
	queue          []models.QueueItem
	ranks          map[string]*models.RankInfo
	phases         map[string]*models.GlobalPhaseState
	eligibility    map[poolUserKey]time.Time
	awards         map[poolUserKey][]decimal.Decimal
	seq            int64
}

func newMemState() *memState {
	return &memState{
		users:          make(map[string]*models.User),
		directs:        make(map[string][]string),
		programDirects: make(map[directKey][]string),
		active:         make(map[activationKey]bool),
		tree:           tree.NewMemTree(),
		generations:    make(map[genKey]*models.TreeGeneration),
		currentGen:     make(map[genRef]int),
		snapshots:      make(map[string][]*models.TreeNode),
		outcomes:       make(map[string]*models.EventOutcome),
		ranks:          make(map[string]*models.RankInfo),
		phases:         make(map[string]*models.GlobalPhaseState),
		eligibility:    make(map[poolUserKey]time.Time),
		awards:         make(map[poolUserKey][]decimal.Decimal),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:          make(map[string]*models.User, len(s.users)),
		directs:        make(map[string][]string, len(s.directs)),
		programDirects: make(map[directKey][]string, len(s.programDirects)),
		activations:    s.activations,
		active:         make(map[activationKey]bool, len(s.active)),
		tree:           s.tree.Clone(),
		generations:    make(map[genKey]*models.TreeGeneration, len(s.generations)),
		currentGen:     make(map[genRef]int, len(s.currentGen)),
		snapshots:      make(map[string][]*models.TreeNode, len(s.snapshots)),
		ledger:         s.ledger,
		outcomes:       make(map[string]*models.EventOutcome, len(s.outcomes)),
		commissions:    s.commissions,
		queue:          s.queue,
		ranks:          make(map[string]*models.RankInfo, len(s.ranks)),
		phases:         make(map[string]*models.GlobalPhaseState, len(s.phases)),
		eligibility:    make(map[poolUserKey]time.Time, len(s.eligibility)),
		awards:         make(map[poolUserKey][]decimal.Decimal, len(s.awards)),
		seq:            s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.directs {
		c.directs[k] = v
	}
	for k, v := range s.programDirects {
		c.programDirects[k] = v
	}
	for k, v := range s.active {
		c.active[k] = v
	}
	for k, v := range s.generations {
		c.generations[k] = v
	}
	for k, v := range s.currentGen {
		c.currentGen[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.outcomes {
		c.outcomes[k] = v
	}
	for k, v := range s.ranks {
		c.ranks[k] = v
	}
	for k, v := range s.phases {
		c.phases[k] = v
	}
	for k, v := range s.eligibility {
		c.eligibility[k] = v
	}
	for k, v := range s.awards {
		c.awards[k] = v
	}
	return c
}

// MemStore is the in-memory datastore: the whole Tx surface over plain
// maps, with copy-on-write transactions. One mutex serializes everything,
// which keeps single-node runs and tests strictly sequential.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemStore returns an empty in-memory datastore.
func NewMemStore() *MemStore {
	return &MemStore{state: newMemState()}
}

// RunInTx clones the state, runs fn against the clone and swaps it in on
// success. A failed fn leaves the store untouched.
func (m *MemStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{s: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

// View runs fn over the current state. fn must not write.
func (m *MemStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{s: m.state})
}

type memTx struct {
	s *memState
}

// ---- users and the referral graph ----

func (t *memTx) GetUser(id string) (*models.User, bool, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, false, nil
	}
	cp := *u
	return &cp, true, nil
}

func (t *memTx) CreateUser(u *models.User) error {
	if _, exists := t.s.users[u.ID]; exists {
		return fmt.Errorf("%w: user %s exists", ErrValidation, u.ID)
	}
	cp := *u
	t.s.users[u.ID] = &cp
	return nil
}

func (t *memTx) SetProgramFlag(userID string, p models.Program) error {
	u, ok := t.s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	cp := *u
	switch p {
	case models.ProgramBinary:
		cp.InBinary = true
	case models.ProgramMatrix:
		cp.InMatrix = true
	case models.ProgramGlobal:
		cp.InGlobal = true
	}
	t.s.users[userID] = &cp
	return nil
}

func (t *memTx) AddDirect(referrerID, userID string, p models.Program) (int, error) {
	if !contains(t.s.directs[referrerID], userID) {
		t.s.directs[referrerID] = appendCopy(t.s.directs[referrerID], userID)
	}
	dk := directKey{referrerID, p}
	if !contains(t.s.programDirects[dk], userID) {
		t.s.programDirects[dk] = appendCopy(t.s.programDirects[dk], userID)
	}
	return len(t.s.programDirects[dk]), nil
}

func (t *memTx) DirectsCount(userID string, p models.Program) (int, error) {
	return len(t.s.programDirects[directKey{userID, p}]), nil
}

func (t *memTx) DirectsOf(userID string) ([]string, error) {
	return append([]string(nil), t.s.directs[userID]...), nil
}

func (t *memTx) TeamSize(userID string, p models.Program) (int, error) {
	count := 0
	queue := append([]string(nil), t.s.directs[userID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		u, ok := t.s.users[id]
		if !ok {
			continue
		}
		if p == "" || u.InProgram(p) {
			count++
		}
		queue = append(queue, t.s.directs[id]...)
	}
	return count, nil
}

func (t *memTx) UsersInAllPrograms() ([]string, error) {
	var out []string
	for id, u := range t.s.users {
		if u.InBinary && u.InMatrix && u.InGlobal {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---- slot activations ----

func (t *memTx) SlotActive(userID string, p models.Program, slot int) (bool, error) {
	return t.s.active[activationKey{userID, p, slot}], nil
}

func (t *memTx) HighestSlot(userID string, p models.Program) (int, error) {
	for slot := catalog.MaxSlot(p); slot >= 1; slot-- {
		if t.s.active[activationKey{userID, p, slot}] {
			return slot, nil
		}
	}
	return 0, nil
}

func (t *memTx) ActiveSlotCount(userID string) (int, error) {
	count := 0
	for k, on := range t.s.active {
		if on && k.userID == userID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) AppendActivation(a *models.SlotActivation) error {
	t.s.activations = append(t.s.activations, *a)
	t.s.active[activationKey{a.UserID, a.Program, a.SlotNo}] = true
	return nil
}

func (t *memTx) UsersWithSlot(p models.Program, slot int) ([]string, error) {
	var out []string
	for k, on := range t.s.active {
		if on && k.program == p && k.slot == slot {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---- placement trees ----

func (t *memTx) Node(p models.Program, slot int, userID string) (*models.TreeNode, bool, error) {
	return t.s.tree.Node(p, slot, userID)
}

func (t *memTx) NodeAt(p models.Program, slot int, ref models.NodeRef) (*models.TreeNode, bool, error) {
	return t.s.tree.NodeAt(p, slot, ref)
}

func (t *memTx) Children(p models.Program, slot int, parent models.NodeRef) ([]*models.TreeNode, error) {
	return t.s.tree.Children(p, slot, parent)
}

func (t *memTx) InsertNode(n *models.TreeNode) error {
	return t.s.tree.Insert(n)
}

// ---- matrix generations ----

func (t *memTx) currentGenNo(ref genRef) int {
	if gen, ok := t.s.currentGen[ref]; ok {
		return gen
	}
	return 1
}

func (t *memTx) CurrentGeneration(owner string, slot int) (*models.TreeGeneration, error) {
	ref := genRef{owner, slot}
	gen := t.currentGenNo(ref)
	if rec, ok := t.s.generations[genKey{ref, gen}]; ok {
		cp := *rec
		return &cp, nil
	}
	return &models.TreeGeneration{
		Program: models.ProgramMatrix,
		SlotNo:  slot,
		OwnerID: owner,
		GenNo:   gen,
		Status:  models.GenerationActive,
	}, nil
}

func (t *memTx) BumpGenerationMembers(owner string, slot, gen int) (int, bool, error) {
	ref := genRef{owner, slot}
	if gen != t.currentGenNo(ref) {
		return 0, false, nil
	}
	key := genKey{ref, gen}
	rec, ok := t.s.generations[key]
	if !ok {
		rec = &models.TreeGeneration{
			Program: models.ProgramMatrix,
			SlotNo:  slot,
			OwnerID: owner,
			GenNo:   gen,
			Status:  models.GenerationActive,
		}
	}
	if rec.Status != models.GenerationActive {
		return 0, false, nil
	}
	cp := *rec
	cp.MemberCount++
	t.s.generations[key] = &cp
	return cp.MemberCount, true, nil
}

func (t *memTx) RecycleGeneration(owner string, slot, gen int, snapshotID string) (*models.TreeGeneration, error) {
	ref := genRef{owner, slot}
	if gen != t.currentGenNo(ref) {
		return nil, fmt.Errorf("%w: generation %d of %s slot %d is not current", ErrInvariant, gen, owner, slot)
	}
	key := genKey{ref, gen}
	rec, ok := t.s.generations[key]
	if !ok {
		rec = &models.TreeGeneration{
			Program: models.ProgramMatrix,
			SlotNo:  slot,
			OwnerID: owner,
			GenNo:   gen,
			Status:  models.GenerationActive,
		}
	}
	frozen := *rec
	frozen.Status = models.GenerationRecycled
	frozen.SnapshotID = snapshotID
	t.s.generations[key] = &frozen

	next := &models.TreeGeneration{
		Program: models.ProgramMatrix,
		SlotNo:  slot,
		OwnerID: owner,
		GenNo:   gen + 1,
		Status:  models.GenerationActive,
	}
	t.s.generations[genKey{ref, gen + 1}] = next
	t.s.currentGen[ref] = gen + 1
	cp := *next
	return &cp, nil
}

func (t *memTx) SaveSnapshot(id string, nodes []*models.TreeNode) error {
	t.s.snapshots[id] = append([]*models.TreeNode(nil), nodes...)
	return nil
}

func (t *memTx) Snapshot(id string) ([]*models.TreeNode, bool, error) {
	nodes, ok := t.s.snapshots[id]
	if !ok {
		return nil, false, nil
	}
	return append([]*models.TreeNode(nil), nodes...), true, nil
}

// ---- ledger and projections ----

func (t *memTx) AppendLedger(e *models.LedgerEntry) error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive ledger amount %s (%s)", ErrInvariant, e.Amount, e.Reason)
	}
	t.s.seq++
	e.Seq = t.s.seq
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	t.s.ledger = append(t.s.ledger, *e)
	return nil
}

func (t *memTx) WalletBalance(userID, currency string) (decimal.Decimal, error) {
	bal := decimal.Zero
	for i := range t.s.ledger {
		e := &t.s.ledger[i]
		if e.UserID != userID || e.Currency != currency {
			continue
		}
		switch e.Kind {
		case models.KindWalletCredit:
			bal = bal.Add(e.Amount)
		case models.KindWalletDebit:
			bal = bal.Sub(e.Amount)
		}
	}
	return bal, nil
}

func (t *memTx) ReserveBalance(userID string, p models.Program, target int) (decimal.Decimal, error) {
	bal := decimal.Zero
	for i := range t.s.ledger {
		e := &t.s.ledger[i]
		if e.UserID != userID || e.Program != p || e.TargetSlot != target {
			continue
		}
		switch e.Kind {
		case models.KindReserveCredit:
			bal = bal.Add(e.Amount)
		case models.KindReserveDebit:
			bal = bal.Sub(e.Amount)
		}
	}
	return bal, nil
}

// PoolBalance projects a pool from the stream: fund credits and missed
// profits add, pool-marked wallet credits (payouts) subtract. The spark
// pool additionally loses what its sweeps divert into the triple-entry
// sub-pool.
func (t *memTx) PoolBalance(pool models.PoolName, currency string) (decimal.Decimal, error) {
	bal := decimal.Zero
	for i := range t.s.ledger {
		e := &t.s.ledger[i]
		if e.Currency != currency {
			continue
		}
		switch e.Kind {
		case models.KindFundCredit:
			if e.Pool == pool {
				bal = bal.Add(e.Amount)
			}
			if pool == models.PoolSpark && e.Pool != models.PoolSpark && e.Reason == models.ReasonSparkFund {
				bal = bal.Sub(e.Amount)
			}
		case models.KindMissedProfit:
			if e.Pool == pool {
				bal = bal.Add(e.Amount)
			}
		case models.KindWalletCredit:
			if e.Pool == pool {
				bal = bal.Sub(e.Amount)
			}
		}
	}
	return bal, nil
}

func (t *memTx) UserFundBalance(pool models.PoolName, ownerID, currency string) (decimal.Decimal, error) {
	bal := decimal.Zero
	for i := range t.s.ledger {
		e := &t.s.ledger[i]
		if e.Pool != pool || e.PoolOwnerID != ownerID || e.Currency != currency {
			continue
		}
		switch e.Kind {
		case models.KindFundCredit:
			bal = bal.Add(e.Amount)
		case models.KindWalletCredit:
			bal = bal.Sub(e.Amount)
		}
	}
	return bal, nil
}

func (t *memTx) NewcomerFundOwners() ([]string, error) {
	seen := make(map[string]bool)
	for i := range t.s.ledger {
		e := &t.s.ledger[i]
		if e.Kind == models.KindFundCredit && e.Pool == models.PoolNewcomerUpline && e.PoolOwnerID != "" {
			seen[e.PoolOwnerID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) EntriesByCorrelation(correlationID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for i := range t.s.ledger {
		if t.s.ledger[i].CorrelationID == correlationID {
			out = append(out, t.s.ledger[i])
		}
	}
	return out, nil
}

func (t *memTx) LedgerRange(afterSeq int64, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for i := range t.s.ledger {
		if t.s.ledger[i].Seq <= afterSeq {
			continue
		}
		out = append(out, t.s.ledger[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MaxLedgerSeq() (int64, error) {
	return t.s.seq, nil
}

func (t *memTx) EntriesForUser(userID string, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for i := len(t.s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if t.s.ledger[i].UserID == userID {
			out = append(out, t.s.ledger[i])
		}
	}
	return out, nil
}

// ---- outcomes ----

func (t *memTx) Outcome(correlationID string) (*models.EventOutcome, bool, error) {
	o, ok := t.s.outcomes[correlationID]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	cp.Entries = append([]models.LedgerEntry(nil), o.Entries...)
	cp.ChainedSlots = append([]int(nil), o.ChainedSlots...)
	return &cp, true, nil
}

func (t *memTx) SaveOutcome(o *models.EventOutcome) error {
	cp := *o
	cp.Entries = append([]models.LedgerEntry(nil), o.Entries...)
	cp.ChainedSlots = append([]int(nil), o.ChainedSlots...)
	t.s.outcomes[o.CorrelationID] = &cp
	return nil
}

// ---- commissions ----

func (t *memTx) AppendCommission(ev *models.CommissionEvent) error {
	t.s.commissions = append(t.s.commissions, *ev)
	return nil
}

func (t *memTx) CommissionsFor(userID string, limit int) ([]models.CommissionEvent, error) {
	var out []models.CommissionEvent
	for i := len(t.s.commissions) - 1; i >= 0 && len(out) < limit; i-- {
		if t.s.commissions[i].PayeeUserID == userID {
			out = append(out, t.s.commissions[i])
		}
	}
	return out, nil
}

// ---- auto-upgrade queue ----

func (t *memTx) EnqueueUpgrade(item *models.QueueItem) error {
	t.s.queue = append(t.s.queue, *item)
	return nil
}

func (t *memTx) UpdateQueueItem(item *models.QueueItem) error {
	for i := range t.s.queue {
		if t.s.queue[i].ItemID == item.ItemID {
			q := make([]models.QueueItem, len(t.s.queue))
			copy(q, t.s.queue)
			q[i] = *item
			t.s.queue = q
			return nil
		}
	}
	return fmt.Errorf("%w: queue item %s", ErrNotFound, item.ItemID)
}

func (t *memTx) PendingUpgrades(userID string, p models.Program) ([]models.QueueItem, error) {
	var out []models.QueueItem
	for i := range t.s.queue {
		it := t.s.queue[i]
		if it.UserID == userID && it.Program == p && it.Status == models.QueuePending {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *memTx) PendingQueueItems(limit int) ([]models.QueueItem, error) {
	var out []models.QueueItem
	for i := range t.s.queue {
		if t.s.queue[i].Status == models.QueuePending {
			out = append(out, t.s.queue[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ranks ----

func (t *memTx) Rank(userID string) (*models.RankInfo, bool, error) {
	r, ok := t.s.ranks[userID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	cp.History = append([]models.RankChange(nil), r.History...)
	return &cp, true, nil
}

func (t *memTx) SaveRank(r *models.RankInfo) error {
	cp := *r
	cp.History = append([]models.RankChange(nil), r.History...)
	t.s.ranks[r.UserID] = &cp
	return nil
}

// ---- global phases ----

func (t *memTx) PhaseState(userID string) (*models.GlobalPhaseState, bool, error) {
	st, ok := t.s.phases[userID]
	if !ok {
		return nil, false, nil
	}
	cp := *st
	return &cp, true, nil
}

func (t *memTx) SavePhaseState(s *models.GlobalPhaseState) error {
	cp := *s
	t.s.phases[s.UserID] = &cp
	return nil
}

// ---- eligibility and awards ----

func (t *memTx) SaveEligibility(userID string, pool models.PoolName, at time.Time) error {
	key := poolUserKey{pool, userID}
	if _, exists := t.s.eligibility[key]; exists {
		return nil
	}
	t.s.eligibility[key] = at
	return nil
}

func (t *memTx) EligibleUsers(pool models.PoolName) ([]string, error) {
	var out []string
	for k := range t.s.eligibility {
		if k.pool == pool {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) AwardCount(userID string, pool models.PoolName) (int, error) {
	return len(t.s.awards[poolUserKey{pool, userID}]), nil
}

func (t *memTx) RecordAward(userID string, pool models.PoolName, amount decimal.Decimal, at time.Time) error {
	key := poolUserKey{pool, userID}
	t.s.awards[key] = appendAwardCopy(t.s.awards[key], amount)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// appendCopy appends onto a fresh backing array so clones sharing the old
// one never see the write.
func appendCopy(list []string, s string) []string {
	out := make([]string, len(list), len(list)+1)
	copy(out, list)
	return append(out, s)
}

func appendAwardCopy(list []decimal.Decimal, d decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(list), len(list)+1)
	copy(out, list)
	return append(out, d)
}
