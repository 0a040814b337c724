package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Program identifies one of the three parallel earning programs.
type Program string

const (
	ProgramBinary Program = "binary"
	ProgramMatrix Program = "matrix"
	ProgramGlobal Program = "global"
)

// Valid reports whether p is one of the three known programs.
func (p Program) Valid() bool {
	return p == ProgramBinary || p == ProgramMatrix || p == ProgramGlobal
}

// Currency returns the settlement currency of the program. Each program is
// single-currency: Binary settles in BNB, Matrix in USDT, Global in USD.
func (p Program) Currency() string {
	switch p {
	case ProgramBinary:
		return "BNB"
	case ProgramMatrix:
		return "USDT"
	case ProgramGlobal:
		return "USD"
	}
	return ""
}

// Programs lists all programs in catalog order.
func Programs() []Program {
	return []Program{ProgramBinary, ProgramMatrix, ProgramGlobal}
}

// ActivationType records how a slot activation came to exist.
type ActivationType string

const (
	ActivationInitial        ActivationType = "initial"
	ActivationUpgrade        ActivationType = "upgrade"
	ActivationAuto           ActivationType = "auto"
	ActivationRecycleReentry ActivationType = "recycle_reentry"
)

// EventKind is the event-class token embedded in correlation ids.
type EventKind string

const (
	EventJoin    EventKind = "join"
	EventUpgrade EventKind = "upgrade"
	EventAuto    EventKind = "auto"
	EventRecycle EventKind = "recycle"
)

// LedgerKind is the closed set of value-movement kinds.
type LedgerKind string

const (
	KindWalletCredit  LedgerKind = "wallet_credit"
	KindWalletDebit   LedgerKind = "wallet_debit"
	KindReserveCredit LedgerKind = "reserve_credit"
	KindReserveDebit  LedgerKind = "reserve_debit"
	KindFundCredit    LedgerKind = "fund_credit"
	KindMissedProfit  LedgerKind = "missed_profit"
)

// ReasonCode is the closed vocabulary every ledger write must carry.
// The reason identifies the economic meaning (and, for pool movements,
// the pool); the kind identifies the direction and destination.
type ReasonCode string

const (
	ReasonJoiningCommission       ReasonCode = "joining_commission"
	ReasonPartnerIncentive        ReasonCode = "partner_incentive"
	ReasonLevelDistribution       ReasonCode = "level_distribution"
	ReasonReserveRoute            ReasonCode = "reserve_route_to_next_slot"
	ReasonReserveDebitAuto        ReasonCode = "reserve_debit_auto_activation"
	ReasonSlotActivationFull      ReasonCode = "slot_activation_full_upline"
	ReasonSparkFund               ReasonCode = "spark_fund"
	ReasonRoyalCaptainFund        ReasonCode = "royal_captain_fund"
	ReasonPresidentFund           ReasonCode = "president_fund"
	ReasonLeadershipStipendFund   ReasonCode = "leadership_stipend_fund"
	ReasonLeadershipMissedProfit  ReasonCode = "leadership_stipend_missed_profit"
	ReasonJackpotFund             ReasonCode = "jackpot_fund"
	ReasonNewcomerInstant         ReasonCode = "newcomer_instant"
	ReasonNewcomerUplineFund      ReasonCode = "newcomer_upline_fund"
	ReasonMentorship              ReasonCode = "mentorship"
	ReasonShareholders            ReasonCode = "shareholders"
	ReasonTripleEntryFund         ReasonCode = "triple_entry_fund"
	ReasonMotherFallback          ReasonCode = "mother_fallback"
	ReasonAutoUpgradeChain        ReasonCode = "auto_upgrade_chain"
	ReasonRecycleReentry          ReasonCode = "recycle_reentry"
)

// PoolName identifies a global fund accumulator. Per-user accumulators
// (newcomer upline fund) are scoped by the ledger entry's user id.
type PoolName string

const (
	PoolSpark             PoolName = "spark"
	PoolRoyalCaptain      PoolName = "royal_captain"
	PoolPresident         PoolName = "president"
	PoolLeadershipStipend PoolName = "leadership_stipend"
	PoolJackpot           PoolName = "jackpot"
	PoolShareholders      PoolName = "shareholders"
	PoolTripleEntry       PoolName = "triple_entry"
	PoolNewcomerUpline    PoolName = "newcomer_upline"
	// PoolDreamMatrix carries no balance; it keys dream-matrix
	// eligibility and tranche-award records, paid from Mother.
	PoolDreamMatrix PoolName = "dream_matrix"
)

// User is a platform member. ReferrerID is empty for the Mother account.
type User struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrerId,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	// Program participation flags; set once, never cleared.
	InBinary bool `json:"inBinary"`
	InMatrix bool `json:"inMatrix"`
	InGlobal bool `json:"inGlobal"`
}

// InProgram reports whether the user has joined the given program.
func (u *User) InProgram(p Program) bool {
	switch p {
	case ProgramBinary:
		return u.InBinary
	case ProgramMatrix:
		return u.InMatrix
	case ProgramGlobal:
		return u.InGlobal
	}
	return false
}

// SlotActivation is the append-only record of one (user, program, slot)
// activation. At most one exists per key; matrix recycle re-entries repeat
// the key in a fresh tree generation but still append a new record here
// with type recycle_reentry.
type SlotActivation struct {
	UserID      string          `json:"userId"`
	Program     Program         `json:"program"`
	SlotNo      int             `json:"slotNo"`
	Type        ActivationType  `json:"type"`
	AmountPaid  decimal.Decimal `json:"amountPaid"`
	TxHash      string          `json:"txHash,omitempty"`
	ActivatedAt time.Time       `json:"activatedAt"`
}

// NodeRef identifies one tree node. A user holds one node per generation
// in a matrix slot tree (re-entry after recycle creates the next one);
// outside matrix the generation is always 1.
type NodeRef struct {
	UserID string `json:"userId"`
	Gen    int    `json:"gen"`
}

// TreeNode is one placement in a program/slot tree. Position is the 0-based
// index among the parent's children; in matrix trees position 1 under a
// parent is the middle child. Generation is the occupant's own generation
// counter for this slot; ParentGen is the parent node's generation at
// placement time, so children stay attached to the exact parent node.
type TreeNode struct {
	Program    Program   `json:"program"`
	SlotNo     int       `json:"slotNo"`
	UserID     string    `json:"userId"`
	Generation int       `json:"generation"`
	ParentID   string    `json:"parentId"`
	ParentGen  int       `json:"parentGen"`
	Position   int       `json:"position"`
	PlacedAt   time.Time `json:"placedAt"`
}

// Ref returns the node's own identity.
func (n *TreeNode) Ref() NodeRef {
	return NodeRef{UserID: n.UserID, Gen: n.Generation}
}

// ParentRef returns the identity of the parent node, or false for a root.
func (n *TreeNode) ParentRef() (NodeRef, bool) {
	if n.ParentID == "" {
		return NodeRef{}, false
	}
	return NodeRef{UserID: n.ParentID, Gen: n.ParentGen}, true
}

// GenerationStatus is the lifecycle of a matrix tree generation.
type GenerationStatus string

const (
	GenerationActive   GenerationStatus = "active"
	GenerationRecycled GenerationStatus = "recycled"
)

// TreeGeneration tracks a matrix owner's per-slot tree instance. A recycle
// freezes the old generation (snapshot) and opens the next one empty.
type TreeGeneration struct {
	Program     Program          `json:"program"`
	SlotNo      int              `json:"slotNo"`
	OwnerID     string           `json:"ownerId"`
	GenNo       int              `json:"genNo"`
	Status      GenerationStatus `json:"status"`
	MemberCount int              `json:"memberCount"`
	SnapshotID  string           `json:"snapshotId,omitempty"`
}

// LedgerEntry is one row of the append-only value-movement stream.
// Seq is assigned monotonically by the store at commit. PoolOwnerID is
// set for per-user accumulators (the newcomer upline fund): inflows and
// payouts both carry the owning upline so the balance projects per user.
type LedgerEntry struct {
	Seq           int64           `json:"seq"`
	TS            time.Time       `json:"ts"`
	UserID        string          `json:"userId"`
	Program       Program         `json:"program"`
	Kind          LedgerKind      `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reason        ReasonCode      `json:"reason"`
	Pool          PoolName        `json:"pool,omitempty"`
	PoolOwnerID   string          `json:"poolOwnerId,omitempty"`
	TargetSlot    int             `json:"targetSlot,omitempty"`
	Level         int             `json:"level,omitempty"`
	CorrelationID string          `json:"correlationId"`
	SourceEventID string          `json:"sourceEventId"`
}

// LedgerIntent is one pending value movement produced by the routing
// engine. Intents are pure data; the ledger writer turns them into entries
// inside the event's transaction, in the order they were enumerated.
type LedgerIntent struct {
	Kind       LedgerKind      `json:"kind"`
	UserID     string          `json:"userId"`
	Pool       PoolName        `json:"pool,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     ReasonCode      `json:"reason"`
	TargetSlot int             `json:"targetSlot,omitempty"`
	Level      int             `json:"level,omitempty"`
}

// CommissionEvent is the append-only payout record used by status and tree
// views. One is appended for every wallet-bound intent with a payee.
type CommissionEvent struct {
	EventID      string          `json:"eventId"`
	PayerUserID  string          `json:"payerUserId"`
	PayeeUserID  string          `json:"payeeUserId"`
	Program      Program         `json:"program"`
	SourceSlotNo int             `json:"sourceSlotNo"`
	Level        int             `json:"level,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Category     ReasonCode      `json:"category"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// QueueStatus is the lifecycle of an auto-upgrade queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueVoided     QueueStatus = "voided"
)

// TriggerKind records which rule armed an auto-upgrade.
type TriggerKind string

const (
	TriggerReserve     TriggerKind = "reserve"
	TriggerPartner     TriggerKind = "partner"
	TriggerMiddleThree TriggerKind = "matrix_middle"
	TriggerGlobalPhase TriggerKind = "global_phase"
	TriggerChain       TriggerKind = "chain"
)

// QueueItem is one pending or terminal auto-upgrade job.
type QueueItem struct {
	ItemID        string          `json:"itemId"`
	UserID        string          `json:"userId"`
	Program       Program         `json:"program"`
	CurrentSlot   int             `json:"currentSlot"`
	TargetSlot    int             `json:"targetSlot"`
	Cost          decimal.Decimal `json:"cost"`
	Available     decimal.Decimal `json:"available"`
	Status        QueueStatus     `json:"status"`
	RetryCount    int             `json:"retryCount"`
	Trigger       TriggerKind     `json:"trigger"`
	CorrelationID string          `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// RankChange is one append-only rank history row.
type RankChange struct {
	Rank int       `json:"rank"`
	At   time.Time `json:"at"`
}

// RankInfo carries a user's current rank and its history. Rank only moves
// up outside an explicit admin reset.
type RankInfo struct {
	UserID  string       `json:"userId"`
	Rank    int          `json:"rank"`
	History []RankChange `json:"history,omitempty"`
}

// GlobalPhase identifies the two phases of a global slot.
type GlobalPhase string

const (
	PhaseOne GlobalPhase = "P1"
	PhaseTwo GlobalPhase = "P2"
)

// Capacity returns the member capacity of the phase tree.
func (p GlobalPhase) Capacity() int {
	if p == PhaseTwo {
		return 8
	}
	return 4
}

// GlobalPhaseState is a user's position in the global program's phase
// progression. MembersInPhase counts placements into the current phase
// tree; it resets when the phase advances.
type GlobalPhaseState struct {
	UserID         string      `json:"userId"`
	Phase          GlobalPhase `json:"phase"`
	SlotNo         int         `json:"slotNo"`
	MembersInPhase int         `json:"membersInPhase"`
}

// ActivationEvent is the normalized input to the cascade: one join,
// upgrade, auto-activation, or recycle re-entry. CorrelationID is the
// idempotency key; two events with equal ids produce one ledger outcome.
type ActivationEvent struct {
	EventID       string          `json:"eventId"`
	Kind          EventKind       `json:"kind"`
	Program       Program         `json:"program"`
	UserID        string          `json:"userId"`
	ReferrerID    string          `json:"referrerId,omitempty"`
	SlotNo        int             `json:"slotNo"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TxHash        string          `json:"txHash,omitempty"`
	Type          ActivationType  `json:"type"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// CorrelationID builds the canonical idempotency key:
// {program}-{user_id}-{slot_no}-{event_kind}-{monotonic_ts}.
func CorrelationID(p Program, userID string, slotNo int, kind EventKind, ts int64) string {
	return fmt.Sprintf("%s-%s-%d-%s-%d", p, userID, slotNo, kind, ts)
}

// EventOutcome summarizes one processed activation for callers and the
// live stream. Replays of an already-committed correlation id return the
// original outcome with Replayed set.
type EventOutcome struct {
	EventID       string         `json:"eventId"`
	CorrelationID string         `json:"correlationId"`
	Program       Program        `json:"program"`
	UserID        string         `json:"userId"`
	SlotNo        int            `json:"slotNo"`
	Reserved      bool           `json:"reserved"`
	Entries       []LedgerEntry  `json:"entries,omitempty"`
	ChainedSlots  []int          `json:"chainedSlots,omitempty"`
	Recycled      bool           `json:"recycled"`
	Rank          int            `json:"rank"`
	Replayed      bool           `json:"replayed"`
	Placement     *TreeNode      `json:"placement,omitempty"`
}
