package engine

import (
	"context"
	"time"

	"github.com/bitgpt/cascade-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Datastore is the persistence boundary of the cascade. One logical
// activation event is exactly one RunInTx call: either every write
// commits or none does. Implementations serialize conflicting
// transactions or fail them with ErrTransient for the caller to retry.
type Datastore interface {
	// RunInTx runs fn atomically over a read-write transaction.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn over a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional surface the engine works against. The tree
// methods satisfy tree.View so navigation runs directly on the
// transaction's snapshot.
type Tx interface {
	// Users and the referral graph.
	GetUser(id string) (*models.User, bool, error)
	CreateUser(u *models.User) error
	SetProgramFlag(userID string, p models.Program) error
	// AddDirect registers userID as a new direct of referrerID in the
	// program and returns the referrer's updated per-program count.
	AddDirect(referrerID, userID string, p models.Program) (int, error)
	DirectsCount(userID string, p models.Program) (int, error)
	DirectsOf(userID string) ([]string, error)
	// TeamSize counts the referral subtree below the user, restricted to
	// members of the program ("" counts everyone).
	TeamSize(userID string, p models.Program) (int, error)
	UsersInAllPrograms() ([]string, error)

	// Slot activations.
	SlotActive(userID string, p models.Program, slot int) (bool, error)
	HighestSlot(userID string, p models.Program) (int, error)
	// ActiveSlotCount counts distinct active (program, slot) pairs.
	ActiveSlotCount(userID string) (int, error)
	AppendActivation(a *models.SlotActivation) error
	UsersWithSlot(p models.Program, slot int) ([]string, error)

	// Placement trees (tree.View plus insertion).
	Node(p models.Program, slot int, userID string) (*models.TreeNode, bool, error)
	NodeAt(p models.Program, slot int, ref models.NodeRef) (*models.TreeNode, bool, error)
	Children(p models.Program, slot int, parent models.NodeRef) ([]*models.TreeNode, error)
	InsertNode(n *models.TreeNode) error

	// Matrix tree generations.
	CurrentGeneration(owner string, slot int) (*models.TreeGeneration, error)
	// BumpGenerationMembers increments the member count of an active
	// generation and returns the new count. Recycled generations are left
	// untouched and report ok=false.
	BumpGenerationMembers(owner string, slot, gen int) (int, bool, error)
	// RecycleGeneration freezes the generation with its snapshot and
	// opens the next one, returned active and empty.
	RecycleGeneration(owner string, slot, gen int, snapshotID string) (*models.TreeGeneration, error)
	SaveSnapshot(id string, nodes []*models.TreeNode) error
	Snapshot(id string) ([]*models.TreeNode, bool, error)

	// Ledger stream and its projections.
	AppendLedger(e *models.LedgerEntry) error
	WalletBalance(userID, currency string) (decimal.Decimal, error)
	ReserveBalance(userID string, p models.Program, target int) (decimal.Decimal, error)
	PoolBalance(pool models.PoolName, currency string) (decimal.Decimal, error)
	// UserFundBalance projects a per-user accumulator such as the
	// newcomer upline fund.
	UserFundBalance(pool models.PoolName, ownerID, currency string) (decimal.Decimal, error)
	NewcomerFundOwners() ([]string, error)
	EntriesByCorrelation(correlationID string) ([]models.LedgerEntry, error)
	EntriesForUser(userID string, limit int) ([]models.LedgerEntry, error)
	// LedgerRange returns up to limit entries with seq > afterSeq, in
	// seq order. The audit sweep pages the whole stream through it.
	LedgerRange(afterSeq int64, limit int) ([]models.LedgerEntry, error)
	MaxLedgerSeq() (int64, error)

	// Event outcomes keyed by correlation id.
	Outcome(correlationID string) (*models.EventOutcome, bool, error)
	SaveOutcome(o *models.EventOutcome) error

	// Commission events.
	AppendCommission(ev *models.CommissionEvent) error
	CommissionsFor(userID string, limit int) ([]models.CommissionEvent, error)

	// Auto-upgrade queue.
	EnqueueUpgrade(item *models.QueueItem) error
	UpdateQueueItem(item *models.QueueItem) error
	PendingUpgrades(userID string, p models.Program) ([]models.QueueItem, error)
	PendingQueueItems(limit int) ([]models.QueueItem, error)

	// Ranks.
	Rank(userID string) (*models.RankInfo, bool, error)
	SaveRank(r *models.RankInfo) error

	// Global phase progression.
	PhaseState(userID string) (*models.GlobalPhaseState, bool, error)
	SavePhaseState(s *models.GlobalPhaseState) error

	// Fund eligibility and once-only awards.
	SaveEligibility(userID string, pool models.PoolName, at time.Time) error
	EligibleUsers(pool models.PoolName) ([]string, error)
	AwardCount(userID string, pool models.PoolName) (int, error)
	RecordAward(userID string, pool models.PoolName, amount decimal.Decimal, at time.Time) error
}
