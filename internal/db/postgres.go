// Package db is the PostgreSQL datastore behind the engine. Every
// logical activation runs in one serializable transaction; serialization
// failures surface as transient errors for the caller to retry.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/engine"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside the Docker runtime image which does not copy
// internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool, log: log.With().Str("component", "db").Logger()}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("cascade schema initialized")
	return nil
}

// RunInTx runs fn in one serializable transaction. Serialization and
// deadlock failures come back wrapped in ErrTransient so the dispatcher
// retries instead of surfacing them.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// View runs fn over a read-only snapshot transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(tx engine.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// classify maps retryable postgres failures onto the engine's transient
// sentinel. Everything else passes through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %s", engine.ErrTransient, pgErr.Message)
		}
	}
	return err
}

var _ engine.Datastore = (*PostgresStore)(nil)

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

// ---- users and the referral graph ----

func (t *pgTx) GetUser(id string) (*models.User, bool, error) {
	u := &models.User{}
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, referrer_id, joined_at, in_binary, in_matrix, in_global FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.ReferrerID, &u.JoinedAt, &u.InBinary, &u.InMatrix, &u.InGlobal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (t *pgTx) CreateUser(u *models.User) error {
	ct, err := t.tx.Exec(t.ctx,
		`INSERT INTO users (id, referrer_id, joined_at, in_binary, in_matrix, in_global)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.ReferrerID, u.JoinedAt, u.InBinary, u.InMatrix, u.InGlobal,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s exists", engine.ErrValidation, u.ID)
	}
	return nil
}

func (t *pgTx) SetProgramFlag(userID string, p models.Program) error {
	col := programColumn(p)
	if col == "" {
		return fmt.Errorf("%w: unknown program %q", engine.ErrValidation, p)
	}
	ct, err := t.tx.Exec(t.ctx,
		fmt.Sprintf(`UPDATE users SET %s = TRUE WHERE id = $1`, col), userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", engine.ErrNotFound, userID)
	}
	return nil
}

func (t *pgTx) AddDirect(referrerID, userID string, p models.Program) (int, error) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO program_directs (referrer_id, user_id, program)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (referrer_id, user_id, program) DO NOTHING`,
		referrerID, userID, p,
	)
	if err != nil {
		return 0, err
	}
	return t.DirectsCount(referrerID, p)
}

func (t *pgTx) DirectsCount(userID string, p models.Program) (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COUNT(*) FROM program_directs WHERE referrer_id = $1 AND program = $2`,
		userID, p,
	).Scan(&n)
	return n, err
}

func (t *pgTx) DirectsOf(userID string) ([]string, error) {
	return t.stringList(
		`SELECT id FROM users WHERE referrer_id = $1 ORDER BY joined_at, id`, userID)
}

func (t *pgTx) TeamSize(userID string, p models.Program) (int, error) {
	filter := "TRUE"
	if col := programColumn(p); col != "" {
		filter = "u." + col
	}
	// Walks the referral graph top-down; the team is everyone below the
	// user, optionally restricted to program members.
	sql := fmt.Sprintf(`
		WITH RECURSIVE team AS (
			SELECT id FROM users WHERE referrer_id = $1
			UNION ALL
			SELECT u.id FROM users u JOIN team t ON u.referrer_id = t.id
		)
		SELECT COUNT(*) FROM team JOIN users u ON u.id = team.id WHERE %s`, filter)
	var n int
	err := t.tx.QueryRow(t.ctx, sql, userID).Scan(&n)
	return n, err
}

func (t *pgTx) UsersInAllPrograms() ([]string, error) {
	return t.stringList(
		`SELECT id FROM users WHERE in_binary AND in_matrix AND in_global ORDER BY id`)
}

// ---- slot activations ----

func (t *pgTx) SlotActive(userID string, p models.Program, slot int) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM slot_activations WHERE user_id = $1 AND program = $2 AND slot_no = $3)`,
		userID, p, slot,
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) HighestSlot(userID string, p models.Program) (int, error) {
	var slot int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COALESCE(MAX(slot_no), 0) FROM slot_activations WHERE user_id = $1 AND program = $2`,
		userID, p,
	).Scan(&slot)
	return slot, err
}

func (t *pgTx) ActiveSlotCount(userID string) (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COUNT(DISTINCT (program, slot_no)) FROM slot_activations WHERE user_id = $1`,
		userID,
	).Scan(&n)
	return n, err
}

func (t *pgTx) AppendActivation(a *models.SlotActivation) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO slot_activations (user_id, program, slot_no, activation_type, amount_paid, tx_hash, activated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		a.UserID, a.Program, a.SlotNo, a.Type, a.AmountPaid.String(), a.TxHash, nullableTime(a.ActivatedAt),
	)
	return err
}

func (t *pgTx) UsersWithSlot(p models.Program, slot int) ([]string, error) {
	return t.stringList(
		`SELECT DISTINCT user_id FROM slot_activations WHERE program = $1 AND slot_no = $2 ORDER BY user_id`,
		p, slot)
}

// ---- placement trees ----

const nodeColumns = `program, slot_no, user_id, generation, parent_id, parent_gen, position, placed_at`

func (t *pgTx) Node(p models.Program, slot int, userID string) (*models.TreeNode, bool, error) {
	return t.scanNode(t.tx.QueryRow(t.ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes
		 WHERE program = $1 AND slot_no = $2 AND user_id = $3
		 ORDER BY generation DESC LIMIT 1`,
		p, slot, userID))
}

func (t *pgTx) NodeAt(p models.Program, slot int, ref models.NodeRef) (*models.TreeNode, bool, error) {
	return t.scanNode(t.tx.QueryRow(t.ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes
		 WHERE program = $1 AND slot_no = $2 AND user_id = $3 AND generation = $4`,
		p, slot, ref.UserID, ref.Gen))
}

func (t *pgTx) scanNode(row pgx.Row) (*models.TreeNode, bool, error) {
	n := &models.TreeNode{}
	err := row.Scan(&n.Program, &n.SlotNo, &n.UserID, &n.Generation, &n.ParentID, &n.ParentGen, &n.Position, &n.PlacedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (t *pgTx) Children(p models.Program, slot int, parent models.NodeRef) ([]*models.TreeNode, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes
		 WHERE program = $1 AND slot_no = $2 AND parent_id = $3 AND parent_gen = $4
		 ORDER BY position, user_id`,
		p, slot, parent.UserID, parent.Gen,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TreeNode
	for rows.Next() {
		n := &models.TreeNode{}
		if err := rows.Scan(&n.Program, &n.SlotNo, &n.UserID, &n.Generation, &n.ParentID, &n.ParentGen, &n.Position, &n.PlacedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertNode(n *models.TreeNode) error {
	ct, err := t.tx.Exec(t.ctx,
		`INSERT INTO tree_nodes (program, slot_no, user_id, generation, parent_id, parent_gen, position, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 ON CONFLICT (program, slot_no, user_id, generation) DO NOTHING`,
		n.Program, n.SlotNo, n.UserID, n.Generation, n.ParentID, n.ParentGen, n.Position, nullableTime(n.PlacedAt),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: node %s gen %d already placed in %s slot %d", engine.ErrInvariant, n.UserID, n.Generation, n.Program, n.SlotNo)
	}
	return nil
}

// ---- matrix generations ----

func (t *pgTx) currentGenNo(owner string, slot int) (int, error) {
	var gen int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COALESCE(MAX(gen_no), 1) FROM tree_generations WHERE owner_id = $1 AND slot_no = $2`,
		owner, slot,
	).Scan(&gen)
	return gen, err
}

func (t *pgTx) CurrentGeneration(owner string, slot int) (*models.TreeGeneration, error) {
	g := &models.TreeGeneration{}
	err := t.tx.QueryRow(t.ctx,
		`SELECT program, slot_no, owner_id, gen_no, status, member_count, snapshot_id
		 FROM tree_generations WHERE owner_id = $1 AND slot_no = $2
		 ORDER BY gen_no DESC LIMIT 1`,
		owner, slot,
	).Scan(&g.Program, &g.SlotNo, &g.OwnerID, &g.GenNo, &g.Status, &g.MemberCount, &g.SnapshotID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.TreeGeneration{
			Program: models.ProgramMatrix,
			SlotNo:  slot,
			OwnerID: owner,
			GenNo:   1,
			Status:  models.GenerationActive,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (t *pgTx) BumpGenerationMembers(owner string, slot, gen int) (int, bool, error) {
	current, err := t.currentGenNo(owner, slot)
	if err != nil {
		return 0, false, err
	}
	if gen != current {
		return 0, false, nil
	}
	var count int
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO tree_generations (slot_no, owner_id, gen_no, status, member_count)
		 VALUES ($1, $2, $3, 'active', 1)
		 ON CONFLICT (owner_id, slot_no, gen_no) DO UPDATE
		 SET member_count = tree_generations.member_count + 1
		 WHERE tree_generations.status = 'active'
		 RETURNING member_count`,
		slot, owner, gen,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		// The generation exists but is already recycled.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (t *pgTx) RecycleGeneration(owner string, slot, gen int, snapshotID string) (*models.TreeGeneration, error) {
	current, err := t.currentGenNo(owner, slot)
	if err != nil {
		return nil, err
	}
	if gen != current {
		return nil, fmt.Errorf("%w: generation %d of %s slot %d is not current", engine.ErrInvariant, gen, owner, slot)
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO tree_generations (slot_no, owner_id, gen_no, status, member_count, snapshot_id)
		 VALUES ($1, $2, $3, 'recycled', 0, $4)
		 ON CONFLICT (owner_id, slot_no, gen_no) DO UPDATE
		 SET status = 'recycled', snapshot_id = $4`,
		slot, owner, gen, snapshotID,
	)
	if err != nil {
		return nil, err
	}
	next := &models.TreeGeneration{
		Program: models.ProgramMatrix,
		SlotNo:  slot,
		OwnerID: owner,
		GenNo:   gen + 1,
		Status:  models.GenerationActive,
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO tree_generations (slot_no, owner_id, gen_no, status, member_count)
		 VALUES ($1, $2, $3, 'active', 0)
		 ON CONFLICT (owner_id, slot_no, gen_no) DO NOTHING`,
		slot, owner, next.GenNo,
	)
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (t *pgTx) SaveSnapshot(id string, nodes []*models.TreeNode) error {
	payload, err := json.Marshal(nodes)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO tree_snapshots (id, nodes) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET nodes = EXCLUDED.nodes`,
		id, payload,
	)
	return err
}

func (t *pgTx) Snapshot(id string) ([]*models.TreeNode, bool, error) {
	var payload []byte
	err := t.tx.QueryRow(t.ctx, `SELECT nodes FROM tree_snapshots WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var nodes []*models.TreeNode
	if err := json.Unmarshal(payload, &nodes); err != nil {
		return nil, false, err
	}
	return nodes, true, nil
}

// ---- ledger and projections ----

const ledgerColumns = `seq, ts, user_id, program, kind, amount::text, currency, reason, pool, pool_owner_id, target_slot, level, correlation_id, source_event_id`

func (t *pgTx) AppendLedger(e *models.LedgerEntry) error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive ledger amount %s (%s)", engine.ErrInvariant, e.Amount, e.Reason)
	}
	return t.tx.QueryRow(t.ctx,
		`INSERT INTO ledger (ts, user_id, program, kind, amount, currency, reason, pool, pool_owner_id, target_slot, level, correlation_id, source_event_id)
		 VALUES (COALESCE($1, NOW()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING seq, ts`,
		nullableTime(e.TS), e.UserID, e.Program, e.Kind, e.Amount.String(), e.Currency,
		e.Reason, e.Pool, e.PoolOwnerID, e.TargetSlot, e.Level, e.CorrelationID, e.SourceEventID,
	).Scan(&e.Seq, &e.TS)
}

func (t *pgTx) WalletBalance(userID, currency string) (decimal.Decimal, error) {
	return t.sumDec(
		`SELECT COALESCE(SUM(CASE
			WHEN kind = 'wallet_credit' THEN amount
			WHEN kind = 'wallet_debit' THEN -amount
			ELSE 0 END), 0)::text
		 FROM ledger WHERE user_id = $1 AND currency = $2`,
		userID, currency)
}

func (t *pgTx) ReserveBalance(userID string, p models.Program, target int) (decimal.Decimal, error) {
	return t.sumDec(
		`SELECT COALESCE(SUM(CASE
			WHEN kind = 'reserve_credit' THEN amount
			WHEN kind = 'reserve_debit' THEN -amount
			ELSE 0 END), 0)::text
		 FROM ledger WHERE user_id = $1 AND program = $2 AND target_slot = $3`,
		userID, p, target)
}

// PoolBalance projects a pool from the stream: fund credits and missed
// profits add, pool-marked wallet credits (payouts) subtract. The spark
// pool additionally loses what its sweeps divert into the triple-entry
// sub-pool.
func (t *pgTx) PoolBalance(pool models.PoolName, currency string) (decimal.Decimal, error) {
	return t.sumDec(
		`SELECT COALESCE(SUM(CASE
			WHEN kind = 'fund_credit' AND pool = $1 THEN amount
			WHEN kind = 'missed_profit' AND pool = $1 THEN amount
			WHEN kind = 'wallet_credit' AND pool = $1 THEN -amount
			WHEN $1 = 'spark' AND kind = 'fund_credit' AND pool <> 'spark' AND reason = 'spark_fund' THEN -amount
			ELSE 0 END), 0)::text
		 FROM ledger WHERE currency = $2`,
		pool, currency)
}

func (t *pgTx) UserFundBalance(pool models.PoolName, ownerID, currency string) (decimal.Decimal, error) {
	return t.sumDec(
		`SELECT COALESCE(SUM(CASE
			WHEN kind = 'fund_credit' THEN amount
			WHEN kind = 'wallet_credit' THEN -amount
			ELSE 0 END), 0)::text
		 FROM ledger WHERE pool = $1 AND pool_owner_id = $2 AND currency = $3`,
		pool, ownerID, currency)
}

func (t *pgTx) NewcomerFundOwners() ([]string, error) {
	return t.stringList(
		`SELECT DISTINCT pool_owner_id FROM ledger
		 WHERE kind = 'fund_credit' AND pool = 'newcomer_upline' AND pool_owner_id <> ''
		 ORDER BY pool_owner_id`)
}

func (t *pgTx) EntriesByCorrelation(correlationID string) ([]models.LedgerEntry, error) {
	return t.ledgerQuery(
		`SELECT `+ledgerColumns+` FROM ledger WHERE correlation_id = $1 ORDER BY seq`,
		correlationID)
}

func (t *pgTx) EntriesForUser(userID string, limit int) ([]models.LedgerEntry, error) {
	return t.ledgerQuery(
		`SELECT `+ledgerColumns+` FROM ledger WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`,
		userID, limit)
}

func (t *pgTx) LedgerRange(afterSeq int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	return t.ledgerQuery(
		`SELECT `+ledgerColumns+` FROM ledger WHERE seq > $1 ORDER BY seq LIMIT $2`,
		afterSeq, limit)
}

func (t *pgTx) MaxLedgerSeq() (int64, error) {
	var seq int64
	err := t.tx.QueryRow(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger`).Scan(&seq)
	return seq, err
}

func (t *pgTx) ledgerQuery(sql string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := t.tx.Query(t.ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var amount string
		if err := rows.Scan(&e.Seq, &e.TS, &e.UserID, &e.Program, &e.Kind, &amount, &e.Currency,
			&e.Reason, &e.Pool, &e.PoolOwnerID, &e.TargetSlot, &e.Level, &e.CorrelationID, &e.SourceEventID); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad ledger amount %q at seq %d: %w", amount, e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- outcomes ----

func (t *pgTx) Outcome(correlationID string) (*models.EventOutcome, bool, error) {
	var payload []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT payload FROM event_outcomes WHERE correlation_id = $1`, correlationID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	o := &models.EventOutcome{}
	if err := json.Unmarshal(payload, o); err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (t *pgTx) SaveOutcome(o *models.EventOutcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO event_outcomes (correlation_id, payload) VALUES ($1, $2)
		 ON CONFLICT (correlation_id) DO UPDATE SET payload = EXCLUDED.payload`,
		o.CorrelationID, payload,
	)
	return err
}

// ---- commissions ----

func (t *pgTx) AppendCommission(ev *models.CommissionEvent) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO commission_events (event_id, payer_user_id, payee_user_id, program, source_slot_no, level, amount, category, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		ev.EventID, ev.PayerUserID, ev.PayeeUserID, ev.Program, ev.SourceSlotNo, ev.Level,
		ev.Amount.String(), ev.Category, nullableTime(ev.CreatedAt),
	)
	return err
}

func (t *pgTx) CommissionsFor(userID string, limit int) ([]models.CommissionEvent, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT event_id, payer_user_id, payee_user_id, program, source_slot_no, level, amount::text, category, created_at
		 FROM commission_events WHERE payee_user_id = $1
		 ORDER BY created_at DESC, event_id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CommissionEvent
	for rows.Next() {
		var ev models.CommissionEvent
		var amount string
		if err := rows.Scan(&ev.EventID, &ev.PayerUserID, &ev.PayeeUserID, &ev.Program,
			&ev.SourceSlotNo, &ev.Level, &amount, &ev.Category, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- auto-upgrade queue ----

const queueColumns = `item_id, user_id, program, current_slot, target_slot, cost::text, available::text, status, retry_count, trigger_kind, correlation_id, created_at, updated_at`

func (t *pgTx) EnqueueUpgrade(item *models.QueueItem) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO upgrade_queue (item_id, user_id, program, current_slot, target_slot, cost, available, status, retry_count, trigger_kind, correlation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), COALESCE($13, NOW()))`,
		item.ItemID, item.UserID, item.Program, item.CurrentSlot, item.TargetSlot,
		item.Cost.String(), item.Available.String(), item.Status, item.RetryCount,
		item.Trigger, item.CorrelationID, nullableTime(item.CreatedAt), nullableTime(item.UpdatedAt),
	)
	return err
}

func (t *pgTx) UpdateQueueItem(item *models.QueueItem) error {
	ct, err := t.tx.Exec(t.ctx,
		`UPDATE upgrade_queue
		 SET status = $2, retry_count = $3, available = $4, updated_at = COALESCE($5, NOW())
		 WHERE item_id = $1`,
		item.ItemID, item.Status, item.RetryCount, item.Available.String(), nullableTime(item.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue item %s", engine.ErrNotFound, item.ItemID)
	}
	return nil
}

func (t *pgTx) PendingUpgrades(userID string, p models.Program) ([]models.QueueItem, error) {
	return t.queueQuery(
		`SELECT `+queueColumns+` FROM upgrade_queue
		 WHERE user_id = $1 AND program = $2 AND status = 'pending'
		 ORDER BY created_at, item_id`,
		userID, p)
}

func (t *pgTx) PendingQueueItems(limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.queueQuery(
		`SELECT `+queueColumns+` FROM upgrade_queue
		 WHERE status = 'pending'
		 ORDER BY created_at, item_id LIMIT $1`,
		limit)
}

func (t *pgTx) queueQuery(sql string, args ...any) ([]models.QueueItem, error) {
	rows, err := t.tx.Query(t.ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		var it models.QueueItem
		var cost, available string
		if err := rows.Scan(&it.ItemID, &it.UserID, &it.Program, &it.CurrentSlot, &it.TargetSlot,
			&cost, &available, &it.Status, &it.RetryCount, &it.Trigger, &it.CorrelationID,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		if it.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		if it.Available, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---- ranks ----

func (t *pgTx) Rank(userID string) (*models.RankInfo, bool, error) {
	r := &models.RankInfo{}
	var history []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT user_id, rank, history FROM user_ranks WHERE user_id = $1`, userID,
	).Scan(&r.UserID, &r.Rank, &history)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (t *pgTx) SaveRank(r *models.RankInfo) error {
	history, err := json.Marshal(r.History)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO user_ranks (user_id, rank, history) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET rank = EXCLUDED.rank, history = EXCLUDED.history`,
		r.UserID, r.Rank, history,
	)
	return err
}

// ---- global phases ----

func (t *pgTx) PhaseState(userID string) (*models.GlobalPhaseState, bool, error) {
	st := &models.GlobalPhaseState{}
	err := t.tx.QueryRow(t.ctx,
		`SELECT user_id, phase, slot_no, members_in_phase FROM global_phases WHERE user_id = $1`,
		userID,
	).Scan(&st.UserID, &st.Phase, &st.SlotNo, &st.MembersInPhase)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (t *pgTx) SavePhaseState(s *models.GlobalPhaseState) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO global_phases (user_id, phase, slot_no, members_in_phase)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET phase = EXCLUDED.phase, slot_no = EXCLUDED.slot_no, members_in_phase = EXCLUDED.members_in_phase`,
		s.UserID, s.Phase, s.SlotNo, s.MembersInPhase,
	)
	return err
}

// ---- eligibility and awards ----

func (t *pgTx) SaveEligibility(userID string, pool models.PoolName, at time.Time) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO fund_eligibility (pool, user_id, eligible_at) VALUES ($1, $2, $3)
		 ON CONFLICT (pool, user_id) DO NOTHING`,
		pool, userID, at,
	)
	return err
}

func (t *pgTx) EligibleUsers(pool models.PoolName) ([]string, error) {
	return t.stringList(
		`SELECT user_id FROM fund_eligibility WHERE pool = $1 ORDER BY user_id`, pool)
}

func (t *pgTx) AwardCount(userID string, pool models.PoolName) (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COUNT(*) FROM fund_awards WHERE pool = $1 AND user_id = $2`,
		pool, userID,
	).Scan(&n)
	return n, err
}

func (t *pgTx) RecordAward(userID string, pool models.PoolName, amount decimal.Decimal, at time.Time) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO fund_awards (pool, user_id, amount, awarded_at) VALUES ($1, $2, $3, $4)`,
		pool, userID, amount.String(), at,
	)
	return err
}

// ---- helpers ----

func (t *pgTx) stringList(sql string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(t.ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) sumDec(sql string, args ...any) (decimal.Decimal, error) {
	var raw string
	if err := t.tx.QueryRow(t.ctx, sql, args...).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func programColumn(p models.Program) string {
	switch p {
	case models.ProgramBinary:
		return "in_binary"
	case models.ProgramMatrix:
		return "in_matrix"
	case models.ProgramGlobal:
		return "in_global"
	}
	return ""
}

// nullableTime lets SQL defaults fill zero timestamps.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
