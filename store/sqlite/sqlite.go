/*
Package sqlite provides the SQLite-backed coin ledger.

PURPOSE:
  Implements coin.Store, coin.PolicySource, coin.CampaignDirectory,
  coin.IdeaDirectory, and coin.AuditLog on a single SQLite database.
  Suitable for single-node deployments; store/postgres carries the same
  schema for multi-node setups.

KEY TABLES:
  balances:    one row per (user, campaign), the three coin buckets
  allocations: one row per (user, idea); zeroed or expended, never deleted
  grants:      append-only record of coins entering a campaign
  policies:    per-campaign coin rules, versioned
  campaigns:   campaign directory (id, active flag)
  ideas:       idea directory (campaign, lifecycle status)
  audit_runs:  persisted conservation audit outcomes

CONCURRENCY:
  The database is opened in WAL mode with _txlock=immediate, so every
  Apply transaction takes the write lock up front. Concurrent writers
  queue behind the busy timeout; a timeout surfaces as coin.ErrConflict
  and the engine retries. Readers never block.

CONSTRAINTS AS A BACKSTOP:
  CHECK constraints keep every bucket and allocation amount
  non-negative, and the UNIQUE index on grants.dedupe_key enforces
  replay safety even if the engine's validation is bypassed.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - coin/store.go: interface contracts
  - coin/store/memory.go: in-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/coin-engine/coin"
)

// querier is the read/exec surface shared by *sql.DB and *sql.Tx, so
// every query helper works both outside and inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer at a time keeps immediate transactions from
	// fighting over the write lock inside the process.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balances: the three coin buckets per (user, campaign)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		allocated INTEGER NOT NULL DEFAULT 0 CHECK (allocated >= 0),
		expended INTEGER NOT NULL DEFAULT 0 CHECK (expended >= 0),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, campaign_id)
	);

	CREATE INDEX IF NOT EXISTS idx_balances_campaign
		ON balances(campaign_id);

	-- Allocations: retained forever; recycling zeroes, acceptance expends
	CREATE TABLE IF NOT EXISTS allocations (
		user_id TEXT NOT NULL,
		idea_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0),
		expended BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		expended_at TEXT,
		PRIMARY KEY (user_id, idea_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_idea
		ON allocations(idea_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_campaign
		ON allocations(campaign_id);

	-- Grants: append-only; dedupe_key enforces replay safety
	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		dedupe_key TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_campaign
		ON grants(campaign_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_grants_user
		ON grants(user_id, campaign_id);

	-- Policies: one active ruleset per campaign, versioned
	CREATE TABLE IF NOT EXISTS policies (
		campaign_id TEXT PRIMARY KEY,
		initial_allocation INTEGER NOT NULL DEFAULT 0,
		submission_reward INTEGER NOT NULL DEFAULT 0,
		allow_reallocation BOOLEAN NOT NULL DEFAULT FALSE,
		allow_recycling BOOLEAN NOT NULL DEFAULT FALSE,
		max_per_idea INTEGER NOT NULL DEFAULT 0,
		min_allocation INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Campaign directory
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Idea directory
	CREATE TABLE IF NOT EXISTS ideas (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status TEXT NOT NULL,
		author_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ideas_campaign
		ON ideas(campaign_id, status);

	-- Audit runs
	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expected INTEGER NOT NULL,
		actual INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		detail TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_campaign
		ON audit_runs(campaign_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READER (coin.Reader interface)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	return getBalance(ctx, s.db, user, campaign)
}

func (s *Store) GetAllocation(ctx context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	return getAllocation(ctx, s.db, user, idea)
}

func (s *Store) AllocationsForIdea(ctx context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	return queryAllocations(ctx, s.db, selectAllocations+" WHERE idea_id = ? ORDER BY user_id", idea)
}

func (s *Store) AllocationsForCampaign(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return queryAllocations(ctx, s.db, selectAllocations+" WHERE campaign_id = ? ORDER BY idea_id, user_id", campaign)
}

func (s *Store) Balances(ctx context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	return queryBalances(ctx, s.db, campaign)
}

func (s *Store) Grants(ctx context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	return queryGrants(ctx, s.db, campaign)
}

func (s *Store) GrantTotal(ctx context.Context, campaign coin.CampaignID) (int64, error) {
	return grantTotal(ctx, s.db, campaign)
}

func (s *Store) TotalCoins(ctx context.Context, idea coin.IdeaID) (int64, error) {
	return totalCoins(ctx, s.db, idea)
}

func (s *Store) StrandedAllocations(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return strandedAllocations(ctx, s.db, campaign)
}

// =============================================================================
// APPLY (coin.Store interface)
// =============================================================================

// Apply executes fn in one immediate transaction. A busy timeout while
// acquiring or holding the write lock surfaces as coin.ErrConflict.
func (s *Store) Apply(ctx context.Context, fn func(tx coin.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) {
			return fmt.Errorf("begin: %w", coin.ErrConflict)
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txLedger{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("commit: %w", coin.ErrConflict)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txLedger routes every read and write through the open transaction.
type txLedger struct {
	q querier
}

func (t *txLedger) GetBalance(ctx context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	return getBalance(ctx, t.q, user, campaign)
}

func (t *txLedger) GetAllocation(ctx context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	return getAllocation(ctx, t.q, user, idea)
}

func (t *txLedger) AllocationsForIdea(ctx context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	return queryAllocations(ctx, t.q, selectAllocations+" WHERE idea_id = ? ORDER BY user_id", idea)
}

func (t *txLedger) AllocationsForCampaign(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return queryAllocations(ctx, t.q, selectAllocations+" WHERE campaign_id = ? ORDER BY idea_id, user_id", campaign)
}

func (t *txLedger) Balances(ctx context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	return queryBalances(ctx, t.q, campaign)
}

func (t *txLedger) Grants(ctx context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	return queryGrants(ctx, t.q, campaign)
}

func (t *txLedger) GrantTotal(ctx context.Context, campaign coin.CampaignID) (int64, error) {
	return grantTotal(ctx, t.q, campaign)
}

func (t *txLedger) TotalCoins(ctx context.Context, idea coin.IdeaID) (int64, error) {
	return totalCoins(ctx, t.q, idea)
}

func (t *txLedger) StrandedAllocations(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return strandedAllocations(ctx, t.q, campaign)
}

func (t *txLedger) PutBalance(ctx context.Context, b coin.Balance) error {
	query := `
		INSERT INTO balances (user_id, campaign_id, available, allocated, expended, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, campaign_id) DO UPDATE SET
			available = excluded.available,
			allocated = excluded.allocated,
			expended = excluded.expended,
			updated_at = excluded.updated_at
	`
	_, err := t.q.ExecContext(ctx, query,
		b.UserID, b.CampaignID, b.Available, b.Allocated, b.Expended,
		b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isBusyError(err) {
			return fmt.Errorf("put balance: %w", coin.ErrConflict)
		}
		return fmt.Errorf("failed to put balance: %w", err)
	}
	return nil
}

func (t *txLedger) PutAllocation(ctx context.Context, a coin.Allocation) error {
	var expendedAt *string
	if a.ExpendedAt != nil {
		v := a.ExpendedAt.UTC().Format(time.RFC3339Nano)
		expendedAt = &v
	}

	query := `
		INSERT INTO allocations (user_id, idea_id, campaign_id, amount, expended, created_at, expended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, idea_id) DO UPDATE SET
			amount = excluded.amount,
			expended = excluded.expended,
			expended_at = excluded.expended_at
	`
	_, err := t.q.ExecContext(ctx, query,
		a.UserID, a.IdeaID, a.CampaignID, a.Amount, a.Expended,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), expendedAt,
	)
	if err != nil {
		if isBusyError(err) {
			return fmt.Errorf("put allocation: %w", coin.ErrConflict)
		}
		return fmt.Errorf("failed to put allocation: %w", err)
	}
	return nil
}

func (t *txLedger) AppendGrant(ctx context.Context, g coin.Grant) error {
	query := `
		INSERT INTO grants (id, user_id, campaign_id, kind, amount, dedupe_key, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.q.ExecContext(ctx, query,
		g.ID, g.UserID, g.CampaignID, g.Kind, g.Amount, g.DedupeKey, g.Reason,
		g.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("grant %s: %w", g.DedupeKey, coin.ErrDuplicateGrant)
		}
		if isBusyError(err) {
			return fmt.Errorf("append grant: %w", coin.ErrConflict)
		}
		return fmt.Errorf("failed to append grant: %w", err)
	}
	return nil
}

// =============================================================================
// SHARED QUERY HELPERS
// =============================================================================

const selectAllocations = `
	SELECT user_id, idea_id, campaign_id, amount, expended, created_at, expended_at
	FROM allocations`

func getBalance(ctx context.Context, q querier, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	var b coin.Balance
	var updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT user_id, campaign_id, available, allocated, expended, updated_at
		 FROM balances WHERE user_id = ? AND campaign_id = ?`,
		user, campaign,
	).Scan(&b.UserID, &b.CampaignID, &b.Available, &b.Allocated, &b.Expended, &updatedAt)

	if err == sql.ErrNoRows {
		return coin.Balance{UserID: user, CampaignID: campaign}, nil
	}
	if err != nil {
		return coin.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return b, nil
}

func getAllocation(ctx context.Context, q querier, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	row := q.QueryRowContext(ctx, selectAllocations+" WHERE user_id = ? AND idea_id = ?", user, idea)
	a, err := scanAllocationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return &a, nil
}

func queryAllocations(ctx context.Context, q querier, query string, args ...any) ([]coin.Allocation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []coin.Allocation
	for rows.Next() {
		a, err := scanAllocationRow(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocationRow(row scanner) (coin.Allocation, error) {
	var (
		a          coin.Allocation
		createdAt  string
		expendedAt sql.NullString
	)
	err := row.Scan(&a.UserID, &a.IdeaID, &a.CampaignID, &a.Amount, &a.Expended, &createdAt, &expendedAt)
	if err != nil {
		return a, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expendedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expendedAt.String)
		a.ExpendedAt = &t
	}
	return a, nil
}

func queryBalances(ctx context.Context, q querier, campaign coin.CampaignID) ([]coin.Balance, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, campaign_id, available, allocated, expended, updated_at
		 FROM balances WHERE campaign_id = ? ORDER BY user_id`,
		campaign,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []coin.Balance
	for rows.Next() {
		var b coin.Balance
		var updatedAt string
		if err := rows.Scan(&b.UserID, &b.CampaignID, &b.Available, &b.Allocated, &b.Expended, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func queryGrants(ctx context.Context, q querier, campaign coin.CampaignID) ([]coin.Grant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, user_id, campaign_id, kind, amount, dedupe_key, reason, created_at
		 FROM grants WHERE campaign_id = ? ORDER BY created_at ASC, id ASC`,
		campaign,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []coin.Grant
	for rows.Next() {
		var g coin.Grant
		var reason sql.NullString
		var createdAt string
		if err := rows.Scan(&g.ID, &g.UserID, &g.CampaignID, &g.Kind, &g.Amount, &g.DedupeKey, &reason, &createdAt); err != nil {
			return nil, err
		}
		g.Reason = reason.String
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func grantTotal(ctx context.Context, q querier, campaign coin.CampaignID) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM grants WHERE campaign_id = ?",
		campaign,
	).Scan(&total)
	return total, err
}

func totalCoins(ctx context.Context, q querier, idea coin.IdeaID) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM allocations WHERE idea_id = ? AND expended = FALSE",
		idea,
	).Scan(&total)
	return total, err
}

func strandedAllocations(ctx context.Context, q querier, campaign coin.CampaignID) ([]coin.Allocation, error) {
	query := `
		SELECT a.user_id, a.idea_id, a.campaign_id, a.amount, a.expended, a.created_at, a.expended_at
		FROM allocations a
		JOIN ideas i ON i.id = a.idea_id
		WHERE a.campaign_id = ? AND a.amount > 0 AND a.expended = FALSE
		  AND i.status = 'withdrawn'
		ORDER BY a.idea_id, a.user_id
	`
	return queryAllocations(ctx, q, query, campaign)
}

// =============================================================================
// POLICY SOURCE (coin.PolicySource interface)
// =============================================================================

func (s *Store) LoadPolicy(ctx context.Context, campaign coin.CampaignID) (coin.Policy, error) {
	var p coin.Policy
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT campaign_id, initial_allocation, submission_reward, allow_reallocation,
		        allow_recycling, max_per_idea, min_allocation, version, updated_at
		 FROM policies WHERE campaign_id = ?`,
		campaign,
	).Scan(&p.CampaignID, &p.InitialAllocation, &p.SubmissionReward, &p.AllowReallocation,
		&p.AllowRecycling, &p.MaxPerIdea, &p.MinAllocation, &p.Version, &updatedAt)

	if err == sql.ErrNoRows {
		return coin.Policy{}, fmt.Errorf("campaign %s: %w", campaign, coin.ErrPolicyNotFound)
	}
	if err != nil {
		return coin.Policy{}, fmt.Errorf("failed to load policy: %w", err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

// SavePolicy upserts a campaign's policy, bumping the version on update.
func (s *Store) SavePolicy(ctx context.Context, p coin.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO policies (campaign_id, initial_allocation, submission_reward, allow_reallocation,
			allow_recycling, max_per_idea, min_allocation, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(campaign_id) DO UPDATE SET
			initial_allocation = excluded.initial_allocation,
			submission_reward = excluded.submission_reward,
			allow_reallocation = excluded.allow_reallocation,
			allow_recycling = excluded.allow_recycling,
			max_per_idea = excluded.max_per_idea,
			min_allocation = excluded.min_allocation,
			version = policies.version + 1,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.CampaignID, p.InitialAllocation, p.SubmissionReward, p.AllowReallocation,
		p.AllowRecycling, p.MaxPerIdea, p.MinAllocation,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// =============================================================================
// CAMPAIGN + IDEA DIRECTORIES
// =============================================================================

func (s *Store) Campaign(ctx context.Context, id coin.CampaignID) (coin.CampaignRef, error) {
	var c coin.CampaignRef
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, active, created_at FROM campaigns WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Active, &createdAt)

	if err == sql.ErrNoRows {
		return coin.CampaignRef{}, fmt.Errorf("campaign %s: %w", id, coin.ErrCampaignNotFound)
	}
	if err != nil {
		return coin.CampaignRef{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return c, nil
}

// SaveCampaign upserts a campaign record.
func (s *Store) SaveCampaign(ctx context.Context, c coin.CampaignRef) error {
	query := `
		INSERT INTO campaigns (id, name, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Active, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListCampaigns returns all known campaigns.
func (s *Store) ListCampaigns(ctx context.Context) ([]coin.CampaignRef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, active, created_at FROM campaigns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []coin.CampaignRef
	for rows.Next() {
		var c coin.CampaignRef
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *Store) Idea(ctx context.Context, id coin.IdeaID) (coin.IdeaRef, error) {
	var ref coin.IdeaRef
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, campaign_id, status, author_id, created_at FROM ideas WHERE id = ?", id,
	).Scan(&ref.ID, &ref.CampaignID, &ref.Status, &ref.AuthorID, &createdAt)

	if err == sql.ErrNoRows {
		return coin.IdeaRef{}, fmt.Errorf("idea %s: %w", id, coin.ErrIdeaNotFound)
	}
	if err != nil {
		return coin.IdeaRef{}, fmt.Errorf("failed to get idea: %w", err)
	}
	ref.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return ref, nil
}

// SaveIdea upserts an idea record.
func (s *Store) SaveIdea(ctx context.Context, ref coin.IdeaRef) error {
	if !coin.ValidIdeaStatus(ref.Status) {
		return fmt.Errorf("idea %s: unknown status %q", ref.ID, ref.Status)
	}

	query := `
		INSERT INTO ideas (id, campaign_id, status, author_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		ref.ID, ref.CampaignID, ref.Status, ref.AuthorID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// =============================================================================
// AUDIT LOG (coin.AuditLog interface)
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, run coin.AuditRun) error {
	query := `
		INSERT INTO audit_runs (id, campaign_id, status, expected, actual, delta, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.CampaignID, run.Status, run.Expected, run.Actual, run.Delta, run.Detail,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) ListAuditRuns(ctx context.Context, campaign coin.CampaignID, limit int) ([]coin.AuditRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, status, expected, actual, delta, detail, started_at, finished_at
		 FROM audit_runs WHERE campaign_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		campaign, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var runs []coin.AuditRun
	for rows.Next() {
		var run coin.AuditRun
		var detail sql.NullString
		var startedAt, finishedAt string
		if err := rows.Scan(&run.ID, &run.CampaignID, &run.Status, &run.Expected, &run.Actual,
			&run.Delta, &detail, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.Detail = detail.String
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Helper functions

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
