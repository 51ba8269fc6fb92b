/*
Package postgres provides the PostgreSQL-backed coin ledger.

PURPOSE:
  Same schema and contracts as store/sqlite, on PostgreSQL for
  multi-node deployments. Apply runs at SERIALIZABLE isolation and
  takes FOR UPDATE row locks on balances, so two transactions racing
  over the same user's coins cannot both commit; the loser surfaces as
  coin.ErrConflict (serialization failure 40001 or deadlock 40P01) and
  the engine retries.

SEE ALSO:
  - coin/store.go: interface contracts
  - store/sqlite: single-node implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/warp/coin-engine/coin"
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// New connects to the database and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
		allocated BIGINT NOT NULL DEFAULT 0 CHECK (allocated >= 0),
		expended BIGINT NOT NULL DEFAULT 0 CHECK (expended >= 0),
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, campaign_id)
	);

	CREATE INDEX IF NOT EXISTS idx_balances_campaign ON balances(campaign_id);

	CREATE TABLE IF NOT EXISTS allocations (
		user_id TEXT NOT NULL,
		idea_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
		expended BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		expended_at TIMESTAMPTZ,
		PRIMARY KEY (user_id, idea_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_idea ON allocations(idea_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_campaign ON allocations(campaign_id);

	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount >= 0),
		dedupe_key TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_campaign ON grants(campaign_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_grants_user ON grants(user_id, campaign_id);

	CREATE TABLE IF NOT EXISTS policies (
		campaign_id TEXT PRIMARY KEY,
		initial_allocation BIGINT NOT NULL DEFAULT 0,
		submission_reward BIGINT NOT NULL DEFAULT 0,
		allow_reallocation BOOLEAN NOT NULL DEFAULT FALSE,
		allow_recycling BOOLEAN NOT NULL DEFAULT FALSE,
		max_per_idea BIGINT NOT NULL DEFAULT 0,
		min_allocation BIGINT NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ideas (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status TEXT NOT NULL,
		author_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ideas_campaign ON ideas(campaign_id, status);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expected BIGINT NOT NULL,
		actual BIGINT NOT NULL,
		delta BIGINT NOT NULL,
		detail TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_campaign ON audit_runs(campaign_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROW TYPES
// =============================================================================

type balanceRow struct {
	UserID     string    `db:"user_id"`
	CampaignID string    `db:"campaign_id"`
	Available  int64     `db:"available"`
	Allocated  int64     `db:"allocated"`
	Expended   int64     `db:"expended"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r balanceRow) toDomain() coin.Balance {
	return coin.Balance{
		UserID:     coin.UserID(r.UserID),
		CampaignID: coin.CampaignID(r.CampaignID),
		Available:  r.Available,
		Allocated:  r.Allocated,
		Expended:   r.Expended,
		UpdatedAt:  r.UpdatedAt,
	}
}

type allocationRow struct {
	UserID     string     `db:"user_id"`
	IdeaID     string     `db:"idea_id"`
	CampaignID string     `db:"campaign_id"`
	Amount     int64      `db:"amount"`
	Expended   bool       `db:"expended"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpendedAt *time.Time `db:"expended_at"`
}

func (r allocationRow) toDomain() coin.Allocation {
	return coin.Allocation{
		UserID:     coin.UserID(r.UserID),
		IdeaID:     coin.IdeaID(r.IdeaID),
		CampaignID: coin.CampaignID(r.CampaignID),
		Amount:     r.Amount,
		Expended:   r.Expended,
		CreatedAt:  r.CreatedAt,
		ExpendedAt: r.ExpendedAt,
	}
}

type grantRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	CampaignID string         `db:"campaign_id"`
	Kind       string         `db:"kind"`
	Amount     int64          `db:"amount"`
	DedupeKey  string         `db:"dedupe_key"`
	Reason     sql.NullString `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r grantRow) toDomain() coin.Grant {
	return coin.Grant{
		ID:         r.ID,
		UserID:     coin.UserID(r.UserID),
		CampaignID: coin.CampaignID(r.CampaignID),
		Kind:       coin.GrantKind(r.Kind),
		Amount:     r.Amount,
		DedupeKey:  r.DedupeKey,
		Reason:     r.Reason.String,
		CreatedAt:  r.CreatedAt,
	}
}

// queryer is the sqlx surface shared by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// READER (coin.Reader interface)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	return getBalance(ctx, s.db, user, campaign, false)
}

func (s *Store) GetAllocation(ctx context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	return getAllocation(ctx, s.db, user, idea)
}

func (s *Store) AllocationsForIdea(ctx context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	return selectAllocations(ctx, s.db,
		baseAllocationSelect+" WHERE idea_id = $1 ORDER BY user_id", idea)
}

func (s *Store) AllocationsForCampaign(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return selectAllocations(ctx, s.db,
		baseAllocationSelect+" WHERE campaign_id = $1 ORDER BY idea_id, user_id", campaign)
}

func (s *Store) Balances(ctx context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	return selectBalances(ctx, s.db, campaign)
}

func (s *Store) Grants(ctx context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	return selectGrants(ctx, s.db, campaign)
}

func (s *Store) GrantTotal(ctx context.Context, campaign coin.CampaignID) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM grants WHERE campaign_id = $1", campaign)
	return total, err
}

func (s *Store) TotalCoins(ctx context.Context, idea coin.IdeaID) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM allocations WHERE idea_id = $1 AND NOT expended", idea)
	return total, err
}

func (s *Store) StrandedAllocations(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	query := `
		SELECT a.user_id, a.idea_id, a.campaign_id, a.amount, a.expended, a.created_at, a.expended_at
		FROM allocations a
		JOIN ideas i ON i.id = a.idea_id
		WHERE a.campaign_id = $1 AND a.amount > 0 AND NOT a.expended
		  AND i.status = 'withdrawn'
		ORDER BY a.idea_id, a.user_id
	`
	return selectAllocations(ctx, s.db, query, campaign)
}

// =============================================================================
// APPLY (coin.Store interface)
// =============================================================================

// Apply runs fn in one SERIALIZABLE transaction. In-transaction balance
// reads take FOR UPDATE locks, so most write-write races block and
// serialize instead of failing; genuine serialization failures map to
// coin.ErrConflict for the engine's retry loop.
func (s *Store) Apply(ctx context.Context, fn func(tx coin.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txLedger{q: sqlTx}); err != nil {
		return translateErr(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return translateErr(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txLedger struct {
	q *sqlx.Tx
}

func (t *txLedger) GetBalance(ctx context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	return getBalance(ctx, t.q, user, campaign, true)
}

func (t *txLedger) GetAllocation(ctx context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	return getAllocation(ctx, t.q, user, idea)
}

func (t *txLedger) AllocationsForIdea(ctx context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	return selectAllocations(ctx, t.q,
		baseAllocationSelect+" WHERE idea_id = $1 ORDER BY user_id FOR UPDATE", idea)
}

func (t *txLedger) AllocationsForCampaign(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return selectAllocations(ctx, t.q,
		baseAllocationSelect+" WHERE campaign_id = $1 ORDER BY idea_id, user_id", campaign)
}

func (t *txLedger) Balances(ctx context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	return selectBalances(ctx, t.q, campaign)
}

func (t *txLedger) Grants(ctx context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	return selectGrants(ctx, t.q, campaign)
}

func (t *txLedger) GrantTotal(ctx context.Context, campaign coin.CampaignID) (int64, error) {
	var total int64
	err := t.q.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM grants WHERE campaign_id = $1", campaign)
	return total, err
}

func (t *txLedger) TotalCoins(ctx context.Context, idea coin.IdeaID) (int64, error) {
	var total int64
	err := t.q.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM allocations WHERE idea_id = $1 AND NOT expended", idea)
	return total, err
}

func (t *txLedger) StrandedAllocations(ctx context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	query := `
		SELECT a.user_id, a.idea_id, a.campaign_id, a.amount, a.expended, a.created_at, a.expended_at
		FROM allocations a
		JOIN ideas i ON i.id = a.idea_id
		WHERE a.campaign_id = $1 AND a.amount > 0 AND NOT a.expended
		  AND i.status = 'withdrawn'
		ORDER BY a.idea_id, a.user_id
	`
	return selectAllocations(ctx, t.q, query, campaign)
}

func (t *txLedger) PutBalance(ctx context.Context, b coin.Balance) error {
	query := `
		INSERT INTO balances (user_id, campaign_id, available, allocated, expended, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, campaign_id) DO UPDATE SET
			available = EXCLUDED.available,
			allocated = EXCLUDED.allocated,
			expended = EXCLUDED.expended,
			updated_at = EXCLUDED.updated_at
	`
	_, err := t.q.ExecContext(ctx, query,
		b.UserID, b.CampaignID, b.Available, b.Allocated, b.Expended, b.UpdatedAt.UTC())
	if err != nil {
		return translateErr(fmt.Errorf("failed to put balance: %w", err))
	}
	return nil
}

func (t *txLedger) PutAllocation(ctx context.Context, a coin.Allocation) error {
	query := `
		INSERT INTO allocations (user_id, idea_id, campaign_id, amount, expended, created_at, expended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, idea_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			expended = EXCLUDED.expended,
			expended_at = EXCLUDED.expended_at
	`
	_, err := t.q.ExecContext(ctx, query,
		a.UserID, a.IdeaID, a.CampaignID, a.Amount, a.Expended, a.CreatedAt.UTC(), a.ExpendedAt)
	if err != nil {
		return translateErr(fmt.Errorf("failed to put allocation: %w", err))
	}
	return nil
}

func (t *txLedger) AppendGrant(ctx context.Context, g coin.Grant) error {
	query := `
		INSERT INTO grants (id, user_id, campaign_id, kind, amount, dedupe_key, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.ExecContext(ctx, query,
		g.ID, g.UserID, g.CampaignID, g.Kind, g.Amount, g.DedupeKey, g.Reason, g.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("grant %s: %w", g.DedupeKey, coin.ErrDuplicateGrant)
		}
		return translateErr(fmt.Errorf("failed to append grant: %w", err))
	}
	return nil
}

// =============================================================================
// SHARED QUERY HELPERS
// =============================================================================

const baseAllocationSelect = `
	SELECT user_id, idea_id, campaign_id, amount, expended, created_at, expended_at
	FROM allocations`

func getBalance(ctx context.Context, q queryer, user coin.UserID, campaign coin.CampaignID, forUpdate bool) (coin.Balance, error) {
	query := `
		SELECT user_id, campaign_id, available, allocated, expended, updated_at
		FROM balances WHERE user_id = $1 AND campaign_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var row balanceRow
	err := q.GetContext(ctx, &row, query, user, campaign)
	if errors.Is(err, sql.ErrNoRows) {
		return coin.Balance{UserID: user, CampaignID: campaign}, nil
	}
	if err != nil {
		return coin.Balance{}, translateErr(fmt.Errorf("failed to get balance: %w", err))
	}
	return row.toDomain(), nil
}

func getAllocation(ctx context.Context, q queryer, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	var row allocationRow
	err := q.GetContext(ctx, &row,
		baseAllocationSelect+" WHERE user_id = $1 AND idea_id = $2", user, idea)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(fmt.Errorf("failed to get allocation: %w", err))
	}
	a := row.toDomain()
	return &a, nil
}

func selectAllocations(ctx context.Context, q queryer, query string, args ...any) ([]coin.Allocation, error) {
	var rows []allocationRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, translateErr(fmt.Errorf("failed to query allocations: %w", err))
	}
	out := make([]coin.Allocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func selectBalances(ctx context.Context, q queryer, campaign coin.CampaignID) ([]coin.Balance, error) {
	var rows []balanceRow
	err := q.SelectContext(ctx, &rows,
		`SELECT user_id, campaign_id, available, allocated, expended, updated_at
		 FROM balances WHERE campaign_id = $1 ORDER BY user_id`, campaign)
	if err != nil {
		return nil, translateErr(fmt.Errorf("failed to query balances: %w", err))
	}
	out := make([]coin.Balance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func selectGrants(ctx context.Context, q queryer, campaign coin.CampaignID) ([]coin.Grant, error) {
	var rows []grantRow
	err := q.SelectContext(ctx, &rows,
		`SELECT id, user_id, campaign_id, kind, amount, dedupe_key, reason, created_at
		 FROM grants WHERE campaign_id = $1 ORDER BY created_at ASC, id ASC`, campaign)
	if err != nil {
		return nil, translateErr(fmt.Errorf("failed to query grants: %w", err))
	}
	out := make([]coin.Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// =============================================================================
// POLICY SOURCE (coin.PolicySource interface)
// =============================================================================

type policyRow struct {
	CampaignID        string    `db:"campaign_id"`
	InitialAllocation int64     `db:"initial_allocation"`
	SubmissionReward  int64     `db:"submission_reward"`
	AllowReallocation bool      `db:"allow_reallocation"`
	AllowRecycling    bool      `db:"allow_recycling"`
	MaxPerIdea        int64     `db:"max_per_idea"`
	MinAllocation     int64     `db:"min_allocation"`
	Version           int       `db:"version"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (s *Store) LoadPolicy(ctx context.Context, campaign coin.CampaignID) (coin.Policy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT campaign_id, initial_allocation, submission_reward, allow_reallocation,
		        allow_recycling, max_per_idea, min_allocation, version, updated_at
		 FROM policies WHERE campaign_id = $1`, campaign)
	if errors.Is(err, sql.ErrNoRows) {
		return coin.Policy{}, fmt.Errorf("campaign %s: %w", campaign, coin.ErrPolicyNotFound)
	}
	if err != nil {
		return coin.Policy{}, fmt.Errorf("failed to load policy: %w", err)
	}
	return coin.Policy{
		CampaignID:        coin.CampaignID(row.CampaignID),
		InitialAllocation: row.InitialAllocation,
		SubmissionReward:  row.SubmissionReward,
		AllowReallocation: row.AllowReallocation,
		AllowRecycling:    row.AllowRecycling,
		MaxPerIdea:        row.MaxPerIdea,
		MinAllocation:     row.MinAllocation,
		Version:           row.Version,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

// SavePolicy upserts a campaign's policy, bumping the version on update.
func (s *Store) SavePolicy(ctx context.Context, p coin.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO policies (campaign_id, initial_allocation, submission_reward, allow_reallocation,
			allow_recycling, max_per_idea, min_allocation, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (campaign_id) DO UPDATE SET
			initial_allocation = EXCLUDED.initial_allocation,
			submission_reward = EXCLUDED.submission_reward,
			allow_reallocation = EXCLUDED.allow_reallocation,
			allow_recycling = EXCLUDED.allow_recycling,
			max_per_idea = EXCLUDED.max_per_idea,
			min_allocation = EXCLUDED.min_allocation,
			version = policies.version + 1,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.CampaignID, p.InitialAllocation, p.SubmissionReward, p.AllowReallocation,
		p.AllowRecycling, p.MaxPerIdea, p.MinAllocation, time.Now().UTC())
	return err
}

// =============================================================================
// CAMPAIGN + IDEA DIRECTORIES
// =============================================================================

type campaignRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) Campaign(ctx context.Context, id coin.CampaignID) (coin.CampaignRef, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, name, active, created_at FROM campaigns WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return coin.CampaignRef{}, fmt.Errorf("campaign %s: %w", id, coin.ErrCampaignNotFound)
	}
	if err != nil {
		return coin.CampaignRef{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	return coin.CampaignRef{
		ID:        coin.CampaignID(row.ID),
		Name:      row.Name,
		Active:    row.Active,
		CreatedAt: row.CreatedAt,
	}, nil
}

// SaveCampaign upserts a campaign record.
func (s *Store) SaveCampaign(ctx context.Context, c coin.CampaignRef) error {
	query := `
		INSERT INTO campaigns (id, name, active, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Active, time.Now().UTC())
	return err
}

// ListCampaigns returns all known campaigns.
func (s *Store) ListCampaigns(ctx context.Context) ([]coin.CampaignRef, error) {
	var rows []campaignRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, name, active, created_at FROM campaigns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	out := make([]coin.CampaignRef, 0, len(rows))
	for _, r := range rows {
		out = append(out, coin.CampaignRef{
			ID:        coin.CampaignID(r.ID),
			Name:      r.Name,
			Active:    r.Active,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

type ideaRow struct {
	ID         string    `db:"id"`
	CampaignID string    `db:"campaign_id"`
	Status     string    `db:"status"`
	AuthorID   string    `db:"author_id"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) Idea(ctx context.Context, id coin.IdeaID) (coin.IdeaRef, error) {
	var row ideaRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, campaign_id, status, author_id, created_at FROM ideas WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return coin.IdeaRef{}, fmt.Errorf("idea %s: %w", id, coin.ErrIdeaNotFound)
	}
	if err != nil {
		return coin.IdeaRef{}, fmt.Errorf("failed to get idea: %w", err)
	}
	return coin.IdeaRef{
		ID:         coin.IdeaID(row.ID),
		CampaignID: coin.CampaignID(row.CampaignID),
		Status:     coin.IdeaStatus(row.Status),
		AuthorID:   coin.UserID(row.AuthorID),
		CreatedAt:  row.CreatedAt,
	}, nil
}

// SaveIdea upserts an idea record.
func (s *Store) SaveIdea(ctx context.Context, ref coin.IdeaRef) error {
	if !coin.ValidIdeaStatus(ref.Status) {
		return fmt.Errorf("idea %s: unknown status %q", ref.ID, ref.Status)
	}

	query := `
		INSERT INTO ideas (id, campaign_id, status, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
	`
	_, err := s.db.ExecContext(ctx, query,
		ref.ID, ref.CampaignID, ref.Status, ref.AuthorID, time.Now().UTC())
	return err
}

// =============================================================================
// AUDIT LOG (coin.AuditLog interface)
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, run coin.AuditRun) error {
	query := `
		INSERT INTO audit_runs (id, campaign_id, status, expected, actual, delta, detail, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.CampaignID, run.Status, run.Expected, run.Actual, run.Delta, run.Detail,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	return err
}

type auditRunRow struct {
	ID         string         `db:"id"`
	CampaignID string         `db:"campaign_id"`
	Status     string         `db:"status"`
	Expected   int64          `db:"expected"`
	Actual     int64          `db:"actual"`
	Delta      int64          `db:"delta"`
	Detail     sql.NullString `db:"detail"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt time.Time      `db:"finished_at"`
}

func (s *Store) ListAuditRuns(ctx context.Context, campaign coin.CampaignID, limit int) ([]coin.AuditRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []auditRunRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, campaign_id, status, expected, actual, delta, detail, started_at, finished_at
		 FROM audit_runs WHERE campaign_id = $1
		 ORDER BY started_at DESC LIMIT $2`, campaign, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}

	out := make([]coin.AuditRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, coin.AuditRun{
			ID:         r.ID,
			CampaignID: coin.CampaignID(r.CampaignID),
			Status:     r.Status,
			Expected:   r.Expected,
			Actual:     r.Actual,
			Delta:      r.Delta,
			Detail:     r.Detail.String,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		})
	}
	return out, nil
}

// Helper functions

// translateErr maps serialization failures and deadlocks to
// coin.ErrConflict so the engine retries them.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%v: %w", err, coin.ErrConflict)
		}
	}
	return err
}
