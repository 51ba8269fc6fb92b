/*
store.go - Persistence interfaces for the coin ledger

PURPOSE:
  Defines the boundary between the engine and the database. The ledger
  is the source of truth for balances, allocations, and grants; every
  mutation flows through a single transactional entry point.

THE ONLY WRITE PATH:
  Store.Apply(ctx, fn) runs fn inside one transaction. fn receives a Tx
  that can read and write ledger rows; when fn returns nil the
  transaction commits, otherwise it rolls back. Implementations must
  guarantee that two concurrent Apply calls touching the same Balance
  cannot both read a stale value and commit — serializable isolation or
  row locks — and must surface isolation failures as ErrConflict so the
  engine can retry.

  No method outside Apply mutates ledger rows. Reads outside Apply see
  the last committed state and never block writers.

RETENTION:
  Nothing is physically deleted. Recycled allocations are written back
  with Amount zero; expended ones keep their amount with Expended set.
  Grants are append-only with a uniqueness key for replay safety.

IMPLEMENTATIONS:
  - coin/store/memory.go: in-memory, snapshot-rollback transactions
  - store/sqlite/:        SQLite, WAL + immediate transactions
  - store/postgres/:      PostgreSQL, serializable + row locks

SEE ALSO:
  - engine.go: the only caller of Apply
  - auditor.go: read-only consumer of Reader
*/
package coin

import (
	"context"
	"time"
)

// =============================================================================
// READER - Committed-state queries
// =============================================================================

// Reader is the read-only view of the ledger. Outside a transaction it
// reflects the last committed state; inside Apply it reflects the
// transaction's own view.
type Reader interface {
	// GetBalance returns the balance for (user, campaign), or a zeroed
	// Balance if the user has never been granted coins there.
	GetBalance(ctx context.Context, user UserID, campaign CampaignID) (Balance, error)

	// GetAllocation returns the allocation for (user, idea), or nil if
	// the user never allocated to that idea.
	GetAllocation(ctx context.Context, user UserID, idea IdeaID) (*Allocation, error)

	// AllocationsForIdea returns every allocation record on an idea,
	// including zeroed and expended ones.
	AllocationsForIdea(ctx context.Context, idea IdeaID) ([]Allocation, error)

	// AllocationsForCampaign returns every allocation record in a campaign.
	AllocationsForCampaign(ctx context.Context, campaign CampaignID) ([]Allocation, error)

	// Balances returns all balances in a campaign.
	Balances(ctx context.Context, campaign CampaignID) ([]Balance, error)

	// Grants returns the grant log for a campaign, oldest first.
	Grants(ctx context.Context, campaign CampaignID) ([]Grant, error)

	// GrantTotal returns the sum of all grant amounts for a campaign —
	// the Auditor's expected total.
	GrantTotal(ctx context.Context, campaign CampaignID) (int64, error)

	// TotalCoins sums the active (non-expended, non-zero) allocation
	// amounts on an idea. Used by ranking/display callers.
	TotalCoins(ctx context.Context, idea IdeaID) (int64, error)

	// StrandedAllocations returns active allocations whose idea has been
	// withdrawn in a campaign where recycling is disabled or was never
	// run. These wait for a manager decision; the engine never
	// auto-recycles them.
	StrandedAllocations(ctx context.Context, campaign CampaignID) ([]Allocation, error)
}

// =============================================================================
// TX - Transactional read-write view
// =============================================================================

// Tx is the view handed to Apply callbacks. Writes are upserts keyed by
// the record's natural key and become visible to other readers only on
// commit.
type Tx interface {
	Reader

	// PutBalance upserts a balance keyed by (UserID, CampaignID).
	PutBalance(ctx context.Context, b Balance) error

	// PutAllocation upserts an allocation keyed by (UserID, IdeaID).
	PutAllocation(ctx context.Context, a Allocation) error

	// AppendGrant appends to the grant log. Returns ErrDuplicateGrant if
	// a grant with the same DedupeKey already exists.
	AppendGrant(ctx context.Context, g Grant) error
}

// =============================================================================
// STORE - The ledger
// =============================================================================

// Store is the durable ledger. Apply is the only write path.
type Store interface {
	Reader

	// Apply executes fn inside one transaction. Commits when fn returns
	// nil, rolls back otherwise. Isolation violations surface as
	// ErrConflict (possibly wrapped) and are safe to retry from scratch.
	Apply(ctx context.Context, fn func(tx Tx) error) error
}

// =============================================================================
// AUDIT LOG - Persisted auditor runs
// =============================================================================

// AuditRun records one execution of the Conservation Auditor.
type AuditRun struct {
	ID         string
	CampaignID CampaignID
	Status     string // "pass" or "fail"
	Expected   int64
	Actual     int64
	Delta      int64
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

const (
	AuditPass = "pass"
	AuditFail = "fail"
)

// AuditLog persists auditor runs for the admin surface. Separate from
// the ledger; writing a run is not a ledger mutation.
type AuditLog interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, campaign CampaignID, limit int) ([]AuditRun, error)
}
