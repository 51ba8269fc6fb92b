/*
Package coin implements the campaign-scoped coin allocation and
conservation engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking,
  moving, and retiring the virtual currency participants use to express
  priority over submitted ideas. Every coin a user holds lives in exactly
  one of three buckets — available, allocated, expended — and the engine
  guarantees coins only move between buckets through the defined
  operations, never crossing campaign boundaries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: a user's coin holdings within one campaign
  - Allocation: coins a specific user has committed to a specific idea
  - Grant: an immutable record of coins entering a campaign economy
  - IdeaStatus: the externally-owned idea lifecycle state the engine
    validates before mutating coins

DESIGN PRINCIPLES:
  1. Conservation: available + allocated + expended per user equals the
     total ever granted; nothing in this package can create or destroy
     coins outside a Grant.
  2. Isolation: every record is campaign-scoped; cross-campaign moves are
     rejected structurally, not by policy.
  3. Auditability: grants are append-only and allocations are zeroed, not
     deleted, so the Auditor can always replay history.

SEE ALSO:
  - policy.go: per-campaign coin policy and its resolver
  - engine.go: the allocate/reallocate/expire/recycle operations
  - auditor.go: conservation verification
  - store.go: persistence interfaces
*/
package coin

import (
	"context"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CampaignID string
type IdeaID string

// =============================================================================
// IDEA STATUS - Owned by the idea-lifecycle collaborator
// =============================================================================

// IdeaStatus is the lifecycle state of an idea. The engine never changes
// it; it only gates coin operations on it.
type IdeaStatus string

const (
	IdeaPending    IdeaStatus = "pending"
	IdeaCompeting  IdeaStatus = "competing"
	IdeaAccepted   IdeaStatus = "accepted"
	IdeaInProgress IdeaStatus = "in_progress"
	IdeaCompleted  IdeaStatus = "completed"
	IdeaWithdrawn  IdeaStatus = "withdrawn"
)

// ValidIdeaStatus reports whether s is one of the known lifecycle states.
func ValidIdeaStatus(s IdeaStatus) bool {
	switch s {
	case IdeaPending, IdeaCompeting, IdeaAccepted, IdeaInProgress, IdeaCompleted, IdeaWithdrawn:
		return true
	}
	return false
}

// =============================================================================
// BALANCE - One per (user, campaign) pair
// =============================================================================

// Balance splits a user's coins in one campaign into three buckets.
//
// Invariant: Available and Allocated never go negative, Expended is
// monotonically non-decreasing, and Total() equals the sum of all grants
// ever issued to this user in this campaign.
type Balance struct {
	UserID     UserID
	CampaignID CampaignID
	Available  int64
	Allocated  int64
	Expended   int64
	UpdatedAt  time.Time
}

// Total returns the sum of all three buckets — the conserved quantity.
func (b Balance) Total() int64 { return b.Available + b.Allocated + b.Expended }

// =============================================================================
// ALLOCATION - One per (user, idea) pair that has received coins
// =============================================================================

// Allocation records the coins one user has committed to one idea.
// Amount accumulates on repeat allocation. The record is never deleted:
// recycling drives Amount to zero, acceptance flips Expended exactly once.
type Allocation struct {
	UserID     UserID
	IdeaID     IdeaID
	CampaignID CampaignID
	Amount     int64
	Expended   bool
	CreatedAt  time.Time
	ExpendedAt *time.Time
}

// Active reports whether this allocation still holds live coins.
// Zeroed (recycled) and expended records are retained for audit only.
func (a Allocation) Active() bool { return !a.Expended && a.Amount > 0 }

// =============================================================================
// GRANT - Append-only record of coins entering a campaign
// =============================================================================

// GrantKind is the business reason coins were issued.
type GrantKind string

const (
	GrantInitial          GrantKind = "initial"           // once per member on join
	GrantSubmissionReward GrantKind = "submission_reward" // once per submitted idea
	GrantAdminCredit      GrantKind = "admin_credit"      // manual managerial credit
)

// Grant is an immutable credit to a user's available balance. The sum of
// grants per campaign is the Auditor's expected total. DedupeKey makes
// membership joins and submission rewards replay-safe: the store rejects
// a second grant with the same key.
type Grant struct {
	ID         string
	UserID     UserID
	CampaignID CampaignID
	Kind       GrantKind
	Amount     int64
	DedupeKey  string
	Reason     string
	CreatedAt  time.Time
}

// =============================================================================
// EXTERNAL COLLABORATORS - Campaign and idea lifecycle boundaries
// =============================================================================

// CampaignRef is the slice of campaign state the engine needs: whether
// the economy is open. Campaign lifecycle itself lives elsewhere.
type CampaignRef struct {
	ID        CampaignID
	Name      string
	Active    bool
	CreatedAt time.Time
}

// IdeaRef is the slice of idea state the engine needs: which campaign it
// belongs to and its current lifecycle status.
type IdeaRef struct {
	ID         IdeaID
	CampaignID CampaignID
	Status     IdeaStatus
	AuthorID   UserID
	CreatedAt  time.Time
}

// CampaignDirectory resolves campaign state. Implemented by the stores
// for convenience, but the engine only depends on this interface.
type CampaignDirectory interface {
	Campaign(ctx context.Context, id CampaignID) (CampaignRef, error)
}

// IdeaDirectory resolves the current status of an idea. The engine calls
// it synchronously before opening a ledger transaction, never inside one.
type IdeaDirectory interface {
	Idea(ctx context.Context, id IdeaID) (IdeaRef, error)
}
