/*
policy.go - Campaign coin policy and cached resolver

PURPOSE:
  A Policy is the per-campaign ruleset for the coin economy: how many
  coins a member receives on join, the reward for submitting an idea,
  whether coins can be moved between ideas or recovered from withdrawn
  ones, and the per-idea cap.

IMMUTABILITY:
  Policies are plain value types resolved per campaign. Updating a
  policy bumps its version and invalidates the resolver cache; it never
  retroactively alters existing grants or allocations.

RESOLVER:
  The Resolver is a read-mostly cache in front of a PolicySource. Engine
  operations hit the cache so a policy lookup never extends the duration
  of an open ledger transaction. Invalidation is explicit, on write.
*/
package coin

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// POLICY - Immutable per-campaign coin rules
// =============================================================================

// Policy is the coin ruleset for one campaign.
type Policy struct {
	CampaignID CampaignID

	// InitialAllocation is granted once per member on joining an active
	// campaign. Zero is valid (members start empty-handed).
	InitialAllocation int64

	// SubmissionReward is granted once per idea to its author.
	SubmissionReward int64

	// AllowReallocation permits moving committed coins between ideas.
	AllowReallocation bool

	// AllowRecycling returns committed coins to available when their
	// idea is withdrawn. When false, those coins are stranded until a
	// manager reassigns them.
	AllowRecycling bool

	// MaxPerIdea caps one user's total on a single idea. Zero means no cap.
	MaxPerIdea int64

	// MinAllocation is the smallest amount a single allocate may move.
	MinAllocation int64

	Version   int
	UpdatedAt time.Time
}

// DefaultMinAllocation applies when a policy document omits min_allocation.
const DefaultMinAllocation = 1

// DefaultPolicy returns the zero-grant policy for a campaign: no initial
// coins, no rewards, reallocation and recycling both off.
func DefaultPolicy(campaign CampaignID) Policy {
	return Policy{
		CampaignID:    campaign,
		MinAllocation: DefaultMinAllocation,
		Version:       1,
	}
}

// WithDefaults fills unset optional fields.
func (p Policy) WithDefaults() Policy {
	if p.MinAllocation <= 0 {
		p.MinAllocation = DefaultMinAllocation
	}
	return p
}

// Validate rejects structurally impossible policies.
func (p Policy) Validate() error {
	if p.CampaignID == "" {
		return fmt.Errorf("policy: campaign id required")
	}
	if p.InitialAllocation < 0 {
		return fmt.Errorf("policy: initial allocation must be non-negative")
	}
	if p.SubmissionReward < 0 {
		return fmt.Errorf("policy: submission reward must be non-negative")
	}
	if p.MaxPerIdea < 0 {
		return fmt.Errorf("policy: max per idea must be non-negative")
	}
	if p.MinAllocation < 1 {
		return fmt.Errorf("policy: min allocation must be positive")
	}
	if p.MaxPerIdea > 0 && p.MaxPerIdea < p.MinAllocation {
		return fmt.Errorf("policy: max per idea %d below min allocation %d", p.MaxPerIdea, p.MinAllocation)
	}
	return nil
}

// =============================================================================
// POLICY SOURCE + RESOLVER
// =============================================================================

// PolicySource loads the active policy for a campaign. Implemented by
// the stores. Returns ErrPolicyNotFound for unknown campaigns.
type PolicySource interface {
	LoadPolicy(ctx context.Context, campaign CampaignID) (Policy, error)
}

// Resolver caches policies per campaign. Shared read-mostly state:
// lookups take the read lock, invalidation the write lock.
type Resolver struct {
	source PolicySource

	mu    sync.RWMutex
	cache map[CampaignID]Policy
}

// NewResolver creates a resolver over the given source.
func NewResolver(source PolicySource) *Resolver {
	return &Resolver{
		source: source,
		cache:  make(map[CampaignID]Policy),
	}
}

// Policy returns the campaign's policy, from cache when possible.
func (r *Resolver) Policy(ctx context.Context, campaign CampaignID) (Policy, error) {
	r.mu.RLock()
	p, ok := r.cache[campaign]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := r.source.LoadPolicy(ctx, campaign)
	if err != nil {
		return Policy{}, err
	}
	p = p.WithDefaults()

	r.mu.Lock()
	r.cache[campaign] = p
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops the cached policy for a campaign. Call immediately
// after any policy update.
func (r *Resolver) Invalidate(campaign CampaignID) {
	r.mu.Lock()
	delete(r.cache, campaign)
	r.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[CampaignID]Policy)
	r.mu.Unlock()
}
