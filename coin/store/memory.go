// Package store provides the in-memory ledger implementation, used for
// tests and local development. Transactions are simulated with a global
// lock plus snapshot-restore on rollback, which trivially satisfies the
// isolation contract: Apply calls are fully serialized.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/coin-engine/coin"
)

type balKey struct {
	User     coin.UserID
	Campaign coin.CampaignID
}

type allocKey struct {
	User coin.UserID
	Idea coin.IdeaID
}

// Memory is an in-memory ledger. It also implements coin.PolicySource,
// coin.CampaignDirectory, coin.IdeaDirectory, and coin.AuditLog so a
// single instance can back the whole engine in tests.
type Memory struct {
	mu          sync.RWMutex
	balances    map[balKey]coin.Balance
	allocations map[allocKey]coin.Allocation
	grants      []coin.Grant
	grantKeys   map[string]bool
	policies    map[coin.CampaignID]coin.Policy
	campaigns   map[coin.CampaignID]coin.CampaignRef
	ideas       map[coin.IdeaID]coin.IdeaRef
	audits      map[coin.CampaignID][]coin.AuditRun
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[balKey]coin.Balance),
		allocations: make(map[allocKey]coin.Allocation),
		grantKeys:   make(map[string]bool),
		policies:    make(map[coin.CampaignID]coin.Policy),
		campaigns:   make(map[coin.CampaignID]coin.CampaignRef),
		ideas:       make(map[coin.IdeaID]coin.IdeaRef),
		audits:      make(map[coin.CampaignID][]coin.AuditRun),
	}
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(user, campaign), nil
}

func (m *Memory) GetAllocation(_ context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAllocationLocked(user, idea), nil
}

func (m *Memory) AllocationsForIdea(_ context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsForIdeaLocked(idea), nil
}

func (m *Memory) AllocationsForCampaign(_ context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationsForCampaignLocked(campaign), nil
}

func (m *Memory) Balances(_ context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked(campaign), nil
}

func (m *Memory) Grants(_ context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsLocked(campaign), nil
}

func (m *Memory) GrantTotal(_ context.Context, campaign coin.CampaignID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantTotalLocked(campaign), nil
}

func (m *Memory) TotalCoins(_ context.Context, idea coin.IdeaID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalCoinsLocked(idea), nil
}

func (m *Memory) StrandedAllocations(_ context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strandedLocked(campaign), nil
}

// =============================================================================
// APPLY - Serialized snapshot transactions
// =============================================================================

// Apply serializes all writes under the store lock. The callback writes
// directly into the live maps; on error the pre-transaction snapshot is
// restored, so partial writes never become visible.
func (m *Memory) Apply(ctx context.Context, fn func(tx coin.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances    map[balKey]coin.Balance
	allocations map[allocKey]coin.Allocation
	grants      []coin.Grant
	grantKeys   map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances:    make(map[balKey]coin.Balance, len(m.balances)),
		allocations: make(map[allocKey]coin.Allocation, len(m.allocations)),
		grants:      append([]coin.Grant{}, m.grants...),
		grantKeys:   make(map[string]bool, len(m.grantKeys)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.allocations {
		s.allocations[k] = v
	}
	for k, v := range m.grantKeys {
		s.grantKeys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.allocations = s.allocations
	m.grants = s.grants
	m.grantKeys = s.grantKeys
}

// txView reads and writes the parent's maps directly. The parent holds
// its write lock for the whole Apply, so no further locking here.
type txView struct {
	parent *Memory
}

func (t *txView) GetBalance(_ context.Context, user coin.UserID, campaign coin.CampaignID) (coin.Balance, error) {
	return t.parent.getBalanceLocked(user, campaign), nil
}

func (t *txView) GetAllocation(_ context.Context, user coin.UserID, idea coin.IdeaID) (*coin.Allocation, error) {
	return t.parent.getAllocationLocked(user, idea), nil
}

func (t *txView) AllocationsForIdea(_ context.Context, idea coin.IdeaID) ([]coin.Allocation, error) {
	return t.parent.allocationsForIdeaLocked(idea), nil
}

func (t *txView) AllocationsForCampaign(_ context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return t.parent.allocationsForCampaignLocked(campaign), nil
}

func (t *txView) Balances(_ context.Context, campaign coin.CampaignID) ([]coin.Balance, error) {
	return t.parent.balancesLocked(campaign), nil
}

func (t *txView) Grants(_ context.Context, campaign coin.CampaignID) ([]coin.Grant, error) {
	return t.parent.grantsLocked(campaign), nil
}

func (t *txView) GrantTotal(_ context.Context, campaign coin.CampaignID) (int64, error) {
	return t.parent.grantTotalLocked(campaign), nil
}

func (t *txView) TotalCoins(_ context.Context, idea coin.IdeaID) (int64, error) {
	return t.parent.totalCoinsLocked(idea), nil
}

func (t *txView) StrandedAllocations(_ context.Context, campaign coin.CampaignID) ([]coin.Allocation, error) {
	return t.parent.strandedLocked(campaign), nil
}

func (t *txView) PutBalance(_ context.Context, b coin.Balance) error {
	t.parent.balances[balKey{User: b.UserID, Campaign: b.CampaignID}] = b
	return nil
}

func (t *txView) PutAllocation(_ context.Context, a coin.Allocation) error {
	t.parent.allocations[allocKey{User: a.UserID, Idea: a.IdeaID}] = a
	return nil
}

func (t *txView) AppendGrant(_ context.Context, g coin.Grant) error {
	if g.DedupeKey != "" && t.parent.grantKeys[g.DedupeKey] {
		return fmt.Errorf("grant %s: %w", g.DedupeKey, coin.ErrDuplicateGrant)
	}
	t.parent.grants = append(t.parent.grants, g)
	if g.DedupeKey != "" {
		t.parent.grantKeys[g.DedupeKey] = true
	}
	return nil
}

// =============================================================================
// SHARED QUERY HELPERS - Caller holds the appropriate lock
// =============================================================================

func (m *Memory) getBalanceLocked(user coin.UserID, campaign coin.CampaignID) coin.Balance {
	if b, ok := m.balances[balKey{User: user, Campaign: campaign}]; ok {
		return b
	}
	return coin.Balance{UserID: user, CampaignID: campaign}
}

func (m *Memory) getAllocationLocked(user coin.UserID, idea coin.IdeaID) *coin.Allocation {
	if a, ok := m.allocations[allocKey{User: user, Idea: idea}]; ok {
		cp := a
		return &cp
	}
	return nil
}

func (m *Memory) allocationsForIdeaLocked(idea coin.IdeaID) []coin.Allocation {
	var out []coin.Allocation
	for _, a := range m.allocations {
		if a.IdeaID == idea {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out
}

func (m *Memory) allocationsForCampaignLocked(campaign coin.CampaignID) []coin.Allocation {
	var out []coin.Allocation
	for _, a := range m.allocations {
		if a.CampaignID == campaign {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out
}

func (m *Memory) balancesLocked(campaign coin.CampaignID) []coin.Balance {
	var out []coin.Balance
	for _, b := range m.balances {
		if b.CampaignID == campaign {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Memory) grantsLocked(campaign coin.CampaignID) []coin.Grant {
	var out []coin.Grant
	for _, g := range m.grants {
		if g.CampaignID == campaign {
			out = append(out, g)
		}
	}
	return out
}

func (m *Memory) grantTotalLocked(campaign coin.CampaignID) int64 {
	var total int64
	for _, g := range m.grants {
		if g.CampaignID == campaign {
			total += g.Amount
		}
	}
	return total
}

func (m *Memory) totalCoinsLocked(idea coin.IdeaID) int64 {
	var total int64
	for _, a := range m.allocations {
		if a.IdeaID == idea && a.Active() {
			total += a.Amount
		}
	}
	return total
}

func (m *Memory) strandedLocked(campaign coin.CampaignID) []coin.Allocation {
	var out []coin.Allocation
	for _, a := range m.allocations {
		if a.CampaignID != campaign || !a.Active() {
			continue
		}
		if ref, ok := m.ideas[a.IdeaID]; ok && ref.Status == coin.IdeaWithdrawn {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out
}

func sortAllocations(allocs []coin.Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].IdeaID != allocs[j].IdeaID {
			return allocs[i].IdeaID < allocs[j].IdeaID
		}
		return allocs[i].UserID < allocs[j].UserID
	})
}

// =============================================================================
// POLICY SOURCE, DIRECTORIES, AUDIT LOG
// =============================================================================

func (m *Memory) LoadPolicy(_ context.Context, campaign coin.CampaignID) (coin.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[campaign]
	if !ok {
		return coin.Policy{}, fmt.Errorf("campaign %s: %w", campaign, coin.ErrPolicyNotFound)
	}
	return p, nil
}

func (m *Memory) SavePolicy(_ context.Context, p coin.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.policies[p.CampaignID]; ok {
		p.Version = prev.Version + 1
	} else if p.Version == 0 {
		p.Version = 1
	}
	m.policies[p.CampaignID] = p
	return nil
}

func (m *Memory) Campaign(_ context.Context, id coin.CampaignID) (coin.CampaignRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return coin.CampaignRef{}, fmt.Errorf("campaign %s: %w", id, coin.ErrCampaignNotFound)
	}
	return c, nil
}

func (m *Memory) SaveCampaign(_ context.Context, c coin.CampaignRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]coin.CampaignRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]coin.CampaignRef, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Idea(_ context.Context, id coin.IdeaID) (coin.IdeaRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.ideas[id]
	if !ok {
		return coin.IdeaRef{}, fmt.Errorf("idea %s: %w", id, coin.ErrIdeaNotFound)
	}
	return ref, nil
}

func (m *Memory) SaveIdea(_ context.Context, ref coin.IdeaRef) error {
	if !coin.ValidIdeaStatus(ref.Status) {
		return fmt.Errorf("idea %s: unknown status %q", ref.ID, ref.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ideas[ref.ID] = ref
	return nil
}

func (m *Memory) SaveAuditRun(_ context.Context, run coin.AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[run.CampaignID] = append(m.audits[run.CampaignID], run)
	return nil
}

func (m *Memory) ListAuditRuns(_ context.Context, campaign coin.CampaignID, limit int) ([]coin.AuditRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.audits[campaign]
	out := append([]coin.AuditRun{}, runs...)
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
