/*
engine.go - The allocation engine

PURPOSE:
  Validates and executes every coin operation as one atomic unit against
  the ledger Store, using the cached Resolver for rule checks and the
  campaign/idea directories for state gates. This is the only component
  that calls Store.Apply.

OPERATION SHAPE:
  Each operation follows the same sequence:
    1. Resolve the campaign policy (cached; validation errors here never
       touch the store).
    2. Gate on campaign/idea state via the directories, before any
       transaction is open.
    3. Run one Apply: read rows, re-validate everything that depends on
       ledger state, write rows. Either all rows update or none do.
    4. On commit, publish events. Emission never fails the operation.

RETRY:
  Apply surfaces isolation violations as ErrConflict. The engine retries
  the whole closure from scratch — re-read, re-validate, re-write — a
  bounded number of times with backoff, honoring the caller's deadline.
  Business validation lives inside the closure so it is retried
  verbatim, never duplicated.

IDEA-STATUS GATE:
  | status      | allocate | realloc out | realloc in | expire | recycle |
  | pending     |    no    |     no      |     no     |   no   |   no    |
  | competing   |   yes    |    yes*     |    yes     |   no   |   no    |
  | accepted    |    no    |     no      |     no     |  yes   |   no    |
  | in_progress |    no    |     no      |     no     |   no   |   no    |
  | withdrawn   |    no    |     no      |     no     |   no   |  yes*   |
  *subject to the allocation not being expended / policy allowing it
*/
package coin

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes coin operations. Safe for concurrent use; it holds no
// engine-level lock — cross-request safety is delegated to the store's
// transaction isolation.
type Engine struct {
	store     Store
	policies  *Resolver
	ideas     IdeaDirectory
	campaigns CampaignDirectory
	emitter   Emitter
	log       zerolog.Logger
	now       func() time.Time

	maxAttempts int
	backoff     time.Duration

	seq atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the post-commit event sink.
func WithEmitter(em Emitter) Option { return func(e *Engine) { e.emitter = em } }

// WithLogger sets the engine's structured logger.
func WithLogger(log zerolog.Logger) Option { return func(e *Engine) { e.log = log } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRetry bounds the conflict retry loop.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// NewEngine wires an engine over its collaborators.
func NewEngine(store Store, policies *Resolver, ideas IdeaDirectory, campaigns CampaignDirectory, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policies:    policies,
		ideas:       ideas,
		campaigns:   campaigns,
		emitter:     NopEmitter{},
		log:         zerolog.Nop(),
		now:         time.Now,
		maxAttempts: 4,
		backoff:     25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate commits amount coins from the user's available balance to a
// competing idea. Returns the balance after the commit.
func (e *Engine) Allocate(ctx context.Context, user UserID, idea IdeaID, campaign CampaignID, amount int64) (Balance, error) {
	policy, err := e.policies.Policy(ctx, campaign)
	if err != nil {
		return Balance{}, err
	}
	if amount < policy.MinAllocation {
		return Balance{}, &PolicyViolationError{
			CampaignID: campaign,
			Rule:       RuleBelowMinimum,
			Detail:     fmt.Sprintf("amount %d below minimum %d", amount, policy.MinAllocation),
		}
	}
	if err := e.requireActiveCampaign(ctx, campaign); err != nil {
		return Balance{}, err
	}
	ref, err := e.ideaInCampaign(ctx, idea, campaign)
	if err != nil {
		return Balance{}, err
	}
	if ref.Status != IdeaCompeting {
		return Balance{}, &InvalidIdeaStateError{IdeaID: idea, Status: ref.Status, Operation: "allocate"}
	}

	var committed Balance
	err = e.withRetry(ctx, func(tx Tx) error {
		bal, err := tx.GetBalance(ctx, user, campaign)
		if err != nil {
			return err
		}
		existing, err := tx.GetAllocation(ctx, user, idea)
		if err != nil {
			return err
		}
		// An expended record is settled history. Appending onto it would
		// merge live coins into the expended amount and strand them.
		if existing != nil && existing.Expended {
			return &InvalidIdeaStateError{IdeaID: idea, Status: ref.Status, Operation: "allocate (allocation already expended)"}
		}

		var held int64
		if existing != nil {
			held = existing.Amount
		}
		if policy.MaxPerIdea > 0 && held+amount > policy.MaxPerIdea {
			return &PolicyViolationError{
				CampaignID: campaign,
				Rule:       RuleCapExceeded,
				Detail:     fmt.Sprintf("total %d would exceed per-idea cap %d", held+amount, policy.MaxPerIdea),
			}
		}
		if bal.Available < amount {
			return &InsufficientCoinsError{
				UserID:     user,
				CampaignID: campaign,
				Available:  bal.Available,
				Requested:  amount,
			}
		}

		now := e.now()
		bal.UserID, bal.CampaignID = user, campaign
		bal.Available -= amount
		bal.Allocated += amount
		bal.UpdatedAt = now
		if err := tx.PutBalance(ctx, bal); err != nil {
			return err
		}

		alloc := Allocation{UserID: user, IdeaID: idea, CampaignID: campaign, CreatedAt: now}
		if existing != nil {
			alloc = *existing
		}
		alloc.Amount += amount
		if err := tx.PutAllocation(ctx, alloc); err != nil {
			return err
		}

		committed = bal
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	e.publish(ctx, Event{
		Type:       EventAllocationCreated,
		UserID:     user,
		CampaignID: campaign,
		IdeaID:     idea,
		Amount:     amount,
	})
	return committed, nil
}

// =============================================================================
// REALLOCATE
// =============================================================================

// Reallocate moves amount coins the user has committed on source over to
// target within the same campaign. The user's balance is untouched: the
// coins stay allocated, only the split between ideas changes.
func (e *Engine) Reallocate(ctx context.Context, user UserID, source, target IdeaID, campaign CampaignID, amount int64) error {
	policy, err := e.policies.Policy(ctx, campaign)
	if err != nil {
		return err
	}
	if !policy.AllowReallocation {
		return &PolicyViolationError{CampaignID: campaign, Rule: RuleReallocationDisabled}
	}
	if amount <= 0 {
		return &PolicyViolationError{
			CampaignID: campaign,
			Rule:       RuleBelowMinimum,
			Detail:     fmt.Sprintf("amount %d must be positive", amount),
		}
	}
	// Same source and target is a deliberate no-op: keeps the operation
	// total so callers don't have to special-case it.
	if source == target {
		return nil
	}

	srcRef, err := e.ideaInCampaign(ctx, source, campaign)
	if err != nil {
		return err
	}
	if srcRef.Status != IdeaCompeting {
		return &InvalidIdeaStateError{IdeaID: source, Status: srcRef.Status, Operation: "reallocate out"}
	}
	tgtRef, err := e.ideaInCampaign(ctx, target, campaign)
	if err != nil {
		return err
	}
	if tgtRef.Status != IdeaCompeting {
		return &InvalidIdeaStateError{IdeaID: target, Status: tgtRef.Status, Operation: "reallocate in"}
	}

	err = e.withRetry(ctx, func(tx Tx) error {
		src, err := tx.GetAllocation(ctx, user, source)
		if err != nil {
			return err
		}
		if src == nil {
			return fmt.Errorf("reallocate from %s: %w", source, ErrAllocationNotFound)
		}
		if src.Expended {
			return &InvalidIdeaStateError{IdeaID: source, Status: srcRef.Status, Operation: "reallocate out (expended)"}
		}
		if src.Amount < amount {
			return &InsufficientCoinsError{
				UserID:     user,
				CampaignID: campaign,
				Available:  src.Amount,
				Requested:  amount,
			}
		}

		now := e.now()
		src.Amount -= amount
		if err := tx.PutAllocation(ctx, *src); err != nil {
			return err
		}

		tgt, err := tx.GetAllocation(ctx, user, target)
		if err != nil {
			return err
		}
		if tgt != nil && tgt.Expended {
			return &InvalidIdeaStateError{IdeaID: target, Status: tgtRef.Status, Operation: "reallocate in (allocation already expended)"}
		}
		next := Allocation{UserID: user, IdeaID: target, CampaignID: campaign, CreatedAt: now}
		if tgt != nil {
			next = *tgt
		}
		next.Amount += amount
		return tx.PutAllocation(ctx, next)
	})
	if err != nil {
		return err
	}

	e.publish(ctx, Event{
		Type:         EventAllocationMoved,
		UserID:       user,
		CampaignID:   campaign,
		IdeaID:       target,
		SourceIdeaID: source,
		Amount:       amount,
	})
	return nil
}

// =============================================================================
// EXPIRE
// =============================================================================

// Expire irreversibly converts every live allocation on an accepted idea
// to expended, moving each owner's coins from allocated to expended.
// Idempotent: a second call on an already-expended idea is a no-op, so
// at-least-once delivery from the status-change trigger is safe.
func (e *Engine) Expire(ctx context.Context, idea IdeaID, campaign CampaignID) error {
	ref, err := e.ideaInCampaign(ctx, idea, campaign)
	if err != nil {
		return err
	}
	if ref.Status != IdeaAccepted {
		return &InvalidIdeaStateError{IdeaID: idea, Status: ref.Status, Operation: "expire"}
	}

	var events []Event
	err = e.withRetry(ctx, func(tx Tx) error {
		allocs, err := tx.AllocationsForIdea(ctx, idea)
		if err != nil {
			return err
		}

		now := e.now()
		pending := make([]Event, 0, len(allocs))
		for _, a := range allocs {
			if !a.Active() {
				continue
			}
			bal, err := tx.GetBalance(ctx, a.UserID, campaign)
			if err != nil {
				return err
			}
			bal.Allocated -= a.Amount
			bal.Expended += a.Amount
			bal.UpdatedAt = now
			if err := tx.PutBalance(ctx, bal); err != nil {
				return err
			}

			at := now
			a.Expended = true
			a.ExpendedAt = &at
			if err := tx.PutAllocation(ctx, a); err != nil {
				return err
			}

			pending = append(pending, Event{
				Type:       EventAllocationExpired,
				UserID:     a.UserID,
				CampaignID: campaign,
				IdeaID:     idea,
				Amount:     a.Amount,
			})
		}
		events = pending
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		e.publish(ctx, ev)
	}
	return nil
}

// =============================================================================
// RECYCLE
// =============================================================================

// Recycle returns every live allocation on a withdrawn idea to its
// owner's available balance and zeroes the records. Fails with
// ErrInvalidIdeaState if any allocation is already expended — recycling
// an accepted idea is a caller bug, never silently ignored. Idempotent.
func (e *Engine) Recycle(ctx context.Context, idea IdeaID, campaign CampaignID) error {
	policy, err := e.policies.Policy(ctx, campaign)
	if err != nil {
		return err
	}
	ref, err := e.ideaInCampaign(ctx, idea, campaign)
	if err != nil {
		return err
	}
	if ref.Status != IdeaWithdrawn {
		return &InvalidIdeaStateError{IdeaID: idea, Status: ref.Status, Operation: "recycle"}
	}
	if !policy.AllowRecycling {
		return &PolicyViolationError{CampaignID: campaign, Rule: RuleRecyclingDisabled}
	}

	var events []Event
	err = e.withRetry(ctx, func(tx Tx) error {
		allocs, err := tx.AllocationsForIdea(ctx, idea)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if a.Expended {
				return &InvalidIdeaStateError{IdeaID: idea, Status: ref.Status, Operation: "recycle (expended allocations exist)"}
			}
		}

		now := e.now()
		pending := make([]Event, 0, len(allocs))
		for _, a := range allocs {
			if !a.Active() {
				continue
			}
			bal, err := tx.GetBalance(ctx, a.UserID, campaign)
			if err != nil {
				return err
			}
			bal.Allocated -= a.Amount
			bal.Available += a.Amount
			bal.UpdatedAt = now
			if err := tx.PutBalance(ctx, bal); err != nil {
				return err
			}

			recovered := a.Amount
			a.Amount = 0
			if err := tx.PutAllocation(ctx, a); err != nil {
				return err
			}

			pending = append(pending, Event{
				Type:       EventAllocationRecycled,
				UserID:     a.UserID,
				CampaignID: campaign,
				IdeaID:     idea,
				Amount:     recovered,
			})
		}
		events = pending
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		e.publish(ctx, ev)
	}
	return nil
}

// =============================================================================
// GRANTS
// =============================================================================

// GrantInitial credits the policy's initial allocation to a member
// joining an active campaign. Exactly once per (user, campaign):
// a replayed join returns ErrDuplicateGrant.
func (e *Engine) GrantInitial(ctx context.Context, user UserID, campaign CampaignID) (Balance, error) {
	policy, err := e.policies.Policy(ctx, campaign)
	if err != nil {
		return Balance{}, err
	}
	if err := e.requireActiveCampaign(ctx, campaign); err != nil {
		return Balance{}, err
	}

	key := fmt.Sprintf("initial:%s:%s", campaign, user)
	return e.grant(ctx, Grant{
		UserID:     user,
		CampaignID: campaign,
		Kind:       GrantInitial,
		Amount:     policy.InitialAllocation,
		DedupeKey:  key,
		Reason:     "initial allocation on campaign join",
	}, "")
}

// GrantSubmissionReward credits the policy's submission reward to the
// author of a newly submitted idea. Exactly once per idea.
func (e *Engine) GrantSubmissionReward(ctx context.Context, user UserID, idea IdeaID, campaign CampaignID) (Balance, error) {
	policy, err := e.policies.Policy(ctx, campaign)
	if err != nil {
		return Balance{}, err
	}
	if err := e.requireActiveCampaign(ctx, campaign); err != nil {
		return Balance{}, err
	}
	if policy.SubmissionReward == 0 {
		return e.store.GetBalance(ctx, user, campaign)
	}

	key := fmt.Sprintf("reward:%s", idea)
	return e.grant(ctx, Grant{
		UserID:     user,
		CampaignID: campaign,
		Kind:       GrantSubmissionReward,
		Amount:     policy.SubmissionReward,
		DedupeKey:  key,
		Reason:     fmt.Sprintf("reward for submitting idea %s", idea),
	}, idea)
}

// GrantAdminCredit credits an arbitrary managerial amount. Used to
// reassign stranded coins or correct balances; always logged as a grant
// so conservation accounting stays intact.
func (e *Engine) GrantAdminCredit(ctx context.Context, user UserID, campaign CampaignID, amount int64, reason string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, &PolicyViolationError{
			CampaignID: campaign,
			Rule:       RuleBelowMinimum,
			Detail:     fmt.Sprintf("credit amount %d must be positive", amount),
		}
	}
	if _, err := e.campaigns.Campaign(ctx, campaign); err != nil {
		return Balance{}, err
	}
	return e.grant(ctx, Grant{
		UserID:     user,
		CampaignID: campaign,
		Kind:       GrantAdminCredit,
		Amount:     amount,
		DedupeKey:  fmt.Sprintf("admin:%s", uuid.NewString()),
		Reason:     reason,
	}, "")
}

func (e *Engine) grant(ctx context.Context, g Grant, idea IdeaID) (Balance, error) {
	var committed Balance
	err := e.withRetry(ctx, func(tx Tx) error {
		bal, err := tx.GetBalance(ctx, g.UserID, g.CampaignID)
		if err != nil {
			return err
		}

		now := e.now()
		g.ID = uuid.NewString()
		g.CreatedAt = now
		if err := tx.AppendGrant(ctx, g); err != nil {
			return err
		}

		bal.UserID, bal.CampaignID = g.UserID, g.CampaignID
		bal.Available += g.Amount
		bal.UpdatedAt = now
		if err := tx.PutBalance(ctx, bal); err != nil {
			return err
		}

		committed = bal
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	e.publish(ctx, Event{
		Type:       EventGrantIssued,
		UserID:     g.UserID,
		CampaignID: g.CampaignID,
		IdeaID:     idea,
		Amount:     g.Amount,
	})
	return committed, nil
}

// =============================================================================
// READ-ONLY QUERIES
// =============================================================================

// BalanceOf returns the user's balance in a campaign (zeroed if none).
func (e *Engine) BalanceOf(ctx context.Context, user UserID, campaign CampaignID) (Balance, error) {
	return e.store.GetBalance(ctx, user, campaign)
}

// TotalCoins sums the live allocation amounts on an idea.
func (e *Engine) TotalCoins(ctx context.Context, idea IdeaID) (int64, error) {
	return e.store.TotalCoins(ctx, idea)
}

// Stranded lists live allocations held against withdrawn ideas in a
// campaign — coins waiting for a manager decision because recycling is
// disabled.
func (e *Engine) Stranded(ctx context.Context, campaign CampaignID) ([]Allocation, error) {
	return e.store.StrandedAllocations(ctx, campaign)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) requireActiveCampaign(ctx context.Context, campaign CampaignID) error {
	ref, err := e.campaigns.Campaign(ctx, campaign)
	if err != nil {
		return err
	}
	if !ref.Active {
		return fmt.Errorf("campaign %s: %w", campaign, ErrCampaignInactive)
	}
	return nil
}

func (e *Engine) ideaInCampaign(ctx context.Context, idea IdeaID, campaign CampaignID) (IdeaRef, error) {
	ref, err := e.ideas.Idea(ctx, idea)
	if err != nil {
		return IdeaRef{}, err
	}
	// Cross-campaign coin movement is rejected structurally, regardless
	// of policy configuration.
	if ref.CampaignID != campaign {
		return IdeaRef{}, &PolicyViolationError{
			CampaignID: campaign,
			Rule:       RuleCrossCampaign,
			Detail:     fmt.Sprintf("idea %s belongs to campaign %s", idea, ref.CampaignID),
		}
	}
	return ref, nil
}

// withRetry runs fn through Store.Apply, retrying on ErrConflict with
// exponential backoff. The caller's deadline bounds the whole loop; fn
// re-reads and re-validates on every attempt, so no stale state
// survives a failed attempt.
func (e *Engine) withRetry(ctx context.Context, fn func(tx Tx) error) error {
	backoff := e.backoff
	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = e.store.Apply(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		e.log.Debug().Int("attempt", attempt+1).Msg("ledger conflict, retrying")
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

// publish hands an event to the emitter without tying its fate to the
// committed operation: failures are logged and dropped.
func (e *Engine) publish(ctx context.Context, ev Event) {
	ev.ID = uuid.NewString()
	ev.Seq = e.seq.Add(1)
	ev.At = e.now()

	go func(ev Event) {
		if err := e.emitter.Emit(context.WithoutCancel(ctx), ev); err != nil {
			e.log.Warn().
				Err(err).
				Str("event", string(ev.Type)).
				Uint64("seq", ev.Seq).
				Msg("event emission failed, dropping")
		}
	}(ev)
}
