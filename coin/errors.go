/*
errors.go - Centralized error taxonomy for the coin engine

PURPOSE:
  Every rejection path of the engine surfaces a distinguishable error
  kind so callers can map to user-facing messages without the engine
  knowing about presentation.

ERROR CATEGORIES:
  1. Validation errors - rejected before any store access, safe to retry
     after correcting input (PolicyViolationError).
  2. State errors - rejected after a read but before any write; carry the
     current balance or status (InsufficientCoinsError,
     InvalidIdeaStateError, ErrCampaignInactive).
  3. Conflict errors - transient isolation conflicts from the store,
     retried internally (ErrConflict).
  4. Not-found errors - unknown campaign, policy, idea, or allocation.

USAGE:
  if errors.Is(err, coin.ErrInsufficientCoins) {
      var ice *coin.InsufficientCoinsError
      errors.As(err, &ice) // render ice.Available to the user
  }
*/
package coin

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCoins is returned when an allocation exceeds the
	// user's available balance, or a reallocation exceeds the source
	// allocation's amount.
	ErrInsufficientCoins = errors.New("insufficient coins")

	// ErrPolicyViolation is returned when a campaign policy rule rejects
	// the operation (below minimum, cap exceeded, reallocation or
	// recycling disabled, cross-campaign attempt).
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInvalidIdeaState is returned when the idea's current lifecycle
	// status does not permit the requested coin operation.
	ErrInvalidIdeaState = errors.New("invalid idea state")

	// ErrConflict is returned by the store when transaction isolation is
	// violated. The engine retries; callers see it only after retries
	// are exhausted and should treat it as "try again".
	ErrConflict = errors.New("concurrent modification detected")

	// ErrCampaignInactive is returned when coins are granted or allocated
	// in a campaign that is not active.
	ErrCampaignInactive = errors.New("campaign is not active")

	// ErrCampaignNotFound is returned when a referenced campaign doesn't exist.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrPolicyNotFound is returned when no coin policy exists for a campaign.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrIdeaNotFound is returned when a referenced idea doesn't exist.
	ErrIdeaNotFound = errors.New("idea not found")

	// ErrAllocationNotFound is returned when reallocating from an idea
	// the user never allocated to.
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrDuplicateGrant is returned when a grant with the same dedupe key
	// already exists. This is expected behavior for replayed membership
	// joins and submission rewards.
	ErrDuplicateGrant = errors.New("duplicate grant")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCoinsError provides the exact shortfall for rendering.
type InsufficientCoinsError struct {
	UserID     UserID
	CampaignID CampaignID
	Available  int64
	Requested  int64
}

func (e *InsufficientCoinsError) Error() string {
	return fmt.Sprintf("insufficient coins: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientCoinsError) Unwrap() error { return ErrInsufficientCoins }

// PolicyRule identifies which rule a PolicyViolationError tripped.
type PolicyRule string

const (
	RuleBelowMinimum         PolicyRule = "below_minimum"
	RuleCapExceeded          PolicyRule = "cap_exceeded"
	RuleReallocationDisabled PolicyRule = "reallocation_disabled"
	RuleRecyclingDisabled    PolicyRule = "recycling_disabled"
	RuleCrossCampaign        PolicyRule = "cross_campaign"
)

// PolicyViolationError reports which configured rule rejected the request.
type PolicyViolationError struct {
	CampaignID CampaignID
	Rule       PolicyRule
	Detail     string
}

func (e *PolicyViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("policy violation (%s)", e.Rule)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// InvalidIdeaStateError reports the status that blocked the operation.
type InvalidIdeaStateError struct {
	IdeaID    IdeaID
	Status    IdeaStatus
	Operation string
}

func (e *InvalidIdeaStateError) Error() string {
	return fmt.Sprintf("idea %s is %s: %s not permitted", e.IdeaID, e.Status, e.Operation)
}

func (e *InvalidIdeaStateError) Unwrap() error { return ErrInvalidIdeaState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a state the client can observe and correct.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCoins) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInvalidIdeaState) ||
		errors.Is(err, ErrCampaignInactive) ||
		errors.Is(err, ErrDuplicateGrant)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrIdeaNotFound) ||
		errors.Is(err, ErrAllocationNotFound)
}
