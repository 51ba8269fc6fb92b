/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/factory"
)

// =============================================================================
// CAMPAIGN TYPES
// =============================================================================

// CampaignDTO represents a campaign in API responses.
type CampaignDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

func toCampaignDTO(c coin.CampaignRef) CampaignDTO {
	dto := CampaignDTO{ID: string(c.ID), Name: c.Name, Active: c.Active}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// CreateCampaignRequest is the request to create or update a campaign.
// Policy is optional; when omitted, the campaign starts with the
// default zero-grant policy.
type CreateCampaignRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Active *bool               `json:"active,omitempty"`
	Policy *factory.PolicyJSON `json:"policy,omitempty"`
}

// JoinCampaignRequest adds a member; the initial allocation is granted
// exactly once per user.
type JoinCampaignRequest struct {
	UserID string `json:"user_id"`
}

// AdminCreditRequest credits coins to a user outside the normal grant
// paths, e.g. reassigning stranded coins.
type AdminCreditRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// =============================================================================
// IDEA TYPES
// =============================================================================

// IdeaDTO represents an idea in API responses.
type IdeaDTO struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	AuthorID   string `json:"author_id"`
	CreatedAt  string `json:"created_at,omitempty"`
}

func toIdeaDTO(ref coin.IdeaRef) IdeaDTO {
	dto := IdeaDTO{
		ID:         string(ref.ID),
		CampaignID: string(ref.CampaignID),
		Status:     string(ref.Status),
		AuthorID:   string(ref.AuthorID),
	}
	if !ref.CreatedAt.IsZero() {
		dto.CreatedAt = ref.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// SubmitIdeaRequest registers a new idea. Status defaults to competing;
// the author receives the campaign's submission reward.
type SubmitIdeaRequest struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	AuthorID   string `json:"author_id"`
	Status     string `json:"status,omitempty"`
}

// UpdateIdeaStatusRequest transitions an idea's lifecycle status. The
// coin side effects (expire on accepted, recycle on withdrawn) run
// after the status is saved.
type UpdateIdeaStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// COIN MOVEMENT TYPES
// =============================================================================

// AllocateRequest commits coins from a user's balance to an idea.
type AllocateRequest struct {
	UserID     string `json:"user_id"`
	IdeaID     string `json:"idea_id"`
	CampaignID string `json:"campaign_id"`
	Amount     int64  `json:"amount"`
}

// ReallocateRequest moves committed coins between two ideas.
type ReallocateRequest struct {
	UserID       string `json:"user_id"`
	SourceIdeaID string `json:"source_idea_id"`
	TargetIdeaID string `json:"target_idea_id"`
	CampaignID   string `json:"campaign_id"`
	Amount       int64  `json:"amount"`
}

// BalanceDTO represents a user's coin buckets in a campaign.
type BalanceDTO struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Available  int64  `json:"available"`
	Allocated  int64  `json:"allocated"`
	Expended   int64  `json:"expended"`
	Total      int64  `json:"total"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

func toBalanceDTO(b coin.Balance) BalanceDTO {
	dto := BalanceDTO{
		UserID:     string(b.UserID),
		CampaignID: string(b.CampaignID),
		Available:  b.Available,
		Allocated:  b.Allocated,
		Expended:   b.Expended,
		Total:      b.Total(),
	}
	if !b.UpdatedAt.IsZero() {
		dto.UpdatedAt = b.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// AllocationDTO represents one user's coins on one idea.
type AllocationDTO struct {
	UserID     string `json:"user_id"`
	IdeaID     string `json:"idea_id"`
	CampaignID string `json:"campaign_id"`
	Amount     int64  `json:"amount"`
	Expended   bool   `json:"expended"`
	CreatedAt  string `json:"created_at,omitempty"`
	ExpendedAt string `json:"expended_at,omitempty"`
}

func toAllocationDTO(a coin.Allocation) AllocationDTO {
	dto := AllocationDTO{
		UserID:     string(a.UserID),
		IdeaID:     string(a.IdeaID),
		CampaignID: string(a.CampaignID),
		Amount:     a.Amount,
		Expended:   a.Expended,
	}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	if a.ExpendedAt != nil {
		dto.ExpendedAt = a.ExpendedAt.Format(time.RFC3339)
	}
	return dto
}

// IdeaCoinsDTO is the coin total on an idea, for ranking displays.
type IdeaCoinsDTO struct {
	IdeaID string `json:"idea_id"`
	Coins  int64  `json:"coins"`
}

// GrantDTO represents one entry of a campaign's grant log.
type GrantDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditRunDTO represents one conservation audit outcome.
type AuditRunDTO struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Expected   int64  `json:"expected"`
	Actual     int64  `json:"actual"`
	Delta      int64  `json:"delta"`
	Detail     string `json:"detail,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

func toAuditRunDTO(run coin.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID:         run.ID,
		CampaignID: string(run.CampaignID),
		Status:     run.Status,
		Expected:   run.Expected,
		Actual:     run.Actual,
		Delta:      run.Delta,
		Detail:     run.Detail,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		FinishedAt: run.FinishedAt.Format(time.RFC3339),
	}
}

// ErrorDTO is the uniform error response body.
type ErrorDTO struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
