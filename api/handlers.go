/*
handlers.go - HTTP API handlers for the coin engine

PURPOSE:
  Exposes the coin allocation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Campaigns:
    POST   /api/campaigns                     Create/update campaign (+policy)
    GET    /api/campaigns                     List campaigns
    GET    /api/campaigns/{id}                Campaign details
    GET    /api/campaigns/{id}/policy         Current coin policy
    PUT    /api/campaigns/{id}/policy         Replace coin policy
    POST   /api/campaigns/{id}/members        Join; grants initial coins
    POST   /api/campaigns/{id}/credits        Admin credit
    GET    /api/campaigns/{id}/balances       All balances
    GET    /api/campaigns/{id}/balances/{uid} One user's balance
    GET    /api/campaigns/{id}/grants         Grant log
    GET    /api/campaigns/{id}/stranded       Stranded allocations
    POST   /api/campaigns/{id}/audit          Run conservation audit now
    GET    /api/campaigns/{id}/audits         Past audit runs

  Ideas:
    POST   /api/ideas                         Submit idea; rewards author
    GET    /api/ideas/{id}                    Idea details
    PUT    /api/ideas/{id}/status             Lifecycle transition
    GET    /api/ideas/{id}/coins              Live coin total
    GET    /api/ideas/{id}/allocations        Allocation records

  Coins:
    POST   /api/allocations                   Allocate coins to an idea
    POST   /api/reallocations                 Move coins between ideas

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: policy violations, invalid input
  - 404: unknown campaign, idea, policy, or allocation
  - 409: insufficient coins, invalid idea state, inactive campaign,
         duplicate grant
  - 503: conflict retries exhausted (client should retry)
  - 500: internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Scheduled conservation audits
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/factory"
	"github.com/warp/coin-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the store surface the handlers need beyond the engine:
// committed-state reads, directory and policy administration, and the
// audit log. All three store implementations satisfy it.
type Backend interface {
	coin.Reader
	coin.PolicySource
	coin.CampaignDirectory
	coin.IdeaDirectory
	coin.AuditLog

	SavePolicy(ctx context.Context, p coin.Policy) error
	SaveCampaign(ctx context.Context, c coin.CampaignRef) error
	SaveIdea(ctx context.Context, ref coin.IdeaRef) error
	ListCampaigns(ctx context.Context) ([]coin.CampaignRef, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *coin.Engine
	Auditor  *coin.Auditor
	Store    Backend
	Policies *coin.Resolver
	Factory  *factory.PolicyFactory
	Log      zerolog.Logger
}

// NewHandler creates a new handler over the engine and its backend.
func NewHandler(engine *coin.Engine, auditor *coin.Auditor, store Backend, policies *coin.Resolver, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Auditor:  auditor,
		Store:    store,
		Policies: policies,
		Factory:  factory.NewPolicyFactory(),
		Log:      log,
	}
}

// =============================================================================
// CAMPAIGN HANDLERS
// =============================================================================

// CreateCampaign creates or updates a campaign, optionally with its
// coin policy in the same call.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	ref := coin.CampaignRef{ID: coin.CampaignID(req.ID), Name: req.Name, Active: active}
	if err := h.Store.SaveCampaign(r.Context(), ref); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save campaign", err)
		return
	}

	policy := coin.DefaultPolicy(ref.ID)
	if req.Policy != nil {
		req.Policy.CampaignID = req.ID
		var err error
		policy, err = h.Factory.FromJSON(*req.Policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid policy", err)
			return
		}
	}
	if err := h.Store.SavePolicy(r.Context(), policy); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save policy", err)
		return
	}
	h.Policies.Invalidate(ref.ID)

	writeJSON(w, http.StatusCreated, toCampaignDTO(ref))
}

// ListCampaigns returns all campaigns.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.Store.ListCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list campaigns", err)
		return
	}
	dtos := make([]CampaignDTO, len(campaigns))
	for i, c := range campaigns {
		dtos[i] = toCampaignDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCampaign returns a single campaign.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := coin.CampaignID(chi.URLParam(r, "id"))
	ref, err := h.Store.Campaign(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(ref))
}

// GetPolicy returns a campaign's current coin policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := coin.CampaignID(chi.URLParam(r, "id"))
	policy, err := h.Policies.Policy(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(policy))
}

// UpdatePolicy replaces a campaign's coin policy and invalidates the
// resolver cache. Existing grants and allocations are untouched.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := coin.CampaignID(chi.URLParam(r, "id"))
	if _, err := h.Store.Campaign(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	var pj factory.PolicyJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pj.CampaignID = string(id)

	policy, err := h.Factory.FromJSON(pj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}
	if err := h.Store.SavePolicy(r.Context(), policy); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save policy", err)
		return
	}
	h.Policies.Invalidate(id)

	saved, err := h.Policies.Policy(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(saved))
}

// JoinCampaign adds a member and grants the initial allocation.
// Replayed joins are idempotent: the grant happens once, the current
// balance is returned either way.
func (h *Handler) JoinCampaign(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))

	var req JoinCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	start := time.Now()
	bal, err := h.Engine.GrantInitial(r.Context(), coin.UserID(req.UserID), campaign)
	if errors.Is(err, coin.ErrDuplicateGrant) {
		bal, err = h.Engine.BalanceOf(r.Context(), coin.UserID(req.UserID), campaign)
	}
	metrics.OperationDuration.WithLabelValues("grant_initial", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// AdminCredit credits coins to a user by managerial decision.
func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))

	var req AdminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	start := time.Now()
	bal, err := h.Engine.GrantAdminCredit(r.Context(), coin.UserID(req.UserID), campaign, req.Amount, req.Reason)
	metrics.OperationDuration.WithLabelValues("grant_admin", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// ListBalances returns every balance in a campaign.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	balances, err := h.Store.Balances(r.Context(), campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list balances", err)
		return
	}
	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns one user's balance in a campaign.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	user := coin.UserID(chi.URLParam(r, "userID"))

	bal, err := h.Engine.BalanceOf(r.Context(), user, campaign)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// ListGrants returns a campaign's grant log, oldest first.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	grants, err := h.Store.Grants(r.Context(), campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list grants", err)
		return
	}
	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = GrantDTO{
			ID:        g.ID,
			UserID:    string(g.UserID),
			Kind:      string(g.Kind),
			Amount:    g.Amount,
			Reason:    g.Reason,
			CreatedAt: g.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListStranded returns live allocations stuck on withdrawn ideas.
func (h *Handler) ListStranded(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	allocs, err := h.Engine.Stranded(r.Context(), campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list stranded allocations", err)
		return
	}
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunAudit executes a conservation audit immediately and persists the run.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	if _, err := h.Store.Campaign(r.Context(), campaign); err != nil {
		writeDomainError(w, err)
		return
	}

	report, err := h.Auditor.Audit(r.Context(), campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed to run", err)
		return
	}

	run := report.Run()
	metrics.AuditRuns.WithLabelValues(run.Status).Inc()
	for _, v := range report.Violations {
		metrics.ConservationViolations.WithLabelValues(string(campaign), v.Check).Inc()
	}
	if err := h.Store.SaveAuditRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save audit run", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// ListAudits returns past audit runs, newest first.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	campaign := coin.CampaignID(chi.URLParam(r, "id"))
	runs, err := h.Store.ListAuditRuns(r.Context(), campaign, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit runs", err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// IDEA HANDLERS
// =============================================================================

// SubmitIdea registers an idea and rewards its author per the campaign
// policy. Resubmitting the same idea never double-grants.
func (h *Handler) SubmitIdea(w http.ResponseWriter, r *http.Request) {
	var req SubmitIdeaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.CampaignID == "" || req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "id, campaign_id and author_id are required", nil)
		return
	}

	status := coin.IdeaCompeting
	if req.Status != "" {
		status = coin.IdeaStatus(req.Status)
	}
	ref := coin.IdeaRef{
		ID:         coin.IdeaID(req.ID),
		CampaignID: coin.CampaignID(req.CampaignID),
		Status:     status,
		AuthorID:   coin.UserID(req.AuthorID),
	}
	if err := h.Store.SaveIdea(r.Context(), ref); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to save idea", err)
		return
	}

	start := time.Now()
	_, err := h.Engine.GrantSubmissionReward(r.Context(), ref.AuthorID, ref.ID, ref.CampaignID)
	if errors.Is(err, coin.ErrDuplicateGrant) {
		err = nil // replayed submission
	}
	metrics.OperationDuration.WithLabelValues("grant_reward", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdeaDTO(ref))
}

// GetIdea returns an idea's directory record.
func (h *Handler) GetIdea(w http.ResponseWriter, r *http.Request) {
	id := coin.IdeaID(chi.URLParam(r, "id"))
	ref, err := h.Store.Idea(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdeaDTO(ref))
}

// UpdateIdeaStatus transitions an idea and runs the coin side effects:
// acceptance expires allocations, withdrawal recycles them when the
// policy allows (otherwise the coins are stranded for a manager).
func (h *Handler) UpdateIdeaStatus(w http.ResponseWriter, r *http.Request) {
	id := coin.IdeaID(chi.URLParam(r, "id"))
	ref, err := h.Store.Idea(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req UpdateIdeaStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	next := coin.IdeaStatus(req.Status)
	if !coin.ValidIdeaStatus(next) {
		writeError(w, http.StatusBadRequest, "Unknown status", nil)
		return
	}

	ref.Status = next
	if err := h.Store.SaveIdea(r.Context(), ref); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save idea", err)
		return
	}

	switch next {
	case coin.IdeaAccepted:
		start := time.Now()
		err = h.Engine.Expire(r.Context(), id, ref.CampaignID)
		metrics.OperationDuration.WithLabelValues("expire", metrics.Status(err)).Observe(time.Since(start).Seconds())
	case coin.IdeaWithdrawn:
		start := time.Now()
		err = h.Engine.Recycle(r.Context(), id, ref.CampaignID)
		var pv *coin.PolicyViolationError
		if errors.As(err, &pv) && pv.Rule == coin.RuleRecyclingDisabled {
			h.Log.Info().Str("idea", string(id)).Msg("recycling disabled, allocations stranded")
			err = nil
		}
		metrics.OperationDuration.WithLabelValues("recycle", metrics.Status(err)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdeaDTO(ref))
}

// GetIdeaCoins returns the live coin total on an idea.
func (h *Handler) GetIdeaCoins(w http.ResponseWriter, r *http.Request) {
	id := coin.IdeaID(chi.URLParam(r, "id"))
	if _, err := h.Store.Idea(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	total, err := h.Engine.TotalCoins(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to total coins", err)
		return
	}
	writeJSON(w, http.StatusOK, IdeaCoinsDTO{IdeaID: string(id), Coins: total})
}

// ListIdeaAllocations returns every allocation record on an idea.
func (h *Handler) ListIdeaAllocations(w http.ResponseWriter, r *http.Request) {
	id := coin.IdeaID(chi.URLParam(r, "id"))
	allocs, err := h.Store.AllocationsForIdea(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list allocations", err)
		return
	}
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COIN MOVEMENT HANDLERS
// =============================================================================

// Allocate commits coins to an idea.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.IdeaID == "" || req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "user_id, idea_id and campaign_id are required", nil)
		return
	}

	start := time.Now()
	bal, err := h.Engine.Allocate(r.Context(),
		coin.UserID(req.UserID), coin.IdeaID(req.IdeaID), coin.CampaignID(req.CampaignID), req.Amount)
	metrics.OperationDuration.WithLabelValues("allocate", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// Reallocate moves committed coins between ideas.
func (h *Handler) Reallocate(w http.ResponseWriter, r *http.Request) {
	var req ReallocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.SourceIdeaID == "" || req.TargetIdeaID == "" || req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "user_id, source_idea_id, target_idea_id and campaign_id are required", nil)
		return
	}

	start := time.Now()
	err := h.Engine.Reallocate(r.Context(),
		coin.UserID(req.UserID), coin.IdeaID(req.SourceIdeaID), coin.IdeaID(req.TargetIdeaID),
		coin.CampaignID(req.CampaignID), req.Amount)
	metrics.OperationDuration.WithLabelValues("reallocate", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	bal, err := h.Engine.BalanceOf(r.Context(), coin.UserID(req.UserID), coin.CampaignID(req.CampaignID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := ErrorDTO{Error: msg}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case coin.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, coin.ErrPolicyViolation):
		writeError(w, http.StatusBadRequest, "Policy violation", err)
	case errors.Is(err, coin.ErrInsufficientCoins),
		errors.Is(err, coin.ErrInvalidIdeaState),
		errors.Is(err, coin.ErrCampaignInactive),
		errors.Is(err, coin.ErrDuplicateGrant):
		writeError(w, http.StatusConflict, "Operation not permitted in current state", err)
	case errors.Is(err, coin.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "Concurrent modification, retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
