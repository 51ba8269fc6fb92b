/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  data for demos and manual testing. Each scenario creates a campaign
  with its coin policy, members, ideas, and allocations that demonstrate
  a specific economy configuration.

AVAILABLE SCENARIOS:
  standard-campaign:  100 coins on join, free reallocation and recycling
  committed-votes:    no reallocation, capped per idea, stranded coins
  earn-to-vote:       no initial coins; only submitting ideas earns them
  accepted-idea:      full arc ending in an accepted idea and an audit

HOW SCENARIOS WORK:
 1. Create the campaign and save its policy (factory presets)
 2. Join members (initial grants)
 3. Submit ideas (submission rewards)
 4. Allocate and reallocate coins
 5. Optionally run lifecycle transitions and an audit

Each scenario uses its own campaign ID and every grant carries a dedupe
key, so reloading a scenario is harmless: replayed grants are skipped
and the campaign converges to the same state.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "committed-votes"}

NOTE:
  Demo data only. Do not expose these endpoints in production.

SEE ALSO:
  - handlers.go: the regular endpoints the scenarios exercise
  - factory/policy.go: preset policy JSON
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CampaignID  string `json:"campaign_id"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-campaign",
		Name:        "Standard Campaign",
		Description: "Members join with 100 coins, earn 10 per idea, move coins freely",
		CampaignID:  "demo-standard",
	},
	{
		ID:          "committed-votes",
		Name:        "Committed Votes",
		Description: "Coins lock in once placed; a withdrawn idea strands them",
		CampaignID:  "demo-committed",
	},
	{
		ID:          "earn-to-vote",
		Name:        "Earn To Vote",
		Description: "No coins on join; submitting ideas is the only income",
		CampaignID:  "demo-earn",
	},
	{
		ID:          "accepted-idea",
		Name:        "Accepted Idea",
		Description: "A funded idea is accepted, coins expend, audit confirms balance",
		CampaignID:  "demo-accepted",
	},
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the demo scenario catalog.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario populates the store with the requested scenario's data.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		loaded ScenarioDTO
		err    error
	)
	switch req.ScenarioID {
	case "standard-campaign":
		loaded, err = h.loadStandardCampaign(r.Context())
	case "committed-votes":
		loaded, err = h.loadCommittedVotes(r.Context())
	case "earn-to-vote":
		loaded, err = h.loadEarnToVote(r.Context())
	case "accepted-idea":
		loaded, err = h.loadAcceptedIdea(r.Context())
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, loaded)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStandardCampaign(ctx context.Context) (ScenarioDTO, error) {
	s := scenarios[0]
	campaign := coin.CampaignID(s.CampaignID)

	if err := h.seedCampaign(ctx, campaign, s.Name, factory.StandardCampaignJSON(s.CampaignID)); err != nil {
		return s, err
	}
	if err := h.seedMembers(ctx, campaign, "alice", "bob", "carol"); err != nil {
		return s, err
	}
	if err := h.seedIdea(ctx, campaign, "demo-std-idea-1", "alice"); err != nil {
		return s, err
	}
	if err := h.seedIdea(ctx, campaign, "demo-std-idea-2", "bob"); err != nil {
		return s, err
	}

	h.seedAllocation(ctx, campaign, "alice", "demo-std-idea-1", 40)
	h.seedAllocation(ctx, campaign, "bob", "demo-std-idea-1", 25)
	h.seedAllocation(ctx, campaign, "bob", "demo-std-idea-2", 30)
	h.seedAllocation(ctx, campaign, "carol", "demo-std-idea-2", 60)
	return s, nil
}

func (h *Handler) loadCommittedVotes(ctx context.Context) (ScenarioDTO, error) {
	s := scenarios[1]
	campaign := coin.CampaignID(s.CampaignID)

	if err := h.seedCampaign(ctx, campaign, s.Name, factory.CommittedVotesJSON(s.CampaignID, 40)); err != nil {
		return s, err
	}
	if err := h.seedMembers(ctx, campaign, "alice", "bob"); err != nil {
		return s, err
	}
	for _, idea := range []string{"demo-cv-idea-1", "demo-cv-idea-2", "demo-cv-idea-3"} {
		if err := h.seedIdea(ctx, campaign, idea, "alice"); err != nil {
			return s, err
		}
	}

	// Spread allocations under the 40-coin cap.
	h.seedAllocation(ctx, campaign, "alice", "demo-cv-idea-1", 40)
	h.seedAllocation(ctx, campaign, "alice", "demo-cv-idea-2", 35)
	h.seedAllocation(ctx, campaign, "bob", "demo-cv-idea-2", 40)
	h.seedAllocation(ctx, campaign, "bob", "demo-cv-idea-3", 20)

	// Withdraw a backed idea: recycling is off, so the coins strand.
	if err := h.withdrawIdea(ctx, campaign, "demo-cv-idea-3"); err != nil {
		return s, err
	}
	return s, nil
}

func (h *Handler) loadEarnToVote(ctx context.Context) (ScenarioDTO, error) {
	s := scenarios[2]
	campaign := coin.CampaignID(s.CampaignID)

	if err := h.seedCampaign(ctx, campaign, s.Name, factory.EarnToVoteJSON(s.CampaignID, 25)); err != nil {
		return s, err
	}
	if err := h.seedMembers(ctx, campaign, "alice", "bob"); err != nil {
		return s, err
	}

	// Income comes from submissions only: 25 coins each.
	for i, author := range []string{"alice", "alice", "bob"} {
		idea := fmt.Sprintf("demo-earn-idea-%d", i+1)
		if err := h.seedIdea(ctx, campaign, idea, author); err != nil {
			return s, err
		}
	}

	h.seedAllocation(ctx, campaign, "alice", "demo-earn-idea-3", 30)
	h.seedAllocation(ctx, campaign, "bob", "demo-earn-idea-1", 15)
	return s, nil
}

func (h *Handler) loadAcceptedIdea(ctx context.Context) (ScenarioDTO, error) {
	s := scenarios[3]
	campaign := coin.CampaignID(s.CampaignID)

	if err := h.seedCampaign(ctx, campaign, s.Name, factory.StandardCampaignJSON(s.CampaignID)); err != nil {
		return s, err
	}
	if err := h.seedMembers(ctx, campaign, "alice", "bob"); err != nil {
		return s, err
	}
	if err := h.seedIdea(ctx, campaign, "demo-acc-idea-1", "alice"); err != nil {
		return s, err
	}

	h.seedAllocation(ctx, campaign, "alice", "demo-acc-idea-1", 50)
	h.seedAllocation(ctx, campaign, "bob", "demo-acc-idea-1", 35)

	// Accept the idea: allocations expire into the expended bucket.
	ref, err := h.Store.Idea(ctx, "demo-acc-idea-1")
	if err != nil {
		return s, err
	}
	ref.Status = coin.IdeaAccepted
	if err := h.Store.SaveIdea(ctx, ref); err != nil {
		return s, err
	}
	if err := h.Engine.Expire(ctx, ref.ID, campaign); err != nil {
		return s, err
	}

	report, err := h.Auditor.Audit(ctx, campaign)
	if err != nil {
		return s, err
	}
	return s, h.Store.SaveAuditRun(ctx, report.Run())
}

// =============================================================================
// SEED HELPERS - Replay-safe building blocks
// =============================================================================

func (h *Handler) seedCampaign(ctx context.Context, id coin.CampaignID, name, policyJSON string) error {
	if err := h.Store.SaveCampaign(ctx, coin.CampaignRef{ID: id, Name: name, Active: true}); err != nil {
		return err
	}
	policy, err := h.Factory.ParsePolicy(policyJSON)
	if err != nil {
		return err
	}
	if err := h.Store.SavePolicy(ctx, policy); err != nil {
		return err
	}
	h.Policies.Invalidate(id)
	return nil
}

func (h *Handler) seedMembers(ctx context.Context, campaign coin.CampaignID, users ...string) error {
	for _, u := range users {
		_, err := h.Engine.GrantInitial(ctx, coin.UserID(u), campaign)
		if err != nil && !errors.Is(err, coin.ErrDuplicateGrant) {
			return err
		}
	}
	return nil
}

func (h *Handler) seedIdea(ctx context.Context, campaign coin.CampaignID, id, author string) error {
	ref := coin.IdeaRef{
		ID:         coin.IdeaID(id),
		CampaignID: campaign,
		Status:     coin.IdeaCompeting,
		AuthorID:   coin.UserID(author),
	}
	if err := h.Store.SaveIdea(ctx, ref); err != nil {
		return err
	}
	_, err := h.Engine.GrantSubmissionReward(ctx, ref.AuthorID, ref.ID, campaign)
	if err != nil && !errors.Is(err, coin.ErrDuplicateGrant) {
		return err
	}
	return nil
}

// seedAllocation allocates best-effort: on a reload the coins are already
// committed, so a rejection just means the state is already there.
func (h *Handler) seedAllocation(ctx context.Context, campaign coin.CampaignID, user, idea string, amount int64) {
	_, err := h.Engine.Allocate(ctx, coin.UserID(user), coin.IdeaID(idea), campaign, amount)
	if err != nil && !coin.IsClientError(err) {
		h.Log.Warn().Err(err).Str("user", user).Str("idea", idea).Msg("scenario allocation failed")
	}
}

func (h *Handler) withdrawIdea(ctx context.Context, campaign coin.CampaignID, idea string) error {
	ref, err := h.Store.Idea(ctx, coin.IdeaID(idea))
	if err != nil {
		return err
	}
	ref.Status = coin.IdeaWithdrawn
	if err := h.Store.SaveIdea(ctx, ref); err != nil {
		return err
	}
	err = h.Engine.Recycle(ctx, ref.ID, campaign)
	var pv *coin.PolicyViolationError
	if errors.As(err, &pv) && pv.Rule == coin.RuleRecyclingDisabled {
		return nil // coins stay stranded
	}
	return err
}
