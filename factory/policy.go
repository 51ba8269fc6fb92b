/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy definitions into coin.Policy values. This enables
  policy configuration without code changes - campaign managers can
  define coin rules in JSON, and the factory creates the proper Go
  structs with defaults and validation applied.

WHY JSON?
  - Non-developers can modify policies
  - Easy integration with an admin UI
  - Version control for policy definitions
  - Database storage of policy configs

JSON SCHEMA:
  {
    "campaign_id": "q3-innovation",
    "initial_allocation": 100,
    "submission_reward": 10,
    "allow_reallocation": true,
    "allow_recycling": true,
    "max_per_idea": 50,
    "min_allocation": 1
  }

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParsePolicy(jsonString)

  // Or start from a preset
  policy, err := factory.ParsePolicy(StandardCampaignJSON("q3-innovation"))

SEE ALSO:
  - coin/policy.go: Policy type, defaults, validation
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/coin-engine/coin"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a campaign coin policy.
type PolicyJSON struct {
	CampaignID        string `json:"campaign_id"`
	InitialAllocation int64  `json:"initial_allocation"`
	SubmissionReward  int64  `json:"submission_reward"`
	AllowReallocation bool   `json:"allow_reallocation"`
	AllowRecycling    bool   `json:"allow_recycling"`
	MaxPerIdea        int64  `json:"max_per_idea,omitempty"`
	MinAllocation     int64  `json:"min_allocation,omitempty"`
	Version           int    `json:"version,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a validated coin.Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (coin.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return coin.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to a coin.Policy with defaults applied.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (coin.Policy, error) {
	p := coin.Policy{
		CampaignID:        coin.CampaignID(pj.CampaignID),
		InitialAllocation: pj.InitialAllocation,
		SubmissionReward:  pj.SubmissionReward,
		AllowReallocation: pj.AllowReallocation,
		AllowRecycling:    pj.AllowRecycling,
		MaxPerIdea:        pj.MaxPerIdea,
		MinAllocation:     pj.MinAllocation,
		Version:           pj.Version,
	}.WithDefaults()

	if err := p.Validate(); err != nil {
		return coin.Policy{}, err
	}
	return p, nil
}

// ToJSON converts a coin.Policy to its JSON representation.
func (f *PolicyFactory) ToJSON(p coin.Policy) PolicyJSON {
	return PolicyJSON{
		CampaignID:        string(p.CampaignID),
		InitialAllocation: p.InitialAllocation,
		SubmissionReward:  p.SubmissionReward,
		AllowReallocation: p.AllowReallocation,
		AllowRecycling:    p.AllowRecycling,
		MaxPerIdea:        p.MaxPerIdea,
		MinAllocation:     p.MinAllocation,
		Version:           p.Version,
	}
}

// =============================================================================
// PRESET POLICIES
// =============================================================================

// StandardCampaignJSON is the common setup: members join with 100 coins,
// earn 10 per idea, can move and recover coins freely.
func StandardCampaignJSON(campaignID string) string {
	return fmt.Sprintf(`{
		"campaign_id": %q,
		"initial_allocation": 100,
		"submission_reward": 10,
		"allow_reallocation": true,
		"allow_recycling": true
	}`, campaignID)
}

// CommittedVotesJSON locks coins in once placed: no reallocation, no
// recycling, capped per idea so support must spread across ideas.
func CommittedVotesJSON(campaignID string, maxPerIdea int64) string {
	return fmt.Sprintf(`{
		"campaign_id": %q,
		"initial_allocation": 100,
		"submission_reward": 0,
		"allow_reallocation": false,
		"allow_recycling": false,
		"max_per_idea": %d
	}`, campaignID, maxPerIdea)
}

// EarnToVoteJSON grants nothing on join; coins come only from
// submitting ideas.
func EarnToVoteJSON(campaignID string, rewardPerIdea int64) string {
	return fmt.Sprintf(`{
		"campaign_id": %q,
		"initial_allocation": 0,
		"submission_reward": %d,
		"allow_reallocation": true,
		"allow_recycling": true
	}`, campaignID, rewardPerIdea)
}
