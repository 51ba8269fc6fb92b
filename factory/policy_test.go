package factory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/factory"
)

func TestParsePolicy_FullDocument(t *testing.T) {
	f := factory.NewPolicyFactory()

	p, err := f.ParsePolicy(`{
		"campaign_id": "q3-innovation",
		"initial_allocation": 100,
		"submission_reward": 10,
		"allow_reallocation": true,
		"allow_recycling": true,
		"max_per_idea": 50,
		"min_allocation": 5
	}`)
	require.NoError(t, err)

	assert.Equal(t, coin.CampaignID("q3-innovation"), p.CampaignID)
	assert.Equal(t, int64(100), p.InitialAllocation)
	assert.Equal(t, int64(10), p.SubmissionReward)
	assert.True(t, p.AllowReallocation)
	assert.True(t, p.AllowRecycling)
	assert.Equal(t, int64(50), p.MaxPerIdea)
	assert.Equal(t, int64(5), p.MinAllocation)
}

func TestParsePolicy_AppliesDefaults(t *testing.T) {
	f := factory.NewPolicyFactory()

	p, err := f.ParsePolicy(`{"campaign_id": "c1", "initial_allocation": 100}`)
	require.NoError(t, err)
	assert.Equal(t, int64(coin.DefaultMinAllocation), p.MinAllocation)
	assert.Zero(t, p.MaxPerIdea)
	assert.False(t, p.AllowReallocation)
}

func TestParsePolicy_Rejections(t *testing.T) {
	f := factory.NewPolicyFactory()

	cases := []struct {
		name string
		json string
	}{
		{"malformed", `{"campaign_id": `},
		{"missing campaign", `{"initial_allocation": 100}`},
		{"negative initial", `{"campaign_id": "c1", "initial_allocation": -5}`},
		{"negative reward", `{"campaign_id": "c1", "submission_reward": -1}`},
		{"cap below minimum", `{"campaign_id": "c1", "max_per_idea": 2, "min_allocation": 5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tc.json)
			assert.Error(t, err)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewPolicyFactory()

	original := coin.Policy{
		CampaignID:        "c1",
		InitialAllocation: 75,
		SubmissionReward:  5,
		AllowReallocation: true,
		MaxPerIdea:        30,
		MinAllocation:     2,
		Version:           3,
	}

	back, err := f.FromJSON(f.ToJSON(original))
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestPresets(t *testing.T) {
	f := factory.NewPolicyFactory()

	t.Run("standard campaign", func(t *testing.T) {
		p, err := f.ParsePolicy(factory.StandardCampaignJSON("c1"))
		require.NoError(t, err)
		assert.Equal(t, int64(100), p.InitialAllocation)
		assert.Equal(t, int64(10), p.SubmissionReward)
		assert.True(t, p.AllowReallocation)
		assert.True(t, p.AllowRecycling)
	})

	t.Run("committed votes", func(t *testing.T) {
		p, err := f.ParsePolicy(factory.CommittedVotesJSON("c1", 25))
		require.NoError(t, err)
		assert.False(t, p.AllowReallocation)
		assert.False(t, p.AllowRecycling)
		assert.Equal(t, int64(25), p.MaxPerIdea)
		assert.Zero(t, p.SubmissionReward)
	})

	t.Run("earn to vote", func(t *testing.T) {
		p, err := f.ParsePolicy(factory.EarnToVoteJSON("c1", 20))
		require.NoError(t, err)
		assert.Zero(t, p.InitialAllocation)
		assert.Equal(t, int64(20), p.SubmissionReward)
	})
}
