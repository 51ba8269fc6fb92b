package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/warp/coin-engine/api"
	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/coin/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestRouter(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	resolver := coin.NewResolver(mem)
	eng := coin.NewEngine(mem, resolver, mem, mem)
	auditor := coin.NewAuditor(mem, zerolog.Nop())
	h := api.NewHandler(eng, auditor, mem, resolver, zerolog.Nop())
	return api.NewRouter(h), mem
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// createStandardCampaign posts a campaign with the common 100/10 policy.
func createStandardCampaign(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/campaigns", map[string]any{
		"id":   id,
		"name": "Campaign " + id,
		"policy": map[string]any{
			"initial_allocation": 100,
			"submission_reward":  10,
			"allow_reallocation": true,
			"allow_recycling":    true,
		},
	})
	requireStatus(t, rec, http.StatusCreated)
}

func joinCampaign(t *testing.T, router http.Handler, campaign, user string) api.BalanceDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/campaigns/"+campaign+"/members",
		map[string]string{"user_id": user})
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	return bal
}

func submitIdea(t *testing.T, router http.Handler, idea, campaign, author string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/ideas", map[string]string{
		"id": idea, "campaign_id": campaign, "author_id": author,
	})
	requireStatus(t, rec, http.StatusCreated)
}

// =============================================================================
// CAMPAIGN AND POLICY ENDPOINTS
// =============================================================================

func TestCreateCampaign_WithPolicy(t *testing.T) {
	// GIVEN: a fresh server
	// WHEN:  a campaign is created with an inline policy
	// THEN:  the campaign and its policy are readable back

	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")

	rec := doJSON(t, router, http.MethodGet, "/api/campaigns/q3", nil)
	requireStatus(t, rec, http.StatusOK)
	var c api.CampaignDTO
	decodeInto(t, rec, &c)
	if c.ID != "q3" || !c.Active {
		t.Errorf("campaign = %+v", c)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/policy", nil)
	requireStatus(t, rec, http.StatusOK)
	var p struct {
		InitialAllocation int64 `json:"initial_allocation"`
		SubmissionReward  int64 `json:"submission_reward"`
	}
	decodeInto(t, rec, &p)
	if p.InitialAllocation != 100 || p.SubmissionReward != 10 {
		t.Errorf("policy = %+v", p)
	}
}

func TestCreateCampaign_MissingFieldsRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/campaigns", map[string]string{"name": "no id"})
	requireStatus(t, rec, http.StatusBadRequest)
}

func TestGetCampaign_Unknown404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/campaigns/nope", nil)
	requireStatus(t, rec, http.StatusNotFound)
}

func TestUpdatePolicy_TakesEffectOnNextOperation(t *testing.T) {
	// GIVEN: a campaign where joining grants 100
	// WHEN:  the policy is replaced with a 50-coin initial allocation
	// THEN:  the next member receives 50, earlier members keep 100

	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	first := joinCampaign(t, router, "q3", "alice")
	if first.Available != 100 {
		t.Fatalf("alice available = %d, want 100", first.Available)
	}

	rec := doJSON(t, router, http.MethodPut, "/api/campaigns/q3/policy", map[string]any{
		"initial_allocation": 50,
		"submission_reward":  10,
		"allow_reallocation": true,
		"allow_recycling":    true,
	})
	requireStatus(t, rec, http.StatusOK)

	second := joinCampaign(t, router, "q3", "bob")
	if second.Available != 50 {
		t.Errorf("bob available = %d, want 50", second.Available)
	}

	// Alice's existing grant is untouched.
	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/balances/alice", nil)
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Total != 100 {
		t.Errorf("alice total = %d, want 100", bal.Total)
	}
}

func TestJoinCampaign_ReplayIsIdempotent(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")

	first := joinCampaign(t, router, "q3", "alice")
	replay := joinCampaign(t, router, "q3", "alice")
	if first.Total != 100 || replay.Total != 100 {
		t.Errorf("totals = %d then %d, want 100 both times", first.Total, replay.Total)
	}
}

func TestAdminCredit_IncreasesBalanceAndGrantLog(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/campaigns/q3/credits", map[string]any{
		"user_id": "alice", "amount": 40, "reason": "manual correction",
	})
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Available != 140 {
		t.Errorf("available = %d, want 140", bal.Available)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/grants", nil)
	requireStatus(t, rec, http.StatusOK)
	var grants []api.GrantDTO
	decodeInto(t, rec, &grants)
	if len(grants) != 2 {
		t.Fatalf("grant log length = %d, want 2", len(grants))
	}
	if grants[1].Kind != "admin_credit" || grants[1].Reason != "manual correction" {
		t.Errorf("credit entry = %+v", grants[1])
	}
}

// =============================================================================
// IDEA AND COIN MOVEMENT ENDPOINTS
// =============================================================================

func TestSubmitIdea_RewardsAuthorOnce(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")

	submitIdea(t, router, "idea-1", "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice") // replay

	rec := doJSON(t, router, http.MethodGet, "/api/campaigns/q3/balances/alice", nil)
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Available != 110 {
		t.Errorf("available = %d, want 110 (one reward only)", bal.Available)
	}
}

func TestAllocate_EndToEnd(t *testing.T) {
	// GIVEN: two members backing one idea
	// WHEN:  both allocate over the API
	// THEN:  the idea's coin total and each balance reflect it

	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	joinCampaign(t, router, "q3", "bob")
	submitIdea(t, router, "idea-1", "q3", "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 30,
	})
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Available != 80 || bal.Allocated != 30 { // 110 after the reward
		t.Errorf("alice balance = %+v", bal)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "bob", "idea_id": "idea-1", "campaign_id": "q3", "amount": 45,
	})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodGet, "/api/ideas/idea-1/coins", nil)
	requireStatus(t, rec, http.StatusOK)
	var coins api.IdeaCoinsDTO
	decodeInto(t, rec, &coins)
	if coins.Coins != 75 {
		t.Errorf("idea coins = %d, want 75", coins.Coins)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/ideas/idea-1/allocations", nil)
	requireStatus(t, rec, http.StatusOK)
	var allocs []api.AllocationDTO
	decodeInto(t, rec, &allocs)
	if len(allocs) != 2 {
		t.Errorf("allocation records = %d, want 2", len(allocs))
	}
}

func TestAllocate_ErrorMapping(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice")

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"insufficient coins", map[string]any{
			"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 9999,
		}, http.StatusConflict},
		{"below minimum", map[string]any{
			"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 0,
		}, http.StatusBadRequest},
		{"unknown idea", map[string]any{
			"user_id": "alice", "idea_id": "ghost", "campaign_id": "q3", "amount": 10,
		}, http.StatusNotFound},
		{"unknown campaign", map[string]any{
			"user_id": "alice", "idea_id": "idea-1", "campaign_id": "ghost", "amount": 10,
		}, http.StatusNotFound},
		{"missing fields", map[string]any{"amount": 10}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/allocations", tc.body)
			requireStatus(t, rec, tc.want)
		})
	}
}

func TestReallocate_EndToEnd(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice")
	submitIdea(t, router, "idea-2", "q3", "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 40,
	})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodPost, "/api/reallocations", map[string]any{
		"user_id": "alice", "source_idea_id": "idea-1", "target_idea_id": "idea-2",
		"campaign_id": "q3", "amount": 15,
	})
	requireStatus(t, rec, http.StatusOK)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Allocated != 40 {
		t.Errorf("allocated = %d, want 40 unchanged", bal.Allocated)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/ideas/idea-2/coins", nil)
	requireStatus(t, rec, http.StatusOK)
	var coins api.IdeaCoinsDTO
	decodeInto(t, rec, &coins)
	if coins.Coins != 15 {
		t.Errorf("target coins = %d, want 15", coins.Coins)
	}
}

func TestUpdateIdeaStatus_AcceptedExpiresAllocations(t *testing.T) {
	// GIVEN: an idea holding committed coins
	// WHEN:  its status moves to accepted
	// THEN:  backers' coins become expended

	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice")
	doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 40,
	})

	rec := doJSON(t, router, http.MethodPut, "/api/ideas/idea-1/status",
		map[string]string{"status": "accepted"})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/balances/alice", nil)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Expended != 40 || bal.Allocated != 0 {
		t.Errorf("balance after acceptance = %+v", bal)
	}
}

func TestUpdateIdeaStatus_WithdrawnRecyclesAllocations(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice")
	doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 40,
	})

	rec := doJSON(t, router, http.MethodPut, "/api/ideas/idea-1/status",
		map[string]string{"status": "withdrawn"})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/balances/alice", nil)
	var bal api.BalanceDTO
	decodeInto(t, rec, &bal)
	if bal.Available != 110 || bal.Allocated != 0 {
		t.Errorf("balance after withdrawal = %+v", bal)
	}
}

func TestUpdateIdeaStatus_WithdrawnWithRecyclingDisabledStrands(t *testing.T) {
	// GIVEN: a campaign that locks coins in once placed
	// WHEN:  a backed idea is withdrawn
	// THEN:  the transition succeeds and the coins appear as stranded

	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/campaigns", map[string]any{
		"id": "locked", "name": "Committed votes",
		"policy": map[string]any{
			"initial_allocation": 100,
			"allow_reallocation": false,
			"allow_recycling":    false,
		},
	})
	requireStatus(t, rec, http.StatusCreated)
	joinCampaign(t, router, "locked", "alice")
	submitIdea(t, router, "idea-1", "locked", "alice")

	rec = doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "locked", "amount": 30,
	})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodPut, "/api/ideas/idea-1/status",
		map[string]string{"status": "withdrawn"})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/locked/stranded", nil)
	requireStatus(t, rec, http.StatusOK)
	var stranded []api.AllocationDTO
	decodeInto(t, rec, &stranded)
	if len(stranded) != 1 || stranded[0].Amount != 30 {
		t.Errorf("stranded = %+v, want one 30-coin record", stranded)
	}
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

func TestRunAudit_PassAndHistory(t *testing.T) {
	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")
	submitIdea(t, router, "idea-1", "q3", "alice")
	doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"user_id": "alice", "idea_id": "idea-1", "campaign_id": "q3", "amount": 25,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/campaigns/q3/audit", nil)
	requireStatus(t, rec, http.StatusOK)
	var run api.AuditRunDTO
	decodeInto(t, rec, &run)
	if run.Status != "pass" || run.Expected != 110 || run.Delta != 0 {
		t.Errorf("audit run = %+v", run)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/audits", nil)
	requireStatus(t, rec, http.StatusOK)
	var runs []api.AuditRunDTO
	decodeInto(t, rec, &runs)
	if len(runs) != 1 {
		t.Errorf("audit history length = %d, want 1", len(runs))
	}
}

func TestRunAudit_DetectsCorruption(t *testing.T) {
	router, mem := newTestRouter(t)
	createStandardCampaign(t, router, "q3")
	joinCampaign(t, router, "q3", "alice")

	ctx := context.Background()
	err := mem.Apply(ctx, func(tx coin.Tx) error {
		bal, _ := tx.GetBalance(ctx, "alice", "q3")
		bal.Available += 13
		return tx.PutBalance(ctx, bal)
	})
	if err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/campaigns/q3/audit", nil)
	requireStatus(t, rec, http.StatusOK)
	var run api.AuditRunDTO
	decodeInto(t, rec, &run)
	if run.Status != "fail" || run.Delta != 13 {
		t.Errorf("audit run = %+v, want fail with delta 13", run)
	}
}

func TestRunAudit_UnknownCampaign404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/campaigns/ghost/audit", nil)
	requireStatus(t, rec, http.StatusNotFound)
}

// =============================================================================
// FULL LIFECYCLE
// =============================================================================

func TestCampaignLifecycle_EndToEnd(t *testing.T) {
	// The whole arc: create, join, submit, allocate, reallocate, accept
	// one idea, withdraw another, and audit clean at the end.

	router, _ := newTestRouter(t)
	createStandardCampaign(t, router, "q3")

	for _, user := range []string{"alice", "bob", "carol"} {
		joinCampaign(t, router, "q3", user)
	}
	submitIdea(t, router, "idea-1", "q3", "alice")
	submitIdea(t, router, "idea-2", "q3", "bob")

	allocations := []struct {
		user, idea string
		amount     int64
	}{
		{"alice", "idea-1", 50},
		{"bob", "idea-1", 30},
		{"bob", "idea-2", 20},
		{"carol", "idea-2", 60},
	}
	for _, a := range allocations {
		rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
			"user_id": a.user, "idea_id": a.idea, "campaign_id": "q3", "amount": a.amount,
		})
		requireStatus(t, rec, http.StatusOK)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/reallocations", map[string]any{
		"user_id": "carol", "source_idea_id": "idea-2", "target_idea_id": "idea-1",
		"campaign_id": "q3", "amount": 10,
	})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodPut, "/api/ideas/idea-1/status",
		map[string]string{"status": "accepted"})
	requireStatus(t, rec, http.StatusOK)
	rec = doJSON(t, router, http.MethodPut, "/api/ideas/idea-2/status",
		map[string]string{"status": "withdrawn"})
	requireStatus(t, rec, http.StatusOK)

	rec = doJSON(t, router, http.MethodPost, "/api/campaigns/q3/audit", nil)
	requireStatus(t, rec, http.StatusOK)
	var run api.AuditRunDTO
	decodeInto(t, rec, &run)
	if run.Status != "pass" {
		t.Fatalf("final audit = %+v", run)
	}

	// 3 joins + 2 submission rewards.
	if want := int64(3*100 + 2*10); run.Expected != want {
		t.Errorf("economy total = %d, want %d", run.Expected, want)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/campaigns/q3/balances", nil)
	requireStatus(t, rec, http.StatusOK)
	var balances []api.BalanceDTO
	decodeInto(t, rec, &balances)
	if len(balances) != 3 {
		t.Fatalf("balances = %d, want 3", len(balances))
	}
	var total int64
	for _, b := range balances {
		total += b.Total
	}
	if total != run.Expected {
		t.Errorf("sum of balances = %d, want %d", total, run.Expected)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	requireStatus(t, rec, http.StatusOK)
}

func TestListCampaigns(t *testing.T) {
	router, _ := newTestRouter(t)
	for i := 0; i < 3; i++ {
		createStandardCampaign(t, router, fmt.Sprintf("c%d", i))
	}

	rec := doJSON(t, router, http.MethodGet, "/api/campaigns", nil)
	requireStatus(t, rec, http.StatusOK)
	var campaigns []api.CampaignDTO
	decodeInto(t, rec, &campaigns)
	if len(campaigns) != 3 {
		t.Errorf("campaigns = %d, want 3", len(campaigns))
	}
}
