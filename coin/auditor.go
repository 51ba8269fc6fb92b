/*
auditor.go - Conservation verification over the committed ledger

PURPOSE:
  Independently verifies that the coin economy of a campaign balances:
  the total coins held across every user's three buckets must equal the
  total ever issued through grants, and the per-idea allocation records
  must agree with the per-user allocated buckets.

HOW IT RUNS:
  The auditor only reads committed state through the Reader interface —
  it never opens a ledger transaction and never blocks writers. Because
  it reads without a snapshot, a check racing an in-flight operation can
  observe a transient mismatch; callers treat a single failure as a
  signal to re-run before alerting.

CHECKS:
  1. Global conservation:  sum(grants) == sum(available+allocated+expended)
  2. Per-user conservation: each user's grant total == their bucket total
  3. Allocation agreement: each user's allocated bucket == the sum of
     their active allocation amounts
  4. Non-negativity: no bucket and no allocation amount below zero
*/
package coin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Violation is one failed conservation check.
type Violation struct {
	Check      string
	CampaignID CampaignID
	UserID     UserID // empty for campaign-level checks
	Expected   int64
	Actual     int64
	Detail     string
}

func (v Violation) String() string {
	if v.UserID != "" {
		return fmt.Sprintf("%s: user %s expected %d, actual %d (%s)", v.Check, v.UserID, v.Expected, v.Actual, v.Detail)
	}
	return fmt.Sprintf("%s: expected %d, actual %d (%s)", v.Check, v.Expected, v.Actual, v.Detail)
}

// Report is the outcome of one audit pass over one campaign.
type Report struct {
	CampaignID CampaignID
	Expected   int64 // total granted
	Actual     int64 // total held across all buckets
	Violations []Violation
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether the campaign economy balanced.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Auditor runs conservation checks against a ledger Reader.
type Auditor struct {
	reader Reader
	log    zerolog.Logger
	now    func() time.Time
}

// NewAuditor creates an auditor over the given reader.
func NewAuditor(reader Reader, log zerolog.Logger) *Auditor {
	return &Auditor{reader: reader, log: log, now: time.Now}
}

// Audit runs every conservation check for one campaign.
func (a *Auditor) Audit(ctx context.Context, campaign CampaignID) (Report, error) {
	report := Report{CampaignID: campaign, StartedAt: a.now()}

	grants, err := a.reader.Grants(ctx, campaign)
	if err != nil {
		return report, fmt.Errorf("audit %s: load grants: %w", campaign, err)
	}
	balances, err := a.reader.Balances(ctx, campaign)
	if err != nil {
		return report, fmt.Errorf("audit %s: load balances: %w", campaign, err)
	}
	allocs, err := a.reader.AllocationsForCampaign(ctx, campaign)
	if err != nil {
		return report, fmt.Errorf("audit %s: load allocations: %w", campaign, err)
	}

	grantedPerUser := make(map[UserID]int64)
	for _, g := range grants {
		grantedPerUser[g.UserID] += g.Amount
		report.Expected += g.Amount
	}

	allocatedPerUser := make(map[UserID]int64)
	for _, al := range allocs {
		if al.Amount < 0 {
			report.Violations = append(report.Violations, Violation{
				Check:      "non_negative_allocation",
				CampaignID: campaign,
				UserID:     al.UserID,
				Actual:     al.Amount,
				Detail:     fmt.Sprintf("idea %s", al.IdeaID),
			})
		}
		if al.Active() {
			allocatedPerUser[al.UserID] += al.Amount
		}
	}

	seen := make(map[UserID]bool)
	for _, b := range balances {
		seen[b.UserID] = true
		report.Actual += b.Total()

		if b.Available < 0 || b.Allocated < 0 || b.Expended < 0 {
			report.Violations = append(report.Violations, Violation{
				Check:      "non_negative_balance",
				CampaignID: campaign,
				UserID:     b.UserID,
				Detail:     fmt.Sprintf("available=%d allocated=%d expended=%d", b.Available, b.Allocated, b.Expended),
			})
		}
		if granted := grantedPerUser[b.UserID]; b.Total() != granted {
			report.Violations = append(report.Violations, Violation{
				Check:      "user_conservation",
				CampaignID: campaign,
				UserID:     b.UserID,
				Expected:   granted,
				Actual:     b.Total(),
				Detail:     "bucket total diverged from grant total",
			})
		}
		if held := allocatedPerUser[b.UserID]; b.Allocated != held {
			report.Violations = append(report.Violations, Violation{
				Check:      "allocation_agreement",
				CampaignID: campaign,
				UserID:     b.UserID,
				Expected:   held,
				Actual:     b.Allocated,
				Detail:     "allocated bucket diverged from active allocation records",
			})
		}
	}

	// A grant with no balance row means coins vanished before the first
	// balance write — should be impossible, the grant path upserts both.
	for user, granted := range grantedPerUser {
		if !seen[user] && granted != 0 {
			report.Violations = append(report.Violations, Violation{
				Check:      "user_conservation",
				CampaignID: campaign,
				UserID:     user,
				Expected:   granted,
				Actual:     0,
				Detail:     "grants exist but no balance record",
			})
		}
	}

	if report.Expected != report.Actual {
		report.Violations = append(report.Violations, Violation{
			Check:      "campaign_conservation",
			CampaignID: campaign,
			Expected:   report.Expected,
			Actual:     report.Actual,
			Detail:     "campaign totals do not balance",
		})
	}

	report.FinishedAt = a.now()

	if report.OK() {
		a.log.Info().
			Str("campaign", string(campaign)).
			Int64("total", report.Actual).
			Msg("conservation audit passed")
	} else {
		a.log.Error().
			Str("campaign", string(campaign)).
			Int("violations", len(report.Violations)).
			Msg("conservation audit FAILED")
	}
	return report, nil
}

// Run converts an audit into a persistable AuditRun record.
func (r Report) Run() AuditRun {
	status := AuditPass
	detail := ""
	if !r.OK() {
		status = AuditFail
		lines := make([]string, 0, len(r.Violations))
		for _, v := range r.Violations {
			lines = append(lines, v.String())
		}
		detail = strings.Join(lines, "; ")
	}
	return AuditRun{
		ID:         uuid.NewString(),
		CampaignID: r.CampaignID,
		Status:     status,
		Expected:   r.Expected,
		Actual:     r.Actual,
		Delta:      r.Actual - r.Expected,
		Detail:     detail,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
