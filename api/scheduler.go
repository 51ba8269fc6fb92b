/*
scheduler.go - Scheduled conservation audits

PURPOSE:
  Periodically runs the Conservation Auditor over every known campaign
  and persists the outcome. An audit never blocks the ledger; a failed
  run is logged, counted, and visible on the admin surface.

DESIGN:
  - cron-driven, default "@hourly"
  - audits every campaign sequentially; one campaign failing to load
    does not stop the sweep
  - a single failed check can be a transient read racing an in-flight
    operation, so alerting should trigger on repeated failures

USAGE:
  scheduler := NewAuditScheduler(handler, "@hourly", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - coin/auditor.go: the checks themselves
  - handlers.go: RunAudit endpoint (manual audit)
*/
package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/metrics"
)

// AuditScheduler runs conservation audits on a cron schedule.
type AuditScheduler struct {
	handler  *Handler
	schedule string
	log      zerolog.Logger
	cron     *cron.Cron
}

// NewAuditScheduler creates a scheduler; schedule is a cron spec such
// as "@hourly" or "*/15 * * * *".
func NewAuditScheduler(handler *Handler, schedule string, log zerolog.Logger) *AuditScheduler {
	return &AuditScheduler{
		handler:  handler,
		schedule: schedule,
		log:      log,
		cron:     cron.New(),
	}
}

// Start registers the cron entry and begins running. Returns an error
// only for an invalid schedule spec.
func (s *AuditScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("audit scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *AuditScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("audit scheduler stopped")
}

// Sweep audits every campaign once. Also callable directly for a
// startup audit or from tests.
func (s *AuditScheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	campaigns, err := s.handler.Store.ListCampaigns(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("audit sweep: failed to list campaigns")
		return
	}

	var failed int
	for _, c := range campaigns {
		if err := s.auditOne(ctx, c.ID); err != nil {
			failed++
			s.log.Error().Err(err).Str("campaign", string(c.ID)).Msg("audit sweep: campaign audit errored")
		}
	}
	s.log.Info().Int("campaigns", len(campaigns)).Int("errors", failed).Msg("audit sweep complete")
}

func (s *AuditScheduler) auditOne(ctx context.Context, campaign coin.CampaignID) error {
	report, err := s.handler.Auditor.Audit(ctx, campaign)
	if err != nil {
		return err
	}

	run := report.Run()
	metrics.AuditRuns.WithLabelValues(run.Status).Inc()
	for _, v := range report.Violations {
		metrics.ConservationViolations.WithLabelValues(string(campaign), v.Check).Inc()
	}
	return s.handler.Store.SaveAuditRun(ctx, run)
}
