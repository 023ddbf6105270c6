package services

import (
	"encoding/json"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// overdueGrace is how far past its budget a job must be before the sweep
// finalizes it. Within the grace window the client's own polling is expected
// to hit the timeout path first.
const overdueGrace = 5 * time.Minute

// webhookEventRetention is how long processed payment webhook records are
// kept for audit before cleanup.
const webhookEventRetention = 90 * 24 * time.Hour

// MaintenanceScheduler runs background housekeeping: finalizing jobs whose
// clients stopped polling, and pruning processed webhook records. The usage
// ledger itself is never pruned.
type MaintenanceScheduler struct {
	db       *gorm.DB
	registry *JobTimeoutRegistry
	billing  *BillingService
	cron     *cron.Cron
	grace    time.Duration
}

func NewMaintenanceScheduler(db *gorm.DB, registry *JobTimeoutRegistry, billing *BillingService) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		db:       db,
		registry: registry,
		billing:  billing,
		grace:    overdueGrace,
	}
}

func (s *MaintenanceScheduler) Start() {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc("@every 5m", s.sweepOverdueJobs); err != nil {
		logger.Error().Err(err).Msg("failed to schedule overdue job sweep")
	}
	if _, err := s.cron.AddFunc("@daily", s.cleanupWebhookEvents); err != nil {
		logger.Error().Err(err).Msg("failed to schedule webhook cleanup")
	}

	s.cron.Start()
	logger.Info().Msg("maintenance scheduler started")
}

func (s *MaintenanceScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// sweepOverdueJobs finalizes registry entries well past their budget. A
// client that disconnects mid-job never polls again, so without the sweep the
// entry would live forever and the timed-out work would never be billed. The
// jobID idempotency key makes this safe against a raced client poll.
func (s *MaintenanceScheduler) sweepOverdueJobs() {
	for _, job := range s.registry.Overdue(s.grace) {
		jobID := job.JobID
		meta, _ := json.Marshal(map[string]any{"error": "timeout", "finalized_by": "sweep"})
		latency := job.LatencyMs

		if job.UserID != "" {
			// Categories are billing feature values, so poll and sweep
			// finalize under the same (user, feature, request) key.
			_, err := s.billing.RecordUsage(job.UserID, models.FeatureType(job.Category), 0, UsageOptions{
				RequestID: jobID,
				Status:    models.UsageStatusTimeout,
				LatencyMs: &latency,
				ProjectID: job.ProjectID,
				FileID:    job.FileID,
				MetaData:  string(meta),
			})
			if err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("sweep failed to record timeout usage")
				continue
			}
		}
		s.registry.Remove(job.Category, jobID)

		logger.Warn().
			Str("category", job.Category).
			Str("job_id", jobID).
			Str("user_id", job.UserID).
			Int64("latency_ms", latency).
			Msg("overdue job finalized by sweep")
	}
}

func (s *MaintenanceScheduler) cleanupWebhookEvents() {
	cutoff := time.Now().UTC().Add(-webhookEventRetention)
	result := s.db.Where("received_at < ?", cutoff).Delete(&models.PaymentWebhookEvent{})
	if result.Error != nil {
		logger.Error().Err(result.Error).Msg("webhook event cleanup failed")
		return
	}
	if result.RowsAffected > 0 {
		logger.Info().Int64("deleted", result.RowsAffected).Msg("pruned old webhook events")
	}
}
