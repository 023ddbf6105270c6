package services

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"gorm.io/gorm"
)

// BillingService is the usage-metering engine: admission control against tier
// limits, idempotent usage recording, per-period statistics and reconciliation
// from payment-provider webhook events.
type BillingService struct {
	db *gorm.DB
	// now is injectable so billing-period arithmetic is testable.
	now func() time.Time
}

func NewBillingService(db *gorm.DB) *BillingService {
	return &BillingService{db: db, now: time.Now}
}

// CurrentBillingPeriod returns the current billing period as "YYYY-MM" (UTC).
func (s *BillingService) CurrentBillingPeriod() string {
	return s.now().UTC().Format("2006-01")
}

// BillingPeriodStart returns the first day of a "YYYY-MM" billing period.
func BillingPeriodStart(period string) (time.Time, error) {
	return time.Parse("2006-01", period)
}

// BillingPeriodEnd returns the last calendar day of a "YYYY-MM" billing period.
func BillingPeriodEnd(period string) (time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, err
	}
	return start.AddDate(0, 1, -1), nil
}

// roundTo3 rounds at every accumulation step so repeated float addition never
// drifts beyond a mill.
func roundTo3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// CurrentPricing returns the applicable token pricing row: the most recent one
// whose effective date is not in the future. Nil result means pricing has not
// been configured.
func (s *BillingService) CurrentPricing() (*models.TokenPricing, error) {
	var pricing models.TokenPricing
	err := s.db.
		Where("effective_date <= ?", s.now().UTC()).
		Order("effective_date DESC").
		First(&pricing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pricing, nil
}

// TierByPlanName looks a tier up by its plan name.
func (s *BillingService) TierByPlanName(planName string) (*models.SubscriptionTier, error) {
	var tier models.SubscriptionTier
	err := s.db.Where("plan_name = ?", planName).First(&tier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

// GetOrCreateSubscription returns the user's subscription row for the current
// billing period, creating it lazily on the first billing-relevant request of
// the period. A newly created row carries forward the plan and payment refs of
// the user's most recent active or limit-reached subscription, or falls back
// to defaultPlan. Concurrent first requests are resolved by the unique
// (user_id, billing_period) index: an insert conflict means another request
// won the race, so the existing row is re-fetched.
func (s *BillingService) GetOrCreateSubscription(userID, defaultPlan, customerRef, subRef string) (*models.UserSubscription, bool, error) {
	period := s.CurrentBillingPeriod()

	var existing models.UserSubscription
	err := s.db.Where("user_id = ? AND billing_period = ?", userID, period).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	plan := defaultPlan
	var previous models.UserSubscription
	err = s.db.
		Where("user_id = ? AND status IN ?", userID,
			[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionLimitReached}).
		Order("created_at DESC").
		First(&previous).Error
	if err == nil {
		plan = previous.SubscriptionPlan
		if customerRef == "" {
			customerRef = previous.StripeCustomerID
		}
		if subRef == "" {
			subRef = previous.StripeSubscriptionID
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	startDate, err := BillingPeriodStart(period)
	if err != nil {
		return nil, false, err
	}

	sub := models.UserSubscription{
		UserID:               userID,
		SubscriptionPlan:     plan,
		Status:               models.SubscriptionActive,
		BillingPeriod:        period,
		StartDate:            startDate,
		StripeCustomerID:     customerRef,
		StripeSubscriptionID: subRef,
	}
	if err := s.db.Create(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var raced models.UserSubscription
			if ferr := s.db.Where("user_id = ? AND billing_period = ?", userID, period).First(&raced).Error; ferr != nil {
				return nil, false, ferr
			}
			return &raced, false, nil
		}
		return nil, false, err
	}

	return &sub, true, nil
}

// LimitCheck is the structured outcome of an admission check. A denial is a
// normal result, not an error.
type LimitCheck struct {
	Allowed         bool                     `json:"allowed"`
	Message         string                   `json:"message"`
	Subscription    *models.UserSubscription `json:"subscription,omitempty"`
	Tier            *models.SubscriptionTier `json:"tier,omitempty"`
	TokensRemaining int64                    `json:"tokens_remaining"`
}

// CheckLimit decides whether a billable request may proceed. estimatedTokens
// is advisory only: estimation from payload size is too unreliable to hard-deny
// on, so overruns are logged here and settled against actual usage in
// RecordUsage. TokensRemaining may be negative; callers must not treat that as
// an error.
func (s *BillingService) CheckLimit(userID string, feature models.FeatureType, estimatedTokens int64) (*LimitCheck, error) {
	sub, _, err := s.GetOrCreateSubscription(userID, "Free", "", "")
	if err != nil {
		return nil, err
	}

	tier, err := s.TierByPlanName(sub.SubscriptionPlan)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return &LimitCheck{
			Allowed:      false,
			Message:      fmt.Sprintf("subscription tier %q not found", sub.SubscriptionPlan),
			Subscription: sub,
		}, nil
	}

	deny := func(msg string) *LimitCheck {
		return &LimitCheck{Allowed: false, Message: msg, Subscription: sub, Tier: tier}
	}

	switch sub.Status {
	case models.SubscriptionExpired:
		return deny("subscription has expired"), nil
	case models.SubscriptionCanceled:
		return deny("subscription has been canceled"), nil
	case models.SubscriptionInactive:
		return deny("subscription is inactive"), nil
	case models.SubscriptionLimitReached:
		return deny("token limit reached for this billing period"), nil
	}

	remaining := tier.TokenLimit - sub.TokensConsumed
	if estimatedTokens > 0 && estimatedTokens > remaining {
		logger.Warn().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Int64("estimated_tokens", estimatedTokens).
			Int64("tokens_remaining", remaining).
			Msg("estimated usage exceeds remaining budget, admitting anyway")
	}

	return &LimitCheck{
		Allowed:         true,
		Message:         "request allowed",
		Subscription:    sub,
		Tier:            tier,
		TokensRemaining: remaining,
	}, nil
}

// UsageOptions carries the optional fields of a usage record.
type UsageOptions struct {
	RequestID        string
	MetaData         string
	LatencyMs        *int64
	ModelUsed        string
	ProjectID        string
	FileID           string
	PromptTokens     *int64
	CompletionTokens *int64
	Status           string
}

// UsageResult is the outcome of RecordUsage. Success=false signals a soft
// configuration failure (no pricing row) that the caller must surface; it is
// never silently treated as a zero-cost charge.
type UsageResult struct {
	Success      bool                     `json:"success"`
	Message      string                   `json:"message"`
	UsageLog     *models.UsageLog         `json:"usage_log,omitempty"`
	Subscription *models.UserSubscription `json:"subscription,omitempty"`
	LimitReached bool                     `json:"limit_reached"`
	Duplicate    bool                     `json:"duplicate"`
}

// UsageRecorded reports whether a usage entry already exists for the given
// (user, feature, request id) idempotency key.
func (s *BillingService) UsageRecorded(userID string, feature models.FeatureType, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}
	var count int64
	err := s.db.Model(&models.UsageLog{}).
		Where("user_id = ? AND feature = ? AND request_id = ?", userID, string(feature), requestID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordUsage charges one completed (or timed-out) billable operation: writes
// a ledger entry, increments the period counters atomically, and flips the
// subscription to limit_reached when the tier ceiling is crossed.
//
// When opts.RequestID is non-empty the write is idempotent: a duplicate call
// for the same (user, feature, request id) is a no-op, guarded both by a
// pre-check and by the unique index on the ledger.
func (s *BillingService) RecordUsage(userID string, feature models.FeatureType, tokensUsed int64, opts UsageOptions) (*UsageResult, error) {
	if opts.RequestID != "" {
		recorded, err := s.UsageRecorded(userID, feature, opts.RequestID)
		if err != nil {
			return nil, err
		}
		if recorded {
			return &UsageResult{Success: true, Message: "usage already recorded", Duplicate: true}, nil
		}
	}

	pricing, err := s.CurrentPricing()
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		logger.Error().Str("user_id", userID).Str("feature", string(feature)).
			Msg("token pricing not configured, refusing to record usage")
		return &UsageResult{Success: false, Message: "token pricing not configured"}, nil
	}

	dollarCost := roundTo3(float64(tokensUsed) / 1000.0 * pricing.USDPer1KTokens)

	modelUsed := opts.ModelUsed
	if modelUsed == "" {
		modelUsed = "UNKNOWN"
	}
	entry := models.UsageLog{
		UserID:           userID,
		Feature:          feature,
		TokensUsed:       tokensUsed,
		DollarCost:       dollarCost,
		PromptTokens:     opts.PromptTokens,
		CompletionTokens: opts.CompletionTokens,
		Status:           opts.Status,
		LatencyMs:        opts.LatencyMs,
		ModelUsed:        modelUsed,
		ProjectID:        opts.ProjectID,
		FileID:           opts.FileID,
		MetaData:         opts.MetaData,
	}
	if opts.RequestID != "" {
		rid := opts.RequestID
		entry.RequestID = &rid
	}
	if err := s.db.Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race against a concurrent completion notification.
			return &UsageResult{Success: true, Message: "usage already recorded", Duplicate: true}, nil
		}
		return nil, err
	}

	sub, _, err := s.GetOrCreateSubscription(userID, "Free", "", "")
	if err != nil {
		return nil, err
	}

	// Counter increments happen in SQL, never read-modify-write in Go, so
	// concurrent charges against the same account cannot lose updates.
	err = s.db.Model(&models.UserSubscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]interface{}{
			"tokens_consumed": gorm.Expr("tokens_consumed + ?", tokensUsed),
			"dollar_spent":    gorm.Expr("ROUND(dollar_spent + ?, 3)", dollarCost),
		}).Error
	if err != nil {
		return &UsageResult{Success: false, Message: "failed to update subscription", UsageLog: &entry}, err
	}

	var updated models.UserSubscription
	if err := s.db.First(&updated, sub.ID).Error; err != nil {
		return nil, err
	}

	limitReached := false
	tier, err := s.TierByPlanName(updated.SubscriptionPlan)
	if err != nil {
		return nil, err
	}
	if tier != nil && updated.TokensConsumed >= tier.TokenLimit {
		if err := s.db.Model(&models.UserSubscription{}).
			Where("id = ?", updated.ID).
			Update("status", models.SubscriptionLimitReached).Error; err != nil {
			return nil, err
		}
		updated.Status = models.SubscriptionLimitReached
		limitReached = true
	}

	return &UsageResult{
		Success:      true,
		Message:      "usage recorded",
		UsageLog:     &entry,
		Subscription: &updated,
		LimitReached: limitReached,
	}, nil
}

// SubscriptionStats is the per-user snapshot served to the frontend.
type SubscriptionStats struct {
	Subscription    *models.UserSubscription  `json:"subscription"`
	Tier            *models.SubscriptionTier  `json:"tier"`
	UsageThisPeriod int64                     `json:"usage_this_period"`
	DollarSpent     float64                   `json:"dollar_spent_this_period"`
	RemainingTokens int64                     `json:"remaining_tokens"`
	PercentageUsed  float64                   `json:"percentage_used"`
	Status          models.SubscriptionStatus `json:"status"`
	DaysRemaining   int                       `json:"days_remaining"`
}

// GetStats aggregates the current period's consumption for a user. Returns
// nil when the user's tier is not configured.
func (s *BillingService) GetStats(userID string) (*SubscriptionStats, error) {
	sub, _, err := s.GetOrCreateSubscription(userID, "Free", "", "")
	if err != nil {
		return nil, err
	}

	tier, err := s.TierByPlanName(sub.SubscriptionPlan)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, nil
	}

	remaining := tier.TokenLimit - sub.TokensConsumed
	if remaining < 0 {
		remaining = 0
	}
	percentage := 0.0
	if tier.TokenLimit > 0 {
		percentage = math.Round(float64(sub.TokensConsumed)/float64(tier.TokenLimit)*100*100) / 100
	}

	endDate, err := BillingPeriodEnd(sub.BillingPeriod)
	if err != nil {
		return nil, err
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	daysRemaining := 0
	if !endDate.Before(today) {
		daysRemaining = int(endDate.Sub(today).Hours() / 24)
	}

	return &SubscriptionStats{
		Subscription:    sub,
		Tier:            tier,
		UsageThisPeriod: sub.TokensConsumed,
		DollarSpent:     sub.DollarSpent,
		RemainingTokens: remaining,
		PercentageUsed:  percentage,
		Status:          sub.Status,
		DaysRemaining:   daysRemaining,
	}, nil
}

// UsageHistory returns the user's ledger entries within [from, to], newest
// first, plus the total count for pagination.
func (s *BillingService) UsageHistory(userID string, from, to time.Time, offset, limit int) ([]models.UsageLog, int64, error) {
	query := s.db.Model(&models.UsageLog{}).
		Where("user_id = ? AND created_at >= ? AND created_at <= ?", userID, from, to)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.UsageLog
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// stripeStatusMap translates payment-provider subscription statuses to ours.
var stripeStatusMap = map[string]models.SubscriptionStatus{
	"active":             models.SubscriptionActive,
	"trialing":           models.SubscriptionActive,
	"canceled":           models.SubscriptionCanceled,
	"incomplete":         models.SubscriptionInactive,
	"past_due":           models.SubscriptionInactive,
	"unpaid":             models.SubscriptionInactive,
	"incomplete_expired": models.SubscriptionExpired,
}

// ReconcileFromStripe applies a payment-provider webhook to the local ledger:
// plan, status and external refs are overwritten, the provider's period start
// is authoritative when present, and resetUsage zeroes the counters so a paid
// renewal starts clean even when the local period row pre-existed.
func (s *BillingService) ReconcileFromStripe(userID, planName, customerRef, subRef, providerStatus string, periodStart *time.Time, resetUsage bool) error {
	status, ok := stripeStatusMap[providerStatus]
	if !ok {
		status = models.SubscriptionInactive
	}

	sub, _, err := s.GetOrCreateSubscription(userID, planName, customerRef, subRef)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"subscription_plan":      planName,
		"status":                 status,
		"stripe_customer_id":     customerRef,
		"stripe_subscription_id": subRef,
	}
	if periodStart != nil {
		updates["billing_period"] = periodStart.UTC().Format("2006-01")
		updates["start_date"] = periodStart.UTC()
	}
	if resetUsage {
		updates["tokens_consumed"] = 0
		updates["dollar_spent"] = 0.0
	}

	if err := s.db.Model(&models.UserSubscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The provider moved this row onto a period the user already has a
			// row for. Keep the existing row; the provider refs were applied
			// when it was created.
			logger.Warn().Str("user_id", userID).Msg("billing period realignment collided with existing row, skipped")
			return nil
		}
		return err
	}
	return nil
}
