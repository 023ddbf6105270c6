package handlers

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/draftbridge/backend/internal/middleware"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/draftbridge/backend/pkg/response"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// BillingHandler exposes subscription state, usage recording and the payment
// webhook endpoint.
type BillingHandler struct {
	db      *gorm.DB
	billing *services.BillingService
	webhook *services.StripeWebhookService
}

func NewBillingHandler(db *gorm.DB, billing *services.BillingService, webhook *services.StripeWebhookService) *BillingHandler {
	return &BillingHandler{db: db, billing: billing, webhook: webhook}
}

// GetSubscription returns the caller's current-period subscription, creating
// the period row on first touch.
func (h *BillingHandler) GetSubscription(c *gin.Context) {
	userID := middleware.UserID(c)

	sub, created, err := h.billing.GetOrCreateSubscription(userID, "Free", "", "")
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to load subscription")
		response.ServerError(c, "failed to load subscription")
		return
	}

	tier, err := h.billing.TierByPlanName(sub.SubscriptionPlan)
	if err != nil {
		response.ServerError(c, "failed to load subscription tier")
		return
	}

	response.Success(c, gin.H{
		"subscription": sub,
		"tier":         tier,
		"created":      created,
	})
}

// CheckSubscription is the admission pre-flight used by clients before
// submitting expensive work.
func (h *BillingHandler) CheckSubscription(c *gin.Context) {
	userID := middleware.UserID(c)

	feature := models.FeatureType(c.DefaultQuery("feature", string(models.FeatureChat)))
	var estimate int64
	if raw := c.Query("estimated_tokens"); raw != "" {
		estimate, _ = strconv.ParseInt(raw, 10, 64)
	}

	check, err := h.billing.CheckLimit(userID, feature, estimate)
	if err != nil {
		response.ServerError(c, "failed to check subscription limit")
		return
	}
	response.Success(c, check)
}

// GetStats returns usage statistics for the current period.
func (h *BillingHandler) GetStats(c *gin.Context) {
	userID := middleware.UserID(c)

	stats, err := h.billing.GetStats(userID)
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to load billing stats")
		response.ServerError(c, "failed to load usage statistics")
		return
	}
	response.Success(c, stats)
}

type recordUsageRequest struct {
	Feature          string  `json:"feature" binding:"required"`
	TokensUsed       int64   `json:"tokens_used"`
	RequestID        string  `json:"request_id,omitempty"`
	PromptTokens     *int64  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64  `json:"completion_tokens,omitempty"`
	LatencyMs        *int64  `json:"latency_ms,omitempty"`
	ModelUsed        string  `json:"model_used,omitempty"`
	ProjectID        string  `json:"project_id,omitempty"`
	FileID           string  `json:"file_id,omitempty"`
	Status           string  `json:"status,omitempty"`
	MetaData         string  `json:"metadata,omitempty"`
}

// RecordUsage accepts a usage report for the caller. Agent-side usage is
// normally recorded by the job proxy; this endpoint covers client-side
// features that consume tokens directly.
func (h *BillingHandler) RecordUsage(c *gin.Context) {
	userID := middleware.UserID(c)

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "feature is required")
		return
	}
	if req.TokensUsed < 0 {
		response.BadRequest(c, "tokens_used must not be negative")
		return
	}

	status := req.Status
	if status == "" {
		status = models.UsageStatusSuccess
	}

	result, err := h.billing.RecordUsage(userID, models.FeatureType(req.Feature), req.TokensUsed, services.UsageOptions{
		RequestID:        req.RequestID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		LatencyMs:        req.LatencyMs,
		ModelUsed:        req.ModelUsed,
		ProjectID:        req.ProjectID,
		FileID:           req.FileID,
		Status:           status,
		MetaData:         req.MetaData,
	})
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to record usage")
		response.ServerError(c, "failed to record usage")
		return
	}
	response.Success(c, result)
}

// GetUsageHistory returns the caller's ledger entries for a date range.
func (h *BillingHandler) GetUsageHistory(c *gin.Context) {
	userID := middleware.UserID(c)

	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	to := now
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.BadRequest(c, "invalid from date, expected YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.BadRequest(c, "invalid to date, expected YYYY-MM-DD")
			return
		}
		// Inclusive end date.
		to = parsed.AddDate(0, 0, 1)
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, total, err := h.billing.UsageHistory(userID, from, to, offset, limit)
	if err != nil {
		response.ServerError(c, "failed to load usage history")
		return
	}
	response.Success(c, gin.H{
		"entries": entries,
		"total":   total,
	})
}

// ListTiers returns the available subscription tiers.
func (h *BillingHandler) ListTiers(c *gin.Context) {
	var tiers []models.SubscriptionTier
	if err := h.db.Order("token_limit ASC").Find(&tiers).Error; err != nil {
		response.ServerError(c, "failed to load tiers")
		return
	}
	response.Success(c, gin.H{"tiers": tiers})
}

// StripeWebhook receives payment events. It is unauthenticated; trust comes
// from the signature header verified against the endpoint secret.
func (h *BillingHandler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "failed to read payload")
		return
	}

	action, err := h.webhook.HandleEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			response.Unauthorized(c, "invalid signature")
			return
		}
		logger.Error().Err(err).Msg("webhook processing failed")
		response.ServerError(c, "webhook processing failed")
		return
	}
	response.Success(c, gin.H{"action": action})
}
