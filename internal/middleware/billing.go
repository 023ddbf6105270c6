package middleware

import (
	"strconv"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/draftbridge/backend/pkg/response"
	"github.com/gin-gonic/gin"
)

// ContextLimitCheck carries the admission result for handlers that want the
// subscription snapshot without a second query.
const ContextLimitCheck = "limit_check"

// BillingGuard gates a billable route on the user's subscription state. The
// admission check is advisory on quantity (estimates are settled at recording
// time) but hard on status: inactive, expired, canceled or exhausted
// subscriptions get 402 with enough detail for the client to render an
// upgrade prompt. Must run after AuthRequired.
func BillingGuard(billing *services.BillingService, feature models.FeatureType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			response.Unauthorized(c, "authorization required")
			c.Abort()
			return
		}

		// Optional client hint, never trusted for denial.
		var estimate int64
		if raw := c.Query("estimated_tokens"); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
				estimate = n
			}
		}

		check, err := billing.CheckLimit(userID, feature, estimate)
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Str("feature", string(feature)).Msg("limit check failed")
			response.ServerError(c, "failed to check subscription limit")
			c.Abort()
			return
		}

		if !check.Allowed {
			detail := gin.H{
				"message":          check.Message,
				"tokens_remaining": check.TokensRemaining,
			}
			if check.Subscription != nil {
				detail["subscription_plan"] = check.Subscription.SubscriptionPlan
				detail["subscription_status"] = check.Subscription.Status
				detail["tokens_consumed"] = check.Subscription.TokensConsumed
			}
			if check.Tier != nil {
				detail["token_limit"] = check.Tier.TokenLimit
			}
			response.PaymentRequired(c, check.Message, detail)
			c.Abort()
			return
		}

		c.Set(ContextLimitCheck, check)
		c.Next()
	}
}
