package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"gorm.io/gorm"
)

var (
	// ErrInvalidSignature marks a webhook whose signature header failed
	// verification. Such payloads must never reach the reconciliation logic.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnresolvedUser marks a webhook that carried no resolvable user.
	ErrUnresolvedUser = errors.New("webhook user could not be resolved")
)

// signatureTolerance bounds how old a webhook timestamp may be. Replays of a
// captured request outside this window are rejected even with a valid MAC.
const signatureTolerance = 5 * time.Minute

// VerifyStripeSignature checks a Stripe-Signature header against the raw
// payload. The header format is "t=<unix>,v1=<hex hmac>[,v1=...]"; the MAC is
// HMAC-SHA256 of "<t>.<payload>" under the endpoint secret. Any matching v1
// entry passes. now is injectable for tests.
func VerifyStripeSignature(payload []byte, header, secret string, now time.Time) error {
	var timestamp string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if timestamp == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// StripeWebhookService verifies, deduplicates and applies payment-provider
// webhooks. All subscription state changes driven by payments flow through
// here into BillingService.ReconcileFromStripe.
type StripeWebhookService struct {
	db      *gorm.DB
	billing *BillingService
	secret  string
	now     func() time.Time
}

func NewStripeWebhookService(db *gorm.DB, billing *BillingService, secret string) *StripeWebhookService {
	return &StripeWebhookService{
		db:      db,
		billing: billing,
		secret:  secret,
		now:     time.Now,
	}
}

// stripeEvent is the envelope of every webhook payload.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// HandleEvent processes one raw webhook delivery. It returns the action that
// was applied ("subscription_updated", "usage_reset", "duplicate", "ignored")
// for the HTTP layer to echo back.
func (s *StripeWebhookService) HandleEvent(payload []byte, sigHeader string) (string, error) {
	if s.secret != "" {
		if err := VerifyStripeSignature(payload, sigHeader, s.secret, s.now()); err != nil {
			return "", err
		}
	} else {
		logger.Warn().Msg("stripe webhook secret not configured, skipping signature verification")
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", fmt.Errorf("decode webhook payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return "", errors.New("webhook payload missing id or type")
	}

	action, err := s.applyEvent(&event)
	if err != nil {
		return "", err
	}

	obj := event.Data.Object
	record := models.PaymentWebhookEvent{
		EventID:              event.ID,
		StripeCustomerID:     stringField(obj, "customer"),
		StripeSubscriptionID: subscriptionRef(obj),
		Action:               action,
		ReceivedAt:           s.now().UTC(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Redelivery raced us past the pre-check; reconciliation is
			// idempotent so the state is already correct.
			return "duplicate", nil
		}
		return "", fmt.Errorf("record webhook event: %w", err)
	}

	logger.Info().Str("event_id", event.ID).Str("type", event.Type).Str("action", action).Msg("stripe webhook processed")
	return action, nil
}

func (s *StripeWebhookService) applyEvent(event *stripeEvent) (string, error) {
	// Redelivered events are applied at most once.
	var existing models.PaymentWebhookEvent
	err := s.db.Where("event_id = ?", event.ID).First(&existing).Error
	if err == nil {
		return "duplicate", nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	obj := event.Data.Object
	switch event.Type {
	case "checkout.session.completed":
		return s.applySubscriptionChange(obj, "active", nil, false)

	case "customer.subscription.created", "customer.subscription.updated":
		status := stringField(obj, "status")
		periodStart := epochField(obj, "current_period_start")
		return s.applySubscriptionChange(obj, status, periodStart, false)

	case "customer.subscription.deleted":
		return s.applySubscriptionChange(obj, "canceled", nil, false)

	case "invoice.payment_succeeded", "invoice.paid":
		// A paid invoice opens a fresh period: counters reset to zero.
		return s.applySubscriptionChange(obj, "active", nil, true)

	case "invoice.payment_failed":
		return s.applySubscriptionChange(obj, "past_due", nil, false)

	default:
		logger.Debug().Str("type", event.Type).Msg("ignoring unhandled stripe event type")
		return "ignored", nil
	}
}

func (s *StripeWebhookService) applySubscriptionChange(obj map[string]any, providerStatus string, periodStart *time.Time, resetUsage bool) (string, error) {
	customerRef := stringField(obj, "customer")
	subRef := subscriptionRef(obj)

	userID, err := s.resolveUser(obj, customerRef)
	if err != nil {
		logger.Warn().Str("customer", customerRef).Msg("stripe webhook for unknown user, ignoring")
		return "ignored", nil
	}

	planName := s.resolvePlan(obj)
	if err := s.billing.ReconcileFromStripe(userID, planName, customerRef, subRef, providerStatus, periodStart, resetUsage); err != nil {
		return "", err
	}
	if resetUsage {
		return "usage_reset", nil
	}
	return "subscription_updated", nil
}

// resolveUser maps a webhook to an application user: explicit metadata first,
// checkout's client_reference_id second, and finally the customer ref already
// stored on a prior subscription row.
func (s *StripeWebhookService) resolveUser(obj map[string]any, customerRef string) (string, error) {
	if meta, ok := obj["metadata"].(map[string]any); ok {
		if userID := stringField(meta, "user_id"); userID != "" {
			return userID, nil
		}
	}
	if userID := stringField(obj, "client_reference_id"); userID != "" {
		return userID, nil
	}
	if customerRef != "" {
		var sub models.UserSubscription
		err := s.db.Where("stripe_customer_id = ?", customerRef).
			Order("created_at DESC").First(&sub).Error
		if err == nil {
			return sub.UserID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	return "", ErrUnresolvedUser
}

// resolvePlan finds the plan name for a webhook: explicit metadata first,
// then the tier whose Stripe price matches the subscription item.
func (s *StripeWebhookService) resolvePlan(obj map[string]any) string {
	if meta, ok := obj["metadata"].(map[string]any); ok {
		if plan := stringField(meta, "plan_name"); plan != "" {
			return plan
		}
	}
	if priceID := itemPriceID(obj); priceID != "" {
		var tier models.SubscriptionTier
		if err := s.db.Where("stripe_price_id = ?", priceID).First(&tier).Error; err == nil {
			return tier.PlanName
		}
	}
	return "Free"
}

// itemPriceID digs out items.data[0].price.id from a subscription object.
func itemPriceID(obj map[string]any) string {
	items, ok := obj["items"].(map[string]any)
	if !ok {
		return ""
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return ""
	}
	first, ok := data[0].(map[string]any)
	if !ok {
		return ""
	}
	price, ok := first["price"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(price, "id")
}

// subscriptionRef reads the subscription reference, which invoices carry as a
// "subscription" field and subscription objects carry as their own "id".
func subscriptionRef(obj map[string]any) string {
	if ref := stringField(obj, "subscription"); ref != "" {
		return ref
	}
	if stringField(obj, "object") == "subscription" {
		return stringField(obj, "id")
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	v, _ := obj[key].(string)
	return v
}

func epochField(obj map[string]any, key string) *time.Time {
	v, ok := obj[key].(float64)
	if !ok || v <= 0 {
		return nil
	}
	t := time.Unix(int64(v), 0).UTC()
	return &t
}
