package services

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database migrated and seeded with the
// default tiers and pricing.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// One connection keeps the shared-cache database alive and serializes
	// concurrent writers, which sqlite requires anyway.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.TokenPricing{},
		&models.SubscriptionTier{},
		&models.UserSubscription{},
		&models.UsageLog{},
		&models.Conversation{},
		&models.Message{},
		&models.PaymentWebhookEvent{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	tiers := []models.SubscriptionTier{
		{PlanName: "Free", TokenLimit: 10_000, BillingCycle: models.BillingCycleMonthly},
		{PlanName: "Pro", TokenLimit: 1_000_000, BillingCycle: models.BillingCycleMonthly, StripePriceID: "price_pro"},
		{PlanName: "Enterprise", TokenLimit: 10_000_000, BillingCycle: models.BillingCycleAnnual, StripePriceID: "price_ent"},
	}
	for i := range tiers {
		if err := db.Create(&tiers[i]).Error; err != nil {
			t.Fatalf("failed to seed tier: %v", err)
		}
	}
	pricing := models.TokenPricing{
		USDPer1KTokens: 0.02,
		EffectiveDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.Create(&pricing).Error; err != nil {
		t.Fatalf("failed to seed pricing: %v", err)
	}
	return db
}

func newTestBilling(t *testing.T) (*BillingService, *gorm.DB) {
	db := newTestDB(t)
	return NewBillingService(db), db
}

func TestCurrentBillingPeriod_Format(t *testing.T) {
	svc, _ := newTestBilling(t)
	svc.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	if got := svc.CurrentBillingPeriod(); got != "2026-03" {
		t.Errorf("CurrentBillingPeriod() = %q, expected %q", got, "2026-03")
	}
}

func TestGetOrCreateSubscription_CreatesFree(t *testing.T) {
	svc, _ := newTestBilling(t)

	sub, created, err := svc.GetOrCreateSubscription("user-1", "Free", "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSubscription() error = %v", err)
	}
	if !created {
		t.Error("expected subscription to be created")
	}
	if sub.SubscriptionPlan != "Free" {
		t.Errorf("plan = %q, expected Free", sub.SubscriptionPlan)
	}
	if sub.Status != models.SubscriptionActive {
		t.Errorf("status = %q, expected active", sub.Status)
	}
	if sub.TokensConsumed != 0 || sub.DollarSpent != 0 {
		t.Error("new subscription should start with zero counters")
	}

	again, created, err := svc.GetOrCreateSubscription("user-1", "Free", "", "")
	if err != nil {
		t.Fatalf("second GetOrCreateSubscription() error = %v", err)
	}
	if created {
		t.Error("second call should not create a new row")
	}
	if again.ID != sub.ID {
		t.Errorf("second call returned different row: %d vs %d", again.ID, sub.ID)
	}
}

func TestGetOrCreateSubscription_CarriesPlanForward(t *testing.T) {
	svc, db := newTestBilling(t)

	// Previous period has a paid plan; current period does not exist yet.
	prev := models.UserSubscription{
		UserID:           "user-1",
		SubscriptionPlan: "Pro",
		BillingPeriod:    "2026-07",
		Status:           models.SubscriptionActive,
		TokensConsumed:   500_000,
		DollarSpent:      10,
		StartDate:        time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		StripeCustomerID: "cus_123",
	}
	if err := db.Create(&prev).Error; err != nil {
		t.Fatalf("seed previous period: %v", err)
	}

	svc.now = func() time.Time { return time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC) }

	sub, created, err := svc.GetOrCreateSubscription("user-1", "Free", "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSubscription() error = %v", err)
	}
	if !created {
		t.Fatal("expected a fresh row for the new period")
	}
	if sub.BillingPeriod != "2026-08" {
		t.Errorf("period = %q, expected 2026-08", sub.BillingPeriod)
	}
	if sub.SubscriptionPlan != "Pro" {
		t.Errorf("plan = %q, expected carried-forward Pro", sub.SubscriptionPlan)
	}
	if sub.StripeCustomerID != "cus_123" {
		t.Errorf("customer ref = %q, expected carried forward", sub.StripeCustomerID)
	}
	if sub.TokensConsumed != 0 || sub.DollarSpent != 0 {
		t.Error("carried-forward subscription must start with zero counters")
	}
}

func TestRecordUsage_CostRounding(t *testing.T) {
	svc, _ := newTestBilling(t)

	// 1.5k tokens at 0.02/1k is exactly 0.03.
	result, err := svc.RecordUsage("user-1", models.FeatureChat, 1500, UsageOptions{Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("RecordUsage() failed: %s", result.Message)
	}
	if result.UsageLog.DollarCost != 0.03 {
		t.Errorf("cost = %v, expected 0.03", result.UsageLog.DollarCost)
	}

	// 333 tokens at 0.02/1k is 0.00666, rounded to 0.007.
	result, err = svc.RecordUsage("user-1", models.FeatureChat, 333, UsageOptions{Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if result.UsageLog.DollarCost != 0.007 {
		t.Errorf("cost = %v, expected 0.007", result.UsageLog.DollarCost)
	}
}

func TestRecordUsage_ConcurrentIncrements(t *testing.T) {
	svc, db := newTestBilling(t)

	const goroutines = 8
	const perGoroutine = 5
	const tokensEach = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, err := svc.RecordUsage("user-1", models.FeatureChat, tokensEach, UsageOptions{Status: models.UsageStatusSuccess}); err != nil {
					t.Errorf("RecordUsage() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	var sub models.UserSubscription
	if err := db.Where("user_id = ?", "user-1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	want := int64(goroutines * perGoroutine * tokensEach)
	if sub.TokensConsumed != want {
		t.Errorf("tokens_consumed = %d, expected %d (lost update)", sub.TokensConsumed, want)
	}

	var total int64
	db.Model(&models.UsageLog{}).Where("user_id = ?", "user-1").Count(&total)
	if total != goroutines*perGoroutine {
		t.Errorf("ledger entries = %d, expected %d", total, goroutines*perGoroutine)
	}
}

func TestRecordUsage_IdempotentByRequestID(t *testing.T) {
	svc, db := newTestBilling(t)

	opts := UsageOptions{RequestID: "job-abc", Status: models.UsageStatusSuccess}
	first, err := svc.RecordUsage("user-1", models.FeatureIngestion, 2000, opts)
	if err != nil {
		t.Fatalf("first RecordUsage() error = %v", err)
	}
	if first.Duplicate {
		t.Error("first record should not be a duplicate")
	}

	second, err := svc.RecordUsage("user-1", models.FeatureIngestion, 2000, opts)
	if err != nil {
		t.Fatalf("second RecordUsage() error = %v", err)
	}
	if !second.Duplicate {
		t.Error("second record with the same request id should be a duplicate no-op")
	}

	var sub models.UserSubscription
	if err := db.Where("user_id = ?", "user-1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.TokensConsumed != 2000 {
		t.Errorf("tokens_consumed = %d, expected 2000 (double charge)", sub.TokensConsumed)
	}

	// Same request id under a different feature is a distinct operation.
	third, err := svc.RecordUsage("user-1", models.FeatureRevision, 100, UsageOptions{RequestID: "job-abc", Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("cross-feature RecordUsage() error = %v", err)
	}
	if third.Duplicate {
		t.Error("same request id under a different feature must not collide")
	}
}

func TestRecordUsage_EmptyRequestIDNeverCollides(t *testing.T) {
	svc, db := newTestBilling(t)

	for i := 0; i < 3; i++ {
		result, err := svc.RecordUsage("user-1", models.FeatureChat, 100, UsageOptions{Status: models.UsageStatusSuccess})
		if err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
		if result.Duplicate {
			t.Fatalf("entry %d without request id flagged duplicate", i)
		}
	}

	var count int64
	db.Model(&models.UsageLog{}).Where("user_id = ?", "user-1").Count(&count)
	if count != 3 {
		t.Errorf("ledger entries = %d, expected 3", count)
	}
}

func TestRecordUsage_FlipsLimitReached(t *testing.T) {
	svc, _ := newTestBilling(t)

	result, err := svc.RecordUsage("user-1", models.FeatureChat, 10_000, UsageOptions{Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if !result.LimitReached {
		t.Error("reaching the Free tier ceiling should flip limit_reached")
	}
	if result.Subscription.Status != models.SubscriptionLimitReached {
		t.Errorf("status = %q, expected limit_reached", result.Subscription.Status)
	}

	check, err := svc.CheckLimit("user-1", models.FeatureChat, 0)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if check.Allowed {
		t.Error("limit_reached subscription must be denied")
	}
}

func TestCheckLimit_EstimateIsAdvisory(t *testing.T) {
	svc, _ := newTestBilling(t)

	// Estimate larger than the whole Free allowance must not deny on its own.
	check, err := svc.CheckLimit("user-1", models.FeatureChat, 50_000)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if !check.Allowed {
		t.Error("an estimate alone must never deny an active subscription")
	}
}

func TestCheckLimit_DeniesInactiveStates(t *testing.T) {
	svc, db := newTestBilling(t)

	for _, status := range []models.SubscriptionStatus{
		models.SubscriptionInactive,
		models.SubscriptionExpired,
		models.SubscriptionCanceled,
	} {
		userID := "user-" + string(status)
		sub, _, err := svc.GetOrCreateSubscription(userID, "Free", "", "")
		if err != nil {
			t.Fatalf("GetOrCreateSubscription() error = %v", err)
		}
		if err := db.Model(&models.UserSubscription{}).Where("id = ?", sub.ID).Update("status", status).Error; err != nil {
			t.Fatalf("set status: %v", err)
		}

		check, err := svc.CheckLimit(userID, models.FeatureChat, 0)
		if err != nil {
			t.Fatalf("CheckLimit() error = %v", err)
		}
		if check.Allowed {
			t.Errorf("status %q must be denied", status)
		}
	}
}

func TestRecordUsage_NoPricingConfigured(t *testing.T) {
	svc, db := newTestBilling(t)

	if err := db.Unscoped().Where("1 = 1").Delete(&models.TokenPricing{}).Error; err != nil {
		t.Fatalf("clear pricing: %v", err)
	}

	result, err := svc.RecordUsage("user-1", models.FeatureChat, 100, UsageOptions{Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if result.Success {
		t.Error("recording without pricing must fail softly, not charge zero")
	}
}

func TestGetStats(t *testing.T) {
	svc, _ := newTestBilling(t)
	svc.now = func() time.Time { return time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC) }

	if _, err := svc.RecordUsage("user-1", models.FeatureChat, 2500, UsageOptions{Status: models.UsageStatusSuccess}); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	stats, err := svc.GetStats("user-1")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.UsageThisPeriod != 2500 {
		t.Errorf("UsageThisPeriod = %d, expected 2500", stats.UsageThisPeriod)
	}
	if stats.RemainingTokens != 7500 {
		t.Errorf("RemainingTokens = %d, expected 7500", stats.RemainingTokens)
	}
	if stats.PercentageUsed != 25 {
		t.Errorf("PercentageUsed = %v, expected 25", stats.PercentageUsed)
	}
}

func TestReconcileFromStripe_StatusMapping(t *testing.T) {
	svc, db := newTestBilling(t)

	cases := []struct {
		provider string
		want     models.SubscriptionStatus
	}{
		{"active", models.SubscriptionActive},
		{"trialing", models.SubscriptionActive},
		{"canceled", models.SubscriptionCanceled},
		{"past_due", models.SubscriptionInactive},
		{"unpaid", models.SubscriptionInactive},
		{"incomplete", models.SubscriptionInactive},
		{"incomplete_expired", models.SubscriptionExpired},
		{"something_new", models.SubscriptionInactive},
	}

	for i, tc := range cases {
		userID := fmt.Sprintf("user-%d", i)
		if err := svc.ReconcileFromStripe(userID, "Pro", "cus_x", "sub_x", tc.provider, nil, false); err != nil {
			t.Fatalf("ReconcileFromStripe(%q) error = %v", tc.provider, err)
		}

		var sub models.UserSubscription
		if err := db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
			t.Fatalf("load subscription: %v", err)
		}
		if sub.Status != tc.want {
			t.Errorf("provider status %q mapped to %q, expected %q", tc.provider, sub.Status, tc.want)
		}
		if sub.SubscriptionPlan != "Pro" {
			t.Errorf("plan = %q, expected Pro", sub.SubscriptionPlan)
		}
	}
}

func TestReconcileFromStripe_ResetUsage(t *testing.T) {
	svc, db := newTestBilling(t)

	if _, err := svc.RecordUsage("user-1", models.FeatureChat, 9_000, UsageOptions{Status: models.UsageStatusSuccess}); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	if err := svc.ReconcileFromStripe("user-1", "Pro", "cus_1", "sub_1", "active", nil, true); err != nil {
		t.Fatalf("ReconcileFromStripe() error = %v", err)
	}

	var sub models.UserSubscription
	if err := db.Where("user_id = ?", "user-1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.TokensConsumed != 0 || sub.DollarSpent != 0 {
		t.Errorf("counters = (%d, %v), expected reset to zero", sub.TokensConsumed, sub.DollarSpent)
	}
	if sub.Status != models.SubscriptionActive {
		t.Errorf("status = %q, expected active after payment", sub.Status)
	}
}

// Full lifecycle: free user exhausts the allowance, is denied, upgrades via a
// payment webhook, and can work again.
func TestBillingLifecycle(t *testing.T) {
	svc, _ := newTestBilling(t)

	result, err := svc.RecordUsage("user-1", models.FeatureIngestion, 9_900, UsageOptions{RequestID: "job-1", Status: models.UsageStatusSuccess})
	if err != nil || !result.Success {
		t.Fatalf("initial usage failed: %v / %+v", err, result)
	}
	if result.LimitReached {
		t.Fatal("9900 of 10000 should not reach the limit")
	}

	result, err = svc.RecordUsage("user-1", models.FeatureChat, 200, UsageOptions{Status: models.UsageStatusSuccess})
	if err != nil {
		t.Fatalf("overrun usage error = %v", err)
	}
	if !result.LimitReached {
		t.Fatal("crossing the ceiling must flip limit_reached")
	}

	check, err := svc.CheckLimit("user-1", models.FeatureChat, 0)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if check.Allowed {
		t.Fatal("exhausted user must be denied")
	}

	// Payment webhook upgrades to Pro and resets usage.
	if err := svc.ReconcileFromStripe("user-1", "Pro", "cus_1", "sub_1", "active", nil, true); err != nil {
		t.Fatalf("ReconcileFromStripe() error = %v", err)
	}

	check, err = svc.CheckLimit("user-1", models.FeatureChat, 0)
	if err != nil {
		t.Fatalf("CheckLimit() after upgrade error = %v", err)
	}
	if !check.Allowed {
		t.Fatalf("upgraded user must be allowed: %s", check.Message)
	}
	if check.Tier.PlanName != "Pro" {
		t.Errorf("tier = %q, expected Pro", check.Tier.PlanName)
	}
}
