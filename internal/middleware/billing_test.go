package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newGuardBilling(t *testing.T) *services.BillingService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:guard_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.TokenPricing{},
		&models.SubscriptionTier{},
		&models.UserSubscription{},
		&models.UsageLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&models.SubscriptionTier{
		PlanName:     "Free",
		TokenLimit:   1_000,
		BillingCycle: models.BillingCycleMonthly,
	}).Error; err != nil {
		t.Fatalf("seed tier: %v", err)
	}
	// RecordUsage refuses to settle anything without a price per token.
	if err := db.Create(&models.TokenPricing{
		USDPer1KTokens: 0.02,
		EffectiveDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}).Error; err != nil {
		t.Fatalf("seed pricing: %v", err)
	}
	return services.NewBillingService(db)
}

func guardedRouter(billing *services.BillingService, userID string) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(ContextUserID, userID)
		}
	})
	router.Use(BillingGuard(billing, models.FeatureChat))
	router.GET("/billable", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	return router
}

func TestBillingGuard_AllowsActiveSubscription(t *testing.T) {
	billing := newGuardBilling(t)
	router := guardedRouter(billing, "user-1")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/billable", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestBillingGuard_RequiresAuthenticatedUser(t *testing.T) {
	billing := newGuardBilling(t)
	router := guardedRouter(billing, "")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/billable", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestBillingGuard_DeniesExhaustedQuota(t *testing.T) {
	billing := newGuardBilling(t)

	result, err := billing.RecordUsage("user-1", models.FeatureChat, 1_000, services.UsageOptions{
		Status: models.UsageStatusSuccess,
	})
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("RecordUsage() not settled: %s", result.Message)
	}

	router := guardedRouter(billing, "user-1")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/billable", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status %d, got %d", http.StatusPaymentRequired, w.Code)
	}

	// The denial payload must carry enough detail for an upgrade prompt.
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body.Data["tokens_remaining"]; !ok {
		t.Error("denial detail missing tokens_remaining")
	}
	if _, ok := body.Data["token_limit"]; !ok {
		t.Error("denial detail missing token_limit")
	}
}

func TestBillingGuard_EstimateHintDoesNotDeny(t *testing.T) {
	billing := newGuardBilling(t)
	router := guardedRouter(billing, "user-1")

	// A huge estimate on a healthy subscription still passes. Overruns are
	// settled against actual usage at recording time.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/billable?estimated_tokens=999999", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}
