package models

import (
	"fmt"
	"time"

	"github.com/draftbridge/backend/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// Duplicate-key errors must surface as gorm.ErrDuplicatedKey so the
		// billing engine can treat insert conflicts as "already exists".
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

func AutoMigrate() error {
	return DB.AutoMigrate(
		&TokenPricing{},
		&SubscriptionTier{},
		&UserSubscription{},
		&UsageLog{},
		&Conversation{},
		&Message{},
		&PaymentWebhookEvent{},
	)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates the default tiers and pricing if not present.
func SeedDefaultData() error {
	defaultTiers := []SubscriptionTier{
		{
			PlanName:     "Free",
			TokenLimit:   10_000,
			BillingCycle: BillingCycleMonthly,
			Description:  "Starter plan with a small monthly token allowance",
		},
		{
			PlanName:     "Pro",
			TokenLimit:   1_000_000,
			BillingCycle: BillingCycleMonthly,
			Description:  "Full drafting toolkit for individual practitioners",
		},
		{
			PlanName:     "Enterprise",
			TokenLimit:   10_000_000,
			BillingCycle: BillingCycleAnnual,
			Description:  "Firm-wide plan with priority agent capacity",
		},
	}

	for _, tier := range defaultTiers {
		var count int64
		DB.Model(&SubscriptionTier{}).Where("plan_name = ?", tier.PlanName).Count(&count)
		if count == 0 {
			if err := DB.Create(&tier).Error; err != nil {
				return err
			}
		}
	}

	// Seed an initial token pricing row so usage recording works out of the
	// box. Operators supersede it by inserting rows with later effective dates.
	var pricingCount int64
	DB.Model(&TokenPricing{}).Count(&pricingCount)
	if pricingCount == 0 {
		pricing := TokenPricing{
			USDPer1KTokens: 0.02,
			EffectiveDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := DB.Create(&pricing).Error; err != nil {
			return err
		}
	}

	return nil
}
