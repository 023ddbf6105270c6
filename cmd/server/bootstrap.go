package main

import (
	"time"

	"github.com/draftbridge/backend/internal/config"
	"github.com/draftbridge/backend/internal/handlers"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/draftbridge/backend/internal/utils"
	"github.com/draftbridge/backend/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg       *config.Config
	billing   *services.BillingService
	registry  *services.JobTimeoutRegistry
	queue     services.MessageQueue
	worker    *services.Worker
	manager   *services.StreamManager
	scheduler *services.MaintenanceScheduler

	healthHandler  *handlers.HealthHandler
	billingHandler *handlers.BillingHandler
	chatHandler    *handlers.ChatHandler
	agentHandlers  map[string]*handlers.AgentHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.Auth.JWTSecret)
	utils.SetJWTIssuer(cfg.Auth.Issuer)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}
	db := models.GetDB()

	billing := services.NewBillingService(db)
	registry := services.NewJobTimeoutRegistry()

	// Message queue (uses Redis if enabled, otherwise in-memory worker)
	store := services.NewGormMessageStore(db)
	queue := services.InitMessageQueue(cfg, store)
	queue.Start()

	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.NewWorker(&cfg.Redis, store)
		if worker != nil {
			worker.Start()
		}
	}

	llm := services.NewLLMService(&cfg.LLM)
	charDelay := time.Duration(cfg.Chat.StreamCharDelayMs) * time.Millisecond
	manager := services.NewStreamManager(llm, queue, billing, charDelay)
	conversations := services.NewConversationService(db)

	webhookService := services.NewStripeWebhookService(db, billing, cfg.Stripe.WebhookSecret)

	scheduler := services.NewMaintenanceScheduler(db, registry, billing)
	scheduler.Start()

	agentHandlers := map[string]*handlers.AgentHandler{
		"ingestion":    handlers.NewAgentHandler(services.NewAgentClient("ingestion", models.FeatureIngestion, cfg.Agents.Ingestion, registry, billing)),
		"orchestrator": handlers.NewAgentHandler(services.NewAgentClient("orchestrator", models.FeatureOrchestrator, cfg.Agents.Orchestrator, registry, billing)),
		"revision":     handlers.NewAgentHandler(services.NewAgentClient("revision", models.FeatureRevision, cfg.Agents.Revision, registry, billing)),
		"precedent":    handlers.NewAgentHandler(services.NewAgentClient("precedent", models.FeaturePrecedentSearch, cfg.Agents.Precedent, registry, billing)),
		// Embedding shares the precedent service but is metered separately
		// and speaks its own routes on the agent side.
		"precedent-embed": handlers.NewAgentHandlerWithPaths(
			services.NewAgentClient("precedent-embed", models.FeaturePrecedentEmbed, cfg.Agents.Precedent, registry, billing),
			"/embed_precedent", "/embed_job/"),
	}

	return &appServices{
		cfg:       cfg,
		billing:   billing,
		registry:  registry,
		queue:     queue,
		worker:    worker,
		manager:   manager,
		scheduler: scheduler,

		healthHandler:  handlers.NewHealthHandler(db, queue, manager, registry),
		billingHandler: handlers.NewBillingHandler(db, billing, webhookService),
		chatHandler:    handlers.NewChatHandler(manager, conversations, billing, cfg.Chat.HistoryLimit),
		agentHandlers:  agentHandlers,
	}
}

// shutdown gracefully stops all services. The queue stops last so messages
// queued by draining streams still get persisted.
func (s *appServices) shutdown() {
	s.scheduler.Stop()

	if s.worker != nil {
		s.worker.Stop()
	}
	s.queue.Stop()
	logger.Info().Msg("All background services stopped")
}
