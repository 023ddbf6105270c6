package main

import (
	"github.com/draftbridge/backend/internal/middleware"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Rate limiter for the unauthenticated webhook route
	webhookLimiter := middleware.NewRateLimiter(10, 20)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	// Payment webhooks (signature-verified, no bearer auth)
	r.POST("/webhooks/stripe", webhookLimiter.Middleware(), svc.billingHandler.StripeWebhook)

	// API routes
	api := r.Group("/api")
	{
		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Billing
			protected.GET("/billing/subscription", svc.billingHandler.GetSubscription)
			protected.GET("/billing/check", svc.billingHandler.CheckSubscription)
			protected.GET("/billing/stats", svc.billingHandler.GetStats)
			protected.GET("/billing/history", svc.billingHandler.GetUsageHistory)
			protected.GET("/billing/tiers", svc.billingHandler.ListTiers)
			protected.POST("/billing/usage", svc.billingHandler.RecordUsage)

			// Ops
			protected.GET("/queue/stats", svc.healthHandler.QueueStats)

			// Chat
			protected.GET("/ws/chat", svc.chatHandler.StreamChat)
			protected.POST("/chat/message",
				middleware.BillingGuard(svc.billing, models.FeatureChat),
				svc.chatHandler.SendMessage)
			protected.GET("/chat/status", svc.chatHandler.ChatStatus)
			protected.GET("/conversations", svc.chatHandler.ListConversations)
			protected.GET("/conversations/:id/messages", svc.chatHandler.GetMessages)
			protected.DELETE("/conversations/:id", svc.chatHandler.DeleteConversation)

			// Agent job proxies. Submission is gated on subscription state;
			// polling is not, so a user who hit their limit can still collect
			// results of jobs already in flight.
			agents := protected.Group("/agents")
			for name, handler := range svc.agentHandlers {
				feature := handler.Feature()
				agents.POST("/"+name+"/jobs",
					middleware.BillingGuard(svc.billing, feature),
					handler.SubmitJob)
				agents.GET("/"+name+"/jobs/:jobID", handler.GetJobStatus)
			}
		}
	}
}
