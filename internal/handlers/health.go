package handlers

import (
	"github.com/draftbridge/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports subsystem health for load balancers and dashboards.
type HealthHandler struct {
	db       *gorm.DB
	queue    services.MessageQueue
	manager  *services.StreamManager
	registry *services.JobTimeoutRegistry
}

func NewHealthHandler(db *gorm.DB, queue services.MessageQueue, manager *services.StreamManager, registry *services.JobTimeoutRegistry) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, manager: manager, registry: registry}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	stats := h.queue.Stats()
	if !stats.Running {
		overall = "unhealthy"
	}

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "draftbridge",
		"components": gin.H{
			"database":       dbStatus,
			"message_queue":  stats,
			"active_streams": h.manager.ActiveStreams(),
			"tracked_jobs":   h.registry.Len(),
		},
	})
}

// QueueStats exposes the persistence queue counters on their own for
// dashboards that poll more often than the full health check.
func (h *HealthHandler) QueueStats(c *gin.Context) {
	c.JSON(200, h.queue.Stats())
}
