package handlers

import (
	"errors"

	"github.com/draftbridge/backend/internal/middleware"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/draftbridge/backend/pkg/response"
	"github.com/gin-gonic/gin"
)

// AgentHandler proxies job submission and polling to one downstream agent
// service. One handler instance is mounted per agent.
type AgentHandler struct {
	client     *services.AgentClient
	submitPath string
	pollPrefix string
}

func NewAgentHandler(client *services.AgentClient) *AgentHandler {
	return &AgentHandler{client: client, submitPath: "/jobs", pollPrefix: "/jobs/"}
}

// NewAgentHandlerWithPaths mounts an agent whose upstream routes do not
// follow the /jobs convention, like the precedent embedding endpoints.
func NewAgentHandlerWithPaths(client *services.AgentClient, submitPath, pollPrefix string) *AgentHandler {
	return &AgentHandler{client: client, submitPath: submitPath, pollPrefix: pollPrefix}
}

// Feature is the billing feature this agent's jobs are metered under.
func (h *AgentHandler) Feature() models.FeatureType {
	return h.client.Feature()
}

// SubmitJob forwards the request body to the agent and starts the job's
// wall-clock budget. Admission has already run in BillingGuard.
func (h *AgentHandler) SubmitJob(c *gin.Context) {
	userID := middleware.UserID(c)

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	projectID, _ := payload["project_id"].(string)
	fileID, _ := payload["file_id"].(string)

	body, jobID, err := h.client.SubmitJob(c.Request.Context(), userID, h.submitPath, payload, projectID, fileID)
	if err != nil {
		var statusErr *services.AgentStatusError
		if errors.As(err, &statusErr) {
			c.JSON(statusErr.StatusCode, gin.H{"code": statusErr.StatusCode, "message": statusErr.Body})
			return
		}
		response.ServerError(c, h.client.Name()+" agent unavailable")
		return
	}

	if jobID == "" {
		// Agent replied 2xx without a job id; pass it through untracked.
		response.Success(c, body)
		return
	}
	response.Created(c, body)
}

// GetJobStatus polls the agent, enforcing the wall-clock budget before the
// agent is contacted.
func (h *AgentHandler) GetJobStatus(c *gin.Context) {
	userID := middleware.UserID(c)
	jobID := c.Param("jobID")
	if jobID == "" {
		response.BadRequest(c, "job id is required")
		return
	}

	body, err := h.client.PollJob(c.Request.Context(), userID, jobID, h.pollPrefix+jobID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobTimedOut):
			response.GatewayTimeout(c, err.Error())
		case errors.Is(err, services.ErrJobNotFound):
			response.NotFound(c, "job not found")
		default:
			var statusErr *services.AgentStatusError
			if errors.As(err, &statusErr) {
				c.JSON(statusErr.StatusCode, gin.H{"code": statusErr.StatusCode, "message": statusErr.Body})
				return
			}
			response.ServerError(c, h.client.Name()+" agent unavailable")
		}
		return
	}
	response.Success(c, body)
}
