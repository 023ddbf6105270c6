package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/draftbridge/backend/internal/config"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
)

var (
	// ErrJobTimedOut marks a poll that found the job past its wall-clock budget.
	ErrJobTimedOut = errors.New("job exceeded its processing time limit")
	// ErrJobNotFound marks a poll for a job the agent does not know.
	ErrJobNotFound = errors.New("job not found")
)

// AgentStatusError is a non-2xx reply from an agent service.
type AgentStatusError struct {
	Agent      string
	StatusCode int
	Body       string
}

func (e *AgentStatusError) Error() string {
	return fmt.Sprintf("%s agent returned status %d: %s", e.Agent, e.StatusCode, e.Body)
}

// AgentClient proxies one downstream agent service (ingestion, orchestrator,
// revision, precedent search). It owns the job lifecycle on this side:
// registering the wall-clock budget at submission, enforcing it on every
// poll, and recording usage exactly once when the job reaches a terminal
// state. The agents themselves hold no billing logic.
type AgentClient struct {
	name           string
	feature        models.FeatureType
	category       string
	baseURL        string
	timeoutSeconds int

	http     *http.Client
	registry *JobTimeoutRegistry
	billing  *BillingService
}

func NewAgentClient(name string, feature models.FeatureType, cfg config.AgentConfig, registry *JobTimeoutRegistry, billing *BillingService) *AgentClient {
	return &AgentClient{
		name:    name,
		feature: feature,
		// The registry category is the billing feature, not the display name.
		// The maintenance sweep derives the ledger feature from the category,
		// so the poll path and the sweep must share one idempotency key.
		category:       string(feature),
		baseURL:        strings.TrimSuffix(cfg.URL, "/"),
		timeoutSeconds: cfg.TimeoutSeconds,
		// Per-request HTTP timeout; the job budget is tracked separately by
		// the registry and spans many polls.
		http:     &http.Client{Timeout: 30 * time.Second},
		registry: registry,
		billing:  billing,
	}
}

func (c *AgentClient) Name() string { return c.name }

func (c *AgentClient) Feature() models.FeatureType { return c.feature }

// TimeoutSeconds returns the configured wall-clock budget per job.
func (c *AgentClient) TimeoutSeconds() int { return c.timeoutSeconds }

// SubmitJob forwards a job request to the agent and registers its timeout
// budget. The returned body is the agent's response, passed through to the
// client; jobID is extracted from its "job_id" field when present.
func (c *AgentClient) SubmitJob(ctx context.Context, userID, path string, payload any, projectID, fileID string) (map[string]any, string, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, "", err
	}

	jobID, _ := body["job_id"].(string)
	if jobID != "" {
		c.registry.Register(c.category, jobID, c.timeoutSeconds, userID, projectID, fileID)
		logger.Info().
			Str("agent", c.name).
			Str("job_id", jobID).
			Str("user_id", userID).
			Int("timeout_seconds", c.timeoutSeconds).
			Msg("job submitted")
	}
	return body, jobID, nil
}

// PollJob checks a job's status. The budget check runs before the agent is
// contacted: once a job is past its budget it is finalized as timed out even
// if the agent would still report progress, and the poll returns
// ErrJobTimedOut. Terminal statuses record usage before the registry entry is
// released.
func (c *AgentClient) PollJob(ctx context.Context, userID, jobID, path string) (map[string]any, error) {
	if c.registry.IsTimedOut(c.category, jobID) {
		c.finalizeTimeout(userID, jobID)
		return nil, fmt.Errorf("%w: %d seconds", ErrJobTimedOut, c.timeoutSeconds)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		var statusErr *AgentStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	status, _ := body["status"].(string)
	switch strings.ToLower(status) {
	case "completed":
		c.finalizeSuccess(userID, jobID, body)
	case "failed", "error":
		c.finalizeFailure(userID, jobID, body)
	}
	return body, nil
}

// finalizeTimeout records a zero-token TIMEOUT ledger entry keyed by jobID.
// Usage is recorded before the registry entry is removed so latency and
// correlation context reach the ledger; the idempotency key makes repeated
// polls after timeout harmless.
func (c *AgentClient) finalizeTimeout(userID, jobID string) {
	latency, _ := c.registry.LatencyMs(c.category, jobID)
	projectID, fileID := c.registry.ProjectAndFile(c.category, jobID)

	meta, _ := json.Marshal(map[string]any{
		"error":           "timeout",
		"timeout_seconds": c.timeoutSeconds,
	})
	_, err := c.billing.RecordUsage(userID, c.feature, 0, UsageOptions{
		RequestID: jobID,
		Status:    models.UsageStatusTimeout,
		LatencyMs: &latency,
		ProjectID: projectID,
		FileID:    fileID,
		MetaData:  string(meta),
	})
	if err != nil {
		logger.Error().Err(err).Str("agent", c.name).Str("job_id", jobID).Msg("failed to record timeout usage")
	}
	c.registry.Remove(c.category, jobID)

	logger.Warn().
		Str("agent", c.name).
		Str("job_id", jobID).
		Str("user_id", userID).
		Int64("latency_ms", latency).
		Msg("job timed out")
}

func (c *AgentClient) finalizeSuccess(userID, jobID string, body map[string]any) {
	latency, _ := c.registry.LatencyMs(c.category, jobID)
	projectID, fileID := c.registry.ProjectAndFile(c.category, jobID)

	total, prompt, completion := extractTokenUsage(body)
	model := extractModelUsed(body)

	opts := UsageOptions{
		RequestID:        jobID,
		Status:           models.UsageStatusSuccess,
		LatencyMs:        &latency,
		ModelUsed:        model,
		ProjectID:        projectID,
		FileID:           fileID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
	}
	if _, err := c.billing.RecordUsage(userID, c.feature, total, opts); err != nil {
		logger.Error().Err(err).Str("agent", c.name).Str("job_id", jobID).Msg("failed to record job usage")
	}
	c.registry.Remove(c.category, jobID)

	logger.Info().
		Str("agent", c.name).
		Str("job_id", jobID).
		Int64("tokens", total).
		Int64("latency_ms", latency).
		Msg("job completed")
}

func (c *AgentClient) finalizeFailure(userID, jobID string, body map[string]any) {
	latency, _ := c.registry.LatencyMs(c.category, jobID)
	projectID, fileID := c.registry.ProjectAndFile(c.category, jobID)

	detail, _ := body["error"].(string)
	meta, _ := json.Marshal(map[string]any{"error": detail})
	_, err := c.billing.RecordUsage(userID, c.feature, 0, UsageOptions{
		RequestID: jobID,
		Status:    models.UsageStatusFailed,
		LatencyMs: &latency,
		ProjectID: projectID,
		FileID:    fileID,
		MetaData:  string(meta),
	})
	if err != nil {
		logger.Error().Err(err).Str("agent", c.name).Str("job_id", jobID).Msg("failed to record failure usage")
	}
	c.registry.Remove(c.category, jobID)

	logger.Warn().Str("agent", c.name).Str("job_id", jobID).Str("error", detail).Msg("job failed")
}

// extractTokenUsage reads the agent's token_usage object. Agents report
// {"token_usage": {"total_tokens": N, "prompt_tokens": N, "completion_tokens": N}};
// missing fields default to zero so a sloppy agent still gets billed for what
// it did report.
func extractTokenUsage(body map[string]any) (total int64, prompt, completion *int64) {
	raw, ok := body["token_usage"].(map[string]any)
	if !ok {
		return 0, nil, nil
	}
	// Embedding agents nest their counts one level deeper.
	if nested, ok := raw["embedding_token_usage"].(map[string]any); ok {
		raw = nested
	}
	total = jsonInt64(raw["total_tokens"])
	if v, ok := raw["prompt_tokens"]; ok {
		n := jsonInt64(v)
		prompt = &n
	}
	if v, ok := raw["completion_tokens"]; ok {
		n := jsonInt64(v)
		completion = &n
	}
	return total, prompt, completion
}

// extractModelUsed finds the model name wherever the agent reports it:
// top-level model_used, the embedding usage object, or embedding_model.
func extractModelUsed(body map[string]any) string {
	if m, ok := body["model_used"].(string); ok && m != "" {
		return m
	}
	if raw, ok := body["token_usage"].(map[string]any); ok {
		if nested, ok := raw["embedding_token_usage"].(map[string]any); ok {
			if m, ok := nested["model_used"].(string); ok && m != "" {
				return m
			}
		}
	}
	if m, ok := body["embedding_model"].(string); ok {
		return m
	}
	return ""
}

// jsonInt64 converts a decoded JSON number to int64.
func jsonInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

func (c *AgentClient) do(ctx context.Context, method, path string, payload any) (map[string]any, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s agent request: %w", c.name, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s agent request: %w", c.name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s agent unreachable: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s agent response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AgentStatusError{Agent: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode %s agent response: %w", c.name, err)
	}
	return body, nil
}
