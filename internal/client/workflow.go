package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/raphaelgruber/xflow/internal/metrics"
	"github.com/raphaelgruber/xflow/internal/models"
)

// StopDeadline bounds a best-effort stop request.
const StopDeadline = 2 * time.Second

// =============================================================================
// WORKFLOW
// =============================================================================

// StartResult is the response of StartWorkflow.
type StartResult struct {
	ThreadID     string                `json:"thread_id"`
	InitialState *models.PipelineState `json:"initial_state"`
}

// StartWorkflow starts a new pipeline job.
func (c *Client) StartWorkflow(ctx context.Context, cfg models.StartConfig) (*StartResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var res StartResult
	if err := c.do(ctx, metrics.OpStartWorkflow, http.MethodPost, "/workflow/start", cfg, &res); err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	if res.ThreadID == "" {
		return nil, fmt.Errorf("start workflow: response has no thread_id")
	}
	return &res, nil
}

type validateRequest struct {
	ThreadID         string                    `json:"thread_id"`
	ValidationResult models.ValidationDecision `json:"validation_result"`
}

// SubmitValidation posts a human decision and returns the server's
// authoritative snapshot. The pipeline does not resume until a fresh live
// connection is opened for the job.
func (c *Client) SubmitValidation(ctx context.Context, threadID string, d models.ValidationDecision) (*models.PipelineState, error) {
	var state models.PipelineState
	req := validateRequest{ThreadID: threadID, ValidationResult: d}
	if err := c.do(ctx, metrics.OpSubmitDecision, http.MethodPost, "/workflow/validate", req, &state); err != nil {
		return nil, fmt.Errorf("submit validation: %w", err)
	}
	return &state, nil
}

type stopRequest struct {
	ThreadID string `json:"thread_id"`
}

type stopResponse struct {
	Success bool `json:"success"`
}

// StopWorkflow asks the server to abandon a job.
func (c *Client) StopWorkflow(ctx context.Context, threadID string) (bool, error) {
	var res stopResponse
	if err := c.do(ctx, metrics.OpStopWorkflow, http.MethodPost, "/workflow/stop", stopRequest{ThreadID: threadID}, &res); err != nil {
		return false, fmt.Errorf("stop workflow: %w", err)
	}
	return res.Success, nil
}

// StopWorkflowBestEffort sends a stop request in the background with a fixed
// deadline. Errors are logged only. The returned channel is closed when the
// attempt finishes; callers may ignore it.
func (c *Client) StopWorkflowBestEffort(threadID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), StopDeadline)
		defer cancel()
		ok, err := c.StopWorkflow(ctx, threadID)
		if err != nil {
			c.logger.Warn("stop workflow failed", "thread_id", threadID, "error", err)
			return
		}
		c.logger.Debug("stop workflow", "thread_id", threadID, "success", ok)
	}()
	return done
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) (string, error) {
	var res struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, metrics.OpHealth, http.MethodGet, "/health", nil, &res); err != nil {
		return "", fmt.Errorf("health: %w", err)
	}
	return res.Status, nil
}

// =============================================================================
// AUTH
// =============================================================================

// Login performs the single-step login and returns a session.
func (c *Client) Login(ctx context.Context, req models.LoginRequest) (*models.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var s models.Session
	if err := c.do(ctx, metrics.OpLogin, http.MethodPost, "/auth/login", req, &s); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &s, nil
}

// DemoLogin exchanges a demo token for a session.
func (c *Client) DemoLogin(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("demo login: token is required")
	}
	var s models.Session
	body := struct {
		Token string `json:"token"`
	}{token}
	if err := c.do(ctx, metrics.OpDemoLogin, http.MethodPost, "/auth/demo-login", body, &s); err != nil {
		return nil, fmt.Errorf("demo login: %w", err)
	}
	return &s, nil
}

// StartLogin begins a two-factor login. The returned thread awaits the code.
func (c *Client) StartLogin(ctx context.Context, req models.StartLoginRequest) (*models.StartLoginResponse, error) {
	var res models.StartLoginResponse
	if err := c.do(ctx, metrics.OpStartLogin, http.MethodPost, "/auth/start-login", req, &res); err != nil {
		return nil, fmt.Errorf("start login: %w", err)
	}
	return &res, nil
}

// CompleteLogin submits the two-factor code for a started login.
func (c *Client) CompleteLogin(ctx context.Context, req models.CompleteLoginRequest) (*models.CompleteLoginResponse, error) {
	var res models.CompleteLoginResponse
	if err := c.do(ctx, metrics.OpCompleteLogin, http.MethodPost, "/auth/complete-login", req, &res); err != nil {
		return nil, fmt.Errorf("complete login: %w", err)
	}
	return &res, nil
}

// ValidateSession asks the server whether cached credentials are still valid.
func (c *Client) ValidateSession(ctx context.Context, creds models.SessionCredentials) (bool, error) {
	var res struct {
		IsValid json.RawMessage `json:"isValid"`
	}
	if err := c.do(ctx, metrics.OpValidateSession, http.MethodPost, "/auth/validate-session", creds, &res); err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	var valid bool
	if err := json.Unmarshal(res.IsValid, &valid); err != nil {
		return false, fmt.Errorf("validate session: bad isValid: %w", err)
	}
	return valid, nil
}
