// Package trust is the Go client for the trust scoring service.
//
// Quick Start:
//
//	client := trust.NewClient(trust.Config{
//	    BaseURL:  "https://trust.yourcompany.com",
//	    TenantID: "acme-corp",
//	})
//
//	id, err := client.SubmitValidation(ctx, "agent-7", trust.SubmitOptions{})
//	status, err := client.WaitForValidation(ctx, id, 10*time.Second)
//	score, err := client.GetTrustScore(ctx, "agent-7")
package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service endpoint, e.g. "http://localhost:8080".
	BaseURL string

	// TenantID is sent as X-Tenant-ID on every request.
	TenantID string

	// ReviewerToken authenticates the HITL callbacks.
	ReviewerToken string

	// Timeout for each HTTP call (default 30s).
	Timeout time.Duration
}

// Client talks to the trust service over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trust: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// SubmitOptions tune one validation request.
type SubmitOptions struct {
	Payload             map[string]interface{} `json:"payload,omitempty"`
	Validators          []string               `json:"validators,omitempty"`
	Strategy            string                 `json:"strategy,omitempty"`
	PerValidatorTimeout string                 `json:"per_validator_timeout,omitempty"`
	Deadline            *time.Time             `json:"deadline,omitempty"`
}

// SubmitValidation starts a validation and returns its ID.
func (c *Client) SubmitValidation(ctx context.Context, agentID string, opts SubmitOptions) (string, error) {
	var out struct {
		ValidationID string `json:"validation_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/validations", opts, &out, "")
	return out.ValidationID, err
}

// GetValidation returns the current status of a validation.
func (c *Client) GetValidation(ctx context.Context, validationID string) (*Validation, error) {
	var out Validation
	if err := c.do(ctx, http.MethodGet, "/api/v1/validations/"+url.PathEscape(validationID), nil, &out, ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForValidation blocks server-side for up to wait.
func (c *Client) WaitForValidation(ctx context.Context, validationID string, wait time.Duration) (*Validation, error) {
	var out Validation
	path := "/api/v1/validations/" + url.PathEscape(validationID) + "?wait=" + url.QueryEscape(wait.String())
	if err := c.do(ctx, http.MethodGet, path, nil, &out, ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelValidation cancels an in-flight validation.
func (c *Client) CancelValidation(ctx context.Context, validationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/validations/"+url.PathEscape(validationID), nil, nil, "")
}

// GetTrustScore returns the agent's current, non-stale trust score.
func (c *Client) GetTrustScore(ctx context.Context, agentID string) (*Score, error) {
	var out Score
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/trust-score", nil, &out, ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBadges returns the agent's active badges.
func (c *Client) GetBadges(ctx context.Context, agentID string) ([]Badge, error) {
	var out struct {
		Badges []Badge `json:"badges"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/badges", nil, &out, "")
	return out.Badges, err
}

// Monitor registers the agent for periodic re-validation.
func (c *Client) Monitor(ctx context.Context, agentID string, interval time.Duration, validators []string) error {
	body := map[string]interface{}{"interval": interval.String(), "validators": validators}
	return c.do(ctx, http.MethodPut, "/api/v1/agents/"+url.PathEscape(agentID)+"/monitoring", body, nil, "")
}

// StopMonitoring removes the agent from periodic re-validation.
func (c *Client) StopMonitoring(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID)+"/monitoring", nil, nil, "")
}

// Resolve posts a reviewer decision for an escalation case and returns the
// adjusted score.
func (c *Client) Resolve(ctx context.Context, caseID string, decision Decision) (*Score, error) {
	var out Score
	path := "/api/v1/hitl/escalations/" + url.PathEscape(caseID) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, decision, &out, c.config.ReviewerToken); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, token string) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("trust: failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("trust: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.TenantID != "" {
		req.Header.Set("X-Tenant-ID", c.config.TenantID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trust: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("trust: failed to parse response: %w", err)
	}
	return nil
}
