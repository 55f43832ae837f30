package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ocx/trustscore/internal/circuitbreaker"
	"github.com/ocx/trustscore/internal/core"
)

// HTTPValidator calls a validator service over HTTP. The remote endpoint
// receives {"agent_id", "payload"} and answers with a ValidationResult body.
type HTTPValidator struct {
	URL     string
	Token   string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPValidator creates a remote validator. The breaker may be nil.
func NewHTTPValidator(url, token string, breaker *circuitbreaker.CircuitBreaker) *HTTPValidator {
	return &HTTPValidator{
		URL:     url,
		Token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
	}
}

type remoteRequest struct {
	AgentID string                 `json:"agent_id"`
	Payload map[string]interface{} `json:"payload"`
}

type remoteResponse struct {
	Score      float64                `json:"score"`
	Confidence float64                `json:"confidence"`
	Kind       string                 `json:"kind,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Validate posts the payload and decodes the verdict. The caller's context
// deadline bounds the whole call.
func (v *HTTPValidator) Validate(ctx context.Context, agentID string, payload map[string]interface{}) (core.ValidationResult, error) {
	var out core.ValidationResult
	call := func(ctx context.Context) error {
		res, err := v.post(ctx, agentID, payload)
		if err != nil {
			return err
		}
		out = res
		return nil
	}
	if v.breaker == nil {
		err := call(ctx)
		return out, err
	}
	err := v.breaker.Execute(ctx, call)
	return out, err
}

func (v *HTTPValidator) post(ctx context.Context, agentID string, payload map[string]interface{}) (core.ValidationResult, error) {
	body, err := json.Marshal(remoteRequest{AgentID: agentID, Payload: payload})
	if err != nil {
		return core.ValidationResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return core.ValidationResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.Token != "" {
		req.Header.Set("Authorization", "Bearer "+v.Token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return core.ValidationResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.ValidationResult{}, fmt.Errorf("validator returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var r remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return core.ValidationResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return core.ValidationResult{
		Kind:       r.Kind,
		Score:      r.Score,
		Confidence: r.Confidence,
		Metadata:   r.Metadata,
	}, nil
}
