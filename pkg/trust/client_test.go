package trust

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSubmitAndScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/agents/agent-7/validations":
			var body SubmitOptions
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"quality-v1"}, body.Validators)
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"validation_id":"val-1"}`))
		case r.URL.Path == "/api/v1/validations/val-1":
			assert.Equal(t, "2s", r.URL.Query().Get("wait"))
			w.Write([]byte(`{"validation_id":"val-1","state":"PERSISTED","record":{"trust_score":{"overall_score":0.9,"trust_level":"CERTIFIED"}}}`))
		case r.URL.Path == "/api/v1/agents/agent-7/trust-score":
			w.Write([]byte(`{"agent_id":"agent-7","overall_score":0.9,"trust_level":"CERTIFIED","risk_level":"LOW"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found","code":"not_found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, TenantID: "acme"})
	ctx := context.Background()

	id, err := c.SubmitValidation(ctx, "agent-7", SubmitOptions{Validators: []string{"quality-v1"}})
	require.NoError(t, err)
	assert.Equal(t, "val-1", id)

	v, err := c.WaitForValidation(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, v.Done())
	require.NotNil(t, v.Record)
	assert.InDelta(t, 0.9, v.Record.TrustScore.OverallScore, 1e-9)

	score, err := c.GetTrustScore(ctx, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, LevelCertified, score.TrustLevel)

	_, err = c.GetTrustScore(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClientResolveSendsReviewerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/hitl/escalations/case-1/resolve", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"overall_score":0.51,"trust_level":"BASIC"}`))
	}))
	defer srv.Close()

	factor := 1.2
	c := NewClient(Config{BaseURL: srv.URL, ReviewerToken: "tok"})
	score, err := c.Resolve(context.Background(), "case-1", Decision{Decision: "ADJUST", AdjustmentFactor: &factor})
	require.NoError(t, err)
	assert.Equal(t, LevelBasic, score.TrustLevel)
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelPremium.AtLeast(LevelCertified))
	assert.True(t, LevelValidated.AtLeast(LevelValidated))
	assert.False(t, LevelBasic.AtLeast(LevelValidated))
	assert.False(t, Level("bogus").AtLeast(LevelBasic))
}

func TestGateMiddleware(t *testing.T) {
	var lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		switch r.URL.Path {
		case "/api/v1/agents/good/trust-score":
			w.Write([]byte(`{"trust_level":"CERTIFIED"}`))
		case "/api/v1/agents/weak/trust-score":
			w.Write([]byte(`{"trust_level":"BASIC"}`))
		case "/api/v1/agents/stale/trust-score":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"stale","code":"stale_trust_score"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	gate := NewGate(NewClient(Config{BaseURL: srv.URL}), LevelValidated, time.Minute)
	h := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(agent string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if agent != "" {
			req.Header.Set("X-Agent-ID", agent)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusNoContent, call("good").Code)
	assert.Equal(t, http.StatusNoContent, call("good").Code)
	assert.Equal(t, http.StatusForbidden, call("weak").Code)
	assert.Equal(t, http.StatusForbidden, call("stale").Code)
	assert.Equal(t, http.StatusServiceUnavailable, call("broken").Code)
	assert.Equal(t, int32(4), lookups.Load(), "second call for good is cached")
}
