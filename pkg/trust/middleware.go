package trust

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Gate caches agent trust levels and rejects requests from agents below a
// minimum level.
//
// Usage with Gorilla Mux:
//
//	gate := trust.NewGate(client, trust.LevelValidated, time.Minute)
//	router.Use(gate.Middleware)
type Gate struct {
	client *Client
	min    Level
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedLevel
}

type cachedLevel struct {
	level   Level
	fetched time.Time
}

func NewGate(client *Client, min Level, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Gate{
		client: client,
		min:    min,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedLevel),
	}
}

// Middleware reads the agent from X-Agent-ID. Agents without a current score
// are treated as UNVERIFIED; service errors fail closed.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		if agentID == "" {
			deny(w, http.StatusUnauthorized, "missing X-Agent-ID", "")
			return
		}
		level, err := g.level(r, agentID)
		if err != nil {
			slog.Warn("trust lookup failed", "agent_id", agentID, "error", err)
			deny(w, http.StatusServiceUnavailable, "trust service unavailable", "")
			return
		}
		w.Header().Set("X-Trust-Level", string(level))
		if !level.AtLeast(g.min) {
			deny(w, http.StatusForbidden, "agent trust level below "+string(g.min), level)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) level(r *http.Request, agentID string) (Level, error) {
	now := g.now()
	g.mu.Lock()
	c, ok := g.cache[agentID]
	g.mu.Unlock()
	if ok && now.Sub(c.fetched) < g.ttl {
		return c.level, nil
	}

	level := LevelUnverified
	score, err := g.client.GetTrustScore(r.Context(), agentID)
	switch {
	case err == nil:
		level = score.TrustLevel
	case IsNotFound(err) || isStale(err):
	default:
		return "", err
	}

	g.mu.Lock()
	g.cache[agentID] = cachedLevel{level: level, fetched: now}
	g.mu.Unlock()
	return level, nil
}

func isStale(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "stale_trust_score"
}

func deny(w http.ResponseWriter, status int, msg string, level Level) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"error": msg}
	if level != "" {
		body["trust_level"] = level
	}
	json.NewEncoder(w).Encode(body)
}
