package badge

import (
	"sync"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// Ledger tracks the badges currently held by each agent.
type Ledger struct {
	mu   sync.Mutex
	held map[string][]core.Badge
}

func NewLedger() *Ledger {
	return &Ledger{held: make(map[string][]core.Badge)}
}

// Apply replaces the agent's badges with granted and returns the badges that
// were held before but are not granted again.
func (l *Ledger) Apply(agentID string, granted []core.Badge) []core.Badge {
	l.mu.Lock()
	defer l.mu.Unlock()

	revoked := revokedBy(l.held[agentID], granted)
	l.held[agentID] = append([]core.Badge(nil), granted...)
	return revoked
}

// Preview returns what Apply would revoke without changing the ledger.
func (l *Ledger) Preview(agentID string, granted []core.Badge) []core.Badge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return revokedBy(l.held[agentID], granted)
}

func revokedBy(held, granted []core.Badge) []core.Badge {
	keep := make(map[string]bool, len(granted))
	for _, b := range granted {
		keep[b.Name] = true
	}
	var revoked []core.Badge
	for _, b := range held {
		if !keep[b.Name] {
			revoked = append(revoked, b)
		}
	}
	return revoked
}

// Restore seeds an agent's badges, e.g. from the latest persisted record.
func (l *Ledger) Restore(agentID string, badges []core.Badge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[agentID]; !ok {
		l.held[agentID] = append([]core.Badge(nil), badges...)
	}
}

// Known reports whether the ledger has seen agentID, including an agent
// restored with no badges.
func (l *Ledger) Known(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[agentID]
	return ok
}

// Active returns the agent's unexpired badges.
func (l *Ledger) Active(agentID string, now time.Time) []core.Badge {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Badge
	for _, b := range l.held[agentID] {
		if b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt) {
			out = append(out, b)
		}
	}
	return out
}
