package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// Transition is one step in a session's history.
type Transition struct {
	From core.PipelineState `json:"from"`
	To   core.PipelineState `json:"to"`
	At   time.Time          `json:"at"`
}

// ValidationStatus is a point-in-time view of a validation request.
type ValidationStatus struct {
	ValidationID string                 `json:"validation_id"`
	AgentID      string                 `json:"agent_id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	State        core.PipelineState     `json:"state"`
	History      []Transition           `json:"history,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Record       *core.ValidationRecord `json:"record,omitempty"`
	SubmittedAt  time.Time              `json:"submitted_at"`
}

// Done reports whether the request reached PERSISTED or FAILED.
func (s ValidationStatus) Done() bool {
	return s.State.IsTerminal()
}

type session struct {
	mu          sync.Mutex
	id          string
	req         Request
	state       core.PipelineState
	history     []Transition
	warnings    []string
	err         error
	record      *core.ValidationRecord
	submittedAt time.Time
	finishedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id string, req Request, now time.Time) *session {
	return &session{
		id:          id,
		req:         req,
		state:       core.StateReceived,
		submittedAt: now,
		done:        make(chan struct{}),
	}
}

func (s *session) advance(to core.PipelineState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.req.AgentID, s.id, s.state, to); err != nil {
		return err
	}
	s.history = append(s.history, Transition{From: s.state, To: to, At: at})
	s.state = to
	if to.IsTerminal() {
		s.finishedAt = at
	}
	return nil
}

func (s *session) current() core.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) warn(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

func (s *session) setResult(rec *core.ValidationRecord, err error) {
	s.mu.Lock()
	s.record = rec
	s.err = err
	s.mu.Unlock()
}

func (s *session) status() ValidationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ValidationStatus{
		ValidationID: s.id,
		AgentID:      s.req.AgentID,
		TenantID:     s.req.TenantID,
		State:        s.state,
		History:      append([]Transition(nil), s.history...),
		Warnings:     append([]string(nil), s.warnings...),
		Record:       s.record,
		SubmittedAt:  s.submittedAt,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsTerminal() && now.Sub(s.finishedAt) > ttl
}
