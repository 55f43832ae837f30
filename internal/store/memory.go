package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocx/trustscore/internal/core"
)

// MemoryStore keeps records in process memory. Used for tests and
// single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*core.ValidationRecord
	latest      map[string]*core.TrustScore
	escalations map[string]*core.EscalationCase
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*core.ValidationRecord),
		latest:      make(map[string]*core.TrustScore),
		escalations: make(map[string]*core.EscalationCase),
	}
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *core.ValidationRecord) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("save record: %w", core.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

func (s *MemoryStore) saveLocked(rec *core.ValidationRecord) error {
	if _, exists := s.records[rec.ValidationID]; exists {
		return fmt.Errorf("record %s already exists", rec.ValidationID)
	}
	if rec.Escalation != nil {
		if _, exists := s.escalations[rec.Escalation.ID]; exists {
			return fmt.Errorf("escalation %s already exists", rec.Escalation.ID)
		}
	}

	cp := cloneRecord(rec)
	s.records[rec.ValidationID] = cp
	if cp.TrustScore != nil {
		prev, ok := s.latest[cp.AgentID]
		if !ok || !cp.TrustScore.ComputedAt.Before(prev.ComputedAt) {
			s.latest[cp.AgentID] = cp.TrustScore
		}
	}
	if cp.Escalation != nil {
		c := *cp.Escalation
		s.escalations[c.ID] = &c
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, validationID string) (*core.ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[validationID]
	if !ok {
		return nil, fmt.Errorf("validation %s: %w", validationID, core.ErrNotFound)
	}
	out := cloneRecord(rec)
	if out.Escalation != nil {
		if c, ok := s.escalations[out.Escalation.ID]; ok {
			cc := *c
			out.Escalation = &cc
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestTrustScore(_ context.Context, agentID string) (*core.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.latest[agentID]
	if !ok {
		return nil, fmt.Errorf("trust score for %s: %w", agentID, core.ErrNotFound)
	}
	return cloneScore(score), nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, caseID string) (*core.EscalationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.escalations[caseID]
	if !ok {
		return nil, fmt.Errorf("escalation %s: %w", caseID, core.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) UpdateEscalation(_ context.Context, c core.EscalationCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[c.ID]; !ok {
		return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
	}
	s.escalations[c.ID] = &c
	return nil
}

func (s *MemoryStore) ResolveEscalation(_ context.Context, rec *core.ValidationRecord, c core.EscalationCase) error {
	if rec == nil || rec.ValidationID == "" {
		return fmt.Errorf("resolve escalation: %w", core.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.escalations[c.ID]
	if !ok {
		return fmt.Errorf("escalation %s: %w", c.ID, core.ErrNotFound)
	}
	if cur.Status == core.EscalationResolved {
		return alreadyResolved(*cur)
	}
	if err := s.saveLocked(rec); err != nil {
		return err
	}
	c.Status = core.EscalationResolved
	s.escalations[c.ID] = &c
	return nil
}

func (s *MemoryStore) Close() error { return nil }
