// Package store persists validation records. A record is written in one
// atomic operation so a TrustScore never exists without the ResultSet,
// badges, drift event and escalation case that came with it.
package store

import (
	"context"
	"fmt"

	"github.com/ocx/trustscore/internal/core"
)

// Store is implemented by every persistence backend.
type Store interface {
	// SaveRecord persists rec atomically. Either everything in it is stored
	// or nothing is.
	SaveRecord(ctx context.Context, rec *core.ValidationRecord) error

	// GetRecord returns the record for a validation, with the current state of
	// its escalation case. core.ErrNotFound if unknown.
	GetRecord(ctx context.Context, validationID string) (*core.ValidationRecord, error)

	// LatestTrustScore returns the most recently computed score for an agent.
	LatestTrustScore(ctx context.Context, agentID string) (*core.TrustScore, error)

	GetEscalation(ctx context.Context, caseID string) (*core.EscalationCase, error)
	UpdateEscalation(ctx context.Context, c core.EscalationCase) error

	// ResolveEscalation persists rec and stores c as RESOLVED in one atomic
	// step. It fails with core.ErrInvalidTransition when the stored case is
	// already resolved, so only one resolution of a case is ever written.
	ResolveEscalation(ctx context.Context, rec *core.ValidationRecord, c core.EscalationCase) error

	Close() error
}

// Archiver copies persisted records to long-term storage.
type Archiver interface {
	ArchiveRecord(ctx context.Context, rec *core.ValidationRecord) error
}

// ScoreCache is a read-through cache in front of LatestTrustScore.
type ScoreCache interface {
	Get(ctx context.Context, agentID string) (*core.TrustScore, error)
	Set(ctx context.Context, score *core.TrustScore) error
	Invalidate(ctx context.Context, agentID string) error
}

func alreadyResolved(c core.EscalationCase) error {
	return core.NewError(core.ErrInvalidTransition, c.AgentID, c.ValidationID,
		fmt.Errorf("escalation %s is already resolved", c.ID))
}

func cloneRecord(rec *core.ValidationRecord) *core.ValidationRecord {
	out := *rec
	if rec.TrustScore != nil {
		out.TrustScore = cloneScore(rec.TrustScore)
	}
	if rec.DriftEvent != nil {
		e := *rec.DriftEvent
		out.DriftEvent = &e
	}
	if rec.Escalation != nil {
		c := *rec.Escalation
		out.Escalation = &c
	}
	out.Badges = append([]core.Badge(nil), rec.Badges...)
	out.RevokedBadges = append([]core.Badge(nil), rec.RevokedBadges...)
	out.ResultSet.Results = append([]core.ValidationResult(nil), rec.ResultSet.Results...)
	out.ResultSet.Failures = append([]core.ValidatorFailure(nil), rec.ResultSet.Failures...)
	return &out
}

func cloneScore(s *core.TrustScore) *core.TrustScore {
	out := *s
	out.ComponentScores = cloneFloats(s.ComponentScores)
	out.KindScores = cloneFloats(s.KindScores)
	if s.HumanAdjustment != nil {
		h := *s.HumanAdjustment
		out.HumanAdjustment = &h
	}
	return &out
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
