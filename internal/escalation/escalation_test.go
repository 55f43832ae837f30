package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trustscore/internal/circuitbreaker"
	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/database"
	"github.com/ocx/trustscore/internal/metrics"
)

func score(overall float64, risk core.RiskLevel, lower, upper float64) *core.TrustScore {
	return &core.TrustScore{
		AgentID:            "agent-1",
		ValidationID:       "val-1",
		OverallScore:       overall,
		RiskLevel:          risk,
		ConfidenceInterval: core.Interval{Lower: lower, Upper: upper},
	}
}

func TestRouteNoEscalation(t *testing.T) {
	r := NewRouter(DefaultConfig())
	assert.Nil(t, r.Route(score(0.9, core.RiskLow, 0.85, 0.95), nil))
	assert.Nil(t, r.Route(score(0.75, core.RiskMedium, 0.6, 0.9), &core.DriftEvent{Severity: core.DriftModerate}))
	assert.Nil(t, r.Route(nil, nil))
}

func TestRouteHighRisk(t *testing.T) {
	r := NewRouter(DefaultConfig())
	c := r.Route(score(0.425, core.RiskCritical, 0.38, 0.47), nil)
	require.NotNil(t, c)
	assert.Equal(t, []string{ReasonHighRisk}, c.Reasons)
	assert.Equal(t, core.EscalationPending, c.Status)
	assert.Equal(t, "agent-1", c.AgentID)
	assert.Equal(t, "val-1", c.ValidationID)
	assert.Contains(t, c.Reason, "CRITICAL")
	assert.Empty(t, c.ID)
}

func TestRouteWideInterval(t *testing.T) {
	r := NewRouter(Config{MaxIntervalWidth: 0.2})
	c := r.Route(score(0.8, core.RiskMedium, 0.65, 0.95), nil)
	require.NotNil(t, c)
	assert.Equal(t, []string{ReasonLowConfident}, c.Reasons)

	// exactly at the limit is trusted
	assert.Nil(t, r.Route(score(0.8, core.RiskMedium, 0.75, 0.95), nil))
}

func TestRouteSevereDriftRegardlessOfRisk(t *testing.T) {
	r := NewRouter(DefaultConfig())
	event := &core.DriftEvent{AgentID: "agent-1", DriftScore: 5, Severity: core.DriftSevere}
	c := r.Route(score(0.95, core.RiskLow, 0.9, 1.0), event)
	require.NotNil(t, c)
	assert.Equal(t, []string{ReasonSevereDrift}, c.Reasons)
	require.NotNil(t, c.DriftEvent)
	assert.NotSame(t, event, c.DriftEvent)
}

func TestRouteAllReasonsInOrder(t *testing.T) {
	r := NewRouter(DefaultConfig())
	event := &core.DriftEvent{DriftScore: 5, Severity: core.DriftSevere}
	c := r.Route(score(0.55, core.RiskHigh, 0, 1), event)
	require.NotNil(t, c)
	assert.Equal(t, []string{ReasonHighRisk, ReasonLowConfident, ReasonSevereDrift}, c.Reasons)
}

func TestRouteIsDeterministic(t *testing.T) {
	r := NewRouter(DefaultConfig())
	s := score(0.55, core.RiskHigh, 0.1, 0.9)
	event := &core.DriftEvent{DriftScore: 3.5, Severity: core.DriftSevere}
	assert.Equal(t, r.Route(s, event), r.Route(s, event))
}

type flakyReviewer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyReviewer) SubmitForReview(ctx context.Context, c core.EscalationCase) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("queue unavailable")
	}
	return "handle-" + c.ID, nil
}

func noSleep(s *Submitter, delays *[]time.Duration) {
	s.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestSubmitRetriesWithBackoff(t *testing.T) {
	reviewer := &flakyReviewer{failures: 2}
	s := NewSubmitter(reviewer, DefaultRetryPolicy(), nil, metrics.New(nil), nil)
	var delays []time.Duration
	noSleep(s, &delays)

	handle, err := s.Submit(context.Background(), core.EscalationCase{ID: "case-1"})
	require.NoError(t, err)
	assert.Equal(t, "handle-case-1", handle)
	assert.Equal(t, 3, reviewer.calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	reviewer := &flakyReviewer{failures: 100}
	s := NewSubmitter(reviewer, DefaultRetryPolicy(), nil, nil, nil)
	var delays []time.Duration
	noSleep(s, &delays)

	_, err := s.Submit(context.Background(), core.EscalationCase{ID: "case-1", AgentID: "agent-1", ValidationID: "val-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEscalationDeliveryFailure)
	assert.Contains(t, err.Error(), "agent=agent-1")
	assert.Equal(t, 4, reviewer.calls)
	assert.Len(t, delays, 3)
}

func TestSubmitStopsWhenBreakerOpens(t *testing.T) {
	reviewer := &flakyReviewer{failures: 100}
	cfg := circuitbreaker.DefaultConfig("hitl")
	cfg.ShouldTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 }
	cfg.OnStateChange = nil
	s := NewSubmitter(reviewer, DefaultRetryPolicy(), circuitbreaker.New(cfg), nil, nil)
	var delays []time.Duration
	noSleep(s, &delays)

	_, err := s.Submit(context.Background(), core.EscalationCase{ID: "case-1"})
	assert.ErrorIs(t, err, core.ErrEscalationDeliveryFailure)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, reviewer.calls)
}

func TestRetryDelayIsCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(5))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

type fakeTable struct {
	rows    []*database.ReviewRow
	updates []string
}

func (f *fakeTable) InsertReview(_ context.Context, row *database.ReviewRow) error {
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeTable) UpdateReviewStatus(_ context.Context, reviewID, status, reviewer, decision string) error {
	f.updates = append(f.updates, reviewID+":"+status+":"+reviewer+":"+decision)
	return nil
}

func TestSupabaseReviewQueue(t *testing.T) {
	table := &fakeTable{}
	q := NewSupabaseReviewQueue(table)
	s := NewSubmitter(q, DefaultRetryPolicy(), nil, nil, nil)

	c := *NewRouter(DefaultConfig()).Route(score(0.4, core.RiskCritical, 0.3, 0.5), &core.DriftEvent{DriftScore: 4.2, Severity: core.DriftSevere})
	c.ID = "case-1"
	c.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	handle, err := s.Submit(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, table.rows, 1)
	row := table.rows[0]
	assert.Equal(t, handle, row.ReviewID)
	assert.Equal(t, "case-1", row.CaseID)
	assert.Equal(t, "PENDING", row.Status)
	assert.Equal(t, "CRITICAL", row.RiskLevel)
	require.NotNil(t, row.DriftScore)
	assert.Equal(t, 4.2, *row.DriftScore)
	assert.Equal(t, "2026-03-01T12:00:00Z", row.CreatedAt)

	c.ReviewHandle = handle
	c.Status = core.EscalationResolved
	c.Outcome = &core.ReviewOutcome{Decision: core.ReviewApprove, Reviewer: "alice"}
	require.NoError(t, s.RecordStatus(context.Background(), c))
	assert.Equal(t, []string{handle + ":RESOLVED:alice:APPROVE"}, table.updates)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	handle, err := q.SubmitForReview(context.Background(), core.EscalationCase{ID: "case-1", Status: core.EscalationPending})
	require.NoError(t, err)
	assert.Len(t, q.Pending(), 1)

	require.NoError(t, q.RecordStatus(context.Background(), core.EscalationCase{ID: "case-1", ReviewHandle: handle, Status: core.EscalationResolved}))
	assert.Empty(t, q.Pending())

	err = q.RecordStatus(context.Background(), core.EscalationCase{ReviewHandle: "missing"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}
