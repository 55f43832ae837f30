package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/drift"
	"github.com/ocx/trustscore/internal/escalation"
	"github.com/ocx/trustscore/internal/metrics"
	"github.com/ocx/trustscore/internal/store"
	"github.com/ocx/trustscore/internal/trust"
	"github.com/ocx/trustscore/internal/validator"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*alerts.CloudEvent
}

func (s *recordingSink) Dispatch(_ context.Context, ev *alerts.CloudEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// clock runs on wall time shifted by a settable offset.
type clock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type failingReviewer struct{}

func (failingReviewer) SubmitForReview(context.Context, core.EscalationCase) (string, error) {
	return "", errors.New("review queue unavailable")
}

type harness struct {
	orch      *Orchestrator
	registry  *validator.Registry
	store     *store.MemoryStore
	baselines *drift.MemoryBaselineStore
	queue     *escalation.MemoryQueue
	metrics   *metrics.Metrics
	sink      *recordingSink
	clock     *clock
}

func fixed(id, kind string, score float64) validator.Registration {
	return validator.Registration{
		ID:   id,
		Kind: kind,
		Validator: validator.Func(func(context.Context, string, map[string]interface{}) (core.ValidationResult, error) {
			return core.ValidationResult{Score: score, Confidence: 1}, nil
		}),
	}
}

func failing(id string) validator.Registration {
	return validator.Registration{
		ID:   id,
		Kind: validator.KindQuality,
		Validator: validator.Func(func(context.Context, string, map[string]interface{}) (core.ValidationResult, error) {
			return core.ValidationResult{}, errors.New("model endpoint returned 500")
		}),
	}
}

func hanging(id string) validator.Registration {
	return validator.Registration{
		ID:   id,
		Kind: validator.KindSecurity,
		Validator: validator.Func(func(ctx context.Context, _ string, _ map[string]interface{}) (core.ValidationResult, error) {
			<-ctx.Done()
			return core.ValidationResult{}, ctx.Err()
		}),
	}
}

func newHarness(t *testing.T, regs []validator.Registration, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		registry:  validator.NewRegistry(),
		store:     store.NewMemoryStore(),
		baselines: drift.NewMemoryBaselineStore(),
		queue:     escalation.NewMemoryQueue(),
		metrics:   metrics.New(nil),
		sink:      &recordingSink{},
		clock:     &clock{},
	}
	for _, r := range regs {
		require.NoError(t, h.registry.Register(r))
	}

	deps := Deps{
		Collector:  validator.NewCollector(h.registry, validator.WithMetrics(h.metrics)),
		Calculator: trust.NewCalculator(trust.DefaultConfig(), nil),
		Detector:   drift.NewDetector(drift.DefaultConfig(), h.baselines, h.metrics, nil),
		Submitter:  escalation.NewSubmitter(h.queue, escalation.RetryPolicy{}, nil, h.metrics, nil),
		Store:      h.store,
		Alerts:     h.sink,
		Metrics:    h.metrics,
		Now:        h.clock.Now,
	}
	for _, m := range mutate {
		m(&deps)
	}

	cfg := DefaultConfig()
	cfg.PerValidatorTimeout = 200 * time.Millisecond
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	h.orch = orch
	return h
}

func ids(regs ...validator.Registration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.ID
	}
	return out
}

func stateNames(history []Transition) []core.PipelineState {
	out := make([]core.PipelineState, len(history))
	for i, tr := range history {
		out[i] = tr.To
	}
	return out
}

func TestScenarioAThreeHealthyValidators(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.9),
		fixed("compliance-v1", validator.KindCompliance, 0.85),
		fixed("security-v1", validator.KindSecurity, 0.95),
	}
	h := newHarness(t, regs)

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-a", Validators: ids(regs...)})
	require.NoError(t, err)

	assert.Equal(t, core.StatePersisted, st.State)
	assert.Equal(t, []core.PipelineState{
		core.StateCollecting, core.StateScoring, core.StateClassify,
		core.StateDriftCheck, core.StateComplete, core.StatePersisted,
	}, stateNames(st.History))
	assert.Empty(t, st.Warnings)

	rec := st.Record
	require.NotNil(t, rec)
	require.NotNil(t, rec.TrustScore)
	assert.InDelta(t, 0.9, rec.TrustScore.OverallScore, 1e-9)
	assert.Equal(t, core.RiskLow, rec.TrustScore.RiskLevel)
	assert.Equal(t, core.TrustCertified, rec.TrustScore.TrustLevel)
	assert.Equal(t, st.ValidationID, rec.TrustScore.ValidationID)
	assert.Nil(t, rec.Escalation)
	assert.Nil(t, rec.DriftEvent)
	assert.Contains(t, badgeNames(rec.Badges), "certified")
	assert.Contains(t, badgeNames(rec.Badges), "validated")

	stored, err := h.store.GetRecord(context.Background(), st.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePersisted, stored.State)
	assert.Len(t, stored.ResultSet.Results, 3)

	ts, err := h.orch.GetTrustScore(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, st.ValidationID, ts.ValidationID)
	assert.ElementsMatch(t, badgeNames(rec.Badges), badgeNames(h.orch.ActiveBadges(context.Background(), "agent-a")))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Validations.WithLabelValues(string(core.StatePersisted))))
}

func TestScenarioBTimeoutDegradesAndEscalates(t *testing.T) {
	regs := []validator.Registration{
		hanging("security-v1"),
		fixed("quality-v1", validator.KindQuality, 0.4),
		fixed("bias-v1", validator.KindBias, 0.45),
	}
	h := newHarness(t, regs)

	req := Request{
		AgentID:    "agent-b",
		TenantID:   "tenant-1",
		Validators: ids(regs...),
		Options:    Options{PerValidatorTimeout: 50 * time.Millisecond},
	}
	st, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.StatePersisted, st.State)
	assert.Contains(t, stateNames(st.History), core.StateEscalated)

	rec := st.Record
	require.NotNil(t, rec.TrustScore)
	assert.Equal(t, core.ResultSetDegraded, rec.ResultSet.Status)
	require.Len(t, rec.ResultSet.Failures, 1)
	assert.Equal(t, core.FailureTimeout, rec.ResultSet.Failures[0].Reason)
	assert.InDelta(t, 0.425, rec.TrustScore.OverallScore, 1e-9)
	assert.Equal(t, core.RiskCritical, rec.TrustScore.RiskLevel)
	assert.Equal(t, core.TrustUnverified, rec.TrustScore.TrustLevel)

	require.NotNil(t, rec.Escalation)
	c := rec.Escalation
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "tenant-1", c.TenantID)
	assert.Equal(t, []string{escalation.ReasonHighRisk}, c.Reasons)
	assert.Equal(t, "review-1", c.ReviewHandle)

	stored, err := h.store.GetEscalation(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "review-1", stored.ReviewHandle)
	assert.Equal(t, core.EscalationPending, stored.Status)
	assert.Len(t, h.queue.Pending(), 1)
	assert.Contains(t, h.sink.types(), alerts.TypeEscalationCreated)
}

func TestScenarioCAllValidatorsFail(t *testing.T) {
	regs := []validator.Registration{failing("quality-v1"), failing("quality-v2"), hanging("security-v1")}
	h := newHarness(t, regs)

	st, err := h.orch.Run(context.Background(), Request{
		AgentID:    "agent-c",
		Validators: ids(regs...),
		Options:    Options{PerValidatorTimeout: 30 * time.Millisecond},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInsufficientData))

	var ce *core.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "agent-c", ce.AgentID)
	assert.Equal(t, st.ValidationID, ce.ValidationID)

	assert.Equal(t, core.StateFailed, st.State)
	assert.Equal(t, []core.PipelineState{core.StateCollecting, core.StateFailed}, stateNames(st.History))

	rec, err := h.store.GetRecord(context.Background(), st.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, rec.State)
	assert.Nil(t, rec.TrustScore)
	assert.Len(t, rec.ResultSet.Failures, 3)

	_, err = h.orch.GetTrustScore(context.Background(), "agent-c")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Contains(t, h.sink.types(), alerts.TypeValidationFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.InsufficientData))
}

func TestScenarioDSevereDriftEscalates(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.55),
		fixed("quality-v2", validator.KindQuality, 0.55),
	}
	h := newHarness(t, regs)
	require.NoError(t, h.baselines.Save(context.Background(), core.BaselineProfile{
		AgentID:     "agent-d",
		Mean:        0.8,
		Variance:    0.0025,
		SampleCount: 20,
	}))

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-d", Validators: ids(regs...)})
	require.NoError(t, err)

	rec := st.Record
	require.NotNil(t, rec.DriftEvent)
	assert.InDelta(t, 5.0, rec.DriftEvent.DriftScore, 1e-6)
	assert.Equal(t, core.DriftSevere, rec.DriftEvent.Severity)
	assert.Equal(t, st.ValidationID, rec.DriftEvent.ValidationID)

	require.NotNil(t, rec.Escalation)
	assert.Equal(t, []string{escalation.ReasonHighRisk, escalation.ReasonSevereDrift}, rec.Escalation.Reasons)
	assert.Contains(t, h.sink.types(), alerts.TypeDriftDetected)
}

func TestSevereDriftEscalatesLowRiskScore(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.92),
		fixed("quality-v2", validator.KindQuality, 0.92),
	}
	h := newHarness(t, regs)
	require.NoError(t, h.baselines.Save(context.Background(), core.BaselineProfile{
		AgentID:     "agent-d",
		Mean:        0.99,
		Variance:    0.000001,
		SampleCount: 20,
	}))

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-d", Validators: ids(regs...)})
	require.NoError(t, err)
	require.NotNil(t, st.Record.Escalation)
	assert.Equal(t, core.RiskLow, st.Record.TrustScore.RiskLevel)
	assert.Equal(t, []string{escalation.ReasonSevereDrift}, st.Record.Escalation.Reasons)
}

func TestEscalationDeliveryFailureKeepsScore(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.3),
		fixed("quality-v2", validator.KindQuality, 0.3),
	}
	h := newHarness(t, regs, func(d *Deps) {
		policy := escalation.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
		d.Submitter = escalation.NewSubmitter(failingReviewer{}, policy, nil, d.Metrics, nil)
	})

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-e", Validators: ids(regs...)})
	require.NoError(t, err)
	assert.Equal(t, core.StatePersisted, st.State)
	require.Len(t, st.Warnings, 1)
	assert.Contains(t, st.Warnings[0], "not delivered to reviewers")

	ts, err := h.orch.GetTrustScore(context.Background(), "agent-e")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, ts.OverallScore, 1e-9)
	assert.Contains(t, h.sink.types(), alerts.TypeDeliveryFailed)
}

func TestSubmitValidationIsAsync(t *testing.T) {
	release := make(chan struct{})
	slow := validator.Registration{
		ID:   "quality-v1",
		Kind: validator.KindQuality,
		Validator: validator.Func(func(ctx context.Context, _ string, _ map[string]interface{}) (core.ValidationResult, error) {
			select {
			case <-release:
				return core.ValidationResult{Score: 0.8, Confidence: 1}, nil
			case <-ctx.Done():
				return core.ValidationResult{}, ctx.Err()
			}
		}),
	}
	h := newHarness(t, []validator.Registration{slow})

	id, err := h.orch.SubmitValidation(context.Background(), Request{
		AgentID:    "agent-f",
		Validators: []string{"quality-v1"},
		Options:    Options{PerValidatorTimeout: 5 * time.Second},
	})
	require.NoError(t, err)

	st, err := h.orch.GetValidation(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, st.Done())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err = h.orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatePersisted, st.State)
}

func TestCancelStopsInFlightValidators(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocking := validator.Registration{
		ID:   "security-v1",
		Kind: validator.KindSecurity,
		Validator: validator.Func(func(ctx context.Context, _ string, _ map[string]interface{}) (core.ValidationResult, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return core.ValidationResult{}, ctx.Err()
		}),
	}
	h := newHarness(t, []validator.Registration{blocking})

	id, err := h.orch.SubmitValidation(context.Background(), Request{
		AgentID:    "agent-g",
		Validators: []string{"security-v1"},
		Options:    Options{PerValidatorTimeout: 10 * time.Second},
	})
	require.NoError(t, err)
	<-started
	require.NoError(t, h.orch.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, st.State)
	assert.Contains(t, st.Error, core.ErrCancelled.Error())

	_, err = h.orch.GetTrustScore(context.Background(), "agent-g")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	err = h.orch.Cancel("missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestGetTrustScoreStale(t *testing.T) {
	regs := []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)}
	h := newHarness(t, regs)

	_, err := h.orch.Run(context.Background(), Request{AgentID: "agent-h", Validators: ids(regs...)})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.orch.GetTrustScore(context.Background(), "agent-h")
	assert.True(t, errors.Is(err, core.ErrStaleTrustScore))

	_, err = h.orch.GetTrustScore(context.Background(), "agent-unknown")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)})

	_, err := h.orch.SubmitValidation(context.Background(), Request{Validators: []string{"quality-v1"}})
	assert.True(t, errors.Is(err, core.ErrInvalidRequest))

	_, err = h.orch.SubmitValidation(context.Background(), Request{AgentID: "agent-1"})
	assert.True(t, errors.Is(err, core.ErrInvalidRequest))

	_, err = h.orch.SubmitValidation(context.Background(), Request{
		AgentID:    "agent-1",
		Validators: []string{"quality-v1"},
		Options:    Options{Strategy: "median"},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidRequest))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	_, err = New(Config{Strategy: "median"}, Deps{
		Collector:  validator.NewCollector(validator.NewRegistry()),
		Calculator: trust.NewCalculator(trust.Config{}, nil),
		Detector:   drift.NewDetector(drift.Config{}, nil, nil, nil),
		Store:      store.NewMemoryStore(),
	})
	assert.Error(t, err)
}

func TestGetValidationFallsBackToStore(t *testing.T) {
	regs := []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)}
	h := newHarness(t, regs)
	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-i", Validators: ids(regs...)})
	require.NoError(t, err)

	other, err := New(DefaultConfig(), Deps{
		Collector:  validator.NewCollector(h.registry),
		Calculator: trust.NewCalculator(trust.Config{}, nil),
		Detector:   drift.NewDetector(drift.Config{}, nil, nil, nil),
		Store:      h.store,
	})
	require.NoError(t, err)

	got, err := other.GetValidation(context.Background(), st.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePersisted, got.State)
	assert.Equal(t, "agent-i", got.AgentID)

	_, err = other.GetValidation(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestResolveEscalationSupersedesScore(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.4),
		fixed("bias-v1", validator.KindBias, 0.45),
	}
	h := newHarness(t, regs)

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-j", Validators: ids(regs...)})
	require.NoError(t, err)
	require.NotNil(t, st.Record.Escalation)
	caseID := st.Record.Escalation.ID

	inReview, err := h.orch.UpdateEscalationStatus(context.Background(), caseID, core.EscalationInReview, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.EscalationInReview, inReview.Status)
	assert.Equal(t, "alice", inReview.AssignedReviewer)

	factor := 1.2
	adjusted, err := h.orch.ResolveEscalation(context.Background(), caseID, core.ReviewOutcome{
		Decision:         core.ReviewAdjust,
		Reviewer:         "alice",
		AdjustmentFactor: &factor,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.51, adjusted.OverallScore, 1e-9)
	assert.Equal(t, core.RiskHigh, adjusted.RiskLevel)
	assert.Equal(t, core.TrustBasic, adjusted.TrustLevel)
	require.NotNil(t, adjusted.HumanAdjustment)
	assert.Equal(t, caseID, adjusted.HumanAdjustment.CaseID)
	assert.NotEqual(t, st.ValidationID, adjusted.ValidationID)

	current, err := h.orch.GetTrustScore(context.Background(), "agent-j")
	require.NoError(t, err)
	assert.Equal(t, adjusted.ValidationID, current.ValidationID)

	superseding, err := h.store.GetRecord(context.Background(), adjusted.ValidationID)
	require.NoError(t, err)
	assert.Len(t, superseding.ResultSet.Results, 2)
	assert.Equal(t, adjusted.ValidationID, superseding.ResultSet.ValidationID)

	original, err := h.store.GetRecord(context.Background(), st.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, st.ValidationID, original.ResultSet.ValidationID)

	resolved, err := h.orch.GetEscalation(context.Background(), caseID)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, resolved.Status)
	require.NotNil(t, resolved.Outcome)
	assert.Equal(t, core.ReviewAdjust, resolved.Outcome.Decision)
	assert.Empty(t, h.queue.Pending())

	_, err = h.orch.ResolveEscalation(context.Background(), caseID, core.ReviewOutcome{Decision: core.ReviewApprove})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	_, err = h.orch.UpdateEscalationStatus(context.Background(), caseID, core.EscalationInReview, "bob")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

// slowEscalations widens the window between reading a case and resolving it.
type slowEscalations struct {
	*store.MemoryStore
	delay time.Duration
}

func (s slowEscalations) GetEscalation(ctx context.Context, caseID string) (*core.EscalationCase, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.GetEscalation(ctx, caseID)
}

func TestConcurrentResolveAppliesOnce(t *testing.T) {
	regs := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.4),
		fixed("bias-v1", validator.KindBias, 0.45),
	}
	mem := store.NewMemoryStore()
	h := newHarness(t, regs, func(d *Deps) {
		d.Store = slowEscalations{MemoryStore: mem, delay: 20 * time.Millisecond}
	})

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-q", Validators: ids(regs...)})
	require.NoError(t, err)
	require.NotNil(t, st.Record.Escalation)
	caseID := st.Record.Escalation.ID

	factor := 1.5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.ResolveEscalation(context.Background(), caseID, core.ReviewOutcome{
				Decision:         core.ReviewAdjust,
				Reviewer:         "alice",
				AdjustmentFactor: &factor,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.True(t, errors.Is(err, core.ErrInvalidTransition), err)
			rejected++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 63, rejected)

	ts, err := mem.LatestTrustScore(context.Background(), "agent-q")
	require.NoError(t, err)
	assert.InDelta(t, 0.6375, ts.OverallScore, 1e-9)
}

func TestUpdateEscalationStatusRejectsResolve(t *testing.T) {
	regs := []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.2)}
	h := newHarness(t, regs)
	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-k", Validators: ids(regs...)})
	require.NoError(t, err)
	require.NotNil(t, st.Record.Escalation)

	_, err = h.orch.UpdateEscalationStatus(context.Background(), st.Record.Escalation.ID, core.EscalationResolved, "")
	assert.True(t, errors.Is(err, core.ErrInvalidRequest))

	_, err = h.orch.ResolveEscalation(context.Background(), "missing", core.ReviewOutcome{Decision: core.ReviewApprove})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestMonitorSkipsOverlappingCycles(t *testing.T) {
	release := make(chan struct{})
	slow := validator.Registration{
		ID:   "quality-v1",
		Kind: validator.KindQuality,
		Validator: validator.Func(func(ctx context.Context, _ string, _ map[string]interface{}) (core.ValidationResult, error) {
			select {
			case <-release:
				return core.ValidationResult{Score: 0.9, Confidence: 1}, nil
			case <-ctx.Done():
				return core.ValidationResult{}, ctx.Err()
			}
		}),
	}
	h := newHarness(t, []validator.Registration{slow})

	err := h.orch.RegisterAgentForMonitoring("agent-m", 10*time.Millisecond, Request{
		Validators: []string{"quality-v1"},
		Options:    Options{PerValidatorTimeout: 5 * time.Second},
	})
	require.NoError(t, err)
	require.Len(t, h.orch.Monitored(), 1)
	assert.Equal(t, "agent-m", h.orch.Monitored()[0].AgentID)

	skipped := h.metrics.MonitorCycles.WithLabelValues("skipped")
	assert.Eventually(t, func() bool { return testutil.ToFloat64(skipped) >= 2 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	completed := h.metrics.MonitorCycles.WithLabelValues("completed")
	assert.Eventually(t, func() bool { return testutil.ToFloat64(completed) >= 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, h.orch.UnregisterAgent("agent-m"))
	assert.False(t, h.orch.UnregisterAgent("agent-m"))
	assert.Empty(t, h.orch.Monitored())

	_, err = h.orch.GetTrustScore(context.Background(), "agent-m")
	assert.NoError(t, err)
}

func TestRegisterAgentForMonitoringValidates(t *testing.T) {
	h := newHarness(t, []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)})

	err := h.orch.RegisterAgentForMonitoring("agent-n", 0, Request{Validators: []string{"quality-v1"}})
	assert.True(t, errors.Is(err, core.ErrInvalidRequest))

	require.NoError(t, h.orch.RegisterAgentForMonitoring("agent-n", time.Hour, Request{Validators: []string{"quality-v1"}}))
	require.NoError(t, h.orch.RegisterAgentForMonitoring("agent-n", 2*time.Hour, Request{Validators: []string{"quality-v1"}}))
	got := h.orch.Monitored()
	require.Len(t, got, 1)
	assert.Equal(t, 2*time.Hour, got[0].Interval)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t, []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)})
	require.NoError(t, h.orch.Shutdown(context.Background()))

	_, err := h.orch.SubmitValidation(context.Background(), Request{AgentID: "agent-o", Validators: []string{"quality-v1"}})
	assert.ErrorIs(t, err, ErrShutdown)
	err = h.orch.RegisterAgentForMonitoring("agent-o", time.Minute, Request{Validators: []string{"quality-v1"}})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownRacesSubmissions(t *testing.T) {
	h := newHarness(t, []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.9)})

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.orch.SubmitValidation(context.Background(), Request{AgentID: "agent-r", Validators: []string{"quality-v1"}})
			if err != nil {
				assert.ErrorIs(t, err, ErrShutdown)
			}
		}()
	}
	close(start)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	wg.Wait()

	_, err := h.orch.Run(context.Background(), Request{AgentID: "agent-r", Validators: []string{"quality-v1"}})
	assert.ErrorIs(t, err, ErrShutdown)
}

// failingSaves accepts reads but rejects every record write.
type failingSaves struct {
	*store.MemoryStore
}

func (failingSaves) SaveRecord(context.Context, *core.ValidationRecord) error {
	return errors.New("database unavailable")
}

func TestFailedPersistKeepsBaseline(t *testing.T) {
	regs := []validator.Registration{fixed("quality-v1", validator.KindQuality, 0.3)}
	h := newHarness(t, regs, func(d *Deps) {
		d.Store = failingSaves{MemoryStore: store.NewMemoryStore()}
	})
	require.NoError(t, h.baselines.Save(context.Background(), core.BaselineProfile{
		AgentID:     "agent-p",
		Mean:        0.8,
		Variance:    0.0025,
		SampleCount: 20,
	}))

	st, err := h.orch.Run(context.Background(), Request{AgentID: "agent-p", Validators: ids(regs...)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, core.StateFailed, st.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistFailures))

	b, err := h.baselines.Load(context.Background(), "agent-p")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(20), b.SampleCount)
	assert.InDelta(t, 0.8, b.Mean, 1e-9)

	// The agent is unlocked again.
	_, err = h.orch.deps.Detector.Observe(context.Background(), &core.TrustScore{AgentID: "agent-p", OverallScore: 0.8})
	require.NoError(t, err)
	b, err = h.baselines.Load(context.Background(), "agent-p")
	require.NoError(t, err)
	assert.Equal(t, int64(21), b.SampleCount)
}

func TestRestartRestoresBadges(t *testing.T) {
	mem := store.NewMemoryStore()
	shared := func(d *Deps) { d.Store = mem }
	healthy := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.9),
		fixed("compliance-v1", validator.KindCompliance, 0.85),
		fixed("security-v1", validator.KindSecurity, 0.95),
	}
	first := newHarness(t, healthy, shared)
	st, err := first.orch.Run(context.Background(), Request{AgentID: "agent-s", Validators: ids(healthy...)})
	require.NoError(t, err)
	granted := badgeNames(st.Record.Badges)
	require.NotEmpty(t, granted)

	restarted := newHarness(t, healthy, shared)
	assert.ElementsMatch(t, granted, badgeNames(restarted.orch.ActiveBadges(context.Background(), "agent-s")))
	assert.Empty(t, restarted.orch.ActiveBadges(context.Background(), "agent-unknown"))

	degraded := []validator.Registration{
		fixed("quality-v1", validator.KindQuality, 0.2),
		fixed("compliance-v1", validator.KindCompliance, 0.2),
	}
	again := newHarness(t, degraded, shared)
	st, err = again.orch.Run(context.Background(), Request{AgentID: "agent-s", Validators: ids(degraded...)})
	require.NoError(t, err)
	assert.ElementsMatch(t, granted, badgeNames(st.Record.RevokedBadges))
	assert.Contains(t, again.sink.types(), alerts.TypeBadgeRevoked)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(core.StateReceived, core.StateCollecting))
	assert.True(t, CanTransition(core.StateDriftCheck, core.StateEscalated))
	assert.True(t, CanTransition(core.StateComplete, core.StatePersisted))
	assert.False(t, CanTransition(core.StateReceived, core.StatePersisted))
	assert.False(t, CanTransition(core.StateScoring, core.StateCollecting))
	assert.False(t, CanTransition(core.StatePersisted, core.StateFailed))
	assert.False(t, CanTransition(core.StateFailed, core.StateCollecting))

	s := newSession("val-1", Request{AgentID: "agent-1"}, time.Now())
	err := s.advance(core.StateScoring, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	assert.True(t, strings.Contains(err.Error(), "RECEIVED -> SCORING"))
	assert.Equal(t, core.StateReceived, s.current())
}
