// Package orchestrator coordinates one validation request through collection,
// scoring, badge assignment, drift detection and escalation, and persists the
// outcome as a single atomic record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/badge"
	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/drift"
	"github.com/ocx/trustscore/internal/escalation"
	"github.com/ocx/trustscore/internal/metrics"
	"github.com/ocx/trustscore/internal/store"
	"github.com/ocx/trustscore/internal/trust"
	"github.com/ocx/trustscore/internal/validator"
)

// ErrShutdown is returned by SubmitValidation after Shutdown.
var ErrShutdown = errors.New("orchestrator is shut down")

// Request is one validation request.
type Request struct {
	AgentID    string                 `json:"agent_id"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Validators []string               `json:"validators,omitempty"`
	Options    Options                `json:"options"`
}

// Options tune a single request. Zero values fall back to Config.
type Options struct {
	Strategy            string        `json:"strategy,omitempty"`
	PerValidatorTimeout time.Duration `json:"per_validator_timeout,omitempty"`
	Deadline            time.Time     `json:"deadline,omitempty"`
}

// Config is the explicit configuration of one orchestrator instance.
type Config struct {
	PerValidatorTimeout time.Duration `yaml:"per_validator_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	PersistTimeout      time.Duration `yaml:"persist_timeout"`
	EscalationTimeout   time.Duration `yaml:"escalation_timeout"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	DefaultValidators   []string      `yaml:"default_validators"`
	Strategy            string        `yaml:"strategy"`
}

func DefaultConfig() Config {
	return Config{
		PerValidatorTimeout: 5 * time.Second,
		RequestTimeout:      30 * time.Second,
		PersistTimeout:      10 * time.Second,
		EscalationTimeout:   30 * time.Second,
		SessionTTL:          time.Hour,
		Strategy:            trust.DefaultStrategy,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PerValidatorTimeout <= 0 {
		c.PerValidatorTimeout = d.PerValidatorTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = d.EscalationTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	return c
}

// AlertSink receives fire-and-forget alerts. *alerts.Dispatcher implements it.
type AlertSink interface {
	Dispatch(ctx context.Context, ev *alerts.CloudEvent)
}

// Deps are the collaborators of an orchestrator. Collector, Calculator,
// Detector and Store are required.
type Deps struct {
	Collector  *validator.Collector
	Calculator *trust.Calculator
	Catalogue  badge.Catalogue
	Ledger     *badge.Ledger
	Detector   *drift.Detector
	Router     *escalation.Router
	Submitter  *escalation.Submitter
	Store      store.Store
	Cache      store.ScoreCache
	Archiver   store.Archiver
	Alerts     AlertSink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator owns the validation session lifecycle.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	monitor *Monitor
}

// New validates deps and creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Collector == nil:
		return nil, errors.New("orchestrator: collector is required")
	case deps.Calculator == nil:
		return nil, errors.New("orchestrator: calculator is required")
	case deps.Detector == nil:
		return nil, errors.New("orchestrator: drift detector is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	}
	cfg = cfg.withDefaults()
	if _, err := trust.Lookup(cfg.Strategy); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Catalogue == nil {
		deps.Catalogue = badge.DefaultCatalogue()
	}
	if err := deps.Catalogue.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Ledger == nil {
		deps.Ledger = badge.NewLedger()
	}
	if deps.Router == nil {
		r := escalation.NewRouter(escalation.DefaultConfig())
		deps.Router = &r
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "orchestrator"),
		now:      deps.Now,
		sessions: make(map[string]*session),
		baseCtx:  ctx,
		stop:     stop,
	}
	o.monitor = newMonitor(o)
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) normalize(req Request) (Request, error) {
	if req.AgentID == "" {
		return req, core.NewError(core.ErrInvalidRequest, "", "", errors.New("agent_id is required"))
	}
	if len(req.Validators) == 0 {
		req.Validators = append([]string(nil), o.cfg.DefaultValidators...)
	}
	if len(req.Validators) == 0 {
		return req, core.NewError(core.ErrInvalidRequest, req.AgentID, "", errors.New("no validators requested or configured"))
	}
	if req.Options.Strategy == "" {
		req.Options.Strategy = o.cfg.Strategy
	}
	if _, err := trust.Lookup(req.Options.Strategy); err != nil {
		return req, core.NewError(core.ErrInvalidRequest, req.AgentID, "", err)
	}
	if req.Options.PerValidatorTimeout <= 0 {
		req.Options.PerValidatorTimeout = o.cfg.PerValidatorTimeout
	}
	return req, nil
}

// SubmitValidation validates req, starts the pipeline in the background and
// returns the validation ID immediately.
func (o *Orchestrator) SubmitValidation(_ context.Context, req Request) (string, error) {
	req, err := o.normalize(req)
	if err != nil {
		return "", err
	}
	if !o.enter() {
		return "", ErrShutdown
	}

	s, ctx := o.open(req)
	go func() {
		defer o.wg.Done()
		defer s.cancel()
		o.execute(ctx, s)
	}()
	return s.id, nil
}

// Run executes req synchronously and returns its final status.
func (o *Orchestrator) Run(ctx context.Context, req Request) (ValidationStatus, error) {
	req, err := o.normalize(req)
	if err != nil {
		return ValidationStatus{}, err
	}
	if !o.enter() {
		return ValidationStatus{}, ErrShutdown
	}
	defer o.wg.Done()

	s, runCtx := o.open(req)
	stopAfter := context.AfterFunc(ctx, s.cancel)
	defer stopAfter()
	defer s.cancel()

	o.execute(runCtx, s)

	return s.status(), s.err
}

// enter counts a new pipeline run unless shutdown has begun. Shutdown cancels
// baseCtx under the same lock, so no run is added after Wait starts.
func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCtx.Err() != nil {
		return false
	}
	o.wg.Add(1)
	return true
}

// open registers a new session whose context carries the request deadline.
func (o *Orchestrator) open(req Request) (*session, context.Context) {
	now := o.now()
	id := uuid.New().String()
	s := newSession(id, req, now)

	deadline := req.Options.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(o.cfg.RequestTimeout)
	}
	ctx, cancel := context.WithDeadline(o.baseCtx, deadline)
	s.cancel = cancel

	o.mu.Lock()
	o.pruneLocked(now)
	o.sessions[id] = s
	o.mu.Unlock()

	o.deps.Metrics.ObserveTransition(string(core.StateReceived))
	o.logger.Info("validation received",
		"validation_id", id,
		"agent_id", req.AgentID,
		"tenant_id", req.TenantID,
		"validators", len(req.Validators),
		"strategy", req.Options.Strategy,
	)
	return s, ctx
}

func (o *Orchestrator) pruneLocked(now time.Time) {
	for id, s := range o.sessions {
		if s.expired(now, o.cfg.SessionTTL) {
			delete(o.sessions, id)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, s *session) {
	defer close(s.done)
	start := time.Now()

	rec, err := o.pipeline(ctx, s)
	s.setResult(rec, err)

	state := s.current()
	o.deps.Metrics.ObserveValidation(string(state), time.Since(start))
	if err != nil {
		o.logger.Error("validation failed",
			"validation_id", s.id,
			"agent_id", s.req.AgentID,
			"state", state,
			"error", err,
		)
		return
	}
	o.logger.Info("validation finished",
		"validation_id", s.id,
		"agent_id", s.req.AgentID,
		"overall_score", rec.TrustScore.OverallScore,
		"risk_level", rec.TrustScore.RiskLevel,
		"trust_level", rec.TrustScore.TrustLevel,
		"escalated", rec.Escalation != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (o *Orchestrator) step(s *session, to core.PipelineState) error {
	if err := s.advance(to, o.now()); err != nil {
		return err
	}
	o.deps.Metrics.ObserveTransition(string(to))
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, s *session) (*core.ValidationRecord, error) {
	req := s.req
	strategy, err := trust.Lookup(req.Options.Strategy)
	if err != nil {
		return o.fail(s, nil, core.NewError(core.ErrInvalidRequest, req.AgentID, s.id, err))
	}

	if err := o.step(s, core.StateCollecting); err != nil {
		return nil, err
	}
	rs, err := o.deps.Collector.Collect(ctx, s.id, req.AgentID, req.Payload, req.Validators, req.Options.PerValidatorTimeout)
	if err != nil {
		return o.fail(s, nil, err)
	}
	if ctx.Err() != nil {
		return o.fail(s, rs, core.NewError(core.ErrCancelled, req.AgentID, s.id, ctx.Err()))
	}
	if rs.Status == core.ResultSetInsufficientData {
		o.deps.Metrics.ObserveInsufficientData()
		return o.fail(s, rs, core.NewError(core.ErrInsufficientData, req.AgentID, s.id,
			fmt.Errorf("%d of %d validators succeeded", len(rs.Results), rs.Total())))
	}

	if err := o.step(s, core.StateScoring); err != nil {
		return nil, err
	}
	score, err := o.deps.Calculator.Calculate(rs, strategy)
	if err != nil {
		return o.fail(s, rs, err)
	}
	o.deps.Metrics.ObserveScore(req.AgentID, score.OverallScore, string(score.RiskLevel))

	if err := o.step(s, core.StateClassify); err != nil {
		return nil, err
	}
	badges := badge.Assign(score, o.deps.Catalogue)

	if err := o.step(s, core.StateDriftCheck); err != nil {
		return nil, err
	}
	var event *core.DriftEvent
	obs, err := o.deps.Detector.Check(ctx, score)
	if err != nil {
		s.warn(fmt.Sprintf("drift check skipped: %v", err))
		o.logger.Warn("drift check failed", "validation_id", s.id, "agent_id", req.AgentID, "error", err)
	} else {
		event = obs.Event
	}
	// The baseline only moves once the record that produced it is stored.
	defer obs.Release()

	now := o.now()
	c := o.deps.Router.Route(score, event)
	if c != nil {
		c.ID = uuid.New().String()
		c.TenantID = req.TenantID
		c.CreatedAt = now
		c.UpdatedAt = now
		for _, r := range c.Reasons {
			o.deps.Metrics.ObserveEscalation(r)
		}
		if err := o.step(s, core.StateEscalated); err != nil {
			return nil, err
		}
	} else if err := o.step(s, core.StateComplete); err != nil {
		return nil, err
	}

	o.restoreBadges(ctx, req.AgentID)
	rec := &core.ValidationRecord{
		ValidationID:  s.id,
		AgentID:       req.AgentID,
		TenantID:      req.TenantID,
		State:         core.StatePersisted,
		ResultSet:     *rs,
		TrustScore:    score,
		Badges:        badges,
		RevokedBadges: o.deps.Ledger.Preview(req.AgentID, badges),
		DriftEvent:    event,
		Escalation:    c,
		CreatedAt:     now,
	}
	if err := o.persist(ctx, rec); err != nil {
		o.deps.Metrics.ObservePersistFailure()
		if stepErr := o.step(s, core.StateFailed); stepErr != nil {
			return nil, stepErr
		}
		return nil, err
	}
	if err := obs.Commit(context.WithoutCancel(ctx)); err != nil {
		s.warn(fmt.Sprintf("baseline not updated: %v", err))
		o.logger.Warn("baseline save failed", "validation_id", s.id, "agent_id", req.AgentID, "error", err)
	}
	if err := o.step(s, core.StatePersisted); err != nil {
		return nil, err
	}

	o.afterPersist(ctx, s, rec)
	return rec, nil
}

// fail moves s to FAILED and persists its ResultSet without a TrustScore.
func (o *Orchestrator) fail(s *session, rs *core.ResultSet, cause error) (*core.ValidationRecord, error) {
	if err := o.step(s, core.StateFailed); err != nil {
		return nil, err
	}
	if rs == nil {
		rs = &core.ResultSet{ValidationID: s.id, AgentID: s.req.AgentID}
	}
	rec := &core.ValidationRecord{
		ValidationID: s.id,
		AgentID:      s.req.AgentID,
		TenantID:     s.req.TenantID,
		State:        core.StateFailed,
		ResultSet:    *rs,
		Error:        cause.Error(),
		CreatedAt:    o.now(),
	}
	if err := o.persist(context.Background(), rec); err != nil {
		o.deps.Metrics.ObservePersistFailure()
		s.warn(fmt.Sprintf("failed record not persisted: %v", err))
	}
	o.alert(alerts.ValidationFailedAlert(s.req.TenantID, s.req.AgentID, s.id, cause.Error(), rec.CreatedAt))
	return rec, cause
}

// persist writes rec even when the request context was cancelled after scoring.
func (o *Orchestrator) persist(ctx context.Context, rec *core.ValidationRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist validation %s: %w", rec.ValidationID, err)
	}
	return nil
}

func (o *Orchestrator) afterPersist(ctx context.Context, s *session, rec *core.ValidationRecord) {
	bg := context.WithoutCancel(ctx)
	agentID := rec.AgentID

	revoked := o.deps.Ledger.Apply(agentID, rec.Badges)
	o.deps.Metrics.ObserveBadges(badgeNames(rec.Badges), badgeNames(revoked))

	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(bg, rec.TrustScore); err != nil {
			o.logger.Warn("score cache update failed", "agent_id", agentID, "error", err)
		}
	}
	o.archive(bg, rec)

	if rec.DriftEvent != nil {
		o.alert(alerts.DriftAlert(rec.TenantID, *rec.DriftEvent))
	}
	if len(revoked) > 0 {
		o.alert(alerts.BadgeRevokedAlert(rec.TenantID, agentID, rec.ValidationID, revoked, rec.CreatedAt))
	}
	if rec.Escalation != nil {
		o.alert(alerts.EscalationAlert(alerts.TypeEscalationCreated, *rec.Escalation))
		o.submitEscalation(bg, s, rec.Escalation)
	}
}

// submitEscalation hands c to the HITL reviewer. Exhausted retries leave a
// warning on the session; the persisted record stays as written.
func (o *Orchestrator) submitEscalation(ctx context.Context, s *session, c *core.EscalationCase) {
	if o.deps.Submitter == nil {
		s.warn(fmt.Sprintf("escalation %s created but no reviewer is configured", c.ID))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.EscalationTimeout)
	defer cancel()

	handle, err := o.deps.Submitter.Submit(ctx, *c)
	if err != nil {
		s.warn(fmt.Sprintf("escalation %s not delivered to reviewers: %v", c.ID, err))
		o.logger.Warn("escalation delivery failed",
			"case_id", c.ID,
			"agent_id", c.AgentID,
			"validation_id", c.ValidationID,
			"error", err,
		)
		o.alert(alerts.DeliveryFailedAlert(*c, err))
		return
	}

	c.ReviewHandle = handle
	c.UpdatedAt = o.now()
	if err := o.deps.Store.UpdateEscalation(ctx, *c); err != nil {
		s.warn(fmt.Sprintf("review handle for escalation %s not saved: %v", c.ID, err))
	}
}

func (o *Orchestrator) archive(ctx context.Context, rec *core.ValidationRecord) {
	if o.deps.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Archiver.ArchiveRecord(ctx, rec); err != nil {
		o.logger.Warn("record archive failed", "validation_id", rec.ValidationID, "error", err)
	}
}

func (o *Orchestrator) alert(ev *alerts.CloudEvent) {
	if o.deps.Alerts == nil {
		return
	}
	o.deps.Alerts.Dispatch(o.baseCtx, ev)
}

func badgeNames(bs []core.Badge) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Name
	}
	return out
}

func (o *Orchestrator) lookup(id string) (*session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

// GetValidation returns the status of a validation. Requests no longer held
// in memory are served from the store.
func (o *Orchestrator) GetValidation(ctx context.Context, validationID string) (ValidationStatus, error) {
	if s, ok := o.lookup(validationID); ok {
		return s.status(), nil
	}
	rec, err := o.deps.Store.GetRecord(ctx, validationID)
	if err != nil {
		return ValidationStatus{}, err
	}
	return ValidationStatus{
		ValidationID: rec.ValidationID,
		AgentID:      rec.AgentID,
		TenantID:     rec.TenantID,
		State:        rec.State,
		Error:        rec.Error,
		Record:       rec,
		SubmittedAt:  rec.CreatedAt,
	}, nil
}

// Wait blocks until the validation is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, validationID string) (ValidationStatus, error) {
	s, ok := o.lookup(validationID)
	if !ok {
		return o.GetValidation(ctx, validationID)
	}
	select {
	case <-s.done:
		return s.status(), nil
	case <-ctx.Done():
		return s.status(), ctx.Err()
	}
}

// Cancel stops an in-flight validation. In-flight validator calls observe the
// cancellation through their context.
func (o *Orchestrator) Cancel(validationID string) error {
	s, ok := o.lookup(validationID)
	if !ok {
		return core.NewError(core.ErrNotFound, "", validationID, errors.New("no such validation in flight"))
	}
	s.cancel()
	o.logger.Info("validation cancel requested", "validation_id", validationID, "state", s.current())
	return nil
}

// GetTrustScore returns the agent's current score. A score past ValidUntil is
// reported as core.ErrStaleTrustScore.
func (o *Orchestrator) GetTrustScore(ctx context.Context, agentID string) (*core.TrustScore, error) {
	now := o.now()
	if o.deps.Cache != nil {
		if ts, err := o.deps.Cache.Get(ctx, agentID); err == nil && !ts.IsStale(now) {
			return ts, nil
		}
	}

	ts, err := o.deps.Store.LatestTrustScore(ctx, agentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.NewError(core.ErrNotFound, agentID, "", err)
		}
		return nil, fmt.Errorf("latest trust score for %s: %w", agentID, err)
	}
	if ts.IsStale(now) {
		return nil, core.NewError(core.ErrStaleTrustScore, agentID, ts.ValidationID,
			fmt.Errorf("valid until %s", ts.ValidUntil.Format(time.RFC3339)))
	}
	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(ctx, ts); err != nil {
			o.logger.Warn("score cache fill failed", "agent_id", agentID, "error", err)
		}
	}
	return ts, nil
}

// ActiveBadges returns the agent's unexpired badges.
func (o *Orchestrator) ActiveBadges(ctx context.Context, agentID string) []core.Badge {
	o.restoreBadges(ctx, agentID)
	return o.deps.Ledger.Active(agentID, o.now())
}

// restoreBadges seeds the ledger from the agent's latest persisted record the
// first time the agent is seen by this process.
func (o *Orchestrator) restoreBadges(ctx context.Context, agentID string) {
	if o.deps.Ledger.Known(agentID) {
		return
	}
	latest, err := o.deps.Store.LatestTrustScore(ctx, agentID)
	if errors.Is(err, core.ErrNotFound) {
		o.deps.Ledger.Restore(agentID, nil)
		return
	}
	if err != nil {
		o.logger.Warn("badge restore failed", "agent_id", agentID, "error", err)
		return
	}
	rec, err := o.deps.Store.GetRecord(ctx, latest.ValidationID)
	if err != nil {
		o.logger.Warn("badge restore failed", "agent_id", agentID, "validation_id", latest.ValidationID, "error", err)
		return
	}
	o.deps.Ledger.Restore(agentID, rec.Badges)
	o.logger.Info("badges restored", "agent_id", agentID, "validation_id", rec.ValidationID, "badges", len(rec.Badges))
}

// Shutdown stops monitoring, cancels in-flight validations and waits for
// them to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.monitor.stopAll()
	o.mu.Lock()
	o.stop()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
