package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/trustscore/internal/config"
	"github.com/ocx/trustscore/internal/drift"
	"github.com/ocx/trustscore/internal/escalation"
	"github.com/ocx/trustscore/internal/metrics"
	"github.com/ocx/trustscore/internal/middleware"
	"github.com/ocx/trustscore/internal/orchestrator"
	"github.com/ocx/trustscore/internal/store"
	"github.com/ocx/trustscore/internal/trust"
	"github.com/ocx/trustscore/internal/validator"
)

// shared are the collaborators every tenant's orchestrator uses.
type shared struct {
	registry  *validator.Registry
	store     store.Store
	submitter *escalation.Submitter
	alerts    orchestrator.AlertSink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Per-tenant views over shared backends.
	baselines func(tenantID string) drift.BaselineStore
	cache     func(tenantID string) store.ScoreCache
	archiver  store.Archiver
}

// tenantPool lazily builds one orchestrator per tenant from the tenant's
// effective configuration.
type tenantPool struct {
	manager *config.Manager
	deps    shared

	mu      sync.Mutex
	engines map[string]*orchestrator.Orchestrator
	closed  bool
}

func newTenantPool(manager *config.Manager, deps shared) *tenantPool {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.baselines == nil {
		deps.baselines = func(string) drift.BaselineStore { return drift.NewMemoryBaselineStore() }
	}
	return &tenantPool{
		manager: manager,
		deps:    deps,
		engines: make(map[string]*orchestrator.Orchestrator),
	}
}

// For implements handlers.Engines.
func (p *tenantPool) For(tenantID string) (*orchestrator.Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, orchestrator.ErrShutdown
	}
	if o, ok := p.engines[tenantID]; ok {
		return o, nil
	}
	o, err := p.build(tenantID, p.manager.Get(tenantID))
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	p.engines[tenantID] = o
	p.deps.logger.Info("orchestrator started", "tenant_id", tenantID, "strategy", o.Config().Strategy)
	return o, nil
}

func (p *tenantPool) build(tenantID string, cfg *config.Config) (*orchestrator.Orchestrator, error) {
	d := p.deps
	logger := d.logger.With("tenant_id", tenantID)

	deps := orchestrator.Deps{
		Collector: validator.NewCollector(d.registry,
			validator.WithMinSuccessful(cfg.Trust.MinSuccessful),
			validator.WithMetrics(d.metrics),
			validator.WithLogger(logger),
		),
		Calculator: trust.NewCalculator(cfg.Trust.Calculator, adjustment(cfg.Trust.Adjustment)),
		Catalogue:  cfg.Badges,
		Detector:   drift.NewDetector(cfg.Drift, d.baselines(tenantID), d.metrics, logger),
		Submitter:  d.submitter,
		Store:      d.store,
		Archiver:   d.archiver,
		Alerts:     d.alerts,
		Metrics:    d.metrics,
		Logger:     logger,
	}
	router := escalation.NewRouter(escalation.Config{MaxIntervalWidth: cfg.Escalation.MaxIntervalWidth})
	deps.Router = &router
	if d.cache != nil {
		deps.Cache = d.cache(tenantID)
	}
	return orchestrator.New(cfg.Orchestrator, deps)
}

func adjustment(p trust.ClampedMultiplier) trust.AdjustmentPolicy {
	if p.Max <= 0 {
		return nil
	}
	return p
}

// Known reports whether requests for tenantID are accepted.
func (p *tenantPool) Known(tenantID string) bool {
	return p.manager.HasOverride(tenantID)
}

// StartMonitoring registers the agents listed in the global configuration
// and in every tenant override.
func (p *tenantPool) StartMonitoring() error {
	var errs []error
	register := func(tenantID string, entries []config.MonitorConfig) {
		for _, m := range entries {
			tid := tenantID
			if m.TenantID != "" {
				tid = m.TenantID
			}
			o, err := p.For(tid)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tmpl := orchestrator.Request{TenantID: tid, Validators: m.Validators}
			if err := o.RegisterAgentForMonitoring(m.AgentID, m.Interval, tmpl); err != nil {
				errs = append(errs, fmt.Errorf("monitor %s: %w", m.AgentID, err))
			}
		}
	}

	register(middleware.DefaultTenant, p.manager.Global().Monitoring)
	for _, tenantID := range p.manager.Tenants() {
		if o, ok := p.manager.Override(tenantID); ok {
			register(tenantID, o.Monitoring)
		}
	}
	return errors.Join(errs...)
}

// Tenants lists the tenants with a running orchestrator.
func (p *tenantPool) Tenants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.engines))
	for id := range p.engines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every orchestrator concurrently.
func (p *tenantPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	engines := make([]*orchestrator.Orchestrator, 0, len(p.engines))
	for _, o := range p.engines {
		engines = append(engines, o)
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, o := range engines {
		o := o
		g.Go(func() error { return o.Shutdown(ctx) })
	}
	return g.Wait()
}
