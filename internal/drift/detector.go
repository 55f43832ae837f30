package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/metrics"
)

// BaselineStore loads and saves per-agent baselines. Load returns (nil, nil)
// for an agent without a baseline.
type BaselineStore interface {
	Load(ctx context.Context, agentID string) (*core.BaselineProfile, error)
	Save(ctx context.Context, b core.BaselineProfile) error
}

// Detector runs CheckDrift against stored baselines. Updates for one agent
// are serialized; different agents never wait on each other.
type Detector struct {
	cfg     Config
	store   BaselineStore
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDetector creates a detector. A nil store keeps baselines in memory.
func NewDetector(cfg Config, store BaselineStore, m *metrics.Metrics, logger *slog.Logger) *Detector {
	if store == nil {
		store = NewMemoryBaselineStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:     cfg.withDefaults(),
		store:   store,
		metrics: m,
		logger:  logger.With("component", "drift"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (d *Detector) agentLock(agentID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[agentID] = l
	}
	return l
}

// Observation is a drift check whose baseline update has not been saved yet.
// It holds the agent's lock until Commit or Release.
type Observation struct {
	Event *core.DriftEvent

	d       *Detector
	lock    *sync.Mutex
	agentID string
	updated core.BaselineProfile
	done    bool
}

// Check compares score with the agent's baseline and returns the pending
// update. The agent stays locked until the caller commits or releases it.
func (d *Detector) Check(ctx context.Context, score *core.TrustScore) (*Observation, error) {
	agentID := score.AgentID
	l := d.agentLock(agentID)
	l.Lock()

	baseline, err := d.store.Load(ctx, agentID)
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("load baseline for %s: %w", agentID, err)
	}
	if baseline == nil {
		d.logger.Info("seeding baseline",
			"agent_id", agentID,
			"validation_id", score.ValidationID,
			"reason", core.NewError(core.ErrStaleBaseline, agentID, score.ValidationID, nil).Error(),
		)
	}

	updated, event := CheckDrift(agentID, score, baseline, d.cfg)
	if baseline != nil {
		z := Score(score.OverallScore, baseline, d.cfg.Epsilon)
		severity := ""
		if event != nil {
			severity = string(event.Severity)
		}
		d.metrics.ObserveDrift(agentID, z, severity)
	}
	if event != nil {
		event.ID = uuid.New().String()
		d.logger.Warn("drift detected",
			"agent_id", agentID,
			"validation_id", score.ValidationID,
			"drift_score", event.DriftScore,
			"severity", event.Severity,
			"baseline_mean", event.Baseline.Mean,
			"current", event.CurrentScore,
		)
	}
	return &Observation{Event: event, d: d, lock: l, agentID: agentID, updated: updated}, nil
}

// Commit saves the updated baseline and unlocks the agent.
func (o *Observation) Commit(ctx context.Context) error {
	if o == nil || o.done {
		return nil
	}
	defer o.Release()
	if err := o.d.store.Save(ctx, o.updated); err != nil {
		return fmt.Errorf("save baseline for %s: %w", o.agentID, err)
	}
	return nil
}

// Release unlocks the agent without saving. It is a no-op after Commit.
func (o *Observation) Release() {
	if o == nil || o.done {
		return
	}
	o.done = true
	o.lock.Unlock()
}

// Observe checks score against the agent's baseline, saves the updated
// baseline, and returns the drift event if one was detected.
func (d *Detector) Observe(ctx context.Context, score *core.TrustScore) (*core.DriftEvent, error) {
	obs, err := d.Check(ctx, score)
	if err != nil {
		return nil, err
	}
	if err := obs.Commit(ctx); err != nil {
		return nil, err
	}
	return obs.Event, nil
}

// Baseline returns the stored baseline for agentID, or core.ErrNotFound.
func (d *Detector) Baseline(ctx context.Context, agentID string) (*core.BaselineProfile, error) {
	b, err := d.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, core.NewError(core.ErrNotFound, agentID, "", fmt.Errorf("no baseline"))
	}
	return b, nil
}
