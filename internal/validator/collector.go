package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/metrics"
)

// Collector fans a validation request out to validators and fans the
// results back in, never waiting longer than the per-validator timeout.
type Collector struct {
	registry      *Registry
	minSuccessful int
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithMinSuccessful sets how many validators must succeed before the set is scorable.
func WithMinSuccessful(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.minSuccessful = n
		}
	}
}

// WithMetrics records per-validator outcomes and latency.
func WithMetrics(m *metrics.Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// WithLogger sets the collector's logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector creates a collector over the given registry.
func NewCollector(registry *Registry, opts ...CollectorOption) *Collector {
	c := &Collector{
		registry:      registry,
		minSuccessful: 1,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "collector")
	return c
}

type outcome struct {
	result  *core.ValidationResult
	failure *core.ValidatorFailure
}

// Collect invokes every validator in validatorIDs concurrently. A validator
// that misses perValidatorTimeout is recorded as TIMEOUT and abandoned; one
// that errors, panics, or returns out-of-range values is recorded as ERROR.
// The returned set lists results and failures in request order and is
// flagged INSUFFICIENT_DATA when too few validators succeeded.
func (c *Collector) Collect(
	ctx context.Context,
	validationID, agentID string,
	payload map[string]interface{},
	validatorIDs []string,
	perValidatorTimeout time.Duration,
) (*core.ResultSet, error) {
	if len(validatorIDs) == 0 {
		return nil, core.NewError(core.ErrInvalidRequest, agentID, validationID, errors.New("validator set is empty"))
	}
	if perValidatorTimeout <= 0 {
		return nil, core.NewError(core.ErrInvalidRequest, agentID, validationID, errors.New("per-validator timeout must be positive"))
	}
	seen := make(map[string]struct{}, len(validatorIDs))
	for _, id := range validatorIDs {
		if _, dup := seen[id]; dup {
			return nil, core.NewError(core.ErrInvalidRequest, agentID, validationID, fmt.Errorf("validator %s listed twice", id))
		}
		seen[id] = struct{}{}
	}

	rs := &core.ResultSet{
		ValidationID: validationID,
		AgentID:      agentID,
		StartedAt:    c.now(),
	}

	outcomes := make([]outcome, len(validatorIDs))
	var g errgroup.Group
	for i, id := range validatorIDs {
		g.Go(func() error {
			outcomes[i] = c.invoke(ctx, agentID, payload, id, perValidatorTimeout)
			return nil
		})
	}
	// Failures land in outcomes; no goroutine returns an error.
	_ = g.Wait()

	for _, o := range outcomes {
		if o.result != nil {
			rs.Results = append(rs.Results, *o.result)
		} else {
			rs.Failures = append(rs.Failures, *o.failure)
		}
	}
	rs.FinishedAt = c.now()

	switch {
	case len(rs.Results) < c.minSuccessful:
		rs.Status = core.ResultSetInsufficientData
	case len(rs.Failures) > 0:
		rs.Status = core.ResultSetDegraded
	default:
		rs.Status = core.ResultSetComplete
	}

	c.logger.Info("collection finished",
		"agent_id", agentID,
		"validation_id", validationID,
		"succeeded", len(rs.Results),
		"failed", len(rs.Failures),
		"status", rs.Status,
		"duration_ms", rs.FinishedAt.Sub(rs.StartedAt).Milliseconds(),
	)
	return rs, nil
}

type reply struct {
	result core.ValidationResult
	err    error
}

func (c *Collector) invoke(
	ctx context.Context,
	agentID string,
	payload map[string]interface{},
	id string,
	timeout time.Duration,
) outcome {
	reg, ok := c.registry.Lookup(id)
	if !ok {
		return c.fail(id, "", 0, core.FailureError, "validator not registered", 0)
	}

	start := c.now()
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned validator can still deliver and exit.
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("validator panicked: %v", r)}
			}
		}()
		res, err := reg.Validator.Validate(vctx, agentID, payload)
		ch <- reply{result: res, err: err}
	}()

	select {
	case r := <-ch:
		elapsed := c.now().Sub(start)
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return c.fail(id, reg.Kind, reg.Weight, core.FailureTimeout, r.err.Error(), elapsed)
			}
			return c.fail(id, reg.Kind, reg.Weight, core.FailureError, r.err.Error(), elapsed)
		}
		if err := checkRange(r.result); err != nil {
			return c.fail(id, reg.Kind, reg.Weight, core.FailureError, err.Error(), elapsed)
		}
		res := r.result
		res.ValidatorID = reg.ID
		if res.Kind == "" {
			res.Kind = reg.Kind
		}
		res.Weight = reg.Weight
		if res.ProducedAt.IsZero() {
			res.ProducedAt = c.now()
		}
		c.metrics.ObserveValidator(reg.ID, "ok", elapsed)
		return outcome{result: &res}

	case <-vctx.Done():
		elapsed := c.now().Sub(start)
		if errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return c.fail(id, reg.Kind, reg.Weight, core.FailureTimeout, fmt.Sprintf("no response within %s", timeout), elapsed)
		}
		return c.fail(id, reg.Kind, reg.Weight, core.FailureError, "cancelled: "+vctx.Err().Error(), elapsed)
	}
}

func (c *Collector) fail(id, kind string, weight float64, reason core.FailureReason, detail string, elapsed time.Duration) outcome {
	c.metrics.ObserveValidator(id, string(reason), elapsed)
	c.logger.Warn("validator failed", "validator_id", id, "reason", reason, "detail", detail)
	return outcome{failure: &core.ValidatorFailure{
		ValidatorID: id,
		Kind:        kind,
		Weight:      weight,
		Reason:      reason,
		Detail:      detail,
	}}
}

func checkRange(r core.ValidationResult) error {
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("score %v outside [0,1]", r.Score)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	return nil
}
