package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ocx/trustscore/internal/circuitbreaker"
	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/metrics"
)

// Reviewer is the HITL collaborator. SubmitForReview queues the case and
// returns a handle the reviewer system uses to report the outcome.
type Reviewer interface {
	SubmitForReview(ctx context.Context, c core.EscalationCase) (string, error)
}

// RetryPolicy bounds delivery attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the wait before attempt n (1-based, n >= 2).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 2; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Submitter delivers cases to a Reviewer with retries behind a circuit breaker.
type Submitter struct {
	reviewer Reviewer
	policy   RetryPolicy
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewSubmitter creates a submitter. breaker may be nil.
func NewSubmitter(reviewer Reviewer, policy RetryPolicy, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		reviewer: reviewer,
		policy:   policy,
		breaker:  breaker,
		metrics:  m,
		logger:   logger.With("component", "hitl"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit delivers c, retrying with backoff. When every attempt fails it
// returns an error matching core.ErrEscalationDeliveryFailure.
func (s *Submitter) Submit(ctx context.Context, c core.EscalationCase) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.policy.Delay(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		var handle string
		call := func(ctx context.Context) error {
			h, err := s.reviewer.SubmitForReview(ctx, c)
			handle = h
			return err
		}
		var err error
		if s.breaker != nil {
			err = s.breaker.Execute(ctx, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			s.metrics.ObserveEscalationDelivery("delivered")
			s.logger.Info("escalation delivered",
				"case_id", c.ID,
				"agent_id", c.AgentID,
				"validation_id", c.ValidationID,
				"handle", handle,
				"attempt", attempt,
			)
			return handle, nil
		}

		lastErr = err
		s.metrics.ObserveEscalationDelivery("retry")
		s.logger.Warn("escalation delivery attempt failed",
			"case_id", c.ID,
			"agent_id", c.AgentID,
			"attempt", attempt,
			"max_attempts", s.policy.MaxAttempts,
			"breaker_open", errors.Is(err, circuitbreaker.ErrCircuitOpen),
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	s.metrics.ObserveEscalationDelivery("exhausted")
	return "", core.NewError(core.ErrEscalationDeliveryFailure, c.AgentID, c.ValidationID, lastErr)
}

// StatusRecorder is implemented by reviewers that track case status changes
// made outside SubmitForReview.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, c core.EscalationCase) error
}

// RecordStatus forwards a status change to the reviewer when it tracks status.
func (s *Submitter) RecordStatus(ctx context.Context, c core.EscalationCase) error {
	if r, ok := s.reviewer.(StatusRecorder); ok {
		return r.RecordStatus(ctx, c)
	}
	return nil
}
