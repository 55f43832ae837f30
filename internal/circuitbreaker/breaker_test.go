package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cfg := DefaultConfig("hitl")
	cfg.Now = clock.Now
	cfg.ShouldTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 3 }
	cfg.Timeout = 10 * time.Second
	cfg.OnStateChange = nil
	return New(cfg)
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Failures)
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(DefaultConfig(""))
	a := m.Get("validator:bias")
	b := m.Get("validator:bias")
	c := m.Get("hitl")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "hitl", c.Name())
	assert.Len(t, m.States(), 2)
}
