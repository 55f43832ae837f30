// Package circuitbreaker protects the engine from collaborators that keep
// failing: remote validators and the HITL review queue.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until Timeout elapses
	StateHalfOpen              // limited probe calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the protected collaborator, e.g. "hitl" or "validator:bias".
	Name string

	// MaxProbes is the number of calls allowed while half-open; that many
	// consecutive successes close the circuit again.
	MaxProbes uint32

	// Window is the period after which closed-state counts reset.
	Window time.Duration

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// ShouldTrip decides, after a failure in closed state, whether to open.
	ShouldTrip func(c Counts) bool

	OnStateChange func(name string, from, to State)

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig trips after 5 consecutive failures and probes after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 1,
		Window:    time.Minute,
		Timeout:   30 * time.Second,
		ShouldTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns Failures/Requests.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed circuit breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = DefaultConfig(cfg.Name).ShouldTrip
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cb := &CircuitBreaker{cfg: cfg}
	cb.newGeneration(cfg.Now())
	return cb
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.cfg.Now())
	return state
}

// Counts returns the counts of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn if the circuit allows it and records the outcome. A
// context cancellation from the caller is not counted as a collaborator failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.release(generation)
		return err
	}
	cb.after(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.current(cb.cfg.Now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxProbes:
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) release(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if _, current := cb.current(cb.cfg.Now()); current == generation && cb.counts.Requests > 0 {
		cb.counts.Requests--
	}
}

func (cb *CircuitBreaker) after(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	state, current := cb.current(now)
	if generation != current {
		return
	}

	if success {
		cb.counts.success()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxProbes {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.failure()
	switch state {
	case StateClosed:
		if cb.cfg.ShouldTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	cb.expiry = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Window > 0 {
			cb.expiry = now.Add(cb.cfg.Window)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	}
}

// Manager hands out one breaker per collaborator name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	base     Config
}

// NewManager creates a manager whose breakers copy base (with Name replaced).
func NewManager(base Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		base:     base,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cfg := m.base
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// States reports the state of every breaker, keyed by name.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State()
	}
	return out
}
