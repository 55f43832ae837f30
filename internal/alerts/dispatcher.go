package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/trustscore/internal/metrics"
)

// Channel delivers an event to one notification backend.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev *CloudEvent) error
}

type route struct {
	channel Channel
	tenant  string          // empty: every tenant
	types   map[string]bool // empty: every type
}

func (r route) accepts(ev *CloudEvent) bool {
	if r.tenant != "" && r.tenant != ev.TenantID {
		return false
	}
	return len(r.types) == 0 || r.types[ev.Type]
}

type deliveryJob struct {
	channel Channel
	event   *CloudEvent
}

// Dispatcher fans events out to channels through a bounded queue served by a
// background worker pool. Dispatch never blocks the caller; when the queue is
// full the delivery is dropped and logged.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  []route
	queue   chan deliveryJob
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:   make(chan deliveryJob, cfg.QueueSize),
		timeout: cfg.DeliveryTimeout,
		metrics: m,
		logger:  logger.With("component", "alerts"),
		closed:  make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Register adds a channel. With no types it receives every event.
func (d *Dispatcher) Register(ch Channel, types ...string) {
	d.RegisterForTenant("", ch, types...)
}

// RegisterForTenant routes only the given tenant's events to ch.
func (d *Dispatcher) RegisterForTenant(tenantID string, ch Channel, types ...string) {
	r := route{channel: ch, tenant: tenantID, types: make(map[string]bool, len(types))}
	for _, t := range types {
		r.types[t] = true
	}
	d.mu.Lock()
	d.routes = append(d.routes, r)
	d.mu.Unlock()
	d.logger.Info("alert channel registered", "channel", ch.Name(), "tenant_id", tenantID, "types", types)
}

// Dispatch enqueues ev for every matching channel.
func (d *Dispatcher) Dispatch(_ context.Context, ev *CloudEvent) {
	if ev == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.closed:
		d.logger.Warn("dispatcher closed, dropping event", "event_id", ev.ID, "type", ev.Type)
		return
	default:
	}

	for _, r := range d.routes {
		if !r.accepts(ev) {
			continue
		}
		select {
		case d.queue <- deliveryJob{channel: r.channel, event: ev}:
		default:
			d.metrics.ObserveAlert(r.channel.Name(), "dropped")
			d.logger.Warn("alert queue full, dropping event",
				"event_id", ev.ID,
				"type", ev.Type,
				"channel", r.channel.Name(),
			)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := job.channel.Send(ctx, job.event); err != nil {
		d.metrics.ObserveAlert(job.channel.Name(), "failed")
		d.logger.Error("alert delivery failed",
			"event_id", job.event.ID,
			"type", job.event.Type,
			"agent_id", job.event.Subject,
			"channel", job.channel.Name(),
			"error", err,
		)
		return
	}
	d.metrics.ObserveAlert(job.channel.Name(), "delivered")
}

// Shutdown stops accepting events and waits for queued deliveries.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		close(d.closed)
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
