package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// Monitor re-validates agents under continuous surveillance. Each agent has
// its own ticker; a cycle still running when the next tick fires is skipped.
type Monitor struct {
	o *Orchestrator

	mu     sync.Mutex
	agents map[string]*watch
}

type watch struct {
	agentID  string
	interval time.Duration
	template Request
	running  atomic.Bool
	stopCh   chan struct{}
	stopped  chan struct{}
}

// MonitoredAgent describes one registered agent.
type MonitoredAgent struct {
	AgentID    string        `json:"agent_id"`
	Interval   time.Duration `json:"interval"`
	Validators []string      `json:"validators,omitempty"`
}

func newMonitor(o *Orchestrator) *Monitor {
	return &Monitor{o: o, agents: make(map[string]*watch)}
}

// RegisterAgentForMonitoring schedules a validation of agentID every interval
// using template as the request. Registering an agent again replaces its
// schedule.
func (o *Orchestrator) RegisterAgentForMonitoring(agentID string, interval time.Duration, template Request) error {
	if o.baseCtx.Err() != nil {
		return ErrShutdown
	}
	if interval <= 0 {
		return core.NewError(core.ErrInvalidRequest, agentID, "", errors.New("monitoring interval must be positive"))
	}
	template.AgentID = agentID
	template.Options.Deadline = time.Time{}
	req, err := o.normalize(template)
	if err != nil {
		return err
	}
	o.monitor.add(&watch{
		agentID:  agentID,
		interval: interval,
		template: req,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	})
	o.logger.Info("agent registered for monitoring", "agent_id", agentID, "interval", interval.String())
	return nil
}

// UnregisterAgent stops monitoring agentID. It reports whether the agent was
// registered.
func (o *Orchestrator) UnregisterAgent(agentID string) bool {
	ok := o.monitor.remove(agentID)
	if ok {
		o.logger.Info("agent unregistered from monitoring", "agent_id", agentID)
	}
	return ok
}

// Monitored lists the agents under continuous monitoring.
func (o *Orchestrator) Monitored() []MonitoredAgent {
	return o.monitor.list()
}

func (m *Monitor) add(w *watch) {
	m.mu.Lock()
	prev := m.agents[w.agentID]
	m.agents[w.agentID] = w
	m.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	go m.run(w)
}

func (m *Monitor) remove(agentID string) bool {
	m.mu.Lock()
	w, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()

	if ok {
		w.stop()
	}
	return ok
}

func (m *Monitor) list() []MonitoredAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MonitoredAgent, 0, len(m.agents))
	for _, w := range m.agents {
		out = append(out, MonitoredAgent{
			AgentID:    w.agentID,
			Interval:   w.interval,
			Validators: append([]string(nil), w.template.Validators...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	all := m.agents
	m.agents = make(map[string]*watch)
	m.mu.Unlock()

	for _, w := range all {
		w.stop()
	}
}

func (w *watch) stop() {
	close(w.stopCh)
	<-w.stopped
}

func (m *Monitor) run(w *watch) {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.running.CompareAndSwap(false, true) {
				m.o.deps.Metrics.ObserveMonitorCycle("skipped")
				m.o.logger.Debug("monitoring cycle skipped, previous still running", "agent_id", w.agentID)
				continue
			}
			go func() {
				defer w.running.Store(false)
				m.cycle(m.o.baseCtx, w)
			}()
		case <-w.stopCh:
			return
		case <-m.o.baseCtx.Done():
			return
		}
	}
}

// cycle runs one monitoring validation to completion.
func (m *Monitor) cycle(ctx context.Context, w *watch) {
	st, err := m.o.Run(ctx, w.template)
	if err != nil {
		m.o.deps.Metrics.ObserveMonitorCycle("failed")
		m.o.logger.Warn("monitoring cycle failed",
			"agent_id", w.agentID,
			"validation_id", st.ValidationID,
			"error", err,
		)
		return
	}
	m.o.deps.Metrics.ObserveMonitorCycle("completed")
}
