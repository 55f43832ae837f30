// Package validator defines the validator capability and runs validators
// against an agent in parallel.
package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ocx/trustscore/internal/core"
)

// Validator is any unit that scores one aspect of an agent: quality, bias,
// security, compliance, memory drift, handoff integrity, and so on.
type Validator interface {
	Validate(ctx context.Context, agentID string, payload map[string]interface{}) (core.ValidationResult, error)
}

// Func adapts a plain function to the Validator interface.
type Func func(ctx context.Context, agentID string, payload map[string]interface{}) (core.ValidationResult, error)

func (f Func) Validate(ctx context.Context, agentID string, payload map[string]interface{}) (core.ValidationResult, error) {
	return f(ctx, agentID, payload)
}

// Common validator kinds. Kinds drive weighting strategies and badge criteria.
const (
	KindQuality     = "quality"
	KindBias        = "bias"
	KindSecurity    = "security"
	KindCompliance  = "compliance"
	KindMemoryDrift = "memory_drift"
	KindHandoff     = "handoff"
	KindPerformance = "performance"
)

// Registration is a validator entry in the lookup table.
type Registration struct {
	ID        string
	Kind      string
	Weight    float64 // configured weight; 1.0 when unset
	Validator Validator
}

// Registry is the lookup table of validators, keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a validator. IDs must be unique.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" {
		return fmt.Errorf("validator id is required")
	}
	if reg.Validator == nil {
		return fmt.Errorf("validator %s: implementation is nil", reg.ID)
	}
	if reg.Weight < 0 {
		return fmt.Errorf("validator %s: weight must be non-negative", reg.ID)
	}
	if reg.Weight == 0 {
		reg.Weight = 1.0
	}
	if reg.Kind == "" {
		reg.Kind = reg.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.ID]; exists {
		return fmt.Errorf("validator %s already registered", reg.ID)
	}
	r.entries[reg.ID] = reg
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Unregister removes a validator.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the registration for id.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	return reg, ok
}

// IDs returns every registered validator ID in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
