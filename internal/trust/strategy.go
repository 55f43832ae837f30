package trust

import (
	"fmt"
	"sort"

	"github.com/ocx/trustscore/internal/core"
)

// Strategy assigns a raw, non-negative weight to a validator result. The
// calculator normalizes whatever the strategy returns so the weights sum to 1.
type Strategy interface {
	Name() string
	Weight(r core.ValidationResult) float64
}

// Strategy names.
const (
	StrategyEqual             = "equal"
	StrategyConfigured        = "configured"
	StrategyPerformance       = "performance_focused"
	StrategyCompliance        = "compliance_focused"
	StrategyRiskAdjusted      = "risk_adjusted"
	DefaultStrategy           = StrategyConfigured
	defaultKindWeightFallback = 1.0
)

// KindWeights weighs results by validator kind. Kinds missing from the table
// get Default.
type KindWeights struct {
	Label   string
	Weights map[string]float64
	Default float64
}

func (k KindWeights) Name() string { return k.Label }

func (k KindWeights) Weight(r core.ValidationResult) float64 {
	if w, ok := k.Weights[r.Kind]; ok && w >= 0 {
		return w
	}
	return k.Default
}

type equal struct{}

func (equal) Name() string { return StrategyEqual }
func (equal) Weight(core.ValidationResult) float64 { return 1 }

// configured uses the weight each validator was registered with.
type configured struct{}

func (configured) Name() string { return StrategyConfigured }

func (configured) Weight(r core.ValidationResult) float64 {
	if r.Weight < 0 {
		return 0
	}
	return r.Weight
}

var builtin = map[string]Strategy{
	StrategyEqual:      equal{},
	StrategyConfigured: configured{},
	StrategyPerformance: KindWeights{
		Label:   StrategyPerformance,
		Weights: map[string]float64{"quality": 3, "performance": 3, "handoff": 2},
		Default: defaultKindWeightFallback,
	},
	StrategyCompliance: KindWeights{
		Label:   StrategyCompliance,
		Weights: map[string]float64{"compliance": 3, "security": 2, "bias": 2},
		Default: defaultKindWeightFallback,
	},
	StrategyRiskAdjusted: KindWeights{
		Label:   StrategyRiskAdjusted,
		Weights: map[string]float64{"security": 3, "bias": 2, "memory_drift": 2, "compliance": 2},
		Default: defaultKindWeightFallback,
	},
}

// Lookup returns a built-in strategy by name. The empty name selects DefaultStrategy.
func Lookup(name string) (Strategy, error) {
	if name == "" {
		name = DefaultStrategy
	}
	s, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown weighting strategy %q", name)
	}
	return s, nil
}

// Names lists the built-in strategies.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
