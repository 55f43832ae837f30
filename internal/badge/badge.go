// Package badge maps trust scores onto named certification badges.
package badge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ocx/trustscore/internal/core"
)

// Metric prefixes understood by predicates.
const (
	MetricOverall   = "overall"
	componentPrefix = "component:"
	kindPrefix      = "kind:"
)

// Predicate requires a metric to be at least Min. Metric is "overall",
// "component:<validatorID>" or "kind:<kind>".
type Predicate struct {
	Metric string  `yaml:"metric" json:"metric"`
	Min    float64 `yaml:"min" json:"min"`
}

// Definition is one badge: every predicate must hold, and the score's trust
// level and risk must satisfy the optional bounds.
type Definition struct {
	Name          string          `yaml:"name" json:"name"`
	Predicates    []Predicate     `yaml:"predicates" json:"predicates"`
	MinTrustLevel core.TrustLevel `yaml:"min_trust_level,omitempty" json:"min_trust_level,omitempty"`
	MaxRisk       core.RiskLevel  `yaml:"max_risk,omitempty" json:"max_risk,omitempty"`
}

// Catalogue is the set of badges an agent can earn.
type Catalogue []Definition

// DefaultCatalogue holds the general certification tiers plus domain badges.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		{Name: "premium-certified", MinTrustLevel: core.TrustPremium},
		{Name: "certified", MinTrustLevel: core.TrustCertified},
		{Name: "validated", MinTrustLevel: core.TrustValidated},
		{
			Name: "security-hardened",
			Predicates: []Predicate{
				{Metric: "kind:security", Min: 0.9},
				{Metric: MetricOverall, Min: 0.8},
			},
		},
		{
			Name:       "bias-audited",
			Predicates: []Predicate{{Metric: "kind:bias", Min: 0.85}},
		},
		{
			Name: "compliance-ready",
			Predicates: []Predicate{
				{Metric: "kind:compliance", Min: 0.9},
				{Metric: "kind:security", Min: 0.8},
			},
			MaxRisk: core.RiskMedium,
		},
	}
}

// Validate checks that names are unique and metrics well formed.
func (c Catalogue) Validate() error {
	seen := make(map[string]bool, len(c))
	for _, d := range c {
		if d.Name == "" {
			return fmt.Errorf("badge definition without name")
		}
		if seen[d.Name] {
			return fmt.Errorf("badge %s defined twice", d.Name)
		}
		seen[d.Name] = true
		for _, p := range d.Predicates {
			if p.Metric != MetricOverall && !strings.HasPrefix(p.Metric, componentPrefix) && !strings.HasPrefix(p.Metric, kindPrefix) {
				return fmt.Errorf("badge %s: unknown metric %q", d.Name, p.Metric)
			}
		}
	}
	return nil
}

// Assign returns every badge whose definition score satisfies, sorted by
// name. It is pure: AssignedAt is the score's ComputedAt and ExpiresAt its
// ValidUntil.
func Assign(score *core.TrustScore, catalogue Catalogue) []core.Badge {
	if score == nil {
		return nil
	}
	var out []core.Badge
	for _, d := range catalogue {
		snapshot, ok := evaluate(score, d)
		if !ok {
			continue
		}
		out = append(out, core.Badge{
			Name:             d.Name,
			AgentID:          score.AgentID,
			CriteriaSnapshot: snapshot,
			AssignedAt:       score.ComputedAt,
			ExpiresAt:        score.ValidUntil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func evaluate(score *core.TrustScore, d Definition) (map[string]float64, bool) {
	if d.MinTrustLevel != "" && score.TrustLevel.Rank() < d.MinTrustLevel.Rank() {
		return nil, false
	}
	if d.MaxRisk != "" && riskRank(score.RiskLevel) > riskRank(d.MaxRisk) {
		return nil, false
	}
	snapshot := map[string]float64{MetricOverall: score.OverallScore}
	for _, p := range d.Predicates {
		v, ok := metric(score, p.Metric)
		if !ok || v < p.Min {
			return nil, false
		}
		snapshot[p.Metric] = v
	}
	return snapshot, true
}

func metric(score *core.TrustScore, name string) (float64, bool) {
	switch {
	case name == MetricOverall:
		return score.OverallScore, true
	case strings.HasPrefix(name, componentPrefix):
		v, ok := score.ComponentScores[strings.TrimPrefix(name, componentPrefix)]
		return v, ok
	case strings.HasPrefix(name, kindPrefix):
		v, ok := score.KindScores[strings.TrimPrefix(name, kindPrefix)]
		return v, ok
	}
	return 0, false
}

func riskRank(r core.RiskLevel) int {
	switch r {
	case core.RiskLow:
		return 0
	case core.RiskMedium:
		return 1
	case core.RiskHigh:
		return 2
	default:
		return 3
	}
}
