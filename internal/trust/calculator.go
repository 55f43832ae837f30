// Package trust aggregates validator results into a calibrated trust score.
package trust

import (
	"errors"
	"math"
	"time"

	"github.com/ocx/trustscore/internal/core"
)

// FailurePolicy decides how failed validators affect the aggregate.
type FailurePolicy string

const (
	// ExcludeFailed drops failed validators from numerator and denominator.
	ExcludeFailed FailurePolicy = "exclude"
	// ImputeNeutral counts each failed validator as NeutralScore at ImputedConfidence.
	ImputeNeutral FailurePolicy = "impute_neutral"
)

// Risk and trust thresholds.
const (
	RiskLowThreshold    = 0.9
	RiskMediumThreshold = 0.7
	RiskHighThreshold   = 0.5

	PremiumThreshold   = 0.95
	CertifiedThreshold = 0.85
	ValidatedThreshold = 0.7
	BasicThreshold     = 0.5

	epsilon = 1e-9
)

// Config holds calculator tuning.
type Config struct {
	Z                 float64       `yaml:"z"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	FailurePolicy     FailurePolicy `yaml:"failure_policy"`
	NeutralScore      float64       `yaml:"neutral_score"`
	ImputedConfidence float64       `yaml:"imputed_confidence"`
}

// DefaultConfig returns a 95% interval and a one-hour refresh interval.
func DefaultConfig() Config {
	return Config{
		Z:                 1.96,
		RefreshInterval:   time.Hour,
		FailurePolicy:     ExcludeFailed,
		NeutralScore:      0.5,
		ImputedConfidence: 0.5,
	}
}

// Calculator turns a ResultSet into a TrustScore. Calculate is pure: the
// computation time is taken from the ResultSet, not the wall clock.
type Calculator struct {
	cfg    Config
	adjust AdjustmentPolicy
}

// NewCalculator creates a calculator. Zero fields in cfg take defaults.
func NewCalculator(cfg Config, adjust AdjustmentPolicy) *Calculator {
	def := DefaultConfig()
	if cfg.Z <= 0 {
		cfg.Z = def.Z
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = def.FailurePolicy
	}
	if cfg.FailurePolicy == ImputeNeutral && cfg.ImputedConfidence <= 0 {
		cfg.ImputedConfidence = def.ImputedConfidence
	}
	if adjust == nil {
		adjust = DefaultAdjustmentPolicy()
	}
	return &Calculator{cfg: cfg, adjust: adjust}
}

// Config returns the effective configuration.
func (c *Calculator) Config() Config { return c.cfg }

type term struct {
	score, weight, confidence float64
}

// Calculate aggregates rs with strategy. It returns core.ErrUndeterminable
// when the set is flagged INSUFFICIENT_DATA or carries no usable weight.
func (c *Calculator) Calculate(rs *core.ResultSet, strategy Strategy) (*core.TrustScore, error) {
	if rs == nil {
		return nil, core.NewError(core.ErrUndeterminable, "", "", errors.New("nil result set"))
	}
	if rs.Status == core.ResultSetInsufficientData || len(rs.Results) == 0 {
		return nil, core.NewError(core.ErrUndeterminable, rs.AgentID, rs.ValidationID, core.ErrInsufficientData)
	}
	if strategy == nil {
		strategy = configured{}
	}

	terms := make([]term, 0, rs.Total())
	samples := make([]float64, 0, len(rs.Results))
	components := make(map[string]float64, len(rs.Results))
	kindSum := make(map[string]float64)
	kindCount := make(map[string]int)

	for _, r := range rs.Results {
		terms = append(terms, term{score: r.Score, weight: strategy.Weight(r), confidence: r.Confidence})
		samples = append(samples, r.Score)
		components[r.ValidatorID] = r.Score
		if r.Kind != "" {
			kindSum[r.Kind] += r.Score
			kindCount[r.Kind]++
		}
	}
	if c.cfg.FailurePolicy == ImputeNeutral {
		for _, f := range rs.Failures {
			weight := f.Weight
			if weight == 0 {
				weight = 1
			}
			w := strategy.Weight(core.ValidationResult{ValidatorID: f.ValidatorID, Kind: f.Kind, Weight: weight})
			terms = append(terms, term{score: c.cfg.NeutralScore, weight: w, confidence: c.cfg.ImputedConfidence})
		}
	}

	overall, ok := aggregate(terms)
	if !ok {
		return nil, core.NewError(core.ErrUndeterminable, rs.AgentID, rs.ValidationID, errors.New("validators carry no weight"))
	}

	kinds := make(map[string]float64, len(kindSum))
	for k, sum := range kindSum {
		kinds[k] = sum / float64(kindCount[k])
	}

	risk := RiskFor(overall)
	computedAt := rs.FinishedAt
	return &core.TrustScore{
		AgentID:            rs.AgentID,
		ValidationID:       rs.ValidationID,
		OverallScore:       overall,
		ConfidenceInterval: Interval(overall, samples, c.cfg.Z),
		ComponentScores:    components,
		KindScores:         kinds,
		RiskLevel:          risk,
		TrustLevel:         TrustLevelFor(overall, risk),
		Strategy:           strategy.Name(),
		SampleSize:         len(samples),
		ComputedAt:         computedAt,
		ValidUntil:         computedAt.Add(c.cfg.RefreshInterval),
	}, nil
}

// aggregate normalizes weights to sum to 1 and returns Σ(s·w·c)/Σ(w·c).
func aggregate(terms []term) (float64, bool) {
	var wsum float64
	for _, t := range terms {
		wsum += t.weight
	}
	if wsum <= 0 {
		return 0, false
	}

	var num, den float64
	for _, t := range terms {
		w := t.weight / wsum
		num += t.score * w * t.confidence
		den += w * t.confidence
	}
	if den <= 0 {
		return 0, false
	}
	return clamp01(num / den), true
}

// Interval returns overall ± z·σ/√n clamped to [0,1], where σ is the sample
// standard deviation of samples. A single sample gives the maximal interval.
func Interval(overall float64, samples []float64, z float64) core.Interval {
	n := len(samples)
	if n < 2 {
		return core.Interval{Lower: 0, Upper: 1}
	}
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(n)

	var ss float64
	for _, s := range samples {
		ss += (s - mean) * (s - mean)
	}
	sigma := math.Sqrt(ss / float64(n-1))
	margin := z * sigma / math.Sqrt(float64(n))

	return core.Interval{
		Lower: clamp01(overall - margin),
		Upper: clamp01(overall + margin),
	}
}

// RiskFor maps a score onto a risk level.
func RiskFor(score float64) core.RiskLevel {
	switch {
	case atLeast(score, RiskLowThreshold):
		return core.RiskLow
	case atLeast(score, RiskMediumThreshold):
		return core.RiskMedium
	case atLeast(score, RiskHighThreshold):
		return core.RiskHigh
	default:
		return core.RiskCritical
	}
}

// TrustLevelFor maps a score and its risk onto a certification tier.
func TrustLevelFor(score float64, risk core.RiskLevel) core.TrustLevel {
	switch {
	case atLeast(score, PremiumThreshold) && risk == core.RiskLow:
		return core.TrustPremium
	case atLeast(score, CertifiedThreshold) && (risk == core.RiskLow || risk == core.RiskMedium):
		return core.TrustCertified
	case atLeast(score, ValidatedThreshold):
		return core.TrustValidated
	case atLeast(score, BasicThreshold):
		return core.TrustBasic
	default:
		return core.TrustUnverified
	}
}

func atLeast(v, threshold float64) bool {
	return v >= threshold-epsilon
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
