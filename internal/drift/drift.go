// Package drift compares new trust scores with each agent's rolling baseline.
package drift

import (
	"math"

	"github.com/ocx/trustscore/internal/core"
)

// Config holds the drift thresholds and baseline smoothing.
type Config struct {
	// Threshold is the z-score above which a DriftEvent is emitted.
	Threshold float64 `yaml:"threshold"`
	// SevereMargin is added to Threshold to get the SEVERE boundary.
	SevereMargin float64 `yaml:"severe_margin"`
	// Epsilon floors the standard deviation.
	Epsilon float64 `yaml:"epsilon"`
	// Alpha is the EWMA smoothing factor for mean and variance.
	Alpha float64 `yaml:"alpha"`
	// Window is how many recent scores the baseline keeps.
	Window int `yaml:"window"`
	// MinSamples is the baseline size required before events are emitted.
	// The default of 1 only exempts the seeding observation.
	MinSamples int64 `yaml:"min_samples"`
}

// DefaultConfig: 2σ threshold, SEVERE above 3σ, alpha 0.2, last 20 scores.
func DefaultConfig() Config {
	return Config{
		Threshold:    2.0,
		SevereMargin: 1.0,
		Epsilon:      0.01,
		Alpha:        0.2,
		Window:       20,
		MinSamples:   1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.SevereMargin <= 0 {
		c.SevereMargin = def.SevereMargin
	}
	if c.Epsilon <= 0 {
		c.Epsilon = def.Epsilon
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = def.Alpha
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	return c
}

// Score returns |x - mean| / max(stddev, epsilon).
func Score(x float64, baseline *core.BaselineProfile, epsilon float64) float64 {
	return math.Abs(x-baseline.Mean) / math.Max(baseline.StdDev(), epsilon)
}

// CheckDrift compares score against baseline and returns the updated
// baseline plus a DriftEvent when the deviation exceeds the threshold. A nil
// baseline is seeded from score and never produces an event. CheckDrift does
// not modify baseline and assigns no event ID.
func CheckDrift(agentID string, score *core.TrustScore, baseline *core.BaselineProfile, cfg Config) (core.BaselineProfile, *core.DriftEvent) {
	cfg = cfg.withDefaults()
	x := score.OverallScore

	if baseline == nil || baseline.SampleCount == 0 {
		return core.BaselineProfile{
			AgentID:     agentID,
			Mean:        x,
			Variance:    0,
			SampleCount: 1,
			Recent:      []float64{x},
			UpdatedAt:   score.ComputedAt,
		}, nil
	}

	var event *core.DriftEvent
	z := Score(x, baseline, cfg.Epsilon)
	if baseline.SampleCount >= cfg.MinSamples && z > cfg.Threshold {
		severity := core.DriftModerate
		if z > cfg.Threshold+cfg.SevereMargin {
			severity = core.DriftSevere
		}
		event = &core.DriftEvent{
			AgentID:      agentID,
			ValidationID: score.ValidationID,
			DriftScore:   z,
			Baseline:     snapshot(baseline),
			CurrentScore: x,
			Severity:     severity,
			DetectedAt:   score.ComputedAt,
		}
	}

	return update(baseline, x, score, cfg), event
}

// update applies an exponentially weighted update to mean and variance and
// appends x to the bounded recent window.
func update(b *core.BaselineProfile, x float64, score *core.TrustScore, cfg Config) core.BaselineProfile {
	diff := x - b.Mean
	incr := cfg.Alpha * diff

	next := snapshot(b)
	next.Mean = b.Mean + incr
	next.Variance = (1 - cfg.Alpha) * (b.Variance + diff*incr)
	next.SampleCount = b.SampleCount + 1
	next.Recent = append(next.Recent, x)
	if len(next.Recent) > cfg.Window {
		next.Recent = next.Recent[len(next.Recent)-cfg.Window:]
	}
	next.UpdatedAt = score.ComputedAt
	return next
}

func snapshot(b *core.BaselineProfile) core.BaselineProfile {
	out := *b
	out.Recent = append([]float64(nil), b.Recent...)
	return out
}
