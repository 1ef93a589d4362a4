package monitor

import (
	"math"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// ScorerConfig holds the tunables of the drift computation.
type ScorerConfig struct {
	MinSamples        int
	ChiSquaredScale   float64
	ChiSquaredWeight  float64
	ConfidenceWeight  float64
	ThresholdMinor    float64
	ThresholdModerate float64
	ThresholdSevere   float64
}

// Scorer turns a window of predictions plus a reference distribution into a
// drift score. It is pure: no clocks, no IO.
type Scorer struct {
	cfg ScorerConfig
}

func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 30
	}
	if cfg.ChiSquaredScale <= 0 {
		cfg.ChiSquaredScale = 10
	}
	if cfg.ChiSquaredWeight <= 0 && cfg.ConfidenceWeight <= 0 {
		cfg.ChiSquaredWeight = 0.6
		cfg.ConfidenceWeight = 0.4
	}
	return &Scorer{cfg: cfg}
}

// MinSamples reports the smallest window this scorer will score.
func (s *Scorer) MinSamples() int {
	return s.cfg.MinSamples
}

// Score computes the composite drift score for the given window against the
// reference. When the window holds fewer than MinSamples records the result
// carries InsufficientData and a zero composite.
func (s *Scorer) Score(records []domain.PredictionRecord, ref domain.ReferenceDistribution) domain.DriftScore {
	score := domain.DriftScore{
		Samples:           len(records),
		ObservedFrequency: map[string]int64{},
		Severity:          domain.SeverityNone,
	}
	if len(records) < s.cfg.MinSamples {
		score.InsufficientData = true
		return score
	}

	var confSum float64
	for _, r := range records {
		score.ObservedFrequency[r.PredictedClass]++
		confSum += r.Confidence
	}
	score.ObservedMeanConf = confSum / float64(len(records))

	score.ChiSquaredScore = s.chiSquared(score.ObservedFrequency, len(records), ref)
	score.ConfidenceScore = s.confidenceShift(score.ObservedMeanConf, ref.MeanConfidence)
	score.Composite = clamp01(s.cfg.ChiSquaredWeight*score.ChiSquaredScore + s.cfg.ConfidenceWeight*score.ConfidenceScore)
	score.Severity = s.Severity(score.Composite)
	return score
}

// Severity maps a composite score onto the alert bands.
func (s *Scorer) Severity(composite float64) domain.Severity {
	switch {
	case composite >= s.cfg.ThresholdSevere:
		return domain.SeveritySevere
	case composite >= s.cfg.ThresholdModerate:
		return domain.SeverityModerate
	case composite >= s.cfg.ThresholdMinor:
		return domain.SeverityMinor
	default:
		return domain.SeverityNone
	}
}

// chiSquared compares observed class counts against the reference proportions
// scaled to the window size, then normalizes the statistic into [0, 1].
func (s *Scorer) chiSquared(observed map[string]int64, total int, ref domain.ReferenceDistribution) float64 {
	refTotal := ref.Total()
	if refTotal == 0 {
		return 0
	}

	var stat float64
	for class, refCount := range ref.ClassFrequencies {
		expected := float64(refCount) / float64(refTotal) * float64(total)
		if expected <= 0 {
			continue
		}
		diff := float64(observed[class]) - expected
		stat += diff * diff / expected
	}
	// Classes absent from the reference have zero expected count; fold them in
	// against a half-count floor so novel classes still register.
	for class, count := range observed {
		if _, ok := ref.ClassFrequencies[class]; ok {
			continue
		}
		stat += float64(count) * float64(count) / 0.5
	}
	return clamp01(stat / s.cfg.ChiSquaredScale)
}

// confidenceShift is the relative drop or rise of the observed mean
// confidence against the reference mean, clamped to [0, 1].
func (s *Scorer) confidenceShift(observedMean, refMean float64) float64 {
	if refMean <= 0 {
		return 0
	}
	return clamp01(math.Abs(observedMean-refMean) / refMean)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
