package monitor

import (
	"math"
	"testing"

	"github.com/Tokal-27/DropMe/internal/domain"
)

func testScorer() *Scorer {
	return NewScorer(ScorerConfig{
		MinSamples:        30,
		ChiSquaredScale:   10,
		ChiSquaredWeight:  0.6,
		ConfidenceWeight:  0.4,
		ThresholdMinor:    0.1,
		ThresholdModerate: 0.3,
		ThresholdSevere:   0.6,
	})
}

func records(n int, class string, confidence float64) []domain.PredictionRecord {
	out := make([]domain.PredictionRecord, n)
	for i := range out {
		out[i] = domain.PredictionRecord{PredictedClass: class, Confidence: confidence}
	}
	return out
}

func TestScoreMatchingDistributionIsNone(t *testing.T) {
	ref := domain.ReferenceDistribution{
		ClassFrequencies: map[string]int64{"Plastic": 50, "Metal": 50},
		MeanConfidence:   0.9,
	}
	window := append(records(20, "Plastic", 0.9), records(20, "Metal", 0.9)...)

	score := testScorer().Score(window, ref)

	if score.InsufficientData {
		t.Fatal("expected a scored result")
	}
	if math.Abs(score.Composite) > 1e-9 {
		t.Errorf("expected composite 0, got %v", score.Composite)
	}
	if score.Severity != domain.SeverityNone {
		t.Errorf("expected severity none, got %s", score.Severity)
	}
}

func TestScoreFullClassShiftIsSevere(t *testing.T) {
	ref := domain.ReferenceDistribution{
		ClassFrequencies: map[string]int64{"Plastic": 50, "Metal": 50},
		MeanConfidence:   0.9,
	}
	window := records(40, "Metal", 0.5)

	score := testScorer().Score(window, ref)

	// Chi-squared statistic is 40, normalized and clamped to 1. Confidence
	// shift is 0.4/0.9. Composite = 0.6*1 + 0.4*0.444 = 0.777...
	if score.ChiSquaredScore != 1 {
		t.Errorf("expected chi-squared score 1, got %v", score.ChiSquaredScore)
	}
	wantConf := (0.9 - 0.5) / 0.9
	if math.Abs(score.ConfidenceScore-wantConf) > 1e-9 {
		t.Errorf("expected confidence score %v, got %v", wantConf, score.ConfidenceScore)
	}
	want := 0.6 + 0.4*wantConf
	if math.Abs(score.Composite-want) > 1e-9 {
		t.Errorf("expected composite %v, got %v", want, score.Composite)
	}
	if score.Severity != domain.SeveritySevere {
		t.Errorf("expected severity severe, got %s", score.Severity)
	}
}

func TestScoreSmallWindowIsInsufficient(t *testing.T) {
	ref := domain.ReferenceDistribution{
		ClassFrequencies: map[string]int64{"Plastic": 50},
		MeanConfidence:   0.9,
	}

	score := testScorer().Score(records(29, "Plastic", 0.9), ref)

	if !score.InsufficientData {
		t.Fatal("expected insufficient data below the sample floor")
	}
	if score.Composite != 0 || score.Severity != domain.SeverityNone {
		t.Errorf("insufficient score should be zeroed, got %v %s", score.Composite, score.Severity)
	}
}

func TestScoreNovelClassRegisters(t *testing.T) {
	ref := domain.ReferenceDistribution{
		ClassFrequencies: map[string]int64{"Plastic": 100},
		MeanConfidence:   0.9,
	}
	window := append(records(30, "Plastic", 0.9), records(10, "Glass", 0.9)...)

	score := testScorer().Score(window, ref)

	if score.ChiSquaredScore == 0 {
		t.Error("a class absent from the reference should raise the chi-squared score")
	}
}

func TestScoreConfidenceDropAlone(t *testing.T) {
	ref := domain.ReferenceDistribution{
		ClassFrequencies: map[string]int64{"Plastic": 50, "Metal": 50},
		MeanConfidence:   0.9,
	}
	window := append(records(20, "Plastic", 0.63), records(20, "Metal", 0.63)...)

	score := testScorer().Score(window, ref)

	if score.ChiSquaredScore != 0 {
		t.Errorf("class distribution matches, expected chi-squared 0, got %v", score.ChiSquaredScore)
	}
	if score.Severity != domain.SeverityMinor {
		t.Errorf("expected severity minor, got %s (composite %v)", score.Severity, score.Composite)
	}
}

func TestSeverityBands(t *testing.T) {
	s := testScorer()
	cases := []struct {
		composite float64
		want      domain.Severity
	}{
		{0, domain.SeverityNone},
		{0.09, domain.SeverityNone},
		{0.1, domain.SeverityMinor},
		{0.29, domain.SeverityMinor},
		{0.3, domain.SeverityModerate},
		{0.59, domain.SeverityModerate},
		{0.6, domain.SeveritySevere},
		{1, domain.SeveritySevere},
	}
	for _, tc := range cases {
		if got := s.Severity(tc.composite); got != tc.want {
			t.Errorf("composite %v: expected %s, got %s", tc.composite, tc.want, got)
		}
	}
}
