package domain

import "time"

// PredictionRecord captures one inference result reported by a model server.
// Records are immutable once created.
type PredictionRecord struct {
	ID             string
	DeviceID       string
	PredictedClass string
	Confidence     float64
	LatencyMS      int
	Timestamp      time.Time
	IngestedAt     time.Time
}

// ReferenceDistribution is a known-good snapshot of prediction behaviour,
// either a validation-set distribution or a captured production window.
// It is replaced wholesale on re-baseline, never edited in place.
type ReferenceDistribution struct {
	ID               int64
	ClassFrequencies map[string]int64
	MeanConfidence   float64
	Source           string
	CapturedAt       time.Time
}

// Total returns the number of samples behind the reference histogram.
func (r ReferenceDistribution) Total() int64 {
	var total int64
	for _, count := range r.ClassFrequencies {
		total += count
	}
	return total
}
