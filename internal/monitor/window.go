package monitor

import (
	"sync"
	"time"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// Window is a rolling buffer of recent prediction records bounded by count
// and/or age. Appends from concurrent producers serialize on one mutex; the
// scorer reads a copied snapshot so scoring never holds the ingest path.
type Window struct {
	mu         sync.Mutex
	records    []domain.PredictionRecord
	maxRecords int
	maxAge     time.Duration
	now        func() time.Time
}

// NewWindow constructs a window. At least one of maxRecords and maxAge must be
// positive; a zero value disables that bound.
func NewWindow(maxRecords int, maxAge time.Duration, now func() time.Time) *Window {
	if maxRecords <= 0 && maxAge <= 0 {
		maxRecords = 1000
	}
	if now == nil {
		now = time.Now
	}
	capacity := maxRecords
	if capacity <= 0 {
		capacity = 256
	}
	return &Window{
		records:    make([]domain.PredictionRecord, 0, capacity),
		maxRecords: maxRecords,
		maxAge:     maxAge,
		now:        now,
	}
}

// Append inserts a record and evicts the oldest entries past capacity.
func (w *Window) Append(record domain.PredictionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Keep timestamps non-decreasing even when producers race on ingest.
	if n := len(w.records); n > 0 && record.Timestamp.Before(w.records[n-1].Timestamp) {
		record.Timestamp = w.records[n-1].Timestamp
	}
	w.records = append(w.records, record)
	w.evictLocked()
}

// Snapshot returns a consistent copy of the live records, oldest first.
func (w *Window) Snapshot() []domain.PredictionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked()
	out := make([]domain.PredictionRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Len reports the current number of buffered records.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked()
	return len(w.records)
}

// Reset drops all buffered records.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = w.records[:0]
}

func (w *Window) evictLocked() {
	if w.maxAge > 0 {
		cutoff := w.now().Add(-w.maxAge)
		drop := 0
		for drop < len(w.records) && w.records[drop].Timestamp.Before(cutoff) {
			drop++
		}
		if drop > 0 {
			w.records = append(w.records[:0], w.records[drop:]...)
		}
	}
	if w.maxRecords > 0 && len(w.records) > w.maxRecords {
		excess := len(w.records) - w.maxRecords
		w.records = append(w.records[:0], w.records[excess:]...)
	}
}
