package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/Tokal-27/DropMe/internal/domain"
)

func TestWindowEvictsOldestPastCapacity(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(3, 0, func() time.Time { return base })

	for i := 0; i < 5; i++ {
		w.Append(domain.PredictionRecord{
			ID:        fmt.Sprintf("r%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	got := w.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []string{"r2", "r3", "r4"} {
		if got[i].ID != want {
			t.Errorf("record %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}

func TestWindowEvictsByAge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	w := NewWindow(0, time.Minute, func() time.Time { return now })

	w.Append(domain.PredictionRecord{ID: "old", Timestamp: base})
	now = base.Add(30 * time.Second)
	w.Append(domain.PredictionRecord{ID: "mid", Timestamp: now})
	now = base.Add(90 * time.Second)
	w.Append(domain.PredictionRecord{ID: "new", Timestamp: now})

	got := w.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 records after age eviction, got %d", len(got))
	}
	if got[0].ID != "mid" || got[1].ID != "new" {
		t.Errorf("unexpected survivors: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestWindowKeepsTimestampsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, 0, func() time.Time { return base })

	w.Append(domain.PredictionRecord{ID: "a", Timestamp: base.Add(time.Second)})
	w.Append(domain.PredictionRecord{ID: "b", Timestamp: base})

	got := w.Snapshot()
	if got[1].Timestamp.Before(got[0].Timestamp) {
		t.Errorf("timestamps went backwards: %v then %v", got[0].Timestamp, got[1].Timestamp)
	}
}

func TestWindowSnapshotIsACopy(t *testing.T) {
	w := NewWindow(10, 0, nil)
	w.Append(domain.PredictionRecord{ID: "a", PredictedClass: "Plastic"})

	snap := w.Snapshot()
	snap[0].PredictedClass = "Metal"

	if got := w.Snapshot()[0].PredictedClass; got != "Plastic" {
		t.Errorf("snapshot mutation leaked into window: %s", got)
	}
}
