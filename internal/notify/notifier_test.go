package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tokal-27/DropMe/internal/domain"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySink) Notify(context.Context, domain.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("slack unavailable")
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryingDeliversAfterTransientFailure(t *testing.T) {
	sink := &flakySink{failures: 2}
	notifier := NewRetrying(sink, 3, time.Millisecond, testLogger(), prometheus.NewRegistry())

	err := notifier.Notify(context.Background(), domain.AlertEvent{Kind: domain.AlertKindDrift})
	if err != nil {
		t.Fatalf("expected delivery on the third attempt, got %v", err)
	}
	if sink.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestRetryingDropsAfterBudget(t *testing.T) {
	sink := &flakySink{failures: 10}
	notifier := NewRetrying(sink, 3, time.Millisecond, testLogger(), prometheus.NewRegistry())

	err := notifier.Notify(context.Background(), domain.AlertEvent{Kind: domain.AlertKindRetraining})
	if err == nil {
		t.Fatal("expected an error once the attempt budget is spent")
	}
	if sink.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", sink.calls)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	notifier := NewLogNotifier(testLogger())
	if err := notifier.Notify(context.Background(), domain.AlertEvent{Kind: domain.AlertKindDrift}); err != nil {
		t.Fatalf("log notifier must not fail: %v", err)
	}
}

func TestLoadRoutesAndChannelResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	content := `default: "#ml-ops"
severities:
  severe: "#ml-ops-pages"
kinds:
  retraining_trigger: "#ml-training"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write routes file: %v", err)
	}

	routes, err := LoadRoutes(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}

	cases := []struct {
		event domain.AlertEvent
		want  string
	}{
		{domain.AlertEvent{Kind: domain.AlertKindRetraining, Severity: domain.SeveritySevere}, "#ml-training"},
		{domain.AlertEvent{Kind: domain.AlertKindDrift, Severity: domain.SeveritySevere}, "#ml-ops-pages"},
		{domain.AlertEvent{Kind: domain.AlertKindDrift, Severity: domain.SeverityMinor}, "#ml-ops"},
	}
	for _, tc := range cases {
		if got := routes.ChannelFor(tc.event); got != tc.want {
			t.Errorf("event %s/%s: expected %s, got %s", tc.event.Kind, tc.event.Severity, tc.want, got)
		}
	}
}

func TestLoadRoutesEmptyPath(t *testing.T) {
	routes, err := LoadRoutes("")
	if err != nil {
		t.Fatalf("empty path should not error: %v", err)
	}
	if got := routes.ChannelFor(domain.AlertEvent{Kind: domain.AlertKindDrift}); got != "" {
		t.Errorf("expected empty channel, got %q", got)
	}
}
