package deploy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testHealthLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPCheckerPassesOnceServerIsReady(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(HTTPCheckerConfig{
		Path:        "/health",
		MaxAttempts: 5,
		Interval:    time.Millisecond,
	}, testHealthLogger(), nil)

	result := checker.Check(t.Context(), ProbeTarget{VersionID: "v1", BaseURL: server.URL})

	if !result.Healthy {
		t.Fatalf("expected healthy, got detail %q", result.Detail)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.CheckedAt.IsZero() {
		t.Error("expected CheckedAt set")
	}
}

func TestHTTPCheckerFailsAfterAttemptBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(HTTPCheckerConfig{
		Path:        "/health",
		MaxAttempts: 4,
		Interval:    time.Millisecond,
	}, testHealthLogger(), nil)

	result := checker.Check(t.Context(), ProbeTarget{VersionID: "v1", BaseURL: server.URL})

	if result.Healthy {
		t.Fatal("expected unhealthy result")
	}
	if result.Attempts != 4 {
		t.Errorf("expected the full attempt budget, got %d", result.Attempts)
	}
	if result.Detail == "" {
		t.Error("expected a failure detail")
	}
}

func TestHTTPCheckerUnreachableTarget(t *testing.T) {
	checker := NewHTTPChecker(HTTPCheckerConfig{
		MaxAttempts: 2,
		Interval:    time.Millisecond,
	}, testHealthLogger(), nil)

	result := checker.Check(t.Context(), ProbeTarget{VersionID: "v1", BaseURL: "http://127.0.0.1:1"})

	if result.Healthy {
		t.Fatal("expected unhealthy result for unreachable target")
	}
}
