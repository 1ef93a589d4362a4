package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// HealthChecker gates a deployed version on readiness. Implementations probe
// until the version answers healthy or the attempt budget runs out.
type HealthChecker interface {
	Check(ctx context.Context, target ProbeTarget) domain.HealthResult
}

// ProbeTarget identifies a running model server to probe.
type ProbeTarget struct {
	VersionID string
	BaseURL   string
}

// HTTPCheckerConfig tunes the HTTP health gate.
type HTTPCheckerConfig struct {
	Path         string
	MaxAttempts  int
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// HTTPChecker polls the model server's health endpoint at a constant
// interval. Any 2xx answer passes the gate.
type HTTPChecker struct {
	client *http.Client
	cfg    HTTPCheckerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewHTTPChecker(cfg HTTPCheckerConfig, logger *slog.Logger, now func() time.Time) *HTTPChecker {
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &HTTPChecker{
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:    cfg,
		logger: logger.With("component", "health_checker"),
		now:    now,
	}
}

// Check probes until the target answers healthy, the attempts run out, or the
// context is cancelled. The result records how many probes were spent.
func (c *HTTPChecker) Check(ctx context.Context, target ProbeTarget) domain.HealthResult {
	url := target.BaseURL + c.cfg.Path
	attempts := 0

	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), retry.NewConstant(c.cfg.Interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := c.probe(ctx, url); err != nil {
			c.logger.Debug("health probe failed",
				"version_id", target.VersionID,
				"attempt", attempts,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})

	result := domain.HealthResult{
		CheckedAt: c.now(),
		Healthy:   err == nil,
		Attempts:  attempts,
	}
	if err != nil {
		result.Detail = err.Error()
		c.logger.Warn("health gate failed",
			"version_id", target.VersionID,
			"attempts", attempts,
			"error", err,
		)
	} else {
		c.logger.Info("health gate passed",
			"version_id", target.VersionID,
			"attempts", attempts,
		)
	}
	return result
}

func (c *HTTPChecker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}
