package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// Notifier delivers alert events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event domain.AlertEvent) error
}

// LogNotifier writes alert events to the structured log. It is the fallback
// sink when no Slack token is configured and never fails.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, event domain.AlertEvent) error {
	n.logger.Warn("alert",
		"kind", event.Kind,
		"state", event.State,
		"severity", event.Severity,
		"score", event.Score,
		"message", event.Message,
	)
	return nil
}

// Retrying wraps a notifier with a bounded constant-backoff retry. Events
// that still fail after the attempt budget are dropped and counted; alert
// delivery must never block or wedge the monitor loop.
type Retrying struct {
	next     Notifier
	attempts uint64
	backoff  time.Duration
	logger   *slog.Logger
	dropped  prometheus.Counter
}

func NewRetrying(next Notifier, attempts int, backoff time.Duration, logger *slog.Logger, reg prometheus.Registerer) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Retrying{
		next:     next,
		attempts: uint64(attempts),
		backoff:  backoff,
		logger:   logger.With("component", "notifier"),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dropme_alerts_dropped_total",
			Help: "Alert events dropped after exhausting delivery retries.",
		}),
	}
}

func (n *Retrying) Notify(ctx context.Context, event domain.AlertEvent) error {
	backoff := retry.WithMaxRetries(n.attempts-1, retry.NewConstant(n.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.next.Notify(ctx, event); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		n.dropped.Inc()
		n.logger.Error("alert delivery failed, dropping event",
			"kind", event.Kind,
			"severity", event.Severity,
			"error", err,
		)
		return err
	}
	return nil
}
