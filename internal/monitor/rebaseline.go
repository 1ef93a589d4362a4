package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// Rebaseliner periodically re-captures the reference distribution from the
// live window on a cron schedule. It only captures while the monitor is
// stable; re-baselining on top of an active alert would bless drifted
// traffic as the new normal.
type Rebaseliner struct {
	monitor *Monitor
	cron    *cron.Cron
	spec    string
	logger  *slog.Logger
}

func NewRebaseliner(monitor *Monitor, spec string, logger *slog.Logger) *Rebaseliner {
	return &Rebaseliner{
		monitor: monitor,
		cron:    cron.New(),
		spec:    spec,
		logger:  logger.With("component", "rebaseliner"),
	}
}

// Start registers the capture job and launches the scheduler. An empty spec
// disables scheduled re-baselining.
func (r *Rebaseliner) Start() error {
	if r.spec == "" {
		r.logger.Info("scheduled re-baseline disabled")
		return nil
	}
	if _, err := r.cron.AddFunc(r.spec, r.capture); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("scheduled re-baseline started", "schedule", r.spec)
	return nil
}

// Stop halts the scheduler and waits for a running capture to finish.
func (r *Rebaseliner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Rebaseliner) capture() {
	if state := r.monitor.State(); state != domain.AlertStateStable {
		r.logger.Info("skipping scheduled re-baseline", "alert_state", state)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, err := r.monitor.CaptureReference(ctx, "scheduled")
	if errors.Is(err, ErrInsufficientSamples) {
		r.logger.Info("skipping scheduled re-baseline, window too small")
		return
	}
	if err != nil {
		r.logger.Error("scheduled re-baseline failed", "error", err)
		return
	}
	r.logger.Info("scheduled re-baseline captured",
		"classes", len(ref.ClassFrequencies),
		"mean_confidence", ref.MeanConfidence,
	)
}
