package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tokal-27/DropMe/internal/domain"
	"github.com/Tokal-27/DropMe/internal/notify"
	"github.com/Tokal-27/DropMe/internal/repository"
	"github.com/Tokal-27/DropMe/internal/ws"
)

// ErrInsufficientSamples is returned when a reference capture is requested
// over a window that is too small to be a trustworthy baseline.
var ErrInsufficientSamples = errors.New("monitor: not enough samples in window")

// ErrInvalidReference is returned when a supplied reference distribution
// fails validation.
var ErrInvalidReference = errors.New("monitor: invalid reference distribution")

// Config holds the monitor loop tunables.
type Config struct {
	TickInterval     time.Duration
	ConsecutiveTicks int
	TriggerCooldown  time.Duration
	LowConfidenceMin float64
}

// Monitor ingests prediction telemetry, scores it against a reference
// distribution on a fixed tick, and drives the alert state machine.
type Monitor struct {
	window      *Window
	scorer      *Scorer
	predictions repository.PredictionRepository
	references  repository.ReferenceRepository
	drifts      repository.DriftRepository
	notifier    notify.Notifier
	hub         *ws.Hub
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	cfg         Config

	mu          sync.Mutex
	state       string
	streaks     [4]int
	noneStreak  int
	lastTrigger time.Time
	reference   *domain.ReferenceDistribution
	lastScore   *domain.DriftScore
}

func New(
	window *Window,
	scorer *Scorer,
	predictions repository.PredictionRepository,
	references repository.ReferenceRepository,
	drifts repository.DriftRepository,
	notifier notify.Notifier,
	hub *ws.Hub,
	metrics *Metrics,
	logger *slog.Logger,
	now func() time.Time,
	cfg Config,
) *Monitor {
	if now == nil {
		now = time.Now
	}
	if cfg.ConsecutiveTicks <= 0 {
		cfg.ConsecutiveTicks = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Monitor{
		window:      window,
		scorer:      scorer,
		predictions: predictions,
		references:  references,
		drifts:      drifts,
		notifier:    notifier,
		hub:         hub,
		metrics:     metrics,
		logger:      logger.With("component", "drift_monitor"),
		now:         now,
		cfg:         cfg,
		state:       domain.AlertStateStable,
	}
}

// Ingest accepts one prediction record from the telemetry path, persists it
// and adds it to the rolling window. Storage failures are logged, not
// surfaced; losing one row must not reject a device's report.
func (m *Monitor) Ingest(ctx context.Context, record domain.PredictionRecord) domain.PredictionRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.IngestedAt = m.now()
	if record.Timestamp.IsZero() {
		record.Timestamp = record.IngestedAt
	}

	if err := m.predictions.InsertPrediction(ctx, &record); err != nil {
		m.logger.Error("failed to persist prediction", "device_id", record.DeviceID, "error", err)
	}

	m.window.Append(record)
	m.metrics.PredictionsIn.Inc()
	m.metrics.WindowSize.Set(float64(m.window.Len()))

	if m.cfg.LowConfidenceMin > 0 && record.Confidence < m.cfg.LowConfidenceMin {
		m.metrics.AnomaliesIn.Inc()
		m.logger.Warn("low confidence prediction",
			"device_id", record.DeviceID,
			"class", record.PredictedClass,
			"confidence", record.Confidence,
		)
	} else if ref := m.Reference(); ref != nil {
		if _, known := ref.ClassFrequencies[record.PredictedClass]; !known {
			m.metrics.AnomaliesIn.Inc()
			m.logger.Warn("prediction for class absent from reference",
				"device_id", record.DeviceID,
				"class", record.PredictedClass,
			)
		}
	}
	return record
}

// Run drives the scoring loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("drift monitor started",
		"tick_interval", m.cfg.TickInterval.String(),
		"consecutive_ticks", m.cfg.ConsecutiveTicks,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("drift monitor stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("scoring tick failed", "error", err)
			}
		}
	}
}

// Tick scores the current window once and advances the alert state machine.
// Without a reference, or with too few samples, the tick is a no-op: streaks
// neither advance nor reset.
func (m *Monitor) Tick(ctx context.Context) error {
	ref, err := m.currentReference(ctx)
	if err != nil {
		return err
	}
	if ref == nil {
		m.logger.Debug("no reference distribution, skipping tick")
		return nil
	}

	records := m.window.Snapshot()
	score := m.scorer.Score(records, *ref)
	score.ComputedAt = m.now()
	m.metrics.WindowSize.Set(float64(len(records)))

	if score.InsufficientData {
		m.metrics.TicksTotal.WithLabelValues("insufficient").Inc()
		m.logger.Debug("insufficient samples for scoring", "samples", score.Samples)
		return nil
	}
	m.metrics.TicksTotal.WithLabelValues(string(score.Severity)).Inc()
	m.metrics.CompositeScore.Set(score.Composite)

	if err := m.drifts.InsertDriftScore(ctx, &score); err != nil {
		m.logger.Error("failed to persist drift score", "error", err)
	}

	m.mu.Lock()
	m.lastScore = &score
	events := m.advanceLocked(score)
	state := m.state
	m.mu.Unlock()

	m.broadcast("drift", map[string]any{
		"type":        "drift_score",
		"score":       score,
		"alert_state": state,
	})
	for _, event := range events {
		m.dispatch(event)
	}
	return nil
}

// advanceLocked applies one scored tick to the streak counters and returns
// the alert events the resulting transitions produce. Caller holds m.mu.
func (m *Monitor) advanceLocked(score domain.DriftScore) []domain.AlertEvent {
	rank := domain.SeverityRank(score.Severity)
	for level := 1; level <= 3; level++ {
		if rank >= level {
			m.streaks[level]++
		} else {
			m.streaks[level] = 0
		}
	}
	if rank == 0 {
		m.noneStreak++
	} else {
		m.noneStreak = 0
	}

	// Escalation only moves upward from the current state. A consequence is
	// that retraining fires once per drift episode: while the state sits at
	// retraining_triggered there is no higher level to reach, so no second
	// trigger is emitted until the monitor recovers to a lower state and the
	// severe streak rebuilds. Repeated triggers for one unresolved episode
	// would only re-page the same pipeline.
	current := stateRank(m.state)
	target := current
	for level := current + 1; level <= 3; level++ {
		if m.streaks[level] >= m.cfg.ConsecutiveTicks {
			target = level
		}
	}

	// Retraining fires at most once per cooldown. While the cooldown holds,
	// escalation stops at moderate_alerted.
	now := m.now()
	if target == 3 && !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.cfg.TriggerCooldown {
		target = 2
		if target < current {
			target = current
		}
	}

	var events []domain.AlertEvent
	switch {
	case target > current:
		m.state = stateFromRank(target)
		m.metrics.AlertsTotal.WithLabelValues(m.state).Inc()
		if target == 3 {
			m.lastTrigger = now
			m.metrics.RetrainTriggers.Inc()
			events = append(events, domain.AlertEvent{
				Kind:       domain.AlertKindRetraining,
				State:      m.state,
				Severity:   score.Severity,
				Score:      score.Composite,
				Message:    fmt.Sprintf("sustained severe drift over %d ticks, retraining requested", m.cfg.ConsecutiveTicks),
				OccurredAt: now,
			})
		} else {
			events = append(events, domain.AlertEvent{
				Kind:       domain.AlertKindDrift,
				State:      m.state,
				Severity:   score.Severity,
				Score:      score.Composite,
				Message:    fmt.Sprintf("drift escalated to %s", m.state),
				OccurredAt: now,
			})
		}
	case current > 0 && m.noneStreak >= m.cfg.ConsecutiveTicks:
		previous := m.state
		m.state = domain.AlertStateStable
		m.resetStreaksLocked()
		m.metrics.AlertsTotal.WithLabelValues(m.state).Inc()
		events = append(events, domain.AlertEvent{
			Kind:       domain.AlertKindRecovered,
			State:      m.state,
			Severity:   score.Severity,
			Score:      score.Composite,
			Message:    fmt.Sprintf("drift recovered from %s", previous),
			OccurredAt: now,
		})
	}
	return events
}

func (m *Monitor) resetStreaksLocked() {
	for level := range m.streaks {
		m.streaks[level] = 0
	}
	m.noneStreak = 0
}

// dispatch hands an alert event to the notifier off the tick path and mirrors
// it onto the alerts stream.
func (m *Monitor) dispatch(event domain.AlertEvent) {
	m.broadcast("alerts", event)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.notifier.Notify(ctx, event)
	}()
}

func (m *Monitor) broadcast(stream string, payload any) {
	if m.hub == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal broadcast payload", "stream", stream, "error", err)
		return
	}
	m.hub.Broadcast(stream, data)
}

// currentReference returns the cached reference, loading the latest stored
// snapshot on first use. A missing reference is not an error.
func (m *Monitor) currentReference(ctx context.Context) (*domain.ReferenceDistribution, error) {
	m.mu.Lock()
	cached := m.reference
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ref, err := m.references.GetLatestReference(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reference distribution: %w", err)
	}

	m.mu.Lock()
	m.reference = ref
	m.mu.Unlock()
	return ref, nil
}

// SetReference validates and installs a new reference distribution, for
// example a validation-set histogram uploaded after retraining.
func (m *Monitor) SetReference(ctx context.Context, ref domain.ReferenceDistribution) (*domain.ReferenceDistribution, error) {
	if len(ref.ClassFrequencies) == 0 {
		return nil, fmt.Errorf("%w: empty class frequencies", ErrInvalidReference)
	}
	for class, count := range ref.ClassFrequencies {
		if class == "" || count < 0 {
			return nil, fmt.Errorf("%w: bad frequency for class %q", ErrInvalidReference, class)
		}
	}
	if ref.MeanConfidence <= 0 || ref.MeanConfidence > 1 {
		return nil, fmt.Errorf("%w: mean confidence %v out of range", ErrInvalidReference, ref.MeanConfidence)
	}
	if ref.Source == "" {
		ref.Source = "manual"
	}
	ref.CapturedAt = m.now()

	if err := m.references.SaveReference(ctx, &ref); err != nil {
		return nil, fmt.Errorf("save reference distribution: %w", err)
	}

	m.mu.Lock()
	m.reference = &ref
	m.resetStreaksLocked()
	m.mu.Unlock()

	m.logger.Info("reference distribution replaced",
		"source", ref.Source,
		"classes", len(ref.ClassFrequencies),
	)
	return &ref, nil
}

// CaptureReference re-baselines from the current window, turning the live
// class histogram and mean confidence into the new reference.
func (m *Monitor) CaptureReference(ctx context.Context, source string) (*domain.ReferenceDistribution, error) {
	records := m.window.Snapshot()
	if len(records) < m.scorer.MinSamples() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(records), m.scorer.MinSamples())
	}

	frequencies := make(map[string]int64)
	var confSum float64
	for _, r := range records {
		frequencies[r.PredictedClass]++
		confSum += r.Confidence
	}
	ref := domain.ReferenceDistribution{
		ClassFrequencies: frequencies,
		MeanConfidence:   confSum / float64(len(records)),
		Source:           source,
		CapturedAt:       m.now(),
	}

	if err := m.references.SaveReference(ctx, &ref); err != nil {
		return nil, fmt.Errorf("save captured reference: %w", err)
	}

	m.mu.Lock()
	m.reference = &ref
	m.resetStreaksLocked()
	m.mu.Unlock()

	m.logger.Info("reference distribution captured from window",
		"source", source,
		"samples", len(records),
	)
	return &ref, nil
}

// State returns the current alert state.
func (m *Monitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentScore returns the most recent drift score, or nil before the first
// scored tick.
func (m *Monitor) CurrentScore() *domain.DriftScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScore
}

// Reference returns the reference currently in use without touching storage.
func (m *Monitor) Reference() *domain.ReferenceDistribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reference
}

// WindowLen reports how many records the rolling window currently holds.
func (m *Monitor) WindowLen() int {
	return m.window.Len()
}

func stateRank(state string) int {
	switch state {
	case domain.AlertStateMinorAlerted:
		return 1
	case domain.AlertStateModerateAlerted:
		return 2
	case domain.AlertStateRetrainingTriggered:
		return 3
	default:
		return 0
	}
}

func stateFromRank(rank int) string {
	switch rank {
	case 1:
		return domain.AlertStateMinorAlerted
	case 2:
		return domain.AlertStateModerateAlerted
	case 3:
		return domain.AlertStateRetrainingTriggered
	default:
		return domain.AlertStateStable
	}
}
