package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the drift pipeline to Prometheus.
type Metrics struct {
	CompositeScore  prometheus.Gauge
	WindowSize      prometheus.Gauge
	PredictionsIn   prometheus.Counter
	AnomaliesIn     prometheus.Counter
	TicksTotal      *prometheus.CounterVec
	AlertsTotal     *prometheus.CounterVec
	RetrainTriggers prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CompositeScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dropme_drift_composite_score",
			Help: "Latest composite drift score in [0, 1].",
		}),
		WindowSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dropme_drift_window_records",
			Help: "Number of prediction records currently buffered.",
		}),
		PredictionsIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "dropme_predictions_ingested_total",
			Help: "Prediction records accepted into the window.",
		}),
		AnomaliesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "dropme_predictions_anomalous_total",
			Help: "Ingested predictions flagged as low confidence.",
		}),
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropme_drift_ticks_total",
			Help: "Scoring ticks by outcome severity.",
		}, []string{"severity"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropme_drift_alerts_total",
			Help: "Alert state transitions by resulting state.",
		}, []string{"state"}),
		RetrainTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "dropme_retraining_triggers_total",
			Help: "Retraining requests fired by the monitor.",
		}),
	}
}
