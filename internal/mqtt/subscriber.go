package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// Ingestor consumes prediction records arriving over MQTT.
type Ingestor interface {
	Ingest(ctx context.Context, record domain.PredictionRecord) domain.PredictionRecord
}

// Subscriber bridges edge devices reporting over MQTT into the drift
// monitor's ingest path. Devices publish JSON prediction payloads on
// inference/{device_id}/predictions.
type Subscriber struct {
	client   mqtt.Client
	topic    string
	ingestor Ingestor
	logger   *slog.Logger
}

func NewSubscriber(client mqtt.Client, topic string, ingestor Ingestor, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client:   client,
		topic:    topic,
		ingestor: ingestor,
		logger:   logger.With("component", "mqtt_subscriber"),
	}
}

// Subscribe registers the prediction handler on the configured topic.
func (s *Subscriber) Subscribe() error {
	token := s.client.Subscribe(s.topic, 1, s.handlePrediction)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, token.Error())
	}
	s.logger.Info("subscribed to prediction topic", "topic", s.topic)
	return nil
}

// Unsubscribe removes the prediction subscription.
func (s *Subscriber) Unsubscribe() {
	if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
		s.logger.Warn("unsubscribe failed", "topic", s.topic, "error", token.Error())
	}
}

func (s *Subscriber) handlePrediction(_ mqtt.Client, msg mqtt.Message) {
	var payload struct {
		DeviceID       string  `json:"device_id"`
		PredictedClass string  `json:"predicted_class"`
		Confidence     float64 `json:"confidence"`
		LatencyMS      int     `json:"latency_ms"`
		Timestamp      string  `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		s.logger.Warn("dropping malformed prediction payload", "topic", msg.Topic(), "error", err)
		return
	}

	payload.PredictedClass = strings.TrimSpace(payload.PredictedClass)
	if payload.PredictedClass == "" {
		s.logger.Warn("dropping prediction without class", "topic", msg.Topic())
		return
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		s.logger.Warn("dropping prediction with out-of-range confidence",
			"topic", msg.Topic(),
			"confidence", payload.Confidence,
		)
		return
	}

	deviceID := strings.TrimSpace(payload.DeviceID)
	if deviceID == "" {
		deviceID = deviceIDFromTopic(msg.Topic())
	}

	record := domain.PredictionRecord{
		DeviceID:       deviceID,
		PredictedClass: payload.PredictedClass,
		Confidence:     payload.Confidence,
		LatencyMS:      payload.LatencyMS,
	}
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
			record.Timestamp = parsed.UTC()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.ingestor.Ingest(ctx, record)
}

// deviceIDFromTopic pulls the device segment out of
// inference/{device_id}/predictions.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
