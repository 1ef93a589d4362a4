package config

import (
	"fmt"
	"time"
)

// ControlConfig holds runtime configuration for the control-plane service.
// It is loaded once at startup and never mutated afterwards.
type ControlConfig struct {
	Environment   string
	LogLevel      string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	// Ingestion.
	IngestToken        string
	MQTTBrokerURL      string
	MQTTClientID       string
	MQTTTopic          string
	MQTTUsername       string
	MQTTPassword       string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	// Drift monitoring.
	MinSamples        int
	ThresholdMinor    float64
	ThresholdModerate float64
	ThresholdSevere   float64
	ChiSquaredScale   float64
	ChiSquaredWeight  float64
	ConfidenceWeight  float64
	ConsecutiveTicks  int
	TickInterval      time.Duration
	TriggerCooldown   time.Duration
	WindowMaxRecords  int
	WindowMaxAge      time.Duration
	LowConfidenceMin  float64
	RebaselineCron    string

	// Deployment gate.
	HealthMaxAttempts  int
	HealthInterval     time.Duration
	HealthProbeTimeout time.Duration
	HealthPath         string
	ModelContainerPort int

	// Notifications.
	SlackToken       string
	NotifyRoutesPath string
	NotifyAttempts   int
	NotifyBackoff    time.Duration
}

// LoadControlConfig constructs a ControlConfig from environment variables.
func LoadControlConfig() ControlConfig {
	return ControlConfig{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		Addr:          GetString("API_ADDR", ":4600"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://dropme:dropme@db:5432/dropme?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		IngestToken:        GetString("INGEST_TOKEN", ""),
		MQTTBrokerURL:      GetString("MQTT_BROKER_URL", ""),
		MQTTClientID:       GetString("MQTT_CLIENT_ID", "dropme-control"),
		MQTTTopic:          GetString("MQTT_PREDICTIONS_TOPIC", "inference/+/predictions"),
		MQTTUsername:       GetString("MQTT_USERNAME", ""),
		MQTTPassword:       GetString("MQTT_PASSWORD", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		MinSamples:        GetInt("DRIFT_MIN_SAMPLES", 30),
		ThresholdMinor:    GetFloat("DRIFT_THRESHOLD_MINOR", 0.1),
		ThresholdModerate: GetFloat("DRIFT_THRESHOLD_MODERATE", 0.3),
		ThresholdSevere:   GetFloat("DRIFT_THRESHOLD_SEVERE", 0.6),
		ChiSquaredScale:   GetFloat("DRIFT_CHI_SQUARED_SCALE", 10),
		ChiSquaredWeight:  GetFloat("DRIFT_CHI_SQUARED_WEIGHT", 0.6),
		ConfidenceWeight:  GetFloat("DRIFT_CONFIDENCE_WEIGHT", 0.4),
		ConsecutiveTicks:  GetInt("DRIFT_CONSECUTIVE_TICKS", 3),
		TickInterval:      GetSeconds("DRIFT_TICK_SECONDS", 60),
		TriggerCooldown:   GetSeconds("DRIFT_TRIGGER_COOLDOWN_SECONDS", 3600),
		WindowMaxRecords:  GetInt("DRIFT_WINDOW_MAX_RECORDS", 1000),
		WindowMaxAge:      GetSeconds("DRIFT_WINDOW_MAX_AGE_SECONDS", 0),
		LowConfidenceMin:  GetFloat("DRIFT_LOW_CONFIDENCE_MIN", 0.6),
		RebaselineCron:    GetString("DRIFT_REBASELINE_CRON", ""),

		HealthMaxAttempts:  GetInt("HEALTH_MAX_ATTEMPTS", 30),
		HealthInterval:     GetSeconds("HEALTH_INTERVAL_SECONDS", 2),
		HealthProbeTimeout: GetSeconds("HEALTH_PROBE_TIMEOUT_SECONDS", 5),
		HealthPath:         GetString("HEALTH_PROBE_PATH", "/health"),
		ModelContainerPort: GetInt("MODEL_CONTAINER_PORT", 8000),

		SlackToken:       GetString("SLACK_BOT_TOKEN", ""),
		NotifyRoutesPath: GetString("NOTIFY_ROUTES_PATH", ""),
		NotifyAttempts:   GetInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyBackoff:    GetSeconds("NOTIFY_BACKOFF_SECONDS", 1),
	}
}

// Validate reports the first configuration value that cannot drive the control plane.
func (c ControlConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("api address required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url required")
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("drift min samples must be at least 1, got %d", c.MinSamples)
	}
	if c.ThresholdMinor <= 0 || c.ThresholdMinor >= 1 {
		return fmt.Errorf("minor threshold must be in (0,1), got %v", c.ThresholdMinor)
	}
	if c.ThresholdModerate <= c.ThresholdMinor || c.ThresholdModerate >= 1 {
		return fmt.Errorf("moderate threshold must be in (%v,1), got %v", c.ThresholdMinor, c.ThresholdModerate)
	}
	if c.ThresholdSevere <= c.ThresholdModerate || c.ThresholdSevere > 1 {
		return fmt.Errorf("severe threshold must be in (%v,1], got %v", c.ThresholdModerate, c.ThresholdSevere)
	}
	if c.ChiSquaredScale <= 0 {
		return fmt.Errorf("chi-squared scale must be positive, got %v", c.ChiSquaredScale)
	}
	if c.ChiSquaredWeight < 0 || c.ConfidenceWeight < 0 || c.ChiSquaredWeight+c.ConfidenceWeight <= 0 {
		return fmt.Errorf("drift component weights must be non-negative and sum to a positive value")
	}
	if c.ConsecutiveTicks < 1 {
		return fmt.Errorf("consecutive ticks must be at least 1, got %d", c.ConsecutiveTicks)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", c.TickInterval)
	}
	if c.WindowMaxRecords <= 0 && c.WindowMaxAge <= 0 {
		return fmt.Errorf("window needs a record or age bound")
	}
	if c.HealthMaxAttempts < 1 {
		return fmt.Errorf("health max attempts must be at least 1, got %d", c.HealthMaxAttempts)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive, got %v", c.HealthInterval)
	}
	if c.ModelContainerPort <= 0 || c.ModelContainerPort > 65535 {
		return fmt.Errorf("model container port out of range: %d", c.ModelContainerPort)
	}
	return nil
}
