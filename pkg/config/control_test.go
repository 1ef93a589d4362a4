package config

import (
	"strings"
	"testing"
	"time"
)

func validControl() ControlConfig {
	return ControlConfig{
		Addr:               ":4600",
		DatabaseURL:        "postgres://dropme:dropme@db:5432/dropme",
		MinSamples:         30,
		ThresholdMinor:     0.1,
		ThresholdModerate:  0.3,
		ThresholdSevere:    0.6,
		ChiSquaredScale:    10,
		ChiSquaredWeight:   0.6,
		ConfidenceWeight:   0.4,
		ConsecutiveTicks:   3,
		TickInterval:       time.Minute,
		WindowMaxRecords:   1000,
		HealthMaxAttempts:  30,
		HealthInterval:     2 * time.Second,
		ModelContainerPort: 8000,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := LoadControlConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ControlConfig)
		wantSub string
	}{
		{"missing addr", func(c *ControlConfig) { c.Addr = "" }, "address"},
		{"missing database", func(c *ControlConfig) { c.DatabaseURL = "" }, "database"},
		{"zero min samples", func(c *ControlConfig) { c.MinSamples = 0 }, "min samples"},
		{"minor out of range", func(c *ControlConfig) { c.ThresholdMinor = 1.2 }, "minor threshold"},
		{"moderate below minor", func(c *ControlConfig) { c.ThresholdModerate = 0.05 }, "moderate threshold"},
		{"severe below moderate", func(c *ControlConfig) { c.ThresholdSevere = 0.2 }, "severe threshold"},
		{"zero chi-squared scale", func(c *ControlConfig) { c.ChiSquaredScale = 0 }, "scale"},
		{"negative weight", func(c *ControlConfig) { c.ChiSquaredWeight = -1 }, "weights"},
		{"all-zero weights", func(c *ControlConfig) { c.ChiSquaredWeight, c.ConfidenceWeight = 0, 0 }, "weights"},
		{"zero consecutive ticks", func(c *ControlConfig) { c.ConsecutiveTicks = 0 }, "consecutive ticks"},
		{"zero tick interval", func(c *ControlConfig) { c.TickInterval = 0 }, "tick interval"},
		{"unbounded window", func(c *ControlConfig) { c.WindowMaxRecords = 0 }, "window"},
		{"zero health attempts", func(c *ControlConfig) { c.HealthMaxAttempts = 0 }, "health max attempts"},
		{"zero health interval", func(c *ControlConfig) { c.HealthInterval = 0 }, "health interval"},
		{"port out of range", func(c *ControlConfig) { c.ModelContainerPort = 70000 }, "port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validControl()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("DROPME_TEST_STRING", "hello")
	t.Setenv("DROPME_TEST_INT", "42")
	t.Setenv("DROPME_TEST_FLOAT", "0.25")
	t.Setenv("DROPME_TEST_BOOL", "true")
	t.Setenv("DROPME_TEST_SECONDS", "90")
	t.Setenv("DROPME_TEST_BAD_INT", "not-a-number")

	if got := GetString("DROPME_TEST_STRING", "fallback"); got != "hello" {
		t.Errorf("GetString = %q", got)
	}
	if got := GetString("DROPME_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetString fallback = %q", got)
	}
	if got := GetInt("DROPME_TEST_INT", 7); got != 42 {
		t.Errorf("GetInt = %d", got)
	}
	if got := GetInt("DROPME_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetInt on malformed value = %d, expected fallback", got)
	}
	if got := GetFloat("DROPME_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("GetFloat = %v", got)
	}
	if got := GetBool("DROPME_TEST_BOOL", false); !got {
		t.Error("GetBool should parse true")
	}
	if got := GetSeconds("DROPME_TEST_SECONDS", 10); got != 90*time.Second {
		t.Errorf("GetSeconds = %v", got)
	}
}
