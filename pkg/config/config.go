package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Env helpers. Malformed values fall back to the default and are logged once
// at load time rather than failing startup; Validate catches combinations
// that cannot actually run.

func GetString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func GetInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		warnMalformed(key, v, err)
		return fallback
	}
	return parsed
}

func GetFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnMalformed(key, v, err)
		return fallback
	}
	return parsed
}

func GetBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		warnMalformed(key, v, err)
		return fallback
	}
	return parsed
}

// GetSeconds reads a whole number of seconds as a duration.
func GetSeconds(key string, fallback int) time.Duration {
	return time.Duration(GetInt(key, fallback)) * time.Second
}

func warnMalformed(key, value string, err error) {
	slog.Warn("ignoring malformed environment variable", "key", key, "value", value, "error", err)
}
