// Package util provides environment variable parsing helpers shared across components.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseNonNegativeIntEnv parses a non-negative integer environment variable.
// Missing values return the default silently; malformed or negative values
// return the default with a warning.
func ParseNonNegativeIntEnv(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		slog.Warn("ParseNonNegativeIntEnv: invalid value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseSecondsEnv parses a number of seconds (fractions allowed) into a duration.
// Malformed or non-positive values return the default with a warning.
func ParseSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil || secs <= 0 {
		slog.Warn("ParseSecondsEnv: invalid value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return time.Duration(secs * float64(time.Second))
}

// GetenvDefault returns the trimmed value of key, or defaultValue when unset or blank.
func GetenvDefault(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}
