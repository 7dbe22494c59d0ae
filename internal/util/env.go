// Package util holds small helpers for reading postop configuration from
// the environment.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean switch like POSTOP_DEBUG from the environment.
// It accepts true/1/yes/on and false/0/no/off in any case; unset or
// unrecognized values fall back to the default so a typo in a .env file
// never flips a feature.
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
		slog.Warn("ParseBoolEnv: unrecognized boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}
