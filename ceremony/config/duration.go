package config

import "time"

// parseDuration parses s with time.ParseDuration, falling back to fallback
// when s is empty.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
