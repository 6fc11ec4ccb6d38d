package config

import (
	"fmt"
	"strings"
	"time"
)

// minAutoscaleTick is the smallest accepted scheduler.autoscale.tick.
const minAutoscaleTick = 50 * time.Millisecond

// ParseDurationField parses the Go duration found at a config path such as
// "diag.read_timeout". Blank means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDurationMin(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def in place of zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// parseDurationMin also rejects non-zero values below floor.
func parseDurationMin(path, raw string, floor time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	case d > 0 && d < floor:
		return 0, fmt.Errorf("%s: duration must be >= %s, got %s", path, floor, d)
	}
	return d, nil
}
