package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInterval parses a schedule interval string. Accepted forms are a
// positive integer followed by one of ms, s, m, h, d. Sub-second intervals
// are legal; real fleets use minutes and hours.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	var numPart string
	var unit time.Duration

	switch {
	case strings.HasSuffix(s, "ms"):
		numPart, unit = s[:len(s)-2], time.Millisecond
	case strings.HasSuffix(s, "s"):
		numPart, unit = s[:len(s)-1], time.Second
	case strings.HasSuffix(s, "m"):
		numPart, unit = s[:len(s)-1], time.Minute
	case strings.HasSuffix(s, "h"):
		numPart, unit = s[:len(s)-1], time.Hour
	case strings.HasSuffix(s, "d"):
		numPart, unit = s[:len(s)-1], 24*time.Hour
	default:
		return 0, fmt.Errorf("interval %q: missing unit (expected ms, s, m, h, or d)", s)
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval %q: must be positive", s)
	}

	return time.Duration(n) * unit, nil
}
