package runbook

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	offsetPattern   = regexp.MustCompile(`^T-(\d+)(s|m|h|d)$`)
	durationPattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)
)

// ParseOffset converts a phase offset ("T-<N><unit>" or "T-0") to minutes
// before the batch anchor. Seconds round up to the next whole minute.
func ParseOffset(s string) (int, error) {
	if s == "T-0" {
		return 0, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid offset %q: want T-<N><s|m|h|d> or T-0", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	switch m[2] {
	case "d":
		return n * 1440, nil
	case "h":
		return n * 60, nil
	case "m":
		return n, nil
	case "s":
		return (n + 59) / 60, nil
	}
	return 0, fmt.Errorf("invalid offset unit in %q", s)
}

// ParseDuration converts "<N><unit>" to seconds. Used for poll intervals,
// poll timeouts, and retry intervals.
func ParseDuration(s string) (int, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <N><s|m|h|d>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "d":
		return n * 86400, nil
	case "h":
		return n * 3600, nil
	case "m":
		return n * 60, nil
	case "s":
		return n, nil
	}
	return 0, fmt.Errorf("invalid duration unit in %q", s)
}
