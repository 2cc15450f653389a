package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/rocker/internal/errors"
)

// DurationOrDefault parses value, falling back to defaultValue when value is
// blank. Timeouts, graces and intervals are never negative; zero is allowed
// and means "no wait" to the callers that accept it.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, errors.InvalidInput("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %v: %w", candidate, err, errors.ErrInvalidInput)
	}
	if d < 0 {
		return 0, errors.InvalidInput(fmt.Sprintf("duration %q is negative", candidate))
	}
	return d, nil
}
