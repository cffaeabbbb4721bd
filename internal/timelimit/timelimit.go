// Package timelimit parses step time limits into a typed duration-or-deadline value.
package timelimit

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenTTL is used for step tokens when a step carries no limit.
const DefaultTokenTTL = 30 * 24 * time.Hour

// ParseError is returned for inputs that match none of the accepted formats.
type ParseError struct {
	Input string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("unrecognized time limit %q", e.Input)
}

// Limit is either a relative Duration or an absolute Deadline. The zero value means no limit.
type Limit struct {
	Duration time.Duration
	Deadline time.Time
}

func (l Limit) IsZero() bool {
	return l.Duration == 0 && l.Deadline.IsZero()
}

// FireAt returns the instant the limit expires when counted from anchor.
func (l Limit) FireAt(anchor time.Time) time.Time {
	if !l.Deadline.IsZero() {
		return l.Deadline
	}
	return anchor.Add(l.Duration)
}

// Until returns the time remaining at now for a limit anchored at anchor. Never negative.
func (l Limit) Until(anchor, now time.Time) time.Duration {
	d := l.FireAt(anchor).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TokenTTL is the lifetime of a step token issued at now for a step triggered at anchor.
// Steps without a limit get fallback, or DefaultTokenTTL when fallback is not positive.
func (l Limit) TokenTTL(anchor, now time.Time, fallback time.Duration) time.Duration {
	if l.IsZero() {
		if fallback <= 0 {
			return DefaultTokenTTL
		}
		return fallback
	}
	return l.Until(anchor, now)
}

var (
	shortForm = regexp.MustCompile(`^(\d+)\s*([mhdw])$`)
	longForm  = regexp.MustCompile(`^(\d+)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?)$`)
)

var units = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// Parse accepts "30m", "2h", "1d", "1w", "30 minutes", "2 hours", "3 weeks", Go durations
// such as "1h30m", and absolute RFC3339 or YYYY-MM-DD deadlines. Empty input is no limit.
func Parse(s string) (Limit, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return Limit{}, nil
	}
	if m := shortForm.FindStringSubmatch(in); m != nil {
		return fromUnits(s, m[1], m[2])
	}
	if m := longForm.FindStringSubmatch(in); m != nil {
		return fromUnits(s, m[1], m[2][:1])
	}
	if d, err := time.ParseDuration(in); err == nil {
		if d <= 0 {
			return Limit{}, ParseError{Input: s}
		}
		return Limit{Duration: d}, nil
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
		return Limit{Deadline: t.UTC()}, nil
	}
	if t, err := time.Parse("2006-01-02", in); err == nil {
		return Limit{Deadline: t.UTC()}, nil
	}
	return Limit{}, ParseError{Input: s}
}

func fromUnits(raw, count, unit string) (Limit, error) {
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil || n <= 0 {
		return Limit{}, ParseError{Input: raw}
	}
	step := int64(units[unit])
	if n > math.MaxInt64/step {
		return Limit{}, ParseError{Input: raw}
	}
	return Limit{Duration: time.Duration(n * step)}, nil
}
