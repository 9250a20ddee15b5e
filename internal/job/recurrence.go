package job

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidRecurrence is returned for patterns that cannot be scheduled.
var ErrInvalidRecurrence = errors.New("invalid recurrence pattern")

var humanInterval = regexp.MustCompile(`^every\s+(\d+)\s+(minute|hour|day|week)s?$`)

var unitDurations = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// ParseRecurrence accepts a standard five-field cron expression, a cron
// descriptor such as "@hourly" or "@every 90m", or the form
// "every N minute(s)|hour(s)|day(s)|week(s)". Cron expressions are evaluated
// in UTC unless they carry their own CRON_TZ= prefix.
func ParseRecurrence(pattern string) (cron.Schedule, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return nil, ErrInvalidRecurrence
	}

	if m := humanInterval.FindStringSubmatch(p); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRecurrence, pattern)
		}
		return cron.Every(time.Duration(n) * unitDurations[m[2]]), nil
	}

	expr := strings.TrimSpace(pattern)
	if !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		expr = "CRON_TZ=UTC " + expr
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return schedule, nil
}

// NextRun returns the first activation of pattern strictly after now.
func NextRun(pattern string, now time.Time) (time.Time, error) {
	schedule, err := ParseRecurrence(pattern)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidRecurrence, pattern)
	}
	return next, nil
}
