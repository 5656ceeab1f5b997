package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every returns the soak interval. Cron expressions are validated and
// approximated by the interval of their next two activations, durations
// are ISO 8601 (PT30M) or Go (30m) syntax.
func (s Schedule) Every() (time.Duration, error) {
	switch {
	case s.Cron != "" && s.Duration != "":
		return 0, fmt.Errorf("%w: schedule: both cron and duration are set", ErrConfiguration)
	case s.Cron != "":
		d, err := cronInterval(s.Cron)
		if err != nil {
			return 0, fmt.Errorf("%w: schedule.cron: %w", ErrConfiguration, err)
		}
		return d, nil
	case s.Duration != "":
		d, err := parseISODuration(s.Duration)
		if errors.Is(err, errNotISO) {
			d, err = time.ParseDuration(s.Duration)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: schedule.duration: %w", ErrConfiguration, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("%w: schedule.duration must be positive", ErrConfiguration)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%w: schedule: both cron and duration are empty", ErrConfiguration)
	}
}

func cronInterval(expr string) (time.Duration, error) {
	schedule, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

var errNotISO = errors.New("not an ISO 8601 duration")

var isoUnits = map[byte]time.Duration{
	'D': 24 * time.Hour,
	'H': time.Hour,
	'M': time.Minute,
	'S': time.Second,
}

// parseISODuration accepts the day and time designators of ISO 8601:
// P1D, PT1H30M, P1DT0.5S. Years, months and weeks have no fixed length
// and are rejected.
func parseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok {
		return 0, errNotISO
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if rest == "" || hasT && clock == "" {
		return 0, fmt.Errorf("%q: %w", s, errNotISO)
	}

	var total time.Duration
	for part, units := range map[string]string{date: "D", clock: "HMS"} {
		d, err := sumComponents(part, units)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", s, err)
		}
		total += d
	}
	return total, nil
}

// sumComponents adds up number+designator pairs, designators in the order
// of units and each at most once.
func sumComponents(s, units string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool { return !(r >= '0' && r <= '9' || r == '.' || r == ',') })
		if i <= 0 {
			return 0, errNotISO
		}
		unit := strings.IndexByte(units, s[i])
		if unit < 0 {
			return 0, errNotISO
		}
		num, err := strconv.ParseFloat(strings.Replace(s[:i], ",", ".", 1), 64)
		if err != nil {
			return 0, errNotISO
		}
		total += time.Duration(num * float64(isoUnits[s[i]]))
		units = units[unit+1:]
		s = s[i+1:]
	}
	return total, nil
}
