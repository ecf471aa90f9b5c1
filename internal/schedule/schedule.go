// Package schedule computes when recurring tasks are due.
//
// A Spec is either a fixed interval ("30s", "5m", "2h", "1d") or a 5-field
// cron expression (minute hour day-of-month month day-of-week). Next() is
// side-effect-free: it maps a reference instant to the following due instant.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind discriminates the schedule union.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindFromString is the inverse of String, used when decoding stored specs.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "interval":
		return KindInterval, nil
	case "cron":
		return KindCron, nil
	default:
		return 0, &Error{Spec: s, Reason: "unknown schedule type"}
	}
}

// Error reports an invalid or unusable schedule spec.
type Error struct {
	Spec   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schedule %q: %s: %v", e.Spec, e.Reason, e.Err)
	}
	return fmt.Sprintf("schedule %q: %s", e.Spec, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// fiveField accepts plain minute-granularity cron only, no seconds field and
// no @descriptors.
var fiveField = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec is a validated schedule. The zero value is not usable; build one with
// ParseInterval, ParseCron or Every.
type Spec struct {
	kind  Kind
	every time.Duration
	raw   string
	cron  cron.Schedule
}

// Every builds an interval spec directly from a duration. Used by tests and
// programmatic registration; config and persistence go through ParseInterval.
func Every(d time.Duration) (Spec, error) {
	if d <= 0 {
		return Spec{}, &Error{Spec: d.String(), Reason: "interval must be positive"}
	}
	return Spec{kind: KindInterval, every: d, raw: formatInterval(d)}, nil
}

// ParseInterval parses an "{n}{unit}" interval string, unit in s/m/h/d.
func ParseInterval(raw string) (Spec, error) {
	d, err := ParseEvery(raw)
	if err != nil {
		return Spec{}, err
	}
	return Spec{kind: KindInterval, every: d, raw: raw}, nil
}

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (Spec, error) {
	sched, err := fiveField.Parse(expr)
	if err != nil {
		return Spec{}, &Error{Spec: expr, Reason: "invalid cron expression", Err: err}
	}
	return Spec{kind: KindCron, raw: expr, cron: sched}, nil
}

// Parse builds a Spec from its persisted (type, value) representation.
func Parse(kind Kind, value string) (Spec, error) {
	switch kind {
	case KindInterval:
		return ParseInterval(value)
	case KindCron:
		return ParseCron(value)
	default:
		return Spec{}, &Error{Spec: value, Reason: "unknown schedule type"}
	}
}

func (s Spec) Kind() Kind { return s.kind }

// Interval returns the period for interval specs, 0 for cron specs.
func (s Spec) Interval() time.Duration { return s.every }

// Value returns the canonical string form ("30s", "*/5 * * * *").
func (s Spec) Value() string { return s.raw }

// IsZero reports whether the spec was never initialized.
func (s Spec) IsZero() bool { return s.raw == "" && s.cron == nil && s.every == 0 }

// Next returns the earliest due instant strictly after from. Interval specs
// fire at from+every; cron specs fire at the next matching minute. A cron
// spec with no future match fails with *Error.
func (s Spec) Next(from time.Time) (time.Time, error) {
	switch s.kind {
	case KindInterval:
		if s.every <= 0 {
			return time.Time{}, &Error{Spec: s.raw, Reason: "interval must be positive"}
		}
		return from.Add(s.every), nil
	case KindCron:
		if s.cron == nil {
			return time.Time{}, &Error{Spec: s.raw, Reason: "cron spec not parsed"}
		}
		next := s.cron.Next(from)
		if next.IsZero() {
			return time.Time{}, &Error{Spec: s.raw, Reason: "no future match"}
		}
		return next, nil
	default:
		return time.Time{}, &Error{Spec: s.raw, Reason: "unknown schedule type"}
	}
}

func formatInterval(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec > 0 && d%time.Second == 0 {
		switch {
		case sec%86400 == 0:
			return fmt.Sprintf("%dd", sec/86400)
		case sec%3600 == 0:
			return fmt.Sprintf("%dh", sec/3600)
		case sec%60 == 0:
			return fmt.Sprintf("%dm", sec/60)
		default:
			return fmt.Sprintf("%ds", sec)
		}
	}
	return d.String()
}
