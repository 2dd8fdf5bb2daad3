// Package trigger computes job fire times from user-defined schedules.
//
// A Spec is the serializable schedule definition stored with a task; Compile
// turns it into a Trigger whose NextFire is a pure computation over
// (previous fire time, now). Three kinds are supported:
//   - cron: crontab-style calendar recurrence, optionally bounded by
//     [start_date, end_date]
//   - interval: fixed-period recurrence from a start instant
//   - date: a single future fire instant, no recurrence
//
// Cron and interval triggers may carry exclude dates: calendar days on which
// the trigger must never fire. The exclusion search is bounded so a
// pathological exclude list fails loudly instead of looping forever.
package trigger

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindDate     Kind = "date"
)

// maxExcludeIterations bounds the exclusion-date search. Exceeding it means
// the exclude list swallows every candidate the underlying schedule produces.
const maxExcludeIterations = 1000

var (
	ErrUnsupportedKind = errors.New("unsupported trigger type")

	// ErrTooManyExcludeDates is distinct from "no next fire time": it flags a
	// configuration whose exclusions exhausted the search bound.
	ErrTooManyExcludeDates = errors.New("too many exclude dates")
)

// Spec is the wire/storage form of a trigger, a tagged union keyed by Type.
type Spec struct {
	Type Kind `json:"type"`

	// cron
	Cron      string     `json:"cron,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// interval
	IntervalSeconds int        `json:"interval,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`

	// date
	RunDate *time.Time `json:"run_date,omitempty"`

	// shared
	ExcludeDates  []time.Time `json:"exclude_dates,omitempty"`
	JitterSeconds int         `json:"jitter,omitempty"`
}

// Equal reports whether two specs describe the same schedule.
func (s Spec) Equal(o Spec) bool {
	if s.Type != o.Type ||
		strings.TrimSpace(s.Cron) != strings.TrimSpace(o.Cron) ||
		s.IntervalSeconds != o.IntervalSeconds ||
		s.JitterSeconds != o.JitterSeconds {
		return false
	}
	if !timePtrEqual(s.StartDate, o.StartDate) ||
		!timePtrEqual(s.EndDate, o.EndDate) ||
		!timePtrEqual(s.StartTime, o.StartTime) ||
		!timePtrEqual(s.RunDate, o.RunDate) {
		return false
	}
	if len(s.ExcludeDates) != len(o.ExcludeDates) {
		return false
	}
	for i := range s.ExcludeDates {
		if !s.ExcludeDates[i].Equal(o.ExcludeDates[i]) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// cronParser matches standard 5-field crontab syntax plus @-descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger is a compiled Spec. It is immutable and safe for concurrent use.
type Trigger struct {
	kind Kind
	loc  *time.Location

	sched      cron.Schedule
	start, end time.Time // cron bounds; zero when unbounded

	period    time.Duration
	startTime time.Time

	runDate time.Time

	exclude map[string]struct{} // "2006-01-02" in loc
	jitter  time.Duration
}

// Compile validates a Spec and builds the Trigger. Location applies to
// calendar matching and exclude-date comparison; nil means time.Local.
func Compile(spec Spec, loc *time.Location) (*Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	t := &Trigger{
		kind:   spec.Type,
		loc:    loc,
		jitter: time.Duration(spec.JitterSeconds) * time.Second,
	}
	if spec.JitterSeconds < 0 {
		return nil, fmt.Errorf("jitter must be >= 0")
	}

	switch spec.Type {
	case KindCron:
		expr := strings.TrimSpace(spec.Cron)
		if expr == "" {
			return nil, fmt.Errorf("crontab format error: empty expression")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("crontab format error: %w", err)
		}
		t.sched = sched
		if spec.StartDate != nil {
			t.start = spec.StartDate.In(loc)
		}
		if spec.EndDate != nil {
			t.end = spec.EndDate.In(loc)
		}
		if !t.start.IsZero() && !t.end.IsZero() && t.end.Before(t.start) {
			return nil, fmt.Errorf("end_date should be greater than or equal to start_date")
		}
	case KindInterval:
		if spec.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		if spec.StartTime == nil {
			return nil, fmt.Errorf("start_time required")
		}
		t.period = time.Duration(spec.IntervalSeconds) * time.Second
		t.startTime = spec.StartTime.In(loc)
	case KindDate:
		if spec.RunDate == nil {
			return nil, fmt.Errorf("run_date required")
		}
		t.runDate = spec.RunDate.In(loc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, string(spec.Type))
	}

	if len(spec.ExcludeDates) > 0 && spec.Type != KindDate {
		t.exclude = make(map[string]struct{}, len(spec.ExcludeDates))
		for _, d := range spec.ExcludeDates {
			t.exclude[d.In(loc).Format(time.DateOnly)] = struct{}{}
		}
	}
	return t, nil
}

func (t *Trigger) Kind() Kind { return t.kind }

// NextFire returns the next instant the trigger should fire, or nil when the
// trigger is exhausted. prev is the last fire time (nil if never fired).
//
// Jitter, when configured, is added once to the resolved instant; it is not
// re-applied while skipping excluded dates.
func (t *Trigger) NextFire(prev *time.Time, now time.Time) (*time.Time, error) {
	var next *time.Time
	switch t.kind {
	case KindCron:
		after := now
		if prev != nil && prev.After(after) {
			after = *prev
		}
		next = t.cronNext(after)
	case KindInterval:
		next = t.intervalNext(now, true)
	case KindDate:
		// A date trigger is exhausted after its single fire.
		if prev != nil || t.runDate.Before(now) {
			return nil, nil
		}
		rd := t.runDate
		return t.withJitter(&rd), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, string(t.kind))
	}

	if len(t.exclude) > 0 {
		for i := 0; next != nil && t.excluded(*next); i++ {
			if i >= maxExcludeIterations {
				return nil, fmt.Errorf("%w: gave up after %d candidates", ErrTooManyExcludeDates, maxExcludeIterations)
			}
			switch t.kind {
			case KindCron:
				next = t.cronNext(*next)
			case KindInterval:
				next = t.intervalNext(*next, false)
			}
		}
	}
	return t.withJitter(next), nil
}

// cronNext returns the first matching instant strictly after `after`, within
// the [start, end] bounds when present.
func (t *Trigger) cronNext(after time.Time) *time.Time {
	after = after.In(t.loc)
	if !t.start.IsZero() && after.Before(t.start) {
		// Allow the start instant itself to match.
		after = t.start.Add(-time.Second)
	}
	n := t.sched.Next(after)
	if n.IsZero() {
		return nil
	}
	if !t.end.IsZero() && n.After(t.end) {
		return nil
	}
	return &n
}

// intervalNext returns the first grid candidate (start_time + k*period) at or
// after `after` when inclusive, strictly after otherwise.
func (t *Trigger) intervalNext(after time.Time, inclusive bool) *time.Time {
	after = after.In(t.loc)
	if after.Before(t.startTime) {
		c := t.startTime
		return &c
	}
	elapsed := after.Sub(t.startTime)
	k := elapsed / t.period
	c := t.startTime.Add(k * t.period)
	if c.Before(after) || (!inclusive && c.Equal(after)) {
		c = c.Add(t.period)
	}
	return &c
}

func (t *Trigger) excluded(at time.Time) bool {
	_, ok := t.exclude[at.In(t.loc).Format(time.DateOnly)]
	return ok
}

func (t *Trigger) withJitter(next *time.Time) *time.Time {
	if next == nil || t.jitter <= 0 {
		return next
	}
	// The package-level source is locked, keeping the trigger itself
	// read-only after Compile.
	j := time.Duration(rand.Int63n(int64(t.jitter) + 1))
	c := next.Add(j)
	return &c
}
