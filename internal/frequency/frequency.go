// Package frequency models how often a subscription is reported on and turns
// that declaration into a lookback window and a recurring cron trigger.
package frequency

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/sentinel/internal/errs"
)

// DateLayout is the calendar date format used by custom intervals.
const DateLayout = "2006-01-02"

// RangeSeparator joins the two dates of a range string, e.g. 2021-01-01~2021-01-02.
const RangeSeparator = "~"

// Type is the frequency kind of a subscription.
type Type string

const (
	TypeDaily  Type = "daily"
	TypeWeekly Type = "weekly"
	TypeCustom Type = "custom"
)

// ParseType validates a frequency type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeDaily, TypeWeekly, TypeCustom:
		return t, nil
	default:
		return "", errs.Validation("unknown frequency type %q", s)
	}
}

// Interval is an inclusive calendar date window.
type Interval struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// ParseRange parses "start~end" into a validated Interval.
func ParseRange(s string) (Interval, error) {
	parts := strings.Split(strings.TrimSpace(s), RangeSeparator)
	if len(parts) != 2 {
		return Interval{}, errs.Validation("range %q must look like YYYY-MM-DD~YYYY-MM-DD", s)
	}
	iv := Interval{Start: strings.TrimSpace(parts[0]), End: strings.TrimSpace(parts[1])}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// String renders the interval as a range string.
func (i Interval) String() string {
	return i.Start + RangeSeparator + i.End
}

// Validate checks both bounds are calendar dates and start <= end.
func (i Interval) Validate() error {
	if i.Start == "" {
		return errs.Validation("custom interval requires a start date")
	}
	if i.End == "" {
		return errs.Validation("custom interval requires an end date")
	}
	start, err := time.Parse(DateLayout, i.Start)
	if err != nil {
		return errs.Validation("start date %q is not YYYY-MM-DD", i.Start)
	}
	end, err := time.Parse(DateLayout, i.End)
	if err != nil {
		return errs.Validation("end date %q is not YYYY-MM-DD", i.End)
	}
	if start.After(end) {
		return errs.Validation("start date %s is after end date %s", i.Start, i.End)
	}
	return nil
}

// Bounds returns start-of-day(start) and end-of-day(end) in loc.
func (i Interval) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	start, err := time.ParseInLocation(DateLayout, i.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validation("start date %q is not YYYY-MM-DD", i.Start)
	}
	end, err := time.ParseInLocation(DateLayout, i.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validation("end date %q is not YYYY-MM-DD", i.End)
	}
	return start, end.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

// Contains reports whether t falls strictly inside the interval bounds.
func (i Interval) Contains(t time.Time, loc *time.Location) bool {
	from, to, err := i.Bounds(loc)
	if err != nil {
		return false
	}
	return t.After(from) && t.Before(to)
}

// Frequency is the tagged union declared on a subscription.
type Frequency struct {
	Type     Type      `json:"type" yaml:"type"`
	Interval *Interval `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Daily returns a daily frequency.
func Daily() Frequency { return Frequency{Type: TypeDaily} }

// Weekly returns a weekly frequency.
func Weekly() Frequency { return Frequency{Type: TypeWeekly} }

// Custom returns a one-off frequency over iv.
func Custom(iv Interval) Frequency {
	return Frequency{Type: TypeCustom, Interval: &iv}
}

// IsRecurring reports whether the frequency owns a recurring trigger.
func (f Frequency) IsRecurring() bool {
	return f.Type == TypeDaily || f.Type == TypeWeekly
}

// Validate checks the declaration is complete.
func (f Frequency) Validate() error {
	switch f.Type {
	case TypeDaily, TypeWeekly:
		return nil
	case TypeCustom:
		if f.Interval == nil {
			return errs.Validation("custom frequency requires an interval")
		}
		return f.Interval.Validate()
	default:
		return errs.Validation("unknown frequency type %q", f.Type)
	}
}

// Equal compares two declarations by value.
func (f Frequency) Equal(o Frequency) bool {
	if f.Type != o.Type {
		return false
	}
	if f.Interval == nil || o.Interval == nil {
		return f.Interval == nil && o.Interval == nil
	}
	return *f.Interval == *o.Interval
}

func (f Frequency) String() string {
	if f.Type == TypeCustom && f.Interval != nil {
		return fmt.Sprintf("%s(%s)", f.Type, f.Interval)
	}
	return string(f.Type)
}

// Parse reads "daily", "weekly" or a "start~end" range as a custom
// frequency.
func Parse(s string) (Frequency, error) {
	if strings.Contains(s, RangeSeparator) {
		iv, err := ParseRange(s)
		if err != nil {
			return Frequency{}, err
		}
		return Custom(iv), nil
	}
	t, err := ParseType(s)
	if err != nil {
		return Frequency{}, err
	}
	if t == TypeCustom {
		return Frequency{}, errs.Validation("custom frequency needs a start~end range")
	}
	return Frequency{Type: t}, nil
}
