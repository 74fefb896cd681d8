package frequency

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/user/sentinel/internal/errs"
)

// Timer registers and cancels cron callbacks. *cron.Cron satisfies it.
type Timer interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
}

// Trigger is a cancellable handle for a registered recurring callback.
type Trigger struct {
	id    cron.EntryID
	spec  string
	timer Timer
}

// ID returns the cron entry id.
func (t *Trigger) ID() cron.EntryID { return t.id }

// Spec returns the cron expression the trigger was registered with.
func (t *Trigger) Spec() string { return t.spec }

// Cancel removes the trigger. Safe to call on a nil trigger.
func (t *Trigger) Cancel() {
	if t == nil || t.timer == nil {
		return
	}
	t.timer.Remove(t.id)
}

// Meta describes a strategy for report titles and post-filtering.
type Meta struct {
	Type        Type
	DisplayName string
	CustomDate  *Interval
}

// Schedules holds the cron expressions for recurring frequencies.
type Schedules struct {
	Daily    string
	Weekly   string
	Location *time.Location
}

// DefaultSchedules fires daily at 09:00 and weekly on Monday at 09:00.
func DefaultSchedules() Schedules {
	return Schedules{
		Daily:    "0 9 * * *",
		Weekly:   "0 9 * * 1",
		Location: time.Local,
	}
}

// Strategy maps a frequency declaration to a lookback and a trigger.
type Strategy interface {
	// Since returns the lower bound for activity fetching.
	Since(now time.Time) time.Time
	// ExecutionTime registers fn on the recurring trigger. Custom strategies
	// return a nil trigger and nil error.
	ExecutionTime(timer Timer, fn func()) (*Trigger, error)
	Meta() Meta
}

// New builds the strategy for f.
func New(f Frequency, s Schedules) (Strategy, error) {
	if s.Location == nil {
		s.Location = time.Local
	}
	switch f.Type {
	case TypeDaily:
		return &recurring{typ: TypeDaily, spec: s.Daily, lookback: 1, loc: s.Location}, nil
	case TypeWeekly:
		return &recurring{typ: TypeWeekly, spec: s.Weekly, lookback: 7, loc: s.Location}, nil
	case TypeCustom:
		if f.Interval == nil || f.Interval.Start == "" {
			return nil, errs.Validation("custom frequency requires a start date")
		}
		if err := f.Interval.Validate(); err != nil {
			return nil, err
		}
		return &custom{interval: *f.Interval, loc: s.Location}, nil
	default:
		return nil, errs.Validation("unknown frequency type %q", f.Type)
	}
}

var titleCaser = cases.Title(language.English)

func displayName(t Type) string {
	return titleCaser.String(string(t)) + " Report"
}

type recurring struct {
	typ      Type
	spec     string
	lookback int
	loc      *time.Location
}

func (r *recurring) Since(now time.Time) time.Time {
	return now.In(r.loc).AddDate(0, 0, -r.lookback)
}

func (r *recurring) ExecutionTime(timer Timer, fn func()) (*Trigger, error) {
	id, err := timer.AddFunc(r.spec, fn)
	if err != nil {
		return nil, fmt.Errorf("register %s trigger %q: %w", r.typ, r.spec, err)
	}
	return &Trigger{id: id, spec: r.spec, timer: timer}, nil
}

func (r *recurring) Meta() Meta {
	return Meta{Type: r.typ, DisplayName: displayName(r.typ)}
}

type custom struct {
	interval Interval
	loc      *time.Location
}

// Since is the literal start of the custom window.
func (c *custom) Since(time.Time) time.Time {
	from, _, _ := c.interval.Bounds(c.loc)
	return from
}

func (c *custom) ExecutionTime(Timer, func()) (*Trigger, error) {
	return nil, nil
}

func (c *custom) Meta() Meta {
	iv := c.interval
	return Meta{
		Type:        TypeCustom,
		DisplayName: fmt.Sprintf("%s (%s ~ %s)", displayName(TypeCustom), iv.Start, iv.End),
		CustomDate:  &iv,
	}
}
