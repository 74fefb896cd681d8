// Package report turns repository activity and Hacker News stories into
// Markdown reports, streamed through the event emitter or built in one go.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/github"
	"github.com/user/sentinel/internal/hackernews"
	"github.com/user/sentinel/internal/llm"
	"github.com/user/sentinel/internal/retry"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// Fetcher returns repository activity of one event type since a lower
// bound. window is set for custom ranges.
type Fetcher interface {
	FetchEvents(ctx context.Context, owner, repo string, eventType storage.EventType, since time.Time, window *frequency.Interval) ([]github.Activity, error)
}

// Report is a finished report.
type Report struct {
	TaskID      string
	Owner       string
	Repo        string
	Title       string
	Body        string
	Meta        frequency.Meta
	Range       *frequency.Interval
	Counts      map[storage.EventType]int
	GeneratedAt time.Time
	RunID       string
}

// IsHackerNews reports whether r is a Hacker News digest.
func (r *Report) IsHackerNews() bool {
	return r.TaskID == hackernews.TaskID
}

// Generator builds reports. A nil backend selects the deterministic
// rendering.
type Generator struct {
	fetcher   Fetcher
	stories   hackernews.Fetcher
	backend   llm.Backend
	emitter   *events.Emitter
	fetchPol  retry.Policy
	schedules frequency.Schedules
	now       func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithBackend sets the language-model backend.
func WithBackend(b llm.Backend) Option {
	return func(g *Generator) { g.backend = b }
}

// WithHackerNews sets the story source for digests.
func WithHackerNews(f hackernews.Fetcher) Option {
	return func(g *Generator) { g.stories = f }
}

// WithFetchRetry sets the policy for streamed runs. It wraps the fetch phase
// and any language model call that fails before its first chunk.
func WithFetchRetry(p retry.Policy) Option {
	return func(g *Generator) { g.fetchPol = p }
}

// WithSchedules sets the trigger specs and location used by strategies.
func WithSchedules(s frequency.Schedules) Option {
	return func(g *Generator) { g.schedules = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a generator.
func NewGenerator(fetcher Fetcher, emitter *events.Emitter, opts ...Option) *Generator {
	g := &Generator{
		fetcher:   fetcher,
		emitter:   emitter,
		fetchPol:  retry.DefaultPolicy(),
		schedules: frequency.DefaultSchedules(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.emitter == nil {
		g.emitter = events.NewEmitter()
	}
	return g
}

// Emitter returns the emitter streamed runs publish to.
func (g *Generator) Emitter() *events.Emitter { return g.emitter }

// HasBackend reports whether a language-model backend is configured.
func (g *Generator) HasBackend() bool { return g.backend != nil }

type section struct {
	typ   storage.EventType
	items []github.Activity
}

// Generate builds the report for sub without streaming.
func (g *Generator) Generate(ctx context.Context, sub storage.Subscription) (*Report, error) {
	strat, err := frequency.New(sub.Frequency, g.schedules)
	if err != nil {
		return nil, err
	}
	sections, err := g.fetchAll(ctx, sub, strat)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	rep := g.newReport(sub, strat.Meta(), sections)
	if err := g.render(ctx, rep, sections, nil, func(s string) { b.WriteString(s) }); err != nil {
		return nil, err
	}
	rep.Body = b.String()
	return rep, nil
}

// Stream builds the report for sub and publishes every chunk to h under
// the subscription's task id, ending with a complete event. A generation
// already in flight for the same task id fails with a conflict error.
func (g *Generator) Stream(ctx context.Context, sub storage.Subscription, h events.Handler) (*Report, error) {
	return g.streamSubscription(ctx, sub, h, nil)
}

// streamSubscription is Stream with a finish step that runs on the finished
// report before the complete event, so its error reaches the listener.
func (g *Generator) streamSubscription(ctx context.Context, sub storage.Subscription, h events.Handler, finish func(*Report) error) (*Report, error) {
	taskID := sub.TaskID()
	return g.stream(taskID, h, finish, func(emit func(string)) (*Report, error) {
		strat, err := frequency.New(sub.Frequency, g.schedules)
		if err != nil {
			return nil, err
		}
		var sections []section
		err = g.fetchPol.Do(ctx, taskID, func(ctx context.Context, _ int) error {
			var ferr error
			sections, ferr = g.fetchAll(ctx, sub, strat)
			return ferr
		})
		if err != nil {
			return nil, err
		}
		rep := g.newReport(sub, strat.Meta(), sections)
		var b strings.Builder
		err = g.render(ctx, rep, sections, &g.fetchPol, func(s string) {
			b.WriteString(s)
			emit(s)
		})
		rep.Body = b.String()
		return rep, err
	})
}

// stream owns the single-flight gate and the terminal event. finish, when
// set, runs after a successful run and before the terminal event.
func (g *Generator) stream(taskID string, h events.Handler, finish func(*Report) error, run func(emit func(string)) (*Report, error)) (*Report, error) {
	unsubscribe, created := g.emitter.Subscribe(taskID, h)
	if !created {
		return nil, errs.Conflict("generation for %s is already in progress", taskID)
	}
	defer unsubscribe()

	logger.Debug().Str("task_id", taskID).Msg("Streaming generation started")
	rep, err := run(func(s string) {
		g.emitter.Publish(events.Chunk(taskID, s))
	})
	if err == nil && finish != nil {
		err = finish(rep)
	}
	g.emitter.Publish(events.Complete(taskID, err))
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (g *Generator) newReport(sub storage.Subscription, meta frequency.Meta, sections []section) *Report {
	rep := &Report{
		TaskID:      sub.TaskID(),
		Owner:       sub.Owner,
		Repo:        sub.Repo,
		Title:       fmt.Sprintf("GitHub %s/%s %s", sub.Owner, sub.Repo, meta.DisplayName),
		Meta:        meta,
		Counts:      make(map[storage.EventType]int, len(sections)),
		GeneratedAt: g.now(),
	}
	if meta.CustomDate != nil {
		iv := *meta.CustomDate
		rep.Range = &iv
	}
	for _, s := range sections {
		rep.Counts[s.typ] = len(s.items)
	}
	return rep
}

func (g *Generator) fetchAll(ctx context.Context, sub storage.Subscription, strat frequency.Strategy) ([]section, error) {
	since := strat.Since(g.now())
	var window *frequency.Interval
	if strat.Meta().Type == frequency.TypeCustom {
		window = sub.Frequency.Interval
	}

	sections := make([]section, 0, len(sub.Events()))
	for _, t := range sub.Events() {
		items, err := g.fetcher.FetchEvents(ctx, sub.Owner, sub.Repo, t, since, window)
		if err != nil {
			return nil, fmt.Errorf("fetch %s for %s: %w", t, sub.TaskID(), err)
		}
		if window != nil {
			items = github.FilterWindow(items, *window, g.schedules.Location)
		}
		logger.Debug().
			Str("task_id", sub.TaskID()).
			Str("event_type", string(t)).
			Int("count", len(items)).
			Msg("Fetched activity")
		sections = append(sections, section{typ: t, items: items})
	}
	return sections, nil
}

// render writes the report body. pol, when set, retries a language model
// section that fails before producing output.
func (g *Generator) render(ctx context.Context, rep *Report, sections []section, pol *retry.Policy, emit func(string)) error {
	emit("# " + rep.Title + "\n\n")
	emit(renderStats(sections))

	if g.backend == nil {
		for _, s := range sections {
			emit(github.RenderSection(s.typ, s.items))
		}
		return nil
	}

	for _, s := range sections {
		emit(fmt.Sprintf("## %s\n\n", github.Label(s.typ)))
		if len(s.items) == 0 {
			emit("_No activity in this period._\n\n")
			continue
		}
		prompt := sectionPrompt(rep.Owner, rep.Repo, rep.Meta, s.typ, s.items)
		if err := g.streamLLM(ctx, pol, rep.TaskID, systemPrompt(s.typ), prompt, emit); err != nil {
			return fmt.Errorf("summarize %s for %s: %w", s.typ, rep.TaskID, err)
		}
		emit("\n\n")
	}
	return nil
}

// streamLLM streams one completion to emit. Under pol a failure is retried
// only while nothing has been emitted, so listeners never see text twice.
func (g *Generator) streamLLM(ctx context.Context, pol *retry.Policy, name, system, prompt string, emit func(string)) error {
	if pol == nil {
		return g.streamOnce(ctx, system, prompt, emit)
	}
	return pol.Do(ctx, name, func(ctx context.Context, _ int) error {
		emitted := false
		err := g.streamOnce(ctx, system, prompt, func(s string) {
			emitted = true
			emit(s)
		})
		if err != nil && emitted {
			return errs.Permanent(err)
		}
		return err
	})
}

func (g *Generator) streamOnce(ctx context.Context, system, prompt string, emit func(string)) error {
	ch, err := g.backend.Stream(ctx, system, prompt)
	if err != nil {
		return err
	}
	for d := range ch {
		if d.Err != nil {
			return d.Err
		}
		if d.Content != "" {
			emit(d.Content)
		}
	}
	return ctx.Err()
}

func renderStats(sections []section) string {
	var b strings.Builder
	b.WriteString("## Statistics\n\n")
	total := 0
	for _, s := range sections {
		fmt.Fprintf(&b, "- %s: %d\n", github.Label(s.typ), len(s.items))
		total += len(s.items)
	}
	fmt.Fprintf(&b, "- Total: %d\n\n", total)
	return b.String()
}
