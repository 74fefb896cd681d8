package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/hackernews"
	"github.com/user/sentinel/internal/retry"
)

// GenerateHackerNews builds the front page digest without streaming.
func (g *Generator) GenerateHackerNews(ctx context.Context) (*Report, error) {
	var b strings.Builder
	rep, err := g.hackerNews(ctx, nil, func(s string) { b.WriteString(s) })
	if err != nil {
		return nil, err
	}
	rep.Body = b.String()
	return rep, nil
}

// StreamHackerNews builds the digest and publishes it to h under the
// hackernews task id.
func (g *Generator) StreamHackerNews(ctx context.Context, h events.Handler) (*Report, error) {
	return g.streamHackerNews(ctx, h, nil)
}

func (g *Generator) streamHackerNews(ctx context.Context, h events.Handler, finish func(*Report) error) (*Report, error) {
	return g.stream(hackernews.TaskID, h, finish, func(emit func(string)) (*Report, error) {
		var b strings.Builder
		rep, err := g.hackerNews(ctx, &g.fetchPol, func(s string) {
			b.WriteString(s)
			emit(s)
		})
		if rep != nil {
			rep.Body = b.String()
		}
		return rep, err
	})
}

func (g *Generator) hackerNews(ctx context.Context, pol *retry.Policy, emit func(string)) (*Report, error) {
	if g.stories == nil {
		return nil, errs.Validation("hacker news source is not configured")
	}
	var stories []hackernews.Story
	err := g.fetchPol.Do(ctx, hackernews.TaskID, func(ctx context.Context, _ int) error {
		var ferr error
		stories, ferr = g.stories.TopStories(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	now := g.now()
	if loc := g.schedules.Location; loc != nil {
		now = now.In(loc)
	}
	rep := &Report{
		TaskID:      hackernews.TaskID,
		Title:       "Hacker News Digest " + now.Format(frequency.DateLayout),
		GeneratedAt: now,
	}

	emit("# " + rep.Title + "\n\n")
	if g.backend == nil || len(stories) == 0 {
		emit(hackernews.Render(stories))
		return rep, nil
	}
	prompt := fmt.Sprintf("Hacker News front page, %d stories:\n%s", len(stories), hackernews.PromptLines(stories))
	if err := g.streamLLM(ctx, pol, hackernews.TaskID, hackerNewsSystemPrompt, prompt, emit); err != nil {
		return rep, fmt.Errorf("summarize hacker news: %w", err)
	}
	emit("\n")
	return rep, nil
}
