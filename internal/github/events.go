package github

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/storage"
)

// Activity is one normalized record of repository activity.
type Activity struct {
	Type      storage.EventType `json:"type"`
	ID        string            `json:"id"`
	Number    int               `json:"number,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	State     string            `json:"state,omitempty"`
	Author    string            `json:"author,omitempty"`
	URL       string            `json:"url"`
	Labels    []string          `json:"labels,omitempty"`
	Merged    bool              `json:"merged,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Timestamp is the time used for range filtering.
func (a Activity) Timestamp() time.Time {
	if !a.UpdatedAt.IsZero() {
		return a.UpdatedAt
	}
	return a.CreatedAt
}

// FilterWindow keeps the activities whose timestamp lies strictly inside iv.
func FilterWindow(items []Activity, iv frequency.Interval, loc *time.Location) []Activity {
	out := make([]Activity, 0, len(items))
	for _, a := range items {
		if iv.Contains(a.Timestamp(), loc) {
			out = append(out, a)
		}
	}
	return out
}

// Label is the human section name for an event type.
func Label(t storage.EventType) string {
	switch t {
	case storage.EventTypeIssues:
		return "Issues"
	case storage.EventTypePullRequest:
		return "Pull Requests"
	case storage.EventTypePullRequestReview:
		return "Pull Request Reviews"
	case storage.EventTypeReviewComment:
		return "Review Comments"
	case storage.EventTypeIssueComment:
		return "Issue Comments"
	case storage.EventTypeFork:
		return "Forks"
	case storage.EventTypePush:
		return "Commits"
	case storage.EventTypeRelease:
		return "Releases"
	case storage.EventTypeDiscussion:
		return "Discussions"
	case storage.EventTypeDiscussionComment:
		return "Discussion Comments"
	default:
		return string(t)
	}
}

// RenderSection renders a deterministic Markdown list for one event type.
func RenderSection(t storage.EventType, items []Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", Label(t))
	if len(items) == 0 {
		b.WriteString("_No activity in this period._\n\n")
		return b.String()
	}

	sorted := append([]Activity(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp().After(sorted[j].Timestamp())
	})

	for _, a := range sorted {
		b.WriteString(a.FormatLine())
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// FormatLine renders the activity as one Markdown list item.
func (a Activity) FormatLine() string {
	title := escapeMarkdown(truncateString(firstLine(a.Title), 120))
	date := a.Timestamp().Format(frequency.DateLayout)

	var ref string
	switch {
	case a.Number > 0:
		ref = fmt.Sprintf("[#%d](%s)", a.Number, a.URL)
	case a.Type == storage.EventTypePush && len(a.ID) >= 7:
		ref = fmt.Sprintf("[`%s`](%s)", a.ID[:7], a.URL)
	default:
		ref = fmt.Sprintf("[link](%s)", a.URL)
	}

	line := fmt.Sprintf("- %s %s", ref, title)
	if state := a.stateLabel(); state != "" {
		line += fmt.Sprintf(" (%s)", state)
	}
	if a.Author != "" {
		line += fmt.Sprintf(" by @%s", escapeMarkdown(a.Author))
	}
	if len(a.Labels) > 0 {
		line += fmt.Sprintf(" [%s]", escapeMarkdown(strings.Join(a.Labels, ", ")))
	}
	return line + " · " + date
}

func (a Activity) stateLabel() string {
	if a.Type == storage.EventTypePullRequest && a.Merged {
		return "merged"
	}
	return a.State
}

// PromptLine renders the activity compactly for language-model input.
func (a Activity) PromptLine() string {
	parts := []string{fmt.Sprintf("title=%q", firstLine(a.Title))}
	if a.Number > 0 {
		parts = append(parts, fmt.Sprintf("number=%d", a.Number))
	}
	if s := a.stateLabel(); s != "" {
		parts = append(parts, "state="+s)
	}
	if len(a.Labels) > 0 {
		parts = append(parts, "labels="+strings.Join(a.Labels, ","))
	}
	if a.Body != "" {
		parts = append(parts, fmt.Sprintf("body=%q", truncateString(a.Body, 300)))
	}
	parts = append(parts, "url="+a.URL)
	return "- " + strings.Join(parts, " ")
}

// Helper functions

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// escapeMarkdown escapes characters that would break inline Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
