package report

import (
	"fmt"
	"strings"

	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/github"
	"github.com/user/sentinel/internal/storage"
)

const issuesSystemPrompt = `You are an analyst following the progress of an open source project.
You receive the issues that changed during a reporting period.
Group them into: New Features, Improvements, Bug Fixes, Other.
Write concise Markdown bullet points under "### " headings, keep the issue links,
and use precise wording taken from the issue titles. Do not invent items.`

const pullsSystemPrompt = `You are an analyst following the progress of an open source project.
You receive the pull requests that changed during a reporting period.
Summarise what was merged, what is still under review and what was closed without merging.
Write concise Markdown bullet points under "### " headings and keep the pull request links.
Do not invent items.`

const activitySystemPrompt = `You are an analyst following the progress of an open source project.
Summarise the repository activity you receive in a few concise Markdown bullet points.
Keep the links. Do not invent items.`

const hackerNewsSystemPrompt = `You are a technology expert who follows Hacker News closely.
From the list of front page stories you receive, identify the five most discussed topics.
For each topic write a numbered bold heading, two sentences on why it matters,
and the original links as nested bullet points. Answer in Markdown.`

func systemPrompt(t storage.EventType) string {
	switch t {
	case storage.EventTypeIssues:
		return issuesSystemPrompt
	case storage.EventTypePullRequest:
		return pullsSystemPrompt
	default:
		return activitySystemPrompt
	}
}

func sectionPrompt(owner, repo string, meta frequency.Meta, t storage.EventType, items []github.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s/%s\n", owner, repo)
	fmt.Fprintf(&b, "Period: %s\n", meta.DisplayName)
	fmt.Fprintf(&b, "%s (%d):\n", github.Label(t), len(items))
	for _, a := range items {
		b.WriteString(a.PromptLine())
		b.WriteString("\n")
	}
	return b.String()
}
