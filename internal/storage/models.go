// Package storage provides subscription persistence and data models.
package storage

import (
	"fmt"
	"strings"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/frequency"
)

// EventType represents the kind of GitHub activity a subscription tracks.
type EventType string

const (
	EventTypeIssues            EventType = "IssuesEvent"
	EventTypePullRequest       EventType = "PullRequestEvent"
	EventTypePullRequestReview EventType = "PullRequestReviewEvent"
	EventTypeReviewComment     EventType = "PullRequestReviewCommentEvent"
	EventTypeIssueComment      EventType = "IssueCommentEvent"
	EventTypeFork              EventType = "ForkEvent"
	EventTypePush              EventType = "PushEvent"
	EventTypeRelease           EventType = "ReleaseEvent"
	EventTypeDiscussion        EventType = "DiscussionEvent"
	EventTypeDiscussionComment EventType = "DiscussionCommentEvent"
)

// AllEventTypes returns all supported event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeIssues,
		EventTypePullRequest,
		EventTypePullRequestReview,
		EventTypeReviewComment,
		EventTypeIssueComment,
		EventTypeFork,
		EventTypePush,
		EventTypeRelease,
		EventTypeDiscussion,
		EventTypeDiscussionComment,
	}
}

// DefaultEvents returns the event types for new subscriptions.
func DefaultEvents() []EventType {
	return []EventType{
		EventTypeIssues,
		EventTypePullRequest,
	}
}

// ParseEventType accepts the full event name or a short alias such as "issues" or "pr".
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	for _, et := range AllEventTypes() {
		if strings.EqualFold(string(et), s) {
			return et, nil
		}
	}
	switch strings.ToLower(s) {
	case "issues", "issue":
		return EventTypeIssues, nil
	case "pr", "prs", "pull_request", "pulls":
		return EventTypePullRequest, nil
	case "review", "reviews":
		return EventTypePullRequestReview, nil
	case "review_comment", "review_comments":
		return EventTypeReviewComment, nil
	case "comment", "comments":
		return EventTypeIssueComment, nil
	case "fork", "forks":
		return EventTypeFork, nil
	case "push", "commits":
		return EventTypePush, nil
	case "release", "releases":
		return EventTypeRelease, nil
	case "discussion", "discussions":
		return EventTypeDiscussion, nil
	}
	return "", errs.Validation("unknown event type %q", s)
}

// ParseEventTypes parses a list, dropping duplicates while keeping order.
func ParseEventTypes(items []string) ([]EventType, error) {
	seen := make(map[EventType]bool, len(items))
	out := make([]EventType, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		et, err := ParseEventType(item)
		if err != nil {
			return nil, err
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	return out, nil
}

// Subscription represents a repository subscription.
type Subscription struct {
	Owner      string              `json:"owner" yaml:"owner"`
	Repo       string              `json:"repo" yaml:"repo"`
	Frequency  frequency.Frequency `json:"frequency" yaml:"frequency"`
	EventTypes []EventType         `json:"eventTypes,omitempty" yaml:"eventTypes,omitempty"`
}

// TaskID identifies the subscription's scheduled and generation tasks.
func (s Subscription) TaskID() string {
	return TaskID(s.Owner, s.Repo)
}

// TaskID formats owner and repo as "owner/repo".
func TaskID(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

// Validate checks the identity and frequency declaration.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Owner) == "" || strings.TrimSpace(s.Repo) == "" {
		return errs.Validation("owner and repo are required")
	}
	if strings.Contains(s.Owner, "/") || strings.Contains(s.Repo, "/") {
		return errs.Validation("owner and repo must not contain '/'")
	}
	return s.Frequency.Validate()
}

// Clone returns a deep copy.
func (s Subscription) Clone() Subscription {
	c := s
	if s.Frequency.Interval != nil {
		iv := *s.Frequency.Interval
		c.Frequency.Interval = &iv
	}
	if s.EventTypes != nil {
		c.EventTypes = append([]EventType(nil), s.EventTypes...)
	}
	return c
}

// Events returns the subscribed types, falling back to DefaultEvents.
func (s Subscription) Events() []EventType {
	if len(s.EventTypes) == 0 {
		return DefaultEvents()
	}
	return s.EventTypes
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Frequency  *frequency.Frequency `json:"frequency,omitempty"`
	EventTypes []EventType          `json:"eventTypes,omitempty"`
}

// ParseRepo parses "owner/repo".
func ParseRepo(arg string) (owner, repo string, err error) {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "https://github.com/")
	arg = strings.TrimSuffix(arg, "/")
	parts := strings.Split(arg, "/")
	if len(parts) != 2 {
		return "", "", errs.Validation("repository %q must be owner/repo", arg)
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" {
		return "", "", errs.Validation("empty owner or repo in %q", arg)
	}

	return owner, repo, nil
}
