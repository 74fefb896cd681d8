// Package hackernews reads the Hacker News front page from an RSS feed.
package hackernews

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/user/sentinel/pkg/logger"
)

// TaskID identifies Hacker News digest generations.
const TaskID = "hackernews"

// DefaultFeedURL is the hnrss front page feed.
const DefaultFeedURL = "https://hnrss.org/frontpage"

// Story is one front page entry.
type Story struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	CommentsURL string    `json:"comments_url,omitempty"`
	Author      string    `json:"author,omitempty"`
	Points      int       `json:"points"`
	Comments    int       `json:"comments"`
	Published   time.Time `json:"published"`
}

// Fetcher returns the current top stories.
type Fetcher interface {
	TopStories(ctx context.Context) ([]Story, error)
}

// Client fetches stories through gofeed.
type Client struct {
	parser  *gofeed.Parser
	feedURL string
	limit   int
}

// NewClient creates a feed client. limit <= 0 keeps every story.
func NewClient(feedURL string, limit int) *Client {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	return &Client{parser: gofeed.NewParser(), feedURL: feedURL, limit: limit}
}

// TopStories fetches the feed, drops duplicates and sorts by points.
func (c *Client) TopStories(ctx context.Context) ([]Story, error) {
	feed, err := c.parser.ParseURLWithContext(c.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", c.feedURL, err)
	}
	stories := Rank(storiesFromFeed(feed), c.limit)
	logger.Debug().Int("count", len(stories)).Str("feed", c.feedURL).Msg("Fetched Hacker News stories")
	return stories, nil
}

var (
	pointsRe      = regexp.MustCompile(`Points:\s*(\d+)`)
	commentsRe    = regexp.MustCompile(`#\s*Comments:\s*(\d+)`)
	commentsURLRe = regexp.MustCompile(`Comments URL:\s*<a href="([^"]+)"`)
)

func storiesFromFeed(feed *gofeed.Feed) []Story {
	if feed == nil {
		return nil
	}
	now := time.Now()
	out := make([]Story, 0, len(feed.Items))
	for _, item := range feed.Items {
		s := Story{
			Title:     strings.TrimSpace(item.Title),
			URL:       item.Link,
			Published: now,
		}
		if item.PublishedParsed != nil {
			s.Published = *item.PublishedParsed
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			s.Author = item.Authors[0].Name
		}
		desc := item.Description
		if m := pointsRe.FindStringSubmatch(desc); m != nil {
			s.Points, _ = strconv.Atoi(m[1])
		}
		if m := commentsRe.FindStringSubmatch(desc); m != nil {
			s.Comments, _ = strconv.Atoi(m[1])
		}
		if m := commentsURLRe.FindStringSubmatch(desc); m != nil {
			s.CommentsURL = m[1]
		} else if strings.HasPrefix(item.GUID, "http") {
			s.CommentsURL = item.GUID
		}
		if s.URL == "" {
			s.URL = s.CommentsURL
		}
		out = append(out, s)
	}
	return out
}

// Rank removes duplicate links, orders by points then comments, and keeps
// the first limit stories.
func Rank(stories []Story, limit int) []Story {
	seen := make(map[string]bool, len(stories))
	out := make([]Story, 0, len(stories))
	for _, s := range stories {
		key := s.URL
		if key == "" {
			key = s.Title
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].Comments > out[j].Comments
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Render formats stories as a ranked Markdown list.
func Render(stories []Story) string {
	var b strings.Builder
	if len(stories) == 0 {
		b.WriteString("_No stories found._\n")
		return b.String()
	}
	for i, s := range stories {
		fmt.Fprintf(&b, "%d. [%s](%s) · %d points · %d comments", i+1, s.Title, s.URL, s.Points, s.Comments)
		if s.CommentsURL != "" && s.CommentsURL != s.URL {
			fmt.Fprintf(&b, " · [discuss](%s)", s.CommentsURL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// PromptLines formats stories for language-model input.
func PromptLines(stories []Story) string {
	var b strings.Builder
	for _, s := range stories {
		fmt.Fprintf(&b, "- %s (%d points, %d comments) %s\n", s.Title, s.Points, s.Comments, s.URL)
	}
	return b.String()
}
