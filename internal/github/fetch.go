package github

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/storage"
	"github.com/user/sentinel/pkg/logger"
)

// reviewedPullsLimit caps how many pull requests are inspected for reviews.
const reviewedPullsLimit = 20

// FetchEvents returns the activity of one event type updated since the given
// time. window, when set, bounds commit listing from above; callers still
// post-filter on it.
func (c *Client) FetchEvents(ctx context.Context, owner, repo string, eventType storage.EventType, since time.Time, window *frequency.Interval) ([]Activity, error) {
	var (
		items []Activity
		err   error
	)

	switch eventType {
	case storage.EventTypeIssues:
		items, err = c.fetchIssues(ctx, owner, repo, since)
	case storage.EventTypePullRequest:
		items, err = c.fetchPullRequests(ctx, owner, repo, since)
	case storage.EventTypePullRequestReview:
		items, err = c.fetchReviews(ctx, owner, repo, since)
	case storage.EventTypeReviewComment:
		items, err = c.fetchReviewComments(ctx, owner, repo, since)
	case storage.EventTypeIssueComment:
		items, err = c.fetchIssueComments(ctx, owner, repo, since)
	case storage.EventTypeFork:
		items, err = c.fetchForks(ctx, owner, repo, since)
	case storage.EventTypePush:
		items, err = c.fetchCommits(ctx, owner, repo, since, window)
	case storage.EventTypeRelease:
		items, err = c.fetchReleases(ctx, owner, repo, since)
	case storage.EventTypeDiscussion, storage.EventTypeDiscussionComment:
		logger.Debug().Str("repo", owner+"/"+repo).Str("event_type", string(eventType)).
			Msg("Discussions are not listed by the REST API, skipping")
		return nil, nil
	default:
		return nil, errs.Validation("unsupported event type %q", eventType)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, errs.NotFound("repository %s/%s", owner, repo)
		}
		return nil, fmt.Errorf("failed to fetch %s for %s/%s: %w", eventType, owner, repo, err)
	}

	logger.Debug().
		Str("repo", owner+"/"+repo).
		Str("event_type", string(eventType)).
		Int("count", len(items)).
		Msg("Fetched activity")
	return items, nil
}

// fetchIssues lists issues updated since, excluding pull requests.
func (c *Client) fetchIssues(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			// Skip pull requests
			if issue.IsPullRequest() {
				continue
			}
			labels := make([]string, len(issue.Labels))
			for i, l := range issue.Labels {
				labels[i] = l.GetName()
			}
			out = append(out, Activity{
				Type:      storage.EventTypeIssues,
				ID:        strconv.FormatInt(issue.GetID(), 10),
				Number:    issue.GetNumber(),
				Title:     issue.GetTitle(),
				Body:      issue.GetBody(),
				State:     issue.GetState(),
				Author:    issue.GetUser().GetLogin(),
				URL:       issue.GetHTMLURL(),
				Labels:    labels,
				CreatedAt: issue.GetCreatedAt().Time,
				UpdatedAt: issue.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchPullRequests pages through PRs sorted by update time until one is older than since.
func (c *Client) fetchPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	prs, err := c.listPullsSince(ctx, owner, repo, since)
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(prs))
	for _, pr := range prs {
		labels := make([]string, len(pr.Labels))
		for i, l := range pr.Labels {
			labels[i] = l.GetName()
		}
		out = append(out, Activity{
			Type:      storage.EventTypePullRequest,
			ID:        strconv.FormatInt(pr.GetID(), 10),
			Number:    pr.GetNumber(),
			Title:     pr.GetTitle(),
			Body:      pr.GetBody(),
			State:     pr.GetState(),
			Author:    pr.GetUser().GetLogin(),
			URL:       pr.GetHTMLURL(),
			Labels:    labels,
			Merged:    !pr.GetMergedAt().IsZero(),
			CreatedAt: pr.GetCreatedAt().Time,
			UpdatedAt: pr.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

func (c *Client) listPullsSince(ctx context.Context, owner, repo string, since time.Time) ([]*gh.PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}

	var out []*gh.PullRequest
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		prs, resp, err := c.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, pr := range prs {
			if pr.GetUpdatedAt().Time.Before(since) {
				return out, nil
			}
			out = append(out, pr)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchReviews lists reviews submitted since on recently updated pull requests.
func (c *Client) fetchReviews(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	prs, err := c.listPullsSince(ctx, owner, repo, since)
	if err != nil {
		return nil, err
	}
	if len(prs) > reviewedPullsLimit {
		prs = prs[:reviewedPullsLimit]
	}

	var out []Activity
	for _, pr := range prs {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		reviews, _, err := c.client.PullRequests.ListReviews(ctx, owner, repo, pr.GetNumber(), &gh.ListOptions{PerPage: c.perPage})
		if err != nil {
			return nil, err
		}
		for _, r := range reviews {
			submitted := r.GetSubmittedAt().Time
			if submitted.Before(since) {
				continue
			}
			out = append(out, Activity{
				Type:      storage.EventTypePullRequestReview,
				ID:        strconv.FormatInt(r.GetID(), 10),
				Number:    pr.GetNumber(),
				Title:     pr.GetTitle(),
				Body:      r.GetBody(),
				State:     r.GetState(),
				Author:    r.GetUser().GetLogin(),
				URL:       r.GetHTMLURL(),
				CreatedAt: submitted,
				UpdatedAt: submitted,
			})
		}
	}
	return out, nil
}

// fetchReviewComments lists repository-wide review comments since.
func (c *Client) fetchReviewComments(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	opts := &gh.PullRequestListCommentsOptions{
		Sort:        "updated",
		Direction:   "desc",
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := c.client.PullRequests.ListComments(ctx, owner, repo, 0, opts)
		if err != nil {
			return nil, err
		}
		for _, cm := range comments {
			out = append(out, Activity{
				Type:      storage.EventTypeReviewComment,
				ID:        strconv.FormatInt(cm.GetID(), 10),
				Title:     cm.GetPath(),
				Body:      cm.GetBody(),
				Author:    cm.GetUser().GetLogin(),
				URL:       cm.GetHTMLURL(),
				CreatedAt: cm.GetCreatedAt().Time,
				UpdatedAt: cm.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchIssueComments lists repository-wide issue comments since.
func (c *Client) fetchIssueComments(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	sort, direction := "updated", "desc"
	opts := &gh.IssueListCommentsOptions{
		Sort:        &sort,
		Direction:   &direction,
		Since:       &since,
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, repo, 0, opts)
		if err != nil {
			return nil, err
		}
		for _, cm := range comments {
			out = append(out, Activity{
				Type:      storage.EventTypeIssueComment,
				ID:        strconv.FormatInt(cm.GetID(), 10),
				Title:     truncateString(firstLine(cm.GetBody()), 80),
				Body:      cm.GetBody(),
				Author:    cm.GetUser().GetLogin(),
				URL:       cm.GetHTMLURL(),
				CreatedAt: cm.GetCreatedAt().Time,
				UpdatedAt: cm.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchForks lists forks created since, newest first.
func (c *Client) fetchForks(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	opts := &gh.RepositoryListForksOptions{
		Sort:        "newest",
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		forks, resp, err := c.client.Repositories.ListForks(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, f := range forks {
			created := f.GetCreatedAt().Time
			if created.Before(since) {
				return out, nil
			}
			out = append(out, Activity{
				Type:      storage.EventTypeFork,
				ID:        strconv.FormatInt(f.GetID(), 10),
				Title:     f.GetFullName(),
				Author:    f.GetOwner().GetLogin(),
				URL:       f.GetHTMLURL(),
				CreatedAt: created,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchCommits lists commits on the default branch since, bounded by the window end.
func (c *Client) fetchCommits(ctx context.Context, owner, repo string, since time.Time, window *frequency.Interval) ([]Activity, error) {
	opts := &gh.CommitsListOptions{
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}
	if window != nil {
		if _, until, err := window.Bounds(nil); err == nil {
			opts.Until = until
		}
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		commits, resp, err := c.client.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, commit := range commits {
			sha := commit.GetSHA()
			if sha == "" {
				continue
			}
			date := commit.GetCommit().GetAuthor().GetDate().Time
			author := commit.GetAuthor().GetLogin()
			if author == "" {
				author = commit.GetCommit().GetAuthor().GetName()
			}
			out = append(out, Activity{
				Type:      storage.EventTypePush,
				ID:        sha,
				Title:     commit.GetCommit().GetMessage(),
				Author:    author,
				URL:       commit.GetHTMLURL(),
				CreatedAt: date,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// fetchReleases lists published, non-draft releases since.
func (c *Client) fetchReleases(ctx context.Context, owner, repo string, since time.Time) ([]Activity, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	releases, _, err := c.client.Repositories.ListReleases(ctx, owner, repo, &gh.ListOptions{PerPage: c.perPage})
	if err != nil {
		return nil, err
	}

	var out []Activity
	for _, release := range releases {
		if release.GetDraft() {
			continue
		}
		published := release.GetPublishedAt().Time
		if published.Before(since) {
			continue
		}
		name := release.GetName()
		if name == "" {
			name = release.GetTagName()
		}
		state := "release"
		if release.GetPrerelease() {
			state = "prerelease"
		}
		out = append(out, Activity{
			Type:      storage.EventTypeRelease,
			ID:        release.GetTagName(),
			Title:     name,
			Body:      release.GetBody(),
			State:     state,
			Author:    release.GetAuthor().GetLogin(),
			URL:       release.GetHTMLURL(),
			CreatedAt: published,
		})
	}
	return out, nil
}
