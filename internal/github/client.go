// Package github fetches repository activity from the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/user/sentinel/internal/errs"
)

// Options configures the API client.
type Options struct {
	Token string
	// RequestInterval is the minimum spacing between API calls.
	RequestInterval time.Duration
	Burst           int
	PerPage         int
	MaxPages        int
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

// Client wraps the GitHub API client.
type Client struct {
	client   *github.Client
	limiter  *rate.Limiter
	perPage  int
	maxPages int
}

// NewClient creates a new GitHub API client.
// If token is empty, an unauthenticated client is created (with lower rate limits).
func NewClient(opts Options) (*Client, error) {
	var httpClient *http.Client
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: opts.Token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	limit := rate.Inf
	if opts.RequestInterval > 0 {
		limit = rate.Every(opts.RequestInterval)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	return &Client{
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		perPage:  perPage,
		maxPages: maxPages,
	}, nil
}

// wait blocks until the rate limiter admits another request.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// RepoInfo contains basic repository information.
type RepoInfo struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Stars       int    `json:"stars"`
	Forks       int    `json:"forks"`
	URL         string `json:"url"`
}

// GetRepository retrieves information about a repository.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*RepoInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if isNotFound(err) {
			return nil, errs.NotFound("repository %s/%s", owner, repo)
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &RepoInfo{
		Owner:       owner,
		Name:        repo,
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Stars:       r.GetStargazersCount(),
		Forks:       r.GetForksCount(),
		URL:         r.GetHTMLURL(),
	}, nil
}

// ValidateRepository checks if a repository exists and is accessible.
// A 404 reports false; rate limiting and transport failures are errors.
func (c *Client) ValidateRepository(ctx context.Context, owner, repo string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		var rle *github.RateLimitError
		if errors.As(err, &rle) {
			return false, fmt.Errorf("rate limit exceeded: %w", err)
		}
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate repository: %w", err)
	}
	return true, nil
}

// RateLimit is the core API quota.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// GetRateLimit returns the current core rate limit status.
func (c *Client) GetRateLimit(ctx context.Context) (*RateLimit, error) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil {
		return nil, err
	}
	if limits == nil || limits.Core == nil {
		return nil, errors.New("rate limit response missing core quota")
	}
	return &RateLimit{
		Limit:     limits.Core.Limit,
		Remaining: limits.Core.Remaining,
		Reset:     limits.Core.Reset.Time,
	}, nil
}

func isNotFound(err error) bool {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode == http.StatusNotFound
	}
	return false
}
