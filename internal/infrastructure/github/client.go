package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
)

// IssuesAPI is the subset of the go-github issues service a sync pass uses.
type IssuesAPI interface {
	ListByRepo(ctx context.Context, owner, repo string, opts *gh.IssueListByRepoOptions) ([]*gh.Issue, *gh.Response, error)
}

type ClientOption func(*Client)

// Client is the GitHub sync strategy. It walks repository issues in
// ascending updated order and checkpoints the newest updated_at after every
// page, so an interrupted pass resumes where it stopped.
type Client struct {
	baseURL     string
	limiter     *rate.Limiter
	pagesPerRun int
	timeout     time.Duration
	newAPI      func(ctx context.Context, token string) (IssuesAPI, error)
}

func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithPagesPerRun(n int) ClientOption {
	return func(c *Client) {
		c.pagesPerRun = n
	}
}

func WithAPIFactory(f func(ctx context.Context, token string) (IssuesAPI, error)) ClientOption {
	return func(c *Client) {
		c.newAPI = f
	}
}

// NewGitHubClient builds the strategy. An empty baseURL targets api.github.com;
// anything else is treated as a GitHub Enterprise endpoint.
func NewGitHubClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimSpace(baseURL),
		limiter:     rate.NewLimiter(rate.Limit(1.2), 5),
		pagesPerRun: 20,
		timeout:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.newAPI == nil {
		c.newAPI = c.defaultAPI
	}
	return c
}

func (c *Client) defaultAPI(ctx context.Context, token string) (IssuesAPI, error) {
	httpClient := &http.Client{Timeout: c.timeout}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = c.timeout
	}

	client := gh.NewClient(httpClient)
	if c.baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(c.baseURL, c.baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return client.Issues, nil
}

type Config struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	State string `json:"state,omitempty"`
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderGitHub
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, errors.New("github config: owner and repo are required")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("github config: %w", err)
	}
	if strings.TrimSpace(cfg.Owner) == "" || strings.TrimSpace(cfg.Repo) == "" {
		return cfg, errors.New("github config: owner and repo are required")
	}
	switch cfg.State {
	case "":
		cfg.State = "all"
	case "all", "open", "closed":
	default:
		return cfg, fmt.Errorf("github config: unsupported state %q", cfg.State)
	}
	return cfg, nil
}

func (c *Client) ValidateConfig(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (c *Client) Sync(ctx context.Context, req domain.SyncRequest, checkpoint domain.Checkpoint) (domain.SyncResult, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return domain.SyncResult{}, domain.Fatal("invalid config", err)
	}

	api, err := c.newAPI(ctx, req.Token)
	if err != nil {
		return domain.SyncResult{}, domain.Fatal("github client", err)
	}

	var since time.Time
	if req.Cursor != "" {
		since, err = time.Parse(time.RFC3339, req.Cursor)
		if err != nil {
			logger.Warn().Str("connector_id", req.ConnectorID.String()).Msg("Discarding unreadable github cursor")
			since = time.Time{}
		}
	}

	opts := &gh.IssueListByRepoOptions{
		State:       cfg.State,
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	result := domain.SyncResult{Cursor: req.Cursor}
	latest := since
	for pages := 0; ; pages++ {
		if pages >= c.pagesPerRun {
			result.Partial = true
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("rate limit wait: %w", err)
		}

		issues, resp, err := api.ListByRepo(ctx, cfg.Owner, cfg.Repo, opts)
		if err != nil {
			return result, classify("list issues", err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			result.Items++
			if updated := issue.GetUpdatedAt().Time; updated.After(latest) {
				latest = updated
			}
		}

		if !latest.IsZero() && !latest.Equal(since) {
			next := latest.UTC().Format(time.RFC3339)
			if next != result.Cursor {
				if err := checkpoint(ctx, next); err != nil {
					return result, err
				}
				result.Cursor = next
			}
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}

	logger.Debug().
		Str("connector_id", req.ConnectorID.String()).
		Str("repo", cfg.Owner+"/"+cfg.Repo).
		Int("items", result.Items).
		Bool("partial", result.Partial).
		Msg("GitHub sync pass finished")
	return result, nil
}

func classify(op string, err error) error {
	var rateLimitErr *gh.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return domain.Transient("rate limited", fmt.Errorf("%s: %w", op, err))
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return domain.Transient("secondary rate limit", fmt.Errorf("%s: %w", op, err))
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.Fatal("unauthorized", fmt.Errorf("%s: %w", op, err))
		case http.StatusNotFound, http.StatusGone:
			return domain.Fatal("repository not found", fmt.Errorf("%s: %w", op, err))
		}
	}
	return domain.Transient(op, err)
}
