package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// ConversationsAPI is the subset of the Slack Web API a sync pass uses.
type ConversationsAPI interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

type ClientOption func(*Client)

// Client is the Slack sync strategy. It pages conversation history per
// channel and checkpoints the newest seen timestamp once a channel is done.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryMax    int
	retryWait   time.Duration
	pagesPerRun int
	newAPI      func(token string) ConversationsAPI
}

func WithRetry(max int, wait time.Duration) ClientOption {
	return func(c *Client) {
		c.retryMax = max
		c.retryWait = wait
	}
}

func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPagesPerRun caps how many history pages one pass may fetch before it
// reports a partial result.
func WithPagesPerRun(n int) ClientOption {
	return func(c *Client) {
		c.pagesPerRun = n
	}
}

func WithAPIFactory(f func(token string) ConversationsAPI) ClientOption {
	return func(c *Client) {
		c.newAPI = f
	}
}

func NewSlackClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryMax:    3,
		retryWait:   time.Second,
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		pagesPerRun: 50,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.newAPI == nil {
		c.newAPI = func(token string) ConversationsAPI {
			slackOpts := []slack.Option{slack.OptionHTTPClient(c.httpClient)}
			if c.baseURL != "" {
				slackOpts = append(slackOpts, slack.OptionAPIURL(c.baseURL))
			}
			return slack.New(token, slackOpts...)
		}
	}

	return c
}

type Config struct {
	Channels []string `json:"channels,omitempty"`
	PageSize int      `json:"page_size,omitempty"`
}

type cursorState struct {
	Oldest map[string]string `json:"oldest"`
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderSlack
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("slack config: %w", err)
		}
	}
	if cfg.PageSize < 0 || cfg.PageSize > 1000 {
		return cfg, errors.New("slack config: page_size must be between 1 and 1000")
	}
	for _, ch := range cfg.Channels {
		if ch == "" {
			return cfg, errors.New("slack config: channel ids must not be empty")
		}
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 200
	}
	return cfg, nil
}

func (c *Client) ValidateConfig(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func decodeCursor(raw string) cursorState {
	state := cursorState{Oldest: map[string]string{}}
	if raw == "" {
		return state
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil || state.Oldest == nil {
		logger.Warn().Msg("Discarding unreadable slack cursor, starting from the beginning")
		return cursorState{Oldest: map[string]string{}}
	}
	return state
}

func (s cursorState) encode() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *Client) Sync(ctx context.Context, req domain.SyncRequest, checkpoint domain.Checkpoint) (domain.SyncResult, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return domain.SyncResult{}, domain.Fatal("invalid config", err)
	}

	api := c.newAPI(req.Token)
	state := decodeCursor(req.Cursor)

	channels := cfg.Channels
	if len(channels) == 0 {
		channels, err = c.listChannels(ctx, api)
		if err != nil {
			return domain.SyncResult{}, err
		}
	}

	result := domain.SyncResult{Cursor: req.Cursor}
	pages := 0
	for _, channelID := range channels {
		if pages >= c.pagesPerRun {
			result.Partial = true
			break
		}

		newest, items, fetched, err := c.syncChannel(ctx, api, channelID, state.Oldest[channelID], cfg.PageSize)
		pages += fetched
		if err != nil {
			return result, err
		}
		result.Items += items

		if newest != "" && newest != state.Oldest[channelID] {
			state.Oldest[channelID] = newest
			next := state.encode()
			if err := checkpoint(ctx, next); err != nil {
				return result, err
			}
			result.Cursor = next
		}
	}

	logger.Debug().
		Str("connector_id", req.ConnectorID.String()).
		Int("channels", len(channels)).
		Int("items", result.Items).
		Bool("partial", result.Partial).
		Msg("Slack sync pass finished")
	return result, nil
}

func (c *Client) listChannels(ctx context.Context, api ConversationsAPI) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		var channels []slack.Channel
		var next string
		err := c.call(ctx, "get conversations", func() error {
			var err error
			channels, next, err = api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
				Cursor:          cursor,
				Limit:           1000,
				ExcludeArchived: true,
				Types:           []string{"public_channel", "private_channel"},
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			ids = append(ids, ch.ID)
		}
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// syncChannel fetches every message newer than oldest and returns the newest
// timestamp seen. Slack returns history newest first, so the channel is only
// safe to checkpoint once all of its pages are read.
func (c *Client) syncChannel(ctx context.Context, api ConversationsAPI, channelID, oldest string, pageSize int) (string, int, int, error) {
	newest := oldest
	items, pages := 0, 0
	cursor := ""

	for {
		var resp *slack.GetConversationHistoryResponse
		err := c.call(ctx, "get conversation history", func() error {
			var err error
			resp, err = api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
				ChannelID: channelID,
				Cursor:    cursor,
				Oldest:    oldest,
				Limit:     pageSize,
			})
			return err
		})
		if err != nil {
			return "", items, pages, err
		}
		pages++

		for _, msg := range resp.Messages {
			if tsAfter(msg.Timestamp, newest) {
				newest = msg.Timestamp
			}
		}
		items += len(resp.Messages)

		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			return newest, items, pages, nil
		}
		cursor = resp.ResponseMetaData.NextCursor
	}
}

// tsAfter compares Slack "seconds.micros" timestamps. They are fixed width
// within the epoch range Slack uses, so a length then lexical compare works.
func tsAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// call waits on the rate limiter and retries retryable Slack errors. The
// final error is classified for the executor.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.retryWait) * math.Pow(2, float64(attempt)))
			var rl *slack.RateLimitedError
			if errors.As(err, &rl) && rl.RetryAfter > backoff {
				backoff = rl.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if werr := c.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("rate limit wait: %w", werr)
		}

		err = fn()
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(op, err)
}

func retryable(err error) bool {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return sc.Retryable()
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == "ratelimited" || se.Err == "internal_error" || se.Err == "service_unavailable"
	}
	return true
}

var fatalCodes = map[string]bool{
	"invalid_auth":      true,
	"not_authed":        true,
	"token_revoked":     true,
	"token_expired":     true,
	"account_inactive":  true,
	"missing_scope":     true,
	"channel_not_found": true,
	"not_in_channel":    true,
}

func classify(op string, err error) error {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) && fatalCodes[se.Err] {
		return domain.Fatal(se.Err, fmt.Errorf("%s: %w", op, err))
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) && (sc.Code == http.StatusUnauthorized || sc.Code == http.StatusForbidden) {
		return domain.Fatal("unauthorized", fmt.Errorf("%s: %w", op, err))
	}
	return domain.Transient(op, err)
}
