package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// Limiter keys for Slack Web API methods.
const (
	KeyReplies     = "slack.conversations.replies"
	KeyHistory     = "slack.conversations.history"
	KeyPostMessage = "slack.chat.postMessage"
)

const (
	defaultPageSize = 200
	maxPages        = 50
)

// Config holds the Slack credentials and transport settings.
type Config struct {
	BotToken string `yaml:"bot_token"` // xoxb- token for API calls
	AppToken string `yaml:"app_token"` // xapp- token for Socket Mode
	PageSize int    `yaml:"page_size"`
	Debug    bool   `yaml:"debug"`

	// GrantedScopes lists the OAuth scopes installed for the bot token.
	// Tool categories with required_scopes are checked against it.
	GrantedScopes []string `yaml:"granted_scopes"`
}

// Validate checks that both tokens are present and well formed.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return errors.New("slack.bot_token is required")
	}
	if !strings.HasPrefix(c.BotToken, "xoxb-") {
		return errors.New("slack.bot_token must start with xoxb-")
	}
	if c.AppToken == "" {
		return errors.New("slack.app_token is required")
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return errors.New("slack.app_token must start with xapp-")
	}
	if c.PageSize < 0 || c.PageSize > 1000 {
		return fmt.Errorf("slack.page_size must be between 0 and 1000, got %d", c.PageSize)
	}
	return nil
}

// NewAPI builds the Web API client for cfg.
func NewAPI(cfg Config) *slack.Client {
	return slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
}

// Client reads conversation history and posts replies through the Web
// API. Every call is gated by the limiter under the method's key.
type Client struct {
	api      SlackAPIClient
	limiter  *ratelimit.Limiter
	logger   *observability.Logger
	pageSize int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLimiter gates API calls through limiter.
func WithLimiter(limiter *ratelimit.Limiter) ClientOption {
	return func(c *Client) { c.limiter = limiter }
}

// WithLogger sets the client logger.
func WithLogger(logger *observability.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPageSize sets the per-request page size.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient wraps api.
func NewClient(api SlackAPIClient, opts ...ClientOption) *Client {
	c := &Client{
		api:      api,
		logger:   observability.NewNopLogger(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ threadctx.Transport  = (*Client)(nil)
	_ tools.MessageFetcher = (*Client)(nil)
)

// BotUserID returns the user ID the bot token belongs to.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate with Slack: %w", mapError("auth.test", err))
	}
	return resp.UserID, nil
}

// FetchThread returns up to limit of the most recent messages of a thread,
// parent included, oldest first.
func (c *Client) FetchThread(ctx context.Context, channelID, threadTS string, limit int) ([]threadctx.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     c.pageSize,
	}

	var out []threadctx.RawMessage
	for page := 0; page < maxPages; page++ {
		var (
			msgs    []slack.Message
			hasMore bool
			cursor  string
		)
		err := c.call(ctx, KeyReplies, func(ctx context.Context) error {
			var err error
			msgs, hasMore, cursor, err = c.api.GetConversationRepliesContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			out = append(out, convertMessage(m))
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

// FetchChannel returns up to limit of the channel's most recent top-level
// messages, oldest first.
func (c *Client) FetchChannel(ctx context.Context, channelID string, limit int) ([]threadctx.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     min(limit, c.pageSize),
	}

	// History is returned newest first.
	newest := make([]threadctx.RawMessage, 0, limit)
	for page := 0; page < maxPages && len(newest) < limit; page++ {
		var resp *slack.GetConversationHistoryResponse
		err := c.call(ctx, KeyHistory, func(ctx context.Context) error {
			var err error
			resp, err = c.api.GetConversationHistoryContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			if len(newest) == limit {
				break
			}
			newest = append(newest, convertMessage(m))
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}

	out := make([]threadctx.RawMessage, len(newest))
	for i, m := range newest {
		out[len(newest)-1-i] = m
	}
	return out, nil
}

// PostMessage posts text to channelID, in the thread when threadTS is set.
// It returns the posted message's timestamp.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	var ts string
	err := c.call(ctx, KeyPostMessage, func(ctx context.Context) error {
		var err error
		_, ts, err = c.api.PostMessageContext(ctx, channelID, options...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to send Slack message: %w", err)
	}
	c.logger.Debug(ctx, "posted slack message", "channel", channelID, "thread_ts", threadTS, "ts", ts)
	return ts, nil
}

// call runs fn under the limiter and maps Slack errors.
func (c *Client) call(ctx context.Context, key string, fn func(context.Context) error) error {
	run := func(ctx context.Context) error {
		return mapError(key, fn(ctx))
	}
	if c.limiter == nil {
		return run(ctx)
	}
	return c.limiter.Do(ctx, key, run)
}

func convertMessage(m slack.Message) threadctx.RawMessage {
	return threadctx.RawMessage{
		TS:       m.Timestamp,
		ThreadTS: m.ThreadTimestamp,
		User:     m.User,
		BotID:    m.BotID,
		Username: m.Username,
		Subtype:  m.SubType,
		Text:     m.Text,
	}
}
