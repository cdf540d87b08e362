package threadctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/meowth/internal/observability"
)

// HardMaxMessages is the ceiling on retained messages regardless of
// configuration.
const HardMaxMessages = 100

// ErrPermissionDenied is wrapped by transports when the bot may not read a
// conversation.
var ErrPermissionDenied = errors.New("permission denied")

// Transport fetches thread history. Messages are returned oldest first and
// should be the most recent limit messages of the thread.
type Transport interface {
	FetchThread(ctx context.Context, channelID, threadTS string, limit int) ([]RawMessage, error)
}

// FetchError reports that thread history could not be read.
type FetchError struct {
	ChannelID string
	ThreadTS  string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch thread %s in %s: %v", e.ThreadTS, e.ChannelID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PermissionDenied reports whether the transport refused access.
func (e *FetchError) PermissionDenied() bool {
	return errors.Is(e.Err, ErrPermissionDenied)
}

// Config bounds the context built for one request.
type Config struct {
	// MaxTokens is the token budget for the retained messages.
	MaxTokens int `yaml:"max_tokens"`
	// MaxMessages caps retained messages; it may not exceed HardMaxMessages.
	MaxMessages int `yaml:"max_messages"`
	// FetchLimit is how many messages to request from the transport.
	FetchLimit int `yaml:"fetch_limit"`
	// MaxMessageLength caps one message's text in characters.
	MaxMessageLength int `yaml:"max_message_length"`
	// MaxAge drops messages older than this. Negative disables the filter.
	MaxAge time.Duration `yaml:"max_age"`
	// MessageOverhead is added to each message's token cost.
	MessageOverhead int `yaml:"message_overhead"`
	// Tokenizer is "heuristic" (default) or "tiktoken".
	Tokenizer string `yaml:"tokenizer"`
	// Encoding is the tiktoken encoding name.
	Encoding string `yaml:"encoding"`
}

// DefaultConfig returns a 4000-token, 100-message budget.
func DefaultConfig() Config {
	return Config{
		MaxTokens:        4000,
		MaxMessages:      HardMaxMessages,
		FetchLimit:       200,
		MaxMessageLength: DefaultMaxMessageLength,
		MaxAge:           24 * time.Hour,
		MessageOverhead:  DefaultMessageOverhead,
		Tokenizer:        "heuristic",
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = def.FetchLimit
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = def.MaxMessageLength
	}
	if c.MaxAge == 0 {
		c.MaxAge = def.MaxAge
	}
	if c.MessageOverhead < 0 {
		c.MessageOverhead = 0
	}
	if c.Tokenizer == "" {
		c.Tokenizer = def.Tokenizer
	}
}

// Validate rejects budgets the analyzer cannot honour.
func (c Config) Validate() error {
	if c.MaxMessages > HardMaxMessages {
		return fmt.Errorf("context.max_messages: %d exceeds the ceiling of %d", c.MaxMessages, HardMaxMessages)
	}
	if c.FetchLimit > 0 && c.MaxMessages > 0 && c.FetchLimit < c.MaxMessages {
		return fmt.Errorf("context.fetch_limit: %d is below max_messages %d", c.FetchLimit, c.MaxMessages)
	}
	switch c.Tokenizer {
	case "", "heuristic", "tiktoken":
	default:
		return fmt.Errorf("context.tokenizer: unknown tokenizer %q", c.Tokenizer)
	}
	return nil
}

// Request identifies the thread to analyze and the session that will own
// the result.
type Request struct {
	SessionID string
	ChannelID string
	ThreadTS  string
	UserID    string
}

// Analyzer builds Contexts from transport history.
type Analyzer struct {
	transport Transport
	config    Config
	sanitizer *Sanitizer
	tokenizer Tokenizer
	botUserID string
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the analyzer logger.
func WithLogger(logger *observability.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

// WithMetrics sets the analyzer metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Analyzer) { a.metrics = metrics }
}

// WithTokenizer overrides the configured tokenizer.
func WithTokenizer(tokenizer Tokenizer) Option {
	return func(a *Analyzer) { a.tokenizer = tokenizer }
}

// WithBotUserID marks messages from the bot's own user as bot-authored.
func WithBotUserID(id string) Option {
	return func(a *Analyzer) { a.botUserID = id }
}

// WithClock sets the time source used for the age filter.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an analyzer reading from transport.
func NewAnalyzer(transport Transport, config Config, opts ...Option) *Analyzer {
	config.ApplyDefaults()
	if config.MaxMessages > HardMaxMessages {
		config.MaxMessages = HardMaxMessages
	}
	a := &Analyzer{
		transport: transport,
		config:    config,
		sanitizer: NewSanitizer(config.MaxMessageLength),
		logger:    observability.NewNopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tokenizer == nil {
		tok, err := TokenizerFor(config.Tokenizer, config.Encoding)
		if err != nil {
			a.logger.Warn(context.Background(), "tokenizer unavailable, using heuristic",
				"tokenizer", config.Tokenizer, "error", err)
		}
		a.tokenizer = tok
	}
	return a
}

// Sanitizer returns the analyzer's sanitizer, for cleaning the utterance
// with the same rules as the history.
func (a *Analyzer) Sanitizer() *Sanitizer { return a.sanitizer }

// Analyze fetches the thread and keeps the most recent messages that fit
// the message and token budgets, oldest first. An empty thread is not an
// error. Transport failures are returned as *FetchError without retrying.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Context, error) {
	start := a.now()
	raw, err := a.transport.FetchThread(ctx, req.ChannelID, req.ThreadTS, a.config.FetchLimit)
	if err != nil {
		a.metrics.RecordError("context", "context_fetch")
		a.logger.Warn(ctx, "thread fetch failed", "channel", req.ChannelID, "thread_ts", req.ThreadTS, "error", err)
		return nil, &FetchError{ChannelID: req.ChannelID, ThreadTS: req.ThreadTS, Err: err}
	}

	var cutoff time.Time
	if a.config.MaxAge > 0 {
		cutoff = start.Add(-a.config.MaxAge)
	}

	kept := make([]Message, 0, min(len(raw), a.config.MaxMessages))
	total := 0
	dropped := 0
	injections := 0
	for i := len(raw) - 1; i >= 0; i-- {
		msg, ok, found := a.convert(ctx, raw[i], cutoff)
		injections += found
		if !ok {
			continue
		}
		if len(kept) >= a.config.MaxMessages || total+msg.Tokens > a.config.MaxTokens {
			dropped = i + 1
			break
		}
		kept = append(kept, msg)
		total += msg.Tokens
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	if injections > 0 {
		a.logger.Warn(ctx, "neutralized suspicious content in thread",
			"channel", req.ChannelID, "thread_ts", req.ThreadTS, "matches", injections)
	}
	a.metrics.RecordContextSize(len(kept))
	a.logger.Debug(ctx, "thread context built",
		"channel", req.ChannelID,
		"thread_ts", req.ThreadTS,
		"fetched", len(raw),
		"messages", len(kept),
		"tokens", total,
		"dropped", dropped,
		"duration_ms", a.now().Sub(start).Milliseconds(),
	)

	return &Context{
		sessionID:   req.SessionID,
		channelID:   req.ChannelID,
		threadTS:    req.ThreadTS,
		messages:    kept,
		totalTokens: total,
		dropped:     dropped,
		createdAt:   a.now(),
	}, nil
}

// convert sanitizes one raw message and computes its token cost. ok is
// false for messages that are skipped (too old, unparseable, empty).
func (a *Analyzer) convert(ctx context.Context, raw RawMessage, cutoff time.Time) (Message, bool, int) {
	ts, valid := raw.Time()
	if !cutoff.IsZero() {
		if !valid {
			a.logger.Debug(ctx, "skipping message with invalid timestamp", "ts", raw.TS)
			return Message{}, false, 0
		}
		if !ts.After(cutoff) {
			return Message{}, false, 0
		}
	}

	text, stats := a.sanitizer.SanitizeWithStats(raw.Text)
	if text == "" {
		return Message{}, false, stats.Injections
	}

	isBot := raw.BotID != "" || raw.Subtype == "bot_message" || (a.botUserID != "" && raw.User == a.botUserID)
	author := raw.User
	if raw.Subtype == "bot_message" {
		name := a.sanitizer.Sanitize(raw.Username)
		if name == "" {
			name = "bot"
		}
		text = "[" + name + "]: " + text
		if author == "" {
			author = name
		}
	}
	if author == "" {
		author = raw.BotID
	}

	return Message{
		Author:    author,
		Text:      text,
		TS:        raw.TS,
		ThreadTS:  raw.ThreadTS,
		Timestamp: ts,
		IsBot:     isBot,
		Tokens:    a.tokenizer.Count(text) + a.config.MessageOverhead,
	}, true, stats.Injections
}
