// Package bot runs one request cycle per mention: register a session, build
// the thread context, run the agent, deliver the reply, deregister.
//
// Every failure is translated by the fallback policy into a user-visible
// reply; nothing escapes a cycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/meowth/internal/agent"
	slackchannel "github.com/haasonsaas/meowth/internal/channels/slack"
	"github.com/haasonsaas/meowth/internal/fallback"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/sessions"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// DefaultEmptyReply is sent when the agent produced no text.
const DefaultEmptyReply = "I'm not sure how to respond to that. Could you rephrase your question?"

// Stage names used for error metrics and logs.
const (
	StageSession = "session"
	StageContext = "context"
	StageAgent   = "agent"
	StageDeliver = "deliver"
)

// Config tunes the request cycle.
type Config struct {
	// CycleTimeout bounds a cycle from registration to the agent's answer.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	// FetchTimeout bounds each thread history fetch attempt.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// PostTimeout bounds delivery. Delivery is not bound by CycleTimeout so
	// a timeout reply can still be posted.
	PostTimeout    time.Duration `yaml:"post_timeout"`
	MaxReplyLength int           `yaml:"max_reply_length"`
	EmptyReply     string        `yaml:"empty_reply"`
	// SilentBusy suppresses the reply to a mention rejected because its
	// thread is busy.
	SilentBusy bool `yaml:"silent_busy"`
}

// DefaultConfig returns a 10s cycle with 3s fetch attempts.
func DefaultConfig() Config {
	return Config{
		CycleTimeout:   10 * time.Second,
		FetchTimeout:   3 * time.Second,
		PostTimeout:    5 * time.Second,
		MaxReplyLength: 2000,
		EmptyReply:     DefaultEmptyReply,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = def.PostTimeout
	}
	if c.MaxReplyLength <= 0 {
		c.MaxReplyLength = def.MaxReplyLength
	}
	if c.EmptyReply == "" {
		c.EmptyReply = def.EmptyReply
	}
}

// Validate checks the timeouts are consistent.
func (c Config) Validate() error {
	if c.CycleTimeout < 0 || c.FetchTimeout < 0 || c.PostTimeout < 0 {
		return errors.New("bot: timeouts must not be negative")
	}
	if c.CycleTimeout > 0 && c.FetchTimeout > c.CycleTimeout {
		return fmt.Errorf("bot.fetch_timeout (%s) exceeds bot.cycle_timeout (%s)", c.FetchTimeout, c.CycleTimeout)
	}
	if c.MaxReplyLength != 0 && c.MaxReplyLength < 16 {
		return fmt.Errorf("bot.max_reply_length must be at least 16, got %d", c.MaxReplyLength)
	}
	return nil
}

// ContextBuilder builds the thread context for a session.
type ContextBuilder interface {
	Analyze(ctx context.Context, req threadctx.Request) (*threadctx.Context, error)
}

// Processor runs the agent for one request.
type Processor interface {
	Process(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// ToolSource provides the current tool snapshot.
type ToolSource interface {
	Snapshot() *tools.Snapshot
}

// Poster delivers a reply into a thread.
type Poster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)
}

var (
	_ ContextBuilder = (*threadctx.Analyzer)(nil)
	_ Processor      = (*agent.Agent)(nil)
	_ ToolSource     = (*tools.Registry)(nil)
	_ Poster         = (*slackchannel.Client)(nil)
)

// Deps are the collaborators of a Bot.
type Deps struct {
	Sessions *sessions.Tracker
	Context  ContextBuilder
	Agent    Processor
	Tools    ToolSource
	Poster   Poster
	Policy   *fallback.Policy
}

// Bot handles mentions.
type Bot struct {
	config  Config
	deps    Deps
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the bot logger.
func WithLogger(logger *observability.Logger) Option {
	return func(b *Bot) { b.logger = logger }
}

// WithMetrics sets the bot metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bot) { b.metrics = metrics }
}

// WithTracer sets the bot tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(b *Bot) { b.tracer = tracer }
}

// New creates a bot. Sessions, Context, Agent and Poster are required; a
// nil Tools yields an empty snapshot and a nil Policy uses the defaults.
func New(config Config, deps Deps, opts ...Option) (*Bot, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("bot: session tracker is required")
	case deps.Context == nil:
		return nil, errors.New("bot: context builder is required")
	case deps.Agent == nil:
		return nil, errors.New("bot: agent is required")
	case deps.Poster == nil:
		return nil, errors.New("bot: poster is required")
	}
	config.ApplyDefaults()
	b := &Bot{
		config: config,
		deps:   deps,
		logger: observability.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.deps.Policy == nil {
		b.deps.Policy = fallback.New(fallback.DefaultConfig(), fallback.WithLogger(b.logger), fallback.WithMetrics(b.metrics))
	}
	return b, nil
}

// Result describes a finished cycle.
type Result struct {
	SessionID string
	Reply     string
	// Kind is set when the reply is a fallback.
	Kind      fallback.Kind
	Err       error
	Delivered bool
	Flagged   bool
	Duration  time.Duration
}

// HandleMention implements slackchannel.MentionHandler.
func (b *Bot) HandleMention(ctx context.Context, m slackchannel.Mention) {
	b.Handle(ctx, m)
}

// Handle runs one cycle for m and returns what happened.
func (b *Bot) Handle(ctx context.Context, m slackchannel.Mention) Result {
	start := b.now()
	ctx = observability.AddRequestID(ctx, uuid.NewString())
	ctx = observability.AddChannel(ctx, m.ChannelID)
	ctx = observability.AddThreadID(ctx, m.ThreadTS)
	ctx = observability.AddUserID(ctx, m.UserID)

	session, err := b.deps.Sessions.Register(ctx, threadctx.ThreadKey(m.ChannelID, m.ThreadTS))
	if err != nil {
		res := b.fallbackFor(ctx, StageSession, err)
		if !errors.Is(err, sessions.ErrThreadBusy) || !b.config.SilentBusy {
			res.Delivered = b.deliver(ctx, m, res.Reply)
		}
		res.Duration = b.now().Sub(start)
		b.metrics.RecordMention("rejected")
		return res
	}
	defer b.deps.Sessions.Deregister(session.ID())
	ctx = observability.AddSessionID(ctx, session.ID())

	cycleCtx, cancel := context.WithTimeout(ctx, b.config.CycleTimeout)
	defer cancel()
	cycleCtx, span := b.tracer.TraceCycle(cycleCtx, m.ChannelID, m.ThreadTS, session.ID())
	defer span.End()

	b.logger.Info(cycleCtx, "handling mention", "flagged", session.Flagged(), "text_length", len(m.Text))

	reply, stage, err := b.run(cycleCtx, session, m)
	res := Result{SessionID: session.ID(), Reply: reply, Flagged: session.Flagged()}
	if err != nil {
		observability.RecordError(span, err)
		session.Fail(err)
		fb := b.fallbackFor(cycleCtx, stage, err)
		res.Reply, res.Kind, res.Err = fb.Reply, fb.Kind, fb.Err
	}

	res.Delivered = b.deliver(ctx, m, res.Reply)
	switch {
	case res.Err != nil:
		b.metrics.RecordMention("failed")
	case !res.Delivered:
		session.Fail(errors.New("reply not delivered"))
		b.metrics.RecordMention("failed")
	default:
		if err := session.Complete(); err != nil {
			b.logger.Warn(ctx, "session did not complete", "error", err)
		}
		b.metrics.RecordMention("replied")
	}
	res.Duration = b.now().Sub(start)
	b.logger.Info(ctx, "mention handled",
		"delivered", res.Delivered,
		"fallback", string(res.Kind),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// run is the cycle proper. It returns the reply text, or the failing stage
// and its error.
func (b *Bot) run(ctx context.Context, session *sessions.Session, m slackchannel.Mention) (string, string, error) {
	if err := session.Advance(sessions.StatusAnalyzingContext); err != nil {
		return "", StageSession, err
	}

	req := threadctx.Request{
		SessionID: session.ID(),
		ChannelID: m.ChannelID,
		ThreadTS:  m.ThreadTS,
		UserID:    m.UserID,
	}
	tc, attempts, err := fallback.Retry(ctx, b.deps.Policy, "context_fetch", func(ctx context.Context) (*threadctx.Context, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, b.config.FetchTimeout)
		defer cancel()
		return b.deps.Context.Analyze(fetchCtx, req)
	})
	if err != nil {
		return "", StageContext, err
	}
	if attempts > 1 {
		b.logger.Info(ctx, "thread context fetched after retry", "attempts", attempts)
	}
	if err := b.deps.Sessions.Verify(session, tc); err != nil {
		return "", StageSession, err
	}

	if err := session.Advance(sessions.StatusGeneratingResponse); err != nil {
		return "", StageSession, err
	}
	var snap *tools.Snapshot
	if b.deps.Tools != nil {
		snap = b.deps.Tools.Snapshot()
	}
	resp, err := b.deps.Agent.Process(ctx, agent.Request{
		Utterance: m.Text,
		Context:   tc,
		Tools:     snap,
		UserID:    m.UserID,
	})
	if err != nil {
		return "", StageAgent, err
	}
	return FormatReply(resp.Text, b.config.MaxReplyLength, b.config.EmptyReply), "", nil
}

func (b *Bot) fallbackFor(ctx context.Context, stage string, err error) Result {
	d, text := b.deps.Policy.Handle(ctx, stage, err)
	return Result{Reply: text, Kind: d.Kind, Err: err}
}

// deliver posts text in m's thread under its own deadline. Failures are
// logged; there is nowhere left to report them.
func (b *Bot) deliver(ctx context.Context, m slackchannel.Mention, text string) bool {
	if text == "" {
		return false
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.PostTimeout)
	defer cancel()
	if _, err := b.deps.Poster.PostMessage(postCtx, m.ChannelID, m.ThreadTS, text); err != nil {
		b.metrics.RecordError(StageDeliver, "post_failed")
		b.logger.Error(ctx, "failed to deliver reply", "error", err)
		return false
	}
	return true
}

// FormatReply trims text, substitutes empty for an empty reply and caps the
// result at maxLen characters, ending a cut reply with "...".
func FormatReply(text string, maxLen int, empty string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return empty
	}
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:maxLen-3]), isSpace) + "..."
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }
