package main

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/meowth/internal/agent"
	"github.com/haasonsaas/meowth/internal/agent/providers"
	"github.com/haasonsaas/meowth/internal/bot"
	slackchannel "github.com/haasonsaas/meowth/internal/channels/slack"
	"github.com/haasonsaas/meowth/internal/config"
	"github.com/haasonsaas/meowth/internal/fallback"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/sessions"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
	"github.com/haasonsaas/meowth/internal/tools/slackmsg"
	"github.com/haasonsaas/meowth/internal/tools/summarize"
)

// components is everything a running bot needs, built from one config.
// Construction performs no network calls.
type components struct {
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	limiter   *ratelimit.Limiter
	sanitizer *threadctx.Sanitizer
	api       *slack.Client
	slack     *slackchannel.Client
	provider  *providers.OpenAIProvider
	registry  *tools.Registry
	tracker   *sessions.Tracker
	policy    *fallback.Policy
	agent     *agent.Agent
}

// toolFactories lists every built-in tool implementation.
func toolFactories() tools.Factories {
	factories := tools.Factories{}
	slackmsg.Register(factories)
	summarize.Register(factories)
	return factories
}

func buildComponents(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*components, error) {
	c := &components{logger: logger, metrics: metrics, tracer: tracer}

	c.limiter = ratelimit.NewLimiter(cfg.RateLimits,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
	)
	c.sanitizer = threadctx.NewSanitizer(cfg.Context.MaxMessageLength)
	c.api = slackchannel.NewAPI(cfg.Slack)
	c.slack = slackchannel.NewClient(c.api,
		slackchannel.WithLimiter(c.limiter),
		slackchannel.WithLogger(logger),
		slackchannel.WithPageSize(cfg.Slack.PageSize),
	)
	c.provider = providers.NewOpenAIProvider(cfg.OpenAI,
		providers.WithLimiter(c.limiter),
		providers.WithLogger(logger),
		providers.WithMetrics(metrics),
	)

	c.registry = tools.NewRegistry(toolFactories(), tools.Dependencies{
		Messages: c.slack,
		LLM:      c.provider,
		Limiter:  c.limiter,
		Logger:   logger,

		Sanitizer:     c.sanitizer,
		GrantedScopes: cfg.Slack.GrantedScopes,
	}, tools.WithLogger(logger), tools.WithMetrics(metrics))
	if err := c.registry.Load(cfg.Tools); err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}

	c.tracker = sessions.NewTracker(cfg.Sessions,
		sessions.WithLogger(logger),
		sessions.WithMetrics(metrics),
	)
	c.policy = fallback.New(cfg.Fallback,
		fallback.WithLogger(logger),
		fallback.WithMetrics(metrics),
	)
	c.agent = agent.New(c.provider, cfg.Agent,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithLimiter(c.limiter),
		agent.WithSanitizer(c.sanitizer),
	)
	return c, nil
}

// newBot binds the components to a thread analyzer for the bot's own user
// id, which is only known after auth.test.
func (c *components) newBot(cfg *config.Config, botUserID string) (*bot.Bot, error) {
	analyzer := threadctx.NewAnalyzer(c.slack, cfg.Context,
		threadctx.WithLogger(c.logger),
		threadctx.WithMetrics(c.metrics),
		threadctx.WithBotUserID(botUserID),
	)
	return bot.New(cfg.Bot, bot.Deps{
		Sessions: c.tracker,
		Context:  analyzer,
		Agent:    c.agent,
		Tools:    c.registry,
		Poster:   c.slack,
		Policy:   c.policy,
	},
		bot.WithLogger(c.logger),
		bot.WithMetrics(c.metrics),
		bot.WithTracer(c.tracer),
	)
}
