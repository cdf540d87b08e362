// Package config loads the bot configuration from YAML or JSON5 files.
//
// Files may pull in others with $include, reference the environment with
// ${VAR} or ${VAR:-default}, and carry per-environment overrides under
// "environments.<name>" that are merged over the base when that
// environment is selected.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/meowth/internal/agent"
	"github.com/haasonsaas/meowth/internal/agent/providers"
	"github.com/haasonsaas/meowth/internal/bot"
	slackchannel "github.com/haasonsaas/meowth/internal/channels/slack"
	"github.com/haasonsaas/meowth/internal/fallback"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/sessions"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// EnvVar selects the environment override when no explicit one is given.
const EnvVar = "MEOWTH_ENV"

// Config is the main configuration structure for Meowth.
type Config struct {
	Version       int                     `yaml:"version"`
	Slack         slackchannel.Config     `yaml:"slack"`
	OpenAI        providers.OpenAIConfig  `yaml:"openai"`
	Agent         agent.Config            `yaml:"agent"`
	Bot           bot.Config              `yaml:"bot"`
	Context       threadctx.Config        `yaml:"context"`
	Sessions      sessions.Config         `yaml:"sessions"`
	Fallback      fallback.Config         `yaml:"fallback"`
	RateLimits    ratelimit.LimiterConfig `yaml:"rate_limits"`
	Tools         tools.Config            `yaml:"tools"`
	Observability ObservabilityConfig     `yaml:"observability"`
	Server        ServerConfig            `yaml:"server"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging observability.LogConfig   `yaml:"logging"`
	Tracing observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig is the HTTP listener for /metrics and /healthz.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the listener.
	Addr string `yaml:"addr"`
	// WatchConfig reloads the tools section when the config file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// LoadOptions control Load.
type LoadOptions struct {
	// Environment selects an override under "environments". Empty falls
	// back to $MEOWTH_ENV.
	Environment string
	// DotEnv files are loaded into the process environment before the
	// config is expanded. Missing files are ignored.
	DotEnv []string
}

// Load reads, merges, decodes, defaults and validates the config at path.
func Load(path string, opts ...LoadOptions) (*Config, error) {
	var opt LoadOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if err := LoadDotEnv(opt.DotEnv...); err != nil {
		return nil, err
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	env := opt.Environment
	if env == "" {
		env = os.Getenv(EnvVar)
	}
	if raw, err = applyEnvironment(raw, env); err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every section defaulted. It does not
// validate: credentials are empty.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields of every section.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	c.Agent.ApplyDefaults()
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = c.Agent.Model
	}
	c.Bot.ApplyDefaults()
	c.Context.ApplyDefaults()
	c.Sessions.ApplyDefaults()
	c.Fallback.ApplyDefaults()
	c.RateLimits.ApplyDefaults()
	if c.Tools.DefaultTimeout <= 0 {
		c.Tools.DefaultTimeout = tools.DefaultTimeout
	}
	if c.Tools.Categories == nil {
		c.Tools.Categories = DefaultToolCategories()
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "json"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "meowth"
	}
}

// DefaultToolCategories enables the built-in Slack history and summarize
// tools when the config names no categories. They set no rate_limit_key
// because the Slack client and the LLM provider charge their own keys.
func DefaultToolCategories() map[string]tools.CategoryConfig {
	return map[string]tools.CategoryConfig{
		"slack": {
			Tools: map[string]tools.ToolConfig{"fetch_messages": {}},
		},
		"openai": {
			Tools: map[string]tools.ToolConfig{"summarize_messages": {}},
		},
	}
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if err := c.Slack.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, v := range []interface{ Validate() error }{
		c.OpenAI, c.Agent, c.Bot, c.Context, c.Sessions, c.Fallback, c.RateLimits,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.Observability.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.format: unknown format %q", c.Observability.Logging.Format))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate must be within [0,1], got %v", r))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Slack.BotToken = redact(out.Slack.BotToken)
	out.Slack.AppToken = redact(out.Slack.AppToken)
	out.OpenAI.APIKey = redact(out.OpenAI.APIKey)
	return &out
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "[REDACTED]"
	}
	return secret[:5] + "...[REDACTED]"
}
