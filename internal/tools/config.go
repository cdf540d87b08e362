package tools

import "time"

// DefaultTimeout bounds a tool invocation when neither the tool nor its
// category configures one.
const DefaultTimeout = 5 * time.Second

// Config is the tools section of the bot configuration.
type Config struct {
	// DefaultTimeout applies to tools without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout,omitempty"`
	// Categories groups tools. The category name is the tool name prefix.
	Categories map[string]CategoryConfig `yaml:"categories" json:"categories,omitempty"`
}

// CategoryConfig groups related tools.
type CategoryConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`
	// Timeout applies to every tool in the category that sets none.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// RateLimitKey is the limiter key tools in this category acquire.
	RateLimitKey string `yaml:"rate_limit_key" json:"rate_limit_key,omitempty"`
	// RequiredScopes must all be granted to the bot for the category to load.
	RequiredScopes []string `yaml:"required_scopes" json:"required_scopes,omitempty"`
	// Tools are keyed by short name.
	Tools map[string]ToolConfig `yaml:"tools" json:"tools,omitempty"`
}

// ToolConfig configures one tool.
type ToolConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`
	// Factory selects the implementation. Defaults to "<category>.<tool>".
	Factory string `yaml:"factory" json:"factory,omitempty"`
	// Description overrides the factory's description.
	Description string `yaml:"description" json:"description,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// Idempotent overrides the factory's idempotency flag.
	Idempotent *bool `yaml:"idempotent" json:"idempotent,omitempty"`
	// Parameters replace factory parameters of the same name.
	Parameters Parameters `yaml:"parameters" json:"parameters,omitempty"`
	// Schema is a raw JSON schema that replaces Parameters entirely.
	Schema string `yaml:"schema" json:"schema,omitempty"`
	// Settings are passed to the factory untouched.
	Settings map[string]any `yaml:"settings" json:"settings,omitempty"`
}

// Parameters maps a parameter name to its constraints.
type Parameters map[string]Param

// Param describes one tool parameter.
type Param struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
	Default     any      `yaml:"default" json:"default,omitempty"`
	Minimum     *float64 `yaml:"minimum" json:"minimum,omitempty"`
	Maximum     *float64 `yaml:"maximum" json:"maximum,omitempty"`
	MinLength   *int     `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength   *int     `yaml:"max_length" json:"max_length,omitempty"`
	Enum        []any    `yaml:"enum" json:"enum,omitempty"`
	Pattern     string   `yaml:"pattern" json:"pattern,omitempty"`
}

// Float returns a pointer to v, for Param bounds.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for Param lengths.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for Enabled and Idempotent.
func Bool(v bool) *bool { return &v }

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

func (p Parameters) merge(overrides Parameters) Parameters {
	out := make(Parameters, len(p)+len(overrides))
	for name, param := range p {
		out[name] = param
	}
	for name, param := range overrides {
		out[name] = param
	}
	return out
}
