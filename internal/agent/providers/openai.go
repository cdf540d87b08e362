// Package providers holds the LLMProvider implementations.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/meowth/internal/agent"
	"github.com/haasonsaas/meowth/internal/backoff"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
)

// DefaultRateLimitKey is the limiter key LLM calls are charged to.
const DefaultRateLimitKey = "llm"

// API types accepted in OpenAIConfig.APIType.
const (
	APITypeOpenAI = "openai"
	APITypeAzure  = "azure"
)

// DefaultAzureAPIVersion is sent as api-version when none is configured.
const DefaultAzureAPIVersion = "2024-02-01"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIType is "openai" (default) or "azure". Azure requires BaseURL set
	// to the resource endpoint, e.g. https://my-resource.openai.azure.com.
	APIType      string `yaml:"api_type"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	// APIVersion is the Azure api-version query parameter.
	APIVersion string `yaml:"api_version"`
	// Deployment is the Azure deployment used for models missing from
	// Deployments. Empty falls back to the model name without dots.
	Deployment  string            `yaml:"deployment"`
	Deployments map[string]string `yaml:"deployments"`
	// Model is used when a request leaves Model empty.
	Model string `yaml:"model"`
	// MaxAttempts bounds attempts on transient failures. Default 3.
	MaxAttempts int            `yaml:"max_attempts"`
	Retry       backoff.Policy `yaml:"retry"`
	// RateLimitKey defaults to DefaultRateLimitKey.
	RateLimitKey string `yaml:"rate_limit_key"`
}

// Validate checks the backend selection and its required fields.
func (c OpenAIConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	switch strings.ToLower(c.APIType) {
	case "", APITypeOpenAI:
	case APITypeAzure:
		if !strings.HasPrefix(c.BaseURL, "https://") && !strings.HasPrefix(c.BaseURL, "http://") {
			errs = append(errs, errors.New("openai.base_url must be the Azure resource endpoint when api_type is azure"))
		}
	default:
		errs = append(errs, fmt.Errorf("openai.api_type: unknown type %q", c.APIType))
	}
	return errors.Join(errs...)
}

func (c OpenAIConfig) azure() bool {
	return strings.EqualFold(c.APIType, APITypeAzure)
}

// deploymentFor maps a model name to its Azure deployment.
func (c OpenAIConfig) deploymentFor(model string) string {
	if d, ok := c.Deployments[model]; ok && d != "" {
		return d
	}
	if c.Deployment != "" {
		return c.Deployment
	}
	return strings.NewReplacer(".", "", ":", "").Replace(model)
}

func (c OpenAIConfig) clientConfig() openai.ClientConfig {
	if c.azure() {
		cc := openai.DefaultAzureConfig(c.APIKey, strings.TrimRight(c.BaseURL, "/"))
		cc.APIVersion = c.APIVersion
		if cc.APIVersion == "" {
			cc.APIVersion = DefaultAzureAPIVersion
		}
		cc.AzureModelMapperFunc = c.deploymentFor
		return cc
	}
	cc := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		cc.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}
	if c.Organization != "" {
		cc.OrgID = c.Organization
	}
	return cc
}

// OpenAIProvider implements agent.LLMProvider with the chat completions API.
//
// Every attempt acquires a limiter permit. A 429 opens the key's circuit so
// concurrent cycles back off together.
//
// Safe for concurrent use.
type OpenAIProvider struct {
	client  *openai.Client
	config  OpenAIConfig
	limiter *ratelimit.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithLimiter gates calls through limiter.
func WithLimiter(limiter *ratelimit.Limiter) OpenAIOption {
	return func(p *OpenAIProvider) { p.limiter = limiter }
}

// WithLogger sets the provider's logger.
func WithLogger(logger *observability.Logger) OpenAIOption {
	return func(p *OpenAIProvider) { p.logger = logger }
}

// WithMetrics sets the provider's metrics sink.
func WithMetrics(metrics *observability.Metrics) OpenAIOption {
	return func(p *OpenAIProvider) { p.metrics = metrics }
}

// NewOpenAIProvider creates a provider. An empty API key is allowed so the
// bot can start for config validation; Complete then fails with an auth error.
func NewOpenAIProvider(config OpenAIConfig, opts ...OpenAIOption) *OpenAIProvider {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Retry.Initial <= 0 {
		config.Retry = backoff.Policy{Initial: time.Second, Max: 4 * time.Second, Factor: 2, Jitter: 0.1}
	}
	if config.RateLimitKey == "" {
		config.RateLimitKey = DefaultRateLimitKey
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}

	p := &OpenAIProvider{
		client: openai.NewClientWithConfig(config.clientConfig()),
		config: config,
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "azure" for an Azure backend and "openai" otherwise.
func (p *OpenAIProvider) Name() string {
	if p.config.azure() {
		return APITypeAzure
	}
	return APITypeOpenAI
}

// Complete sends one chat completion request, retrying transient failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	if p.config.APIKey == "" {
		return nil, &agent.ProviderError{
			Provider: p.Name(),
			Model:    model,
			Reason:   agent.ReasonAuth,
			Err:      errors.New("api key not configured"),
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    p.convertMessages(req.Messages, req.System),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	result, err := backoff.Retry(ctx, backoff.Options{
		Policy:      p.config.Retry,
		MaxAttempts: p.config.MaxAttempts,
		Retryable:   isRetryable,
		OnRetry: func(attempt int, err error) {
			p.logger.Warn(ctx, "retrying llm request", "provider", p.Name(), "model", model,
				"attempt", attempt, "error", err)
		},
	}, func(ctx context.Context, _ int) (openai.ChatCompletionResponse, error) {
		return p.attempt(ctx, model, chatReq)
	})
	if err != nil {
		var exhausted *backoff.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return nil, err
	}
	return p.convertResponse(result.Value)
}

// CompleteText runs a tool-less completion and returns its text. Tools use
// it through tools.TextCompleter.
func (p *OpenAIProvider) CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	resp, err := p.Complete(ctx, &agent.CompletionRequest{
		System:    system,
		Messages:  []agent.CompletionMessage{{Role: agent.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *OpenAIProvider) attempt(ctx context.Context, model string, chatReq openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	call := func(ctx context.Context) error {
		start := time.Now()
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			p.metrics.RecordLLMRequest(p.Name(), model, "error", elapsed, 0, 0)
			return p.wrapError(model, err)
		}
		p.metrics.RecordLLMRequest(p.Name(), model, "success", elapsed,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return nil
	}

	if p.limiter == nil {
		return resp, call(ctx)
	}
	return resp, p.limiter.Do(ctx, p.config.RateLimitKey, call)
}

// wrapError classifies an SDK error. Throttling is additionally wrapped in a
// *ratelimit.ThrottledError so the limiter opens the circuit.
func (p *OpenAIProvider) wrapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status, code := 0, ""
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	pe := agent.NewProviderError(p.Name(), model, status, code, err)
	if pe.Reason == agent.ReasonRateLimit {
		pe.Err = &ratelimit.ThrottledError{Key: p.config.RateLimitKey, RetryAfter: pe.RetryAfter, Err: err}
	}
	return pe
}

func isRetryable(err error) bool {
	var pe *agent.ProviderError
	return errors.As(err, &pe) && pe.Reason.Transient()
}

func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
		case agent.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(defs []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		params := json.RawMessage(def.Parameters)
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) convertResponse(resp openai.ChatCompletionResponse) (*agent.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &agent.ProviderError{
			Provider: p.Name(),
			Model:    resp.Model,
			Reason:   agent.ReasonServerError,
			Err:      errors.New("response contained no choices"),
		}
	}
	choice := resp.Choices[0]
	out := &agent.CompletionResponse{
		Text:             choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
