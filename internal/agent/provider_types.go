package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider is the contract the agent needs from a language model.
//
// Implementations must be safe for concurrent use: independent request
// cycles call Complete simultaneously.
//
// See providers.OpenAIProvider for the OpenAI implementation.
type LLMProvider interface {
	// Complete sends the conversation and tool schemas and returns either
	// final text or tool-call requests.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name used in metrics and logs.
	Name() string
}

// CompletionRequest is one LLM call.
type CompletionRequest struct {
	// Model selects the model. Empty uses the provider default.
	Model string `json:"model,omitempty"`

	// System is the system prompt, including the serialized thread context.
	System string `json:"system,omitempty"`

	// Messages is the turn history of this cycle in order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call. Empty means the model must answer directly.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the completion. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is passed through when non-zero.
	Temperature float32 `json:"temperature,omitempty"`
}

// Roles used in CompletionMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CompletionMessage is one message in the cycle's conversation.
//
// Assistant messages may carry ToolCalls; tool messages carry the
// ToolCallID they answer.
type CompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to run one tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition is a tool as presented to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Text             string     `json:"text,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	Model            string     `json:"model,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}
