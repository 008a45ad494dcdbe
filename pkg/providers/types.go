// Package providers holds the wire-ish shared types the orchestrator
// exchanges with an LLM provider adapter. The adapter itself — HTTP/SSE
// transport, auth, any specific vendor's wire protocol — is an external
// collaborator referenced only through LLMProvider; this package defines
// the contract, not an implementation.
package providers

import (
	"context"
	"encoding/json"
)

// ErrorType classifies a provider error so the retry policy can choose a
// strategy without string-sniffing. Adapters that can distinguish these
// should set LLMResponse.ErrorType directly; adapters that can't leave it
// empty and the retry package falls back to a substring classifier.
type ErrorType string

const (
	ErrorRateLimit           ErrorType = "rate_limit"
	ErrorServer              ErrorType = "server_error"
	ErrorTokenLimitExceeded  ErrorType = "token_limit_exceeded"
	ErrorMalformedToolJSON   ErrorType = "malformed_tool_json"
	ErrorMessageStructure    ErrorType = "message_structure_error"
	ErrorAuth                ErrorType = "auth"
	ErrorOther               ErrorType = "other"
)

// ToolCall is a model-emitted request to invoke a named tool. Arguments is
// populated from Function.Arguments (a JSON object) once normalized;
// Function mirrors the OpenAI-style wire shape many providers use.
type ToolCall struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type,omitempty"`
	Function     *FunctionCall          `json:"function,omitempty"`
	ExtraContent map[string]interface{} `json:"extra_content,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMResponse is the result of one provider call. ErrorType/RetryAfter/
// Retryable/FailedTool round out the adapter contract from the provider's
// point of view; Error carries the underlying error when non-nil.
type LLMResponse struct {
	Content             string          `json:"content"`
	ToolCalls           []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason        string          `json:"finish_reason"`
	Usage               *UsageInfo      `json:"usage,omitempty"`
	RawAssistantMessage json.RawMessage `json:"-"`

	Error      error     `json:"-"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	FailedTool string    `json:"failed_tool,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message is one record of the conversation log. Importance and CreatedAt
// are not transmitted to the provider; ID is an opaque identifier used by
// the message store's integrity scan, additive over the wire shape.
type Message struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	ContentParts []ContentPart   `json:"content_parts,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	RawAPIMessage json.RawMessage `json:"raw_api_message,omitempty"`

	ID         string `json:"id,omitempty"`
	Importance float64 `json:"importance,omitempty"`
	CreatedAt  int64   `json:"created_at,omitempty"`
}

// IsAnchor reports whether this message must be preserved through all
// context trims (spec invariant 4: first user message of a turn with
// importance >= 10).
func (m Message) IsAnchor() bool {
	return m.Importance >= 10
}

// StreamCallbacks lets the orchestrator observe a streaming provider call
// without the adapter needing to know anything about the UI.
type StreamCallbacks struct {
	OnChunk    func(text string)
	OnToolCall func(name string)
	OnThinking func(text string)
}

// LLMProvider is the adapter contract. Chat is the synchronous shape most
// adapters implement directly; SendStreaming is optional and only used
// when the adapter can stream incrementally (checked via a type assertion
// to StreamingProvider).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is an optional capability: adapters that can stream
// implement this in addition to LLMProvider.
type StreamingProvider interface {
	SendStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, model string, callbacks StreamCallbacks) (*LLMResponse, error)
}

type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// NormalizeToolCall ensures Name and Arguments are populated consistently
// regardless of whether the provider put them at the top level or nested
// under Function — some adapters emit one shape, some the other.
func NormalizeToolCall(tc ToolCall) ToolCall {
	normalized := tc

	if normalized.Name == "" && normalized.Function != nil {
		normalized.Name = normalized.Function.Name
	}

	if normalized.Arguments == nil {
		normalized.Arguments = map[string]any{}
	}

	if len(normalized.Arguments) == 0 && normalized.Function != nil && normalized.Function.Arguments != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(normalized.Function.Arguments), &parsed); err == nil && parsed != nil {
			normalized.Arguments = parsed
		}
	}

	argsJSON, _ := json.Marshal(normalized.Arguments)
	if normalized.Function == nil {
		normalized.Function = &FunctionCall{Name: normalized.Name, Arguments: string(argsJSON)}
	} else {
		if normalized.Function.Name == "" {
			normalized.Function.Name = normalized.Name
		}
		if normalized.Name == "" {
			normalized.Name = normalized.Function.Name
		}
		if normalized.Function.Arguments == "" {
			normalized.Function.Arguments = string(argsJSON)
		}
	}

	return normalized
}
