// Package llm is the language-model boundary: provider-neutral message and
// tool-call types, a retrying client, and adapters for OpenAI-compatible
// APIs (Groq by default) and Gemini.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the JSON object the model produced, unparsed.
	Arguments string `json:"arguments"`
}

// Message is one entry of a model request.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall

	// ToolCallID and Name are set on tool messages.
	ToolCallID string
	Name       string
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON schema object.
	Parameters json.RawMessage
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int
}

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the parsed model answer.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	Model        string
}

// Provider performs one completion attempt. Retries live in Client.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
