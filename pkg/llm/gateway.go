// Package llm provides the uniform model-gateway abstraction the pipeline
// stages talk to, plus the leaderboard-driven model selector.
package llm

import "context"

// Message is one chat message in provider-neutral shape.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role=tool
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // for role=assistant
}

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON string as emitted by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a provider-neutral completion request. ModelID is the full
// "provider/model" id.
type Request struct {
	ModelID      string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	Temperature  float64
	MaxTokens    int
}

// Usage reports token consumption for a completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a non-streaming completion.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Chunk is one element of a completion stream. Text carries the content
// delta; ToolCalls is populated once, on the chunk that ends the stream with
// finish reason "tool_calls". Err terminates the stream when set.
type Chunk struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Err          error
}

// Gateway is the uniform surface over all configured model providers.
type Gateway interface {
	// Complete performs a single blocking completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream starts a streaming completion. The returned channel is closed
	// when the stream ends; a Chunk with Err set reports a mid-stream error.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
