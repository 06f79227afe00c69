// Package provider implements a uniform chat-completion interface over the
// OpenAI-compatible, Anthropic and Google Gemini APIs, in streaming and
// non-streaming form. Adapters normalize message shape, JSON-mode semantics,
// finish reasons and safety-filter errors so the translation orchestrator
// never sees vendor-specific payloads.
package provider

import "context"

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized chat-completion request. Temperature and TopP are
// pointers so "unset" is distinguishable from zero; adapters that cannot emit
// both (Anthropic) prefer temperature.
type Request struct {
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	JSONMode    bool
	// Schema is an optional JSON Schema for the response body, honored only
	// by adapters whose API accepts one (Gemini). Ignored elsewhere;
	// JSONMode alone still requests well-formed JSON.
	Schema map[string]any
}

// FinishReason is the normalized completion status.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage holds normalized token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a normalized completed chat response.
type Response struct {
	Content      string
	FinishReason FinishReason
	Usage        Usage
}

// StreamChunk is one element of a response stream. Done is true exactly once,
// on the final chunk; Delta may be empty on that chunk.
type StreamChunk struct {
	Delta string
	Done  bool
}

// Client is the uniform adapter interface. ChatStream returns a delta channel
// and an error channel; both are closed when the stream ends. Stream
// completion detection is vendor-specific and fully encapsulated here.
type Client interface {
	// Name is the registry name of the provider (openai, deepseek, ...).
	Name() string
	// Model is the model identifier sent on each request.
	Model() string
	// MaxChars is the per-chunk source character budget for this provider.
	MaxChars() int
	// MaxOutputTokens is the generation cap for this provider.
	MaxOutputTokens() int
	// EnforcesSchema reports whether JSON mode passes a concrete response
	// schema to the API. The prompt composer strips the literal response
	// example from the template for such providers to avoid dueling schemas.
	EnforcesSchema() bool

	Chat(ctx context.Context, req *Request) (*Response, error)
	ChatStream(ctx context.Context, req *Request) (<-chan StreamChunk, <-chan error)

	// LastUsage returns the token accounting of the most recent completed
	// call, streaming or not. Zero when the vendor reported none.
	LastUsage() Usage
}

// minRequestInterval spaces consecutive requests to the same provider; this
// is pacing, not retry (retry policy belongs to callers).
const minRequestInterval = 200
