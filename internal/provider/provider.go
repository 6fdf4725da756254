package provider

import (
	"context"
)

// Role is the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt sent to a chat model. An assistant
// message carrying ToolCall records the model's tool request; a RoleTool
// message answers it via ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCall   *ToolCall
	ToolCallID string
	ToolName   string
}

// ToolDefinition describes a function the model may call. Parameters is a JSON schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model's request to invoke a tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ResponseKind tags what a generation produced
type ResponseKind string

const (
	ResponseText     ResponseKind = "TEXT"
	ResponseToolCall ResponseKind = "TOOL_CALL"
)

// Response is the outcome of one generation. Exactly one of Text or ToolCall
// is meaningful, selected by Kind.
type Response struct {
	Kind     ResponseKind
	Text     string
	ToolCall *ToolCall
}

// Embedder turns text into vectors
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChatModel generates a reply. onToken receives text fragments as they
// arrive and may be nil; a non-nil error from onToken aborts the generation.
// Tool-call arguments are never passed to onToken.
type ChatModel interface {
	Stream(ctx context.Context, messages []Message, tools []ToolDefinition, onToken func(string) error) (*Response, error)
}
