// Package providers adapts model backends to a single chat interface and
// routes requests across them with health-based failover.
package providers

import (
	"context"

	"github.com/harun/hive/internal/config"
)

// Role is a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry of a conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name on RoleTool messages.
	Name string `json:"name,omitempty"`
}

// ToolSpec advertises a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a provider-neutral chat request. System messages inside
// Messages are merged into System by the adapters.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	// Capabilities steers capability-scored routing.
	Capabilities []string
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider-neutral chat response.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	ProviderID string     `json:"provider_id"`
	Model      string     `json:"model"`
}

// Provider is a single model backend.
type Provider interface {
	ID() string
	Kind() config.ProviderKind
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ChatClient is what agent loops depend on; *Router implements it.
type ChatClient interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// systemPrompt joins req.System with any system messages in the history.
func systemPrompt(req Request) string {
	prompt := req.System
	for _, m := range req.Messages {
		if m.Role != RoleSystem || m.Content == "" {
			continue
		}
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += m.Content
	}
	return prompt
}
