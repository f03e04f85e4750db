package models

import (
	"encoding/json"
	"strings"
)

// MessageParam is a single turn in an Anthropic Messages request.
type MessageParam struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ToolDef is a client-supplied tool definition, either a custom (client)
// tool or a server tool (web_search_*, code execution).
type ToolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// IsServerTool reports whether this tool definition names a server-executed
// tool (web_search_*, server-side code execution) whose tool_use block must
// not terminate the message.
func (t ToolDef) IsServerTool() bool {
	return strings.HasPrefix(t.Type, "web_search_") || strings.HasPrefix(t.Type, "code_execution_")
}

// ThinkingConfig controls extended thinking ("paprika mode").
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the client-facing POST /v1/messages body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []MessageParam  `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Tools         []ToolDef       `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

// MessagesResponse is the non-streaming client-facing response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// FromMaterialized converts the pipeline's accumulated message into the
// client-facing response shape.
func FromMaterialized(m *MaterializedMessage) MessagesResponse {
	return MessagesResponse{
		ID:           m.ID,
		Type:         "message",
		Role:         "assistant",
		Model:        m.Model,
		Content:      m.Content,
		StopReason:   m.StopReason,
		StopSequence: m.StopSequence,
		Usage:        m.Usage,
	}
}
