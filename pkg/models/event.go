package models

import "encoding/json"

// EventType is the public Anthropic Messages API streaming event discriminant.
// Private upstream variants are parsed and either mapped onto one of these
// or dropped before ever reaching this type.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventError             EventType = "error"
	EventPing              EventType = "ping"
)

// DeltaType discriminates the payload of a content_block_delta event.
type DeltaType string

const (
	DeltaText       DeltaType = "text_delta"
	DeltaThinking   DeltaType = "thinking_delta"
	DeltaSignature  DeltaType = "signature_delta"
	DeltaInputJSON  DeltaType = "input_json_delta"
	DeltaCitations  DeltaType = "citations_delta"
)

// Citation is a single web-search-result citation attached to a text block.
type Citation struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	CitedText  string `json:"cited_text,omitempty"`
}

// Delta is the tagged payload of a content_block_delta event.
type Delta struct {
	Type        DeltaType  `json:"type"`
	Text        string     `json:"text,omitempty"`
	Thinking    string     `json:"thinking,omitempty"`
	Signature   string     `json:"signature,omitempty"`
	PartialJSON string     `json:"partial_json,omitempty"`
	Citations   []Citation `json:"citations,omitempty"`
}

// ContentBlockType discriminates a materialized message's content blocks.
type ContentBlockType string

const (
	BlockText           ContentBlockType = "text"
	BlockThinking       ContentBlockType = "thinking"
	BlockToolUse        ContentBlockType = "tool_use"
	BlockServerToolUse  ContentBlockType = "server_tool_use"
	BlockToolResult     ContentBlockType = "tool_result"
)

// ContentBlock is a single block of a materialized (accumulated) message.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	Citations []Citation `json:"citations,omitempty"`
}

// ErrorKind is the upstream-reported error discriminant inside an error event.
type ErrorKind string

const (
	ErrUpstreamOverloaded ErrorKind = "overloaded_error"
	ErrUpstreamRateLimit  ErrorKind = "rate_limit_error"
	ErrUpstreamAPI        ErrorKind = "api_error"
	ErrUpstreamInvalid    ErrorKind = "invalid_request_error"
)

// ErrorPayload is the payload of a public error event.
type ErrorPayload struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// Usage is the accumulated token usage for a materialized message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is a single normalized item of the public Anthropic event stream.
// It is a flat tagged union rather than a type hierarchy; only the fields
// relevant to Type are populated.
type Event struct {
	Type EventType

	// Index is the content block index, meaningful for ContentBlockStart,
	// ContentBlockDelta, and ContentBlockStop.
	Index int

	// MessageStart fields.
	MessageID    string
	MessageModel string
	MessageUsage Usage

	// ContentBlockStart payload: the block being opened (usually empty of
	// text/thinking, populated for tool_use/server_tool_use).
	Block ContentBlock

	// ContentBlockDelta payload.
	Delta Delta

	// MessageDelta payload.
	StopReason   string
	StopSequence string
	DeltaUsage   Usage

	// Error payload.
	Error ErrorPayload
}

// PrivateEventKind enumerates upstream-private discriminants observed only
// inside the parser. They never escape EventParser.
type PrivateEventKind string

const (
	PrivateCitationStart     PrivateEventKind = "citation_start_delta"
	PrivateCitationEnd       PrivateEventKind = "citation_end_delta"
	PrivateThinkingSummary   PrivateEventKind = "thinking_summary_delta"
	PrivateMessageLimit      PrivateEventKind = "message_limit"
	PrivateToolResultKnowledge PrivateEventKind = "tool_result_knowledge"
	PrivateWebSearchV0       PrivateEventKind = "web_search_v0"
)

// MaterializedMessage is the eventual non-streaming response body a client
// would receive, also produced internally by MessageCollector for streaming
// requests so the two paths agree.
type MaterializedMessage struct {
	ID           string         `json:"id"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Text concatenates all text blocks' content. Streaming and non-streaming
// responses for the same request must produce the same Text().
func (m *MaterializedMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
