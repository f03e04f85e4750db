package models

import (
	"encoding/json"
	"time"
)

// DriverKind identifies which upstream driver is handling a request.
type DriverKind string

const (
	DriverOAuth DriverKind = "oauth"
	DriverWeb   DriverKind = "web"
)

// PendingToolCall records a client tool_use block the pipeline has
// terminated the message for.
type PendingToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// PipelineContext is the per-request mutable bag threaded through the
// event pipeline's staged transforms: a shared value closed over by each
// stage function rather than a class hierarchy.
type PipelineContext struct {
	Request   *MessagesRequest
	AccountID string
	Driver    DriverKind

	Materialized MaterializedMessage
	PendingTools []PendingToolCall

	// RequestStart is when the orchestrator began the request. Audit
	// records measure latency from the ingress layer's own start time.
	RequestStart time.Time

	// TerminalErr is not set or read by any pipeline stage; stages report
	// failures through their returned errors.
	TerminalErr error
}
