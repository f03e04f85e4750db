package pipeline

import (
	"strings"

	"github.com/claude-fleet/proxy/pkg/models"
)

// ModelInjector forces message_start.message.model to the client-requested
// model: the upstream account-specific model name must never leak back to
// the client.
func ModelInjector(ctx *models.PipelineContext, ev models.Event) models.Event {
	if ev.Type == models.EventMessageStart {
		ev.MessageModel = ctx.Request.Model
	}
	return ev
}

// stopSequenceState holds the client's stop sequences. Each text delta is
// searched on its own; a sequence split across two deltas is not detected.
type stopSequenceState struct {
	sequences []string
	matched   string
}

func newStopSequenceState(seqs []string) *stopSequenceState {
	return &stopSequenceState{sequences: seqs}
}

// Enforce truncates a text delta at the first client stop-sequence match. It
// returns the (possibly truncated) event, the matched sequence (empty if
// none), and whether the caller must emit the synthetic message_delta +
// message_stop pair and stop forwarding further events for this message.
func (s *stopSequenceState) Enforce(ev models.Event) (models.Event, string, bool) {
	if len(s.sequences) == 0 || ev.Type != models.EventContentBlockDelta || ev.Delta.Type != models.DeltaText {
		return ev, "", false
	}
	for _, seq := range s.sequences {
		if seq == "" {
			continue
		}
		if idx := strings.Index(ev.Delta.Text, seq); idx >= 0 {
			ev.Delta.Text = ev.Delta.Text[:idx]
			return ev, seq, true
		}
	}
	return ev, "", false
}

// SyntheticStop builds the message_delta + message_stop pair emitted after a
// stop-sequence truncation, standing in for whatever upstream would have
// sent had it recognized the same boundary.
func SyntheticStop(stopSequence string, usage models.Usage) (models.Event, models.Event) {
	return models.Event{
			Type:         models.EventMessageDelta,
			StopReason:   "stop_sequence",
			StopSequence: stopSequence,
			DeltaUsage:   usage,
		}, models.Event{
			Type: models.EventMessageStop,
		}
}

// toolCallTracker watches content_block_start/stop pairs for client
// tool_use blocks so the pipeline can terminate the message with
// stop_reason "tool_use" the moment one closes, the way a client tool call
// is supposed to interrupt the stream. Server tools (web_search_*, code
// execution) arrive as a distinct block type and never trigger this.
type toolCallTracker struct {
	openClientTool map[int]models.PendingToolCall
}

func newToolCallTracker(tools []models.ToolDef) *toolCallTracker {
	return &toolCallTracker{openClientTool: make(map[int]models.PendingToolCall)}
}

// Observe records tool_use block starts/stops, returning the completed
// client tool call and true when one just closed.
func (t *toolCallTracker) Observe(ev models.Event) (models.PendingToolCall, bool) {
	switch ev.Type {
	case models.EventContentBlockStart:
		if ev.Block.Type != models.BlockToolUse {
			return models.PendingToolCall{}, false
		}
		t.openClientTool[ev.Index] = models.PendingToolCall{ID: ev.Block.ToolUseID, Name: ev.Block.ToolName}
	case models.EventContentBlockStop:
		if call, ok := t.openClientTool[ev.Index]; ok {
			delete(t.openClientTool, ev.Index)
			return call, true
		}
	}
	return models.PendingToolCall{}, false
}
