package pipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/claude-fleet/proxy/pkg/models"
)

// StreamingEmitter drains s, writing each public event to w as an SSE frame
// in the client-facing wire format, and returns the materialized message for
// audit/usage accounting once the stream ends.
func StreamingEmitter(w io.Writer, s *EventStream) (models.MaterializedMessage, error) {
	for {
		ev, ok, err := s.Next()
		if err != nil {
			return models.MaterializedMessage{}, err
		}
		if !ok {
			break
		}
		if err := writeSSEEvent(w, ev); err != nil {
			return models.MaterializedMessage{}, err
		}
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
	}
	return s.Result(), nil
}

type flusher interface{ Flush() }

func writeSSEEvent(w io.Writer, ev models.Event) error {
	payload := publicEventPayload(ev)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// publicEventPayload renders ev in the same JSON shape the Anthropic
// Messages API streaming wire format uses, regardless of which private
// upstream event it was normalized from.
func publicEventPayload(ev models.Event) map[string]any {
	switch ev.Type {
	case models.EventMessageStart:
		return map[string]any{
			"type": ev.Type,
			"message": map[string]any{
				"id":    ev.MessageID,
				"type":  "message",
				"role":  "assistant",
				"model": ev.MessageModel,
				"usage": ev.MessageUsage,
			},
		}
	case models.EventContentBlockStart:
		return map[string]any{"type": ev.Type, "index": ev.Index, "content_block": ev.Block}
	case models.EventContentBlockDelta:
		return map[string]any{"type": ev.Type, "index": ev.Index, "delta": ev.Delta}
	case models.EventContentBlockStop:
		return map[string]any{"type": ev.Type, "index": ev.Index}
	case models.EventMessageDelta:
		delta := map[string]any{"stop_reason": ev.StopReason}
		if ev.StopSequence != "" {
			delta["stop_sequence"] = ev.StopSequence
		}
		return map[string]any{"type": ev.Type, "delta": delta, "usage": ev.DeltaUsage}
	case models.EventError:
		return map[string]any{"type": ev.Type, "error": ev.Error}
	default:
		return map[string]any{"type": ev.Type}
	}
}

// NonStreamingEmitter drains s without writing anything to the client and
// returns the final response body, for requests with stream:false.
func NonStreamingEmitter(s *EventStream) (models.MessagesResponse, error) {
	for {
		_, ok, err := s.Next()
		if err != nil {
			return models.MessagesResponse{}, err
		}
		if !ok {
			break
		}
	}
	return models.FromMaterialized(ptrMsg(s.Result())), nil
}

func ptrMsg(m models.MaterializedMessage) *models.MaterializedMessage { return &m }
