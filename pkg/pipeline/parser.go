package pipeline

import (
	"encoding/json"

	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/models"
)

// rawEnvelope is the outer shape of every upstream SSE data payload: a
// "type" discriminant plus whichever of these fields that type populates.
type rawEnvelope struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage models.Usage `json:"usage"`
	} `json:"message"`

	ContentBlock *rawContentBlock `json:"content_block"`
	Delta        *rawDelta        `json:"delta"`

	Usage models.Usage `json:"usage"`

	Error *models.ErrorPayload `json:"error"`
}

type rawContentBlock struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Text string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type rawDelta struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	Thinking     string            `json:"thinking,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	PartialJSON  string            `json:"partial_json,omitempty"`
	Citations    []models.Citation `json:"citations,omitempty"`
	StopReason   string            `json:"stop_reason,omitempty"`
	StopSequence string            `json:"stop_sequence,omitempty"`

	// Private-only fields.
	Location *models.Citation `json:"citation,omitempty"`
}

// knowledgeResult carries a private tool_result's knowledge payload, which
// never appears in the outbound stream. EventStream discards it and the
// collector does not store it, so it is not carried into later turns.
type knowledgeResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Knowledge json.RawMessage `json:"knowledge"`
}

// parseFrame decodes one raw SSE frame into a public Event. ok=false means
// the frame was a private or unknown variant that produces no outbound
// event; knowledge is non-nil only for the dropped private tool_result
// variant carrying a knowledge payload. The only caller, EventStream.pull,
// ignores it.
func parseFrame(frame drivers.RawFrame) (models.Event, bool, *knowledgeResult, error) {
	var env rawEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return models.Event{}, false, nil, err
	}
	eventType := env.Type
	if eventType == "" {
		eventType = frame.Event
	}

	switch models.PrivateEventKind(eventType) {
	case models.PrivateCitationEnd, models.PrivateThinkingSummary, models.PrivateMessageLimit:
		return models.Event{}, false, nil, nil
	case models.PrivateCitationStart:
		if env.Delta == nil || env.Delta.Location == nil {
			return models.Event{}, false, nil, nil
		}
		return models.Event{
			Type:  models.EventContentBlockDelta,
			Index: env.Index,
			Delta: models.Delta{Type: models.DeltaCitations, Citations: []models.Citation{*env.Delta.Location}},
		}, true, nil, nil
	}

	if eventType == "tool_result" && env.ContentBlock != nil {
		var kr knowledgeResult
		if json.Unmarshal(env.ContentBlock.Input, &kr) == nil && len(kr.Knowledge) > 0 {
			return models.Event{}, false, &kr, nil
		}
		return models.Event{}, false, nil, nil
	}

	switch models.EventType(eventType) {
	case models.EventMessageStart:
		if env.Message == nil {
			return models.Event{}, false, nil, nil
		}
		return models.Event{
			Type:         models.EventMessageStart,
			MessageID:    env.Message.ID,
			MessageModel: env.Message.Model,
			MessageUsage: env.Message.Usage,
		}, true, nil, nil

	case models.EventContentBlockStart:
		if env.ContentBlock == nil {
			return models.Event{}, false, nil, nil
		}
		return models.Event{
			Type:  models.EventContentBlockStart,
			Index: env.Index,
			Block: models.ContentBlock{
				Type:      models.ContentBlockType(env.ContentBlock.Type),
				Text:      env.ContentBlock.Text,
				ToolUseID: env.ContentBlock.ID,
				ToolName:  env.ContentBlock.Name,
			},
		}, true, nil, nil

	case models.EventContentBlockDelta:
		if env.Delta == nil {
			return models.Event{}, false, nil, nil
		}
		return models.Event{
			Type:  models.EventContentBlockDelta,
			Index: env.Index,
			Delta: models.Delta{
				Type:        models.DeltaType(env.Delta.Type),
				Text:        env.Delta.Text,
				Thinking:    env.Delta.Thinking,
				Signature:   env.Delta.Signature,
				PartialJSON: env.Delta.PartialJSON,
				Citations:   env.Delta.Citations,
			},
		}, true, nil, nil

	case models.EventContentBlockStop:
		return models.Event{Type: models.EventContentBlockStop, Index: env.Index}, true, nil, nil

	case models.EventMessageDelta:
		stopReason, stopSequence := "", ""
		if env.Delta != nil {
			stopReason, stopSequence = env.Delta.StopReason, env.Delta.StopSequence
		}
		return models.Event{
			Type:         models.EventMessageDelta,
			StopReason:   stopReason,
			StopSequence: stopSequence,
			DeltaUsage:   env.Usage,
		}, true, nil, nil

	case models.EventMessageStop:
		return models.Event{Type: models.EventMessageStop}, true, nil, nil

	case models.EventError:
		if env.Error == nil {
			return models.Event{}, false, nil, nil
		}
		return models.Event{Type: models.EventError, Error: *env.Error}, true, nil, nil

	case models.EventPing:
		return models.Event{Type: models.EventPing}, true, nil, nil

	default:
		return models.Event{}, false, nil, nil
	}
}
