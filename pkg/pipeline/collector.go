package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/claude-fleet/proxy/pkg/models"
)

// collector accumulates a streamed public event sequence into the same
// MaterializedMessage shape a non-streaming response would return, so the
// two paths never disagree.
type collector struct {
	msg    models.MaterializedMessage
	order  []int
	blocks map[int]*models.ContentBlock
	inputJSON map[int]*strings.Builder
}

func newCollector() *collector {
	return &collector{
		blocks:    make(map[int]*models.ContentBlock),
		inputJSON: make(map[int]*strings.Builder),
	}
}

func (c *collector) Observe(ev models.Event) {
	switch ev.Type {
	case models.EventMessageStart:
		c.msg.ID = ev.MessageID
		c.msg.Model = ev.MessageModel
		c.msg.Role = "assistant"
		c.msg.Usage.InputTokens = ev.MessageUsage.InputTokens

	case models.EventContentBlockStart:
		block := ev.Block
		c.blocks[ev.Index] = &block
		c.order = append(c.order, ev.Index)
		if block.Type == models.BlockToolUse || block.Type == models.BlockServerToolUse {
			c.inputJSON[ev.Index] = &strings.Builder{}
		}

	case models.EventContentBlockDelta:
		block, ok := c.blocks[ev.Index]
		if !ok {
			return
		}
		switch ev.Delta.Type {
		case models.DeltaText:
			block.Text += ev.Delta.Text
		case models.DeltaThinking:
			block.Thinking += ev.Delta.Thinking
		case models.DeltaSignature:
			block.Signature += ev.Delta.Signature
		case models.DeltaInputJSON:
			if buf, ok := c.inputJSON[ev.Index]; ok {
				buf.WriteString(ev.Delta.PartialJSON)
			}
		case models.DeltaCitations:
			block.Citations = append(block.Citations, ev.Delta.Citations...)
		}

	case models.EventContentBlockStop:
		block, ok := c.blocks[ev.Index]
		if !ok {
			return
		}
		if buf, ok := c.inputJSON[ev.Index]; ok {
			if buf.Len() > 0 {
				block.ToolInput = json.RawMessage(buf.String())
			} else {
				block.ToolInput = json.RawMessage("{}")
			}
		}

	case models.EventMessageDelta:
		c.msg.StopReason = ev.StopReason
		c.msg.StopSequence = ev.StopSequence
		if ev.DeltaUsage.OutputTokens > 0 {
			c.msg.Usage.OutputTokens = ev.DeltaUsage.OutputTokens
		}
	}
}

// Result returns the accumulated message, filling any token counts upstream
// never reported.
func (c *collector) Result(req *models.MessagesRequest) models.MaterializedMessage {
	for _, idx := range c.order {
		c.msg.Content = append(c.msg.Content, *c.blocks[idx])
	}
	EstimateMissingTokens(&c.msg, req)
	return c.msg
}

// EstimateMissingTokens fills input/output token counts with a rough
// character-based estimate when upstream omitted usage entirely, so
// downstream accounting never reports a bare zero for a non-empty exchange.
func EstimateMissingTokens(msg *models.MaterializedMessage, req *models.MessagesRequest) {
	if msg.Usage.InputTokens == 0 {
		msg.Usage.InputTokens = estimateTokens(requestText(req))
	}
	if msg.Usage.OutputTokens == 0 {
		msg.Usage.OutputTokens = estimateTokens(msg.Text())
	}
}

// estimateTokens approximates token count at roughly four characters per
// token, the same rough ratio OpenAI/Anthropic tokenizers average for
// English prose. It is a fallback only: real usage always wins when present.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func requestText(req *models.MessagesRequest) string {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(firstTextContent(m.Content))
	}
	return sb.String()
}
