package pipeline

import (
	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

// EventStream yields the normalized public event sequence for one request,
// after every pipeline stage (model injection, stop-sequence enforcement,
// tool-call termination) has run. Next returns ok=false once the message is
// complete; Result is only valid after that point.
type EventStream struct {
	raw     drivers.RawEventIterator
	pctx    *models.PipelineContext
	req     *models.MessagesRequest

	stopState   *stopSequenceState
	toolTracker *toolCallTracker
	collector   *collector

	queue      []models.Event
	terminated bool
}

// NewEventStream peeks the first public event before returning, so an
// overloaded_error arriving as the very first event surfaces as a retryable
// error to the caller instead of being forwarded — at that point no bytes
// have gone to the client and the orchestrator is free to retry on a
// different account or proxy. If the peek succeeds, the first event is
// queued and Next yields it first.
func NewEventStream(raw drivers.RawEventIterator, req *models.MessagesRequest, pctx *models.PipelineContext) (*EventStream, error) {
	s := &EventStream{
		raw:         raw,
		pctx:        pctx,
		req:         req,
		stopState:   newStopSequenceState(req.StopSequences),
		toolTracker: newToolCallTracker(req.Tools),
		collector:   newCollector(),
	}

	first, ok, err := s.pull()
	if err != nil {
		return nil, err
	}
	if ok && first.Type == models.EventError && first.Error.Kind == models.ErrUpstreamOverloaded {
		return nil, fleeterr.New(fleeterr.KindUpstreamOverloaded, nil, map[string]any{"message": first.Error.Message})
	}
	if ok {
		s.queue = append(s.queue, first)
	}
	return s, nil
}

// Next returns the next public event, applying model injection, stop
// sequence truncation, and client tool-call termination as it goes.
func (s *EventStream) Next() (models.Event, bool, error) {
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		return ev, true, nil
	}
	if s.terminated {
		return models.Event{}, false, nil
	}
	return s.pull()
}

// pull advances the raw iterator until it produces one (or more, in the
// stop-sequence-truncation case) public events, applying every stage and
// feeding the collector along the way.
func (s *EventStream) pull() (models.Event, bool, error) {
	for {
		frame, ok, err := s.raw.Next()
		if err != nil {
			return models.Event{}, false, err
		}
		if !ok {
			return models.Event{}, false, nil
		}

		ev, ok, _, err := parseFrame(frame)
		if err != nil {
			return models.Event{}, false, err
		}
		if !ok {
			continue
		}

		ev = ModelInjector(s.pctx, ev)

		if truncated, seq, cut := s.stopState.Enforce(ev); cut {
			s.collector.Observe(truncated)
			delta, stop := SyntheticStop(seq, s.collector.msg.Usage)
			s.queue = append(s.queue, delta, stop)
			s.collector.Observe(delta)
			s.collector.Observe(stop)
			s.terminate()
			return truncated, true, nil
		}

		s.collector.Observe(ev)

		if call, closed := s.toolTracker.Observe(ev); closed {
			if block, ok := s.collector.blocks[ev.Index]; ok {
				call.Input = block.ToolInput
			}
			s.pctx.PendingTools = append(s.pctx.PendingTools, call)
			delta, stop := SyntheticStop("", s.collector.msg.Usage)
			delta.StopReason = "tool_use"
			s.queue = append(s.queue, delta, stop)
			s.collector.Observe(delta)
			s.collector.Observe(stop)
			s.terminate()
			return ev, true, nil
		}

		return ev, true, nil
	}
}

func (s *EventStream) terminate() {
	s.terminated = true
	s.raw.Close()
}

// Result returns the accumulated message. Valid once Next has returned
// ok=false, or immediately after a termination from stop-sequence or
// tool-use cutoff.
func (s *EventStream) Result() models.MaterializedMessage {
	return s.collector.Result(s.req)
}

// Close releases the underlying raw iterator.
func (s *EventStream) Close() error {
	return s.raw.Close()
}

// emptyIterator never yields a frame; used by FromCannedResponse, whose
// events are pre-built rather than parsed off the wire.
type emptyIterator struct{}

func (emptyIterator) Next() (drivers.RawFrame, bool, error) { return drivers.RawFrame{}, false, nil }
func (emptyIterator) Close() error                          { return nil }

// FromCannedResponse builds an EventStream that replays resp as a full
// public event sequence without any upstream call, for the liveness-ping
// short circuit: callers downstream (the streaming/non-streaming emitters)
// see the same shape they would for a real request.
func FromCannedResponse(resp *models.MessagesResponse) *EventStream {
	s := &EventStream{
		raw:         emptyIterator{},
		pctx:        &models.PipelineContext{},
		req:         &models.MessagesRequest{Model: resp.Model},
		stopState:   newStopSequenceState(nil),
		toolTracker: newToolCallTracker(nil),
		collector:   newCollector(),
	}

	s.queue = append(s.queue, models.Event{
		Type:         models.EventMessageStart,
		MessageID:    resp.ID,
		MessageModel: resp.Model,
		MessageUsage: resp.Usage,
	})
	for i, block := range resp.Content {
		start := block
		start.Text = ""
		s.queue = append(s.queue,
			models.Event{Type: models.EventContentBlockStart, Index: i, Block: start},
			models.Event{Type: models.EventContentBlockDelta, Index: i, Delta: models.Delta{Type: models.DeltaText, Text: block.Text}},
			models.Event{Type: models.EventContentBlockStop, Index: i},
		)
	}
	s.queue = append(s.queue,
		models.Event{Type: models.EventMessageDelta, StopReason: resp.StopReason, StopSequence: resp.StopSequence, DeltaUsage: resp.Usage},
		models.Event{Type: models.EventMessageStop},
	)
	for _, ev := range s.queue {
		s.collector.Observe(ev)
	}
	return s
}
