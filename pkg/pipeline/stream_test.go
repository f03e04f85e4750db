package pipeline

import (
	"bytes"
	"strings"
	"testing"

	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
)

type fakeIterator struct {
	frames []drivers.RawFrame
	pos    int
	closed bool
}

func newFakeIterator(frames ...drivers.RawFrame) *fakeIterator {
	return &fakeIterator{frames: frames}
}

func (f *fakeIterator) Next() (drivers.RawFrame, bool, error) {
	if f.pos >= len(f.frames) {
		return drivers.RawFrame{}, false, nil
	}
	frame := f.frames[f.pos]
	f.pos++
	return frame, true, nil
}

func (f *fakeIterator) Close() error {
	f.closed = true
	return nil
}

func frame(eventType, data string) drivers.RawFrame {
	return drivers.RawFrame{Event: eventType, Data: []byte(data)}
}

func basicMessageFrames() []drivers.RawFrame {
	return []drivers.RawFrame{
		frame("message_start", `{"type":"message_start","message":{"id":"msg_1","model":"upstream-internal-model","usage":{"input_tokens":10}}}`),
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello world"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}
}

func newTestStream(t *testing.T, req *models.MessagesRequest, frames []drivers.RawFrame) *EventStream {
	t.Helper()
	pctx := &models.PipelineContext{Request: req}
	s, err := NewEventStream(newFakeIterator(frames...), req, pctx)
	if err != nil {
		t.Fatalf("NewEventStream: %v", err)
	}
	return s
}

func TestModelInjectorForcesClientModel(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	s := newTestStream(t, req, basicMessageFrames())

	ev, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if ev.Type != models.EventMessageStart {
		t.Fatalf("expected message_start, got %s", ev.Type)
	}
	if ev.MessageModel != req.Model {
		t.Fatalf("expected injected model %q, got %q", req.Model, ev.MessageModel)
	}
}

func TestPrivateCitationStartMapsToCitationsDelta(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	frames := []drivers.RawFrame{
		frame("citation_start_delta", `{"type":"citation_start_delta","index":0,"delta":{"citation":{"type":"web_search_result_location","url":"https://example.com"}}}`),
	}
	s := newTestStream(t, req, frames)

	ev, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if ev.Type != models.EventContentBlockDelta || ev.Delta.Type != models.DeltaCitations {
		t.Fatalf("expected citations delta, got %+v", ev)
	}
	if len(ev.Delta.Citations) != 1 || ev.Delta.Citations[0].URL != "https://example.com" {
		t.Fatalf("unexpected citation payload: %+v", ev.Delta.Citations)
	}
}

func TestPrivateEventsAreDropped(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	frames := []drivers.RawFrame{
		frame("thinking_summary_delta", `{"type":"thinking_summary_delta","index":0}`),
		frame("message_limit", `{"type":"message_limit"}`),
		frame("citation_end_delta", `{"type":"citation_end_delta","index":0}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}
	s := newTestStream(t, req, frames)

	ev, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if ev.Type != models.EventMessageStop {
		t.Fatalf("expected private events skipped straight to message_stop, got %s", ev.Type)
	}
}

func TestStopSequenceTruncatesAndSynthesizesStop(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514", StopSequences: []string{"STOP"}}
	frames := []drivers.RawFrame{
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello STOP world"}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"never reached"}}`),
	}
	s := newTestStream(t, req, frames)

	ev, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if ev.Type != models.EventContentBlockStart {
		t.Fatalf("expected content_block_start, got %s", ev.Type)
	}

	ev, ok, err = s.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v %v", ok, err)
	}
	if ev.Delta.Text != "hello " {
		t.Fatalf("expected truncated text %q, got %q", "hello ", ev.Delta.Text)
	}

	ev, ok, err = s.Next()
	if err != nil || !ok || ev.Type != models.EventMessageDelta || ev.StopReason != "stop_sequence" || ev.StopSequence != "STOP" {
		t.Fatalf("expected synthetic stop_sequence message_delta, got %+v ok=%v err=%v", ev, ok, err)
	}

	ev, ok, err = s.Next()
	if err != nil || !ok || ev.Type != models.EventMessageStop {
		t.Fatalf("expected synthetic message_stop, got %+v", ev)
	}

	_, ok, err = s.Next()
	if err != nil || ok {
		t.Fatalf("expected stream to end after synthetic stop, got ok=%v err=%v", ok, err)
	}
}

func TestClientToolUseTerminatesEarly(t *testing.T) {
	req := &models.MessagesRequest{
		Model: "claude-sonnet-4-20250514",
		Tools: []models.ToolDef{{Type: "custom", Name: "get_weather"}},
	}
	frames := []drivers.RawFrame{
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_1","name":"get_weather"}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"nyc\"}"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
	}
	s := newTestStream(t, req, frames)

	for i := 0; i < 3; i++ {
		if _, ok, err := s.Next(); err != nil || !ok {
			t.Fatalf("Next %d: %v %v", i, ok, err)
		}
	}
	ev, ok, err := s.Next()
	if err != nil || !ok || ev.Type != models.EventMessageDelta || ev.StopReason != "tool_use" {
		t.Fatalf("expected synthetic tool_use message_delta, got %+v", ev)
	}
	ev, ok, err = s.Next()
	if err != nil || !ok || ev.Type != models.EventMessageStop {
		t.Fatalf("expected synthetic message_stop, got %+v", ev)
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected no further events after early tool_use termination")
	}

	result := s.Result()
	if result.StopReason != "tool_use" {
		t.Fatalf("expected materialized stop_reason tool_use, got %q", result.StopReason)
	}
}

func TestServerToolUseDoesNotTerminateEarly(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	frames := []drivers.RawFrame{
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"server_tool_use","id":"srv_1","name":"web_search"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}
	s := newTestStream(t, req, frames)

	var events []models.EventType
	for {
		ev, ok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		events = append(events, ev.Type)
	}
	if len(events) != 3 {
		t.Fatalf("expected all three events forwarded without early termination, got %v", events)
	}
}

func TestOverloadDetectorSurfacesBeforeHeaders(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	frames := []drivers.RawFrame{
		frame("error", `{"type":"error","error":{"type":"overloaded_error","message":"upstream overloaded"}}`),
	}
	pctx := &models.PipelineContext{Request: req}
	_, err := NewEventStream(newFakeIterator(frames...), req, pctx)
	if err == nil {
		t.Fatal("expected overload error before any event is yielded")
	}
	fe, ok := fleeterr.As(err)
	if !ok || fe.Kind != fleeterr.KindUpstreamOverloaded || !fe.Retryable {
		t.Fatalf("expected retryable upstream_overloaded fleeterr, got %+v", err)
	}
}

func TestTokenCounterEstimatesWhenUsageOmitted(t *testing.T) {
	req := &models.MessagesRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []models.MessageParam{{Role: "user", Content: []byte(`"hello there, how are you today"`)}},
	}
	frames := []drivers.RawFrame{
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"I am doing well, thanks for asking"}}`),
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		frame("message_stop", `{"type":"message_stop"}`),
	}
	s := newTestStream(t, req, frames)
	for {
		_, ok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
	}
	result := s.Result()
	if result.Usage.InputTokens == 0 || result.Usage.OutputTokens == 0 {
		t.Fatalf("expected non-zero estimated token counts, got %+v", result.Usage)
	}
}

func TestStreamingEmitterWritesSSEAndReturnsMaterializedMessage(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	s := newTestStream(t, req, basicMessageFrames())

	var buf bytes.Buffer
	msg, err := StreamingEmitter(&buf, s)
	if err != nil {
		t.Fatalf("StreamingEmitter: %v", err)
	}
	if msg.Text() != "hello world" {
		t.Fatalf("expected materialized text %q, got %q", "hello world", msg.Text())
	}
	out := buf.String()
	if !strings.Contains(out, "event: message_start") || !strings.Contains(out, "event: message_stop") {
		t.Fatalf("expected SSE frames for start and stop, got:\n%s", out)
	}
}

func TestNonStreamingEmitterReturnsResponse(t *testing.T) {
	req := &models.MessagesRequest{Model: "claude-sonnet-4-20250514"}
	s := newTestStream(t, req, basicMessageFrames())

	resp, err := NonStreamingEmitter(s)
	if err != nil {
		t.Fatalf("NonStreamingEmitter: %v", err)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("expected end_turn, got %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello world" {
		t.Fatalf("unexpected content: %+v", resp.Content)
	}
}
