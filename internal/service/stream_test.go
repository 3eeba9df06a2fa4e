package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// mockStreamer implements LLMStreamer.
type mockStreamer struct {
	tokens []string
	err    error
	block  chan struct{} // when set, wait before each token until closed or ctx done
}

func (m *mockStreamer) Model() string { return "test-model" }

func (m *mockStreamer) Stream(ctx context.Context, messages []transport.ChatMessage, opts transport.CompleteOpts) <-chan transport.StreamEvent {
	events := make(chan transport.StreamEvent, 16)
	go func() {
		defer close(events)
		events <- transport.StreamEvent{Meta: &transport.StreamMeta{Model: "test-model"}}
		for _, tok := range m.tokens {
			if m.block != nil {
				select {
				case <-m.block:
				case <-ctx.Done():
					events <- transport.StreamEvent{Err: ctx.Err()}
					return
				}
			}
			if ctx.Err() != nil {
				events <- transport.StreamEvent{Err: ctx.Err()}
				return
			}
			events <- transport.StreamEvent{Token: tok}
		}
		if m.err != nil {
			events <- transport.StreamEvent{Err: m.err}
			return
		}
		events <- transport.StreamEvent{Done: &transport.StreamDone{FinishReason: "stop", TotalTokens: 7}}
	}()
	return events
}

// collectSink records events; failAfter > 0 makes writes fail from that
// call count on, simulating a client disconnect.
type collectSink struct {
	mu        sync.Mutex
	events    []any
	failAfter int
	writes    int
}

func (s *collectSink) WriteEvent(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAfter > 0 && s.writes > s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, v)
	return nil
}

func newStreamPipeline(streamer LLMStreamer, vector *mockVector) *StreamPipeline {
	return &StreamPipeline{
		Chat:     newTestPipeline(vector, &mockLLM{text: "unused"}, nil),
		Streamer: streamer,
		Registry: NewStreamRegistry(nil),
	}
}

func TestStreamRun_HappyPathEventOrder(t *testing.T) {
	tokens := []string{"연차는 ", "15일", "입니다."}
	p := newStreamPipeline(&mockStreamer{tokens: tokens}, &mockVector{sources: []model.Source{src("a", 0.9)}})
	sink := &collectSink{}

	ctx, _ := ctxWithTurn()
	p.Run(ctx, turnWith("연차휴가 규정"), "R1", sink)

	if len(sink.events) < 3 {
		t.Fatalf("got %d events, want meta + tokens + done", len(sink.events))
	}

	if _, ok := sink.events[0].(StreamMetaEvent); !ok {
		t.Errorf("first event = %T, want meta", sink.events[0])
	}

	var full strings.Builder
	sawDone := false
	for i, ev := range sink.events[1:] {
		switch e := ev.(type) {
		case StreamTokenEvent:
			if sawDone {
				t.Error("token after done")
			}
			full.WriteString(e.Text)
		case StreamDoneEvent:
			sawDone = true
			if i != len(sink.events)-2 {
				t.Error("done must be the final event")
			}
			if e.FinishReason != "stop" || e.TotalTokens != 7 {
				t.Errorf("done payload wrong: %+v", e)
			}
		case StreamErrorEvent:
			t.Errorf("unexpected error event: %+v", e)
		}
	}
	if !sawDone {
		t.Fatal("missing done event")
	}
	if full.String() != strings.Join(tokens, "") {
		t.Errorf("token deltas = %q, want %q", full.String(), strings.Join(tokens, ""))
	}
}

func TestStreamRun_DuplicateInflight(t *testing.T) {
	block := make(chan struct{})
	streamer := &mockStreamer{tokens: []string{"느린 ", "응답"}, block: block}
	p := newStreamPipeline(streamer, &mockVector{sources: []model.Source{src("a", 0.9)}})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		ctx, _ := ctxWithTurn()
		p.Run(ctx, turnWith("연차휴가 규정"), "R1", &collectSink{})
	}()

	// Wait until R1 is registered in flight.
	for i := 0; i < 1000; i++ {
		p.Registry.mu.Lock()
		_, inflight := p.Registry.inflight["R1"]
		p.Registry.mu.Unlock()
		if inflight {
			break
		}
		time.Sleep(time.Millisecond)
	}

	sink := &collectSink{}
	ctx, _ := ctxWithTurn()
	p.Run(ctx, turnWith("다른 질문인데 같은 아이디"), "R1", sink)

	if len(sink.events) != 1 {
		t.Fatalf("duplicate got %d events, want exactly one error", len(sink.events))
	}
	errEvt, ok := sink.events[0].(StreamErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want error", sink.events[0])
	}
	if errEvt.Code != apperr.CodeDuplicateInflight {
		t.Errorf("code = %s, want DUPLICATE_INFLIGHT", errEvt.Code)
	}

	close(block)
	<-firstDone
}

func TestStreamRun_CompletedIDReleasedForRetry(t *testing.T) {
	p := newStreamPipeline(&mockStreamer{tokens: []string{"답"}}, &mockVector{sources: []model.Source{src("a", 0.9)}})

	ctx, _ := ctxWithTurn()
	p.Run(ctx, turnWith("연차휴가 규정"), "R9", &collectSink{})

	if !p.Registry.WasCompleted(context.Background(), "R9") {
		t.Error("completed request id must be cached for retry dedup")
	}

	// A completed id is no longer in flight; re-running is allowed.
	sink := &collectSink{}
	ctx2, _ := ctxWithTurn()
	p.Run(ctx2, turnWith("연차휴가 규정"), "R9", sink)
	if len(sink.events) == 1 {
		if e, ok := sink.events[0].(StreamErrorEvent); ok && e.Code == apperr.CodeDuplicateInflight {
			t.Error("completed id must not be rejected as in-flight")
		}
	}
}

func TestStreamRun_ClientDisconnectCancelsUpstream(t *testing.T) {
	tokens := []string{"하나 ", "둘 ", "셋 ", "넷 ", "다섯"}
	p := newStreamPipeline(&mockStreamer{tokens: tokens}, &mockVector{sources: []model.Source{src("a", 0.9)}})
	sink := &collectSink{failAfter: 2} // meta + first token succeed

	ctx, tc := ctxWithTurn()
	p.Run(ctx, turnWith("연차휴가 규정"), "R2", sink)

	for _, ev := range sink.events {
		if _, ok := ev.(StreamDoneEvent); ok {
			t.Error("no done event after client disconnect")
		}
	}

	events := tc.Drain()
	found := false
	for _, ev := range events {
		if ev.EventType == model.EventChatTurn {
			found = true
			if ev.Payload["error_code"] != apperr.CodeClientDisconnected {
				t.Errorf("error_code = %v, want CLIENT_DISCONNECTED", ev.Payload["error_code"])
			}
		}
	}
	if !found {
		t.Error("CHAT_TURN must still be recorded on disconnect")
	}
}

func TestStreamRun_LLMErrorEmitsSingleErrorEvent(t *testing.T) {
	p := newStreamPipeline(&mockStreamer{tokens: nil, err: errors.New("upstream boom")},
		&mockVector{sources: []model.Source{src("a", 0.9)}})
	sink := &collectSink{}

	ctx, _ := ctxWithTurn()
	p.Run(ctx, turnWith("연차휴가 규정"), "R3", sink)

	var errCount, doneCount int
	for _, ev := range sink.events {
		switch ev.(type) {
		case StreamErrorEvent:
			errCount++
		case StreamDoneEvent:
			doneCount++
		}
	}
	if errCount != 1 {
		t.Errorf("error events = %d, want 1", errCount)
	}
	if doneCount != 0 {
		t.Error("no done event may follow an error")
	}
}

func TestStreamRun_SoftGuardrailPrefixStreamed(t *testing.T) {
	p := newStreamPipeline(&mockStreamer{tokens: []string{"일반적으로 ", "가능합니다"}}, &mockVector{sources: nil})
	sink := &collectSink{}

	ctx, _ := ctxWithTurn()
	p.Run(ctx, turnWith("출장비 정산 규정"), "R4", sink)

	var full strings.Builder
	for _, ev := range sink.events {
		if tok, ok := ev.(StreamTokenEvent); ok {
			full.WriteString(tok.Text)
		}
	}
	if !strings.HasPrefix(full.String(), "⚠️") {
		t.Errorf("streamed answer must carry the soft-guardrail prefix, got %q", full.String())
	}
}
