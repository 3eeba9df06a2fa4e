package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// inflightWindow bounds the duplicate look-up: request ids older than
// this are treated as new, completed ids stay cached this long for
// client retry deduplication.
const inflightWindow = 10 * time.Minute

// StreamRegistry deduplicates streaming requests by request_id. A second
// request with the same id while the first is in flight is rejected with
// DUPLICATE_INFLIGHT. Completed ids remain cached for the window.
//
// State is process-local by default; when a Redis client is provided the
// completed-id set is shared across replicas.
type StreamRegistry struct {
	mu        sync.Mutex
	inflight  map[string]time.Time
	completed map[string]time.Time
	rdb       *redis.Client // optional
}

// NewStreamRegistry creates a StreamRegistry. rdb may be nil.
func NewStreamRegistry(rdb *redis.Client) *StreamRegistry {
	return &StreamRegistry{
		inflight:  make(map[string]time.Time),
		completed: make(map[string]time.Time),
		rdb:       rdb,
	}
}

// ErrDuplicateInflight is returned by Begin for an in-flight duplicate.
var ErrDuplicateInflight = apperr.New(apperr.CodeDuplicateInflight, 409,
	"a request with this request_id is already in flight")

// Begin registers requestID as in flight. The returned release function
// must be called exactly once when the stream ends; completed=true moves
// the id into the completed cache.
func (r *StreamRegistry) Begin(ctx context.Context, requestID string) (func(completed bool), error) {
	now := time.Now()

	r.mu.Lock()
	r.sweepLocked(now)
	if t, ok := r.inflight[requestID]; ok && now.Sub(t) < inflightWindow {
		r.mu.Unlock()
		return nil, ErrDuplicateInflight
	}
	r.inflight[requestID] = now
	r.mu.Unlock()

	return func(completed bool) {
		r.mu.Lock()
		delete(r.inflight, requestID)
		if completed {
			r.completed[requestID] = time.Now()
		}
		r.mu.Unlock()

		if completed && r.rdb != nil {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.rdb.Set(bg, "stream:done:"+requestID, 1, inflightWindow).Err(); err != nil {
				slog.Warn("stream registry redis set failed", "error", err)
			}
		}
	}, nil
}

// WasCompleted reports whether requestID finished within the window.
// Used by clients retrying an interrupted stream.
func (r *StreamRegistry) WasCompleted(ctx context.Context, requestID string) bool {
	r.mu.Lock()
	t, ok := r.completed[requestID]
	r.mu.Unlock()
	if ok && time.Since(t) < inflightWindow {
		return true
	}

	if r.rdb != nil {
		bg, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		n, err := r.rdb.Exists(bg, "stream:done:"+requestID).Result()
		if err == nil && n > 0 {
			return true
		}
	}
	return false
}

func (r *StreamRegistry) sweepLocked(now time.Time) {
	for id, t := range r.inflight {
		if now.Sub(t) >= inflightWindow {
			delete(r.inflight, id)
		}
	}
	for id, t := range r.completed {
		if now.Sub(t) >= inflightWindow {
			delete(r.completed, id)
		}
	}
}

// Wire event shapes for the NDJSON stream. Stable external contract.

// StreamMetaEvent opens every stream that reaches generation or a
// clarification answer, unblocking client silence timers; a stream
// rejected before that carries only an error event.
type StreamMetaEvent struct {
	Type      string `json:"type"` // "meta"
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
}

// StreamTokenEvent carries one incremental text delta.
type StreamTokenEvent struct {
	Type string `json:"type"` // "token"
	Text string `json:"text"`
}

// StreamDoneEvent closes a successful stream.
type StreamDoneEvent struct {
	Type         string `json:"type"` // "done"
	FinishReason string `json:"finish_reason"`
	TotalTokens  int    `json:"total_tokens"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	TtfbMs       int64  `json:"ttfb_ms"`
}

// StreamErrorEvent closes a failed stream. No done event follows it.
type StreamErrorEvent struct {
	Type      string `json:"type"` // "error"
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// StreamSink receives wire events in order. A write error means the
// client is gone; the pipeline cancels the upstream LLM call and stops.
type StreamSink interface {
	WriteEvent(v any) error
}

// LLMStreamer abstracts the streaming LLM call for testability.
type LLMStreamer interface {
	Stream(ctx context.Context, messages []transport.ChatMessage, opts transport.CompleteOpts) <-chan transport.StreamEvent
	Model() string
}

// StreamPipeline is the streaming chat orchestrator. It shares the
// non-streaming pipeline's stages up to prompt assembly, then pumps LLM
// deltas into the sink with backpressure: the next token is not consumed
// until the previous one is written.
type StreamPipeline struct {
	Chat     *ChatPipeline
	Streamer LLMStreamer
	Registry *StreamRegistry
}

// Run executes one streaming turn. Telemetry is queued here and flushed
// by the caller's streaming-safe finaliser after the body is drained.
func (p *StreamPipeline) Run(ctx context.Context, turn *model.Turn, requestID string, sink StreamSink) {
	tc := telemetry.FromContext(ctx)
	start := time.Now()

	release, err := p.Registry.Begin(ctx, requestID)
	if err != nil {
		sink.WriteEvent(StreamErrorEvent{
			Type: "error", Code: apperr.CodeDuplicateInflight,
			Message: "동일한 요청이 처리 중입니다. 잠시 기다려 주세요.", RequestID: requestID,
		})
		p.Chat.queueTurnEventMeta(tc, model.IntentResult{Route: model.RouteError}, "", apperr.CodeDuplicateInflight, start)
		return
	}
	completed := false
	defer func() { release(completed) }()

	query := turn.CurrentQuery()
	if query == "" {
		sink.WriteEvent(StreamErrorEvent{Type: "error", Code: apperr.CodeInvalidRequest,
			Message: "messages must contain a user message", RequestID: requestID})
		p.Chat.queueTurnEventMeta(tc, model.IntentResult{Route: model.RouteError}, "", apperr.CodeInvalidRequest, start)
		return
	}

	masked, err := p.Chat.Masker.Mask(ctx, query, StageInput)
	if err != nil {
		p.Chat.piiBlocked(tc, start, err)
		sink.WriteEvent(StreamErrorEvent{Type: "error", Code: apperr.CodePIIDetectorUnavailable,
			Message: piiFallbackMessage, RequestID: requestID})
		return
	}

	intent := p.Chat.Classifier.Classify(masked.Masked, turn.UserRole, turn.DomainHint, turn.Department)

	// Clarify turns stream the templated prompt as a single token.
	if intent.NeedsClarify {
		sink.WriteEvent(StreamMetaEvent{Type: "meta", RequestID: requestID,
			Model: p.Streamer.Model(), Timestamp: time.Now().UTC().Format(time.RFC3339)})
		if sink.WriteEvent(StreamTokenEvent{Type: "token", Text: intent.ClarifyPrompt}) == nil {
			sink.WriteEvent(StreamDoneEvent{Type: "done", FinishReason: "stop",
				ElapsedMs: time.Since(start).Milliseconds()})
			completed = true
		}
		answer := &model.ChatAnswer{Meta: model.AnswerMeta{
			Route: model.RouteClarify, Intent: intent.Intent, Domain: intent.Domain}}
		p.Chat.queueTurnEvent(tc, answer, masked.Masked, "", start)
		return
	}

	var sources []model.Source
	var retrieverUsed string
	reqID := requestID
	if intent.Route == model.RouteRagInternal || intent.Route == model.RouteMixedBackendRag {
		result, err := p.Chat.Retriever.Search(ctx, reqID, masked.Masked, intent.Domain, p.Chat.topK(), true)
		if err != nil {
			sink.WriteEvent(StreamErrorEvent{Type: "error", Code: apperr.CodeRagSearchUnavailable,
				Message: "문서 검색이 일시적으로 불가합니다. 잠시 후 다시 시도해 주세요.", RequestID: requestID})
			p.Chat.queueTurnEventMeta(tc, intent, masked.Masked, apperr.CodeRagSearchUnavailable, start)
			return
		}
		sources, retrieverUsed = result.Sources, result.Retriever
	}

	var factsBlock string
	if intent.Route == model.RouteBackendAPI || intent.Route == model.RouteMixedBackendRag {
		if facts, err := p.Chat.fetchFacts(ctx, intent, turn); err == nil {
			factsBlock = RenderFactsBlock(facts)
		} else {
			slog.Warn("stream backend facts fetch failed", "error", err)
		}
	}

	softGuardrail := intent.Route == model.RouteRagInternal && len(sources) == 0 &&
		(intent.Intent == model.IntentPolicyQA || intent.Intent == model.IntentEducationQA)

	messages := p.Chat.Prompts.Build(PromptInput{
		Query:         masked.Masked,
		Route:         intent.Route,
		Intent:        intent.Intent,
		Domain:        intent.Domain,
		UserRole:      turn.UserRole,
		Sources:       sources,
		BackendFacts:  factsBlock,
		SoftGuardrail: softGuardrail,
		History:       priorHistory(turn),
	})

	// Producer/writer topology: the LLM goroutine produces on the events
	// channel, this loop writes to the sink. Cancelling llmCtx on a sink
	// write failure aborts the in-flight upstream request.
	llmCtx, cancelLLM := context.WithCancel(ctx)
	defer cancelLLM()

	events := p.Streamer.Stream(llmCtx, messages, transport.CompleteOpts{})

	var full strings.Builder
	var ttfbMs int64
	firstToken := true
	metaSent := false
	var doneEvt *transport.StreamDone
	errorCode := ""

	// Soft-guardrail turns carry the prefix ahead of the first model token.
	pendingPrefix := ""
	if softGuardrail {
		pendingPrefix = softGuardrailPrefix
	}

	for ev := range events {
		switch {
		case ev.Meta != nil:
			metaSent = true
			if err := sink.WriteEvent(StreamMetaEvent{
				Type: "meta", RequestID: requestID, Model: ev.Meta.Model,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				errorCode = apperr.CodeClientDisconnected
				cancelLLM()
			}

		case ev.Token != "":
			if errorCode != "" {
				continue // drain after disconnect
			}
			text := ev.Token
			if pendingPrefix != "" {
				text = pendingPrefix + text
				pendingPrefix = ""
			}
			if firstToken {
				ttfbMs = time.Since(start).Milliseconds()
				firstToken = false
			}
			full.WriteString(text)
			if err := sink.WriteEvent(StreamTokenEvent{Type: "token", Text: text}); err != nil {
				errorCode = apperr.CodeClientDisconnected
				cancelLLM()
			}

		case ev.Done != nil:
			doneEvt = ev.Done

		case ev.Err != nil:
			if errorCode == "" {
				code := apperr.CodeLLMError
				if errors.Is(ev.Err, context.DeadlineExceeded) || strings.Contains(ev.Err.Error(), "deadline") {
					code = apperr.CodeLLMTimeout
				}
				if llmCtx.Err() != nil && ctx.Err() == nil {
					code = apperr.CodeClientDisconnected
				}
				errorCode = code
				if code != apperr.CodeClientDisconnected {
					sink.WriteEvent(StreamErrorEvent{Type: "error", Code: code,
						Message: llmFallbackMessage, RequestID: requestID})
				}
			}
		}
	}

	switch {
	case errorCode == "" && doneEvt != nil:
		if !metaSent {
			sink.WriteEvent(StreamMetaEvent{Type: "meta", RequestID: requestID,
				Model: p.Streamer.Model(), Timestamp: time.Now().UTC().Format(time.RFC3339)})
		}
		if err := sink.WriteEvent(StreamDoneEvent{
			Type:         "done",
			FinishReason: doneEvt.FinishReason,
			TotalTokens:  doneEvt.TotalTokens,
			ElapsedMs:    time.Since(start).Milliseconds(),
			TtfbMs:       ttfbMs,
		}); err == nil {
			completed = true
		}
	case errorCode == "":
		errorCode = apperr.CodeLLMError
		sink.WriteEvent(StreamErrorEvent{Type: "error", Code: errorCode,
			Message: llmFallbackMessage, RequestID: requestID})
	}

	if errorCode == apperr.CodeClientDisconnected {
		slog.Info("client disconnected mid-stream",
			"request_id", requestID, "streamed_chars", full.Len())
	}

	answer := &model.ChatAnswer{
		Answer:  full.String(),
		Sources: sources,
		Meta: model.AnswerMeta{
			Route:           intent.Route,
			Intent:          intent.Intent,
			Domain:          intent.Domain,
			RagUsed:         len(sources) > 0,
			RagSourceCount:  len(sources),
			RetrieverUsed:   retrieverUsed,
			HasPIIInput:     masked.HasPII,
			Masked:          masked.HasPII,
			RagGapCandidate: softGuardrail,
			LatencyMs:       time.Since(start).Milliseconds(),
		},
	}
	p.Chat.queueTurnEvent(tc, answer, masked.Masked, errorCode, start)
}
