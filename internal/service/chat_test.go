package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/cache"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// mockResolver implements FactsResolver.
type mockResolver struct {
	facts *transport.Facts
	err   error
}

func (m *mockResolver) ResolveFacts(ctx context.Context, userID, subIntentID, period, targetDeptID string) (*transport.Facts, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.facts != nil {
		return m.facts, nil
	}
	return &transport.Facts{SubIntentID: subIntentID, Period: "2026년", Metrics: map[string]float64{
		"total_days": 15, "used_days": 4, "remaining_days": 11,
	}}, nil
}

func newTestPipeline(vector *mockVector, llm *mockLLM, detector PIIDetector) *ChatPipeline {
	piiEnabled := detector != nil
	if detector == nil {
		detector = &mockDetector{}
	}
	return &ChatPipeline{
		Masker:          NewMasker(detector, piiEnabled),
		Classifier:      NewClassifier(0.55),
		Retriever:       NewRetriever(&mockEmbedder{dim: 8}, vector, &mockEngine{}, "milvus", nil),
		Prompts:         NewPromptBuilder(8000, 5),
		LLM:             llm,
		Guard:           NewGuard(llm),
		Personalization: NewPersonalization(&mockResolver{}, llm),
		TopK:            5,
	}
}

func turnWith(query string) *model.Turn {
	return &model.Turn{
		ConversationID: "conv-1",
		UserID:         "u-1",
		UserRole:       model.RoleEmployee,
		DomainHint:     model.DomainPolicy,
		Channel:        model.ChannelWeb,
		Messages:       []model.Message{{Role: "user", Content: query}},
	}
}

func ctxWithTurn() (context.Context, *telemetry.TurnContext) {
	tc := telemetry.NewTurnContext()
	return telemetry.WithTurn(context.Background(), tc), tc
}

func eventsOfType(tc *telemetry.TurnContext, eventType string) []model.TelemetryEvent {
	var out []model.TelemetryEvent
	for _, ev := range tc.Drain() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestChatRun_PolicyWithSources(t *testing.T) {
	vector := &mockVector{sources: []model.Source{src("a", 0.82), src("b", 0.61)}}
	llm := &mockLLM{text: "연차휴가는 취업규칙 제10조에 따라 15일 부여됩니다."}
	p := newTestPipeline(vector, llm, nil)

	ctx, tc := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("연차휴가 규정"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if answer.Meta.Route != model.RouteRagInternal {
		t.Errorf("route = %s, want RAG_INTERNAL", answer.Meta.Route)
	}
	if answer.Meta.Intent != model.IntentPolicyQA {
		t.Errorf("intent = %s, want POLICY_QA", answer.Meta.Intent)
	}
	if !answer.Meta.RagUsed || answer.Meta.RagSourceCount != 2 {
		t.Errorf("rag meta wrong: %+v", answer.Meta)
	}
	if answer.Sources[0].Score < 0.5 {
		t.Error("top source score must be >= 0.5 in this scenario")
	}
	if strings.HasPrefix(answer.Answer, "⚠️") {
		t.Error("hedged prefix must not appear when sources exist")
	}
	if answer.Meta.RagGapCandidate {
		t.Error("rag_gap_candidate must be false with sources")
	}

	turns := eventsOfType(tc, model.EventChatTurn)
	if len(turns) != 1 {
		t.Fatalf("CHAT_TURN events = %d, want exactly 1", len(turns))
	}
}

func TestChatRun_ZeroSourcesSoftGuardrail(t *testing.T) {
	vector := &mockVector{sources: nil}
	llm := &mockLLM{text: "일반적으로 연차는 회계연도 기준으로 부여됩니다."}
	p := newTestPipeline(vector, llm, nil)

	ctx, tc := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("출장비 정산 규정"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if answer.Meta.RagUsed {
		t.Error("rag_used must be false with zero sources")
	}
	if !answer.Meta.RagGapCandidate {
		t.Error("rag_gap_candidate must be true")
	}
	if !strings.HasPrefix(answer.Answer, "⚠️") {
		t.Error("answer must begin with the soft-guardrail warning")
	}

	turns := eventsOfType(tc, model.EventChatTurn)
	if len(turns) != 1 {
		t.Fatalf("CHAT_TURN events = %d, want exactly 1", len(turns))
	}
	if turns[0].Payload["rag_gap_candidate"] != true {
		t.Error("telemetry must flag the gap candidate")
	}
}

func TestChatRun_PIIFailClosed(t *testing.T) {
	detector := &mockDetector{err: errors.New("detector down")}
	llm := &mockLLM{text: "unused"}
	p := newTestPipeline(&mockVector{}, llm, detector)

	ctx, tc := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("제 주민번호는 900101-1234567 입니다"))
	if err != nil {
		t.Fatalf("PII block must return a safe 200 answer, got error: %v", err)
	}

	if answer.Meta.ErrorType != apperr.CodePIIDetectorUnavailable {
		t.Errorf("error_type = %s, want PII_DETECTOR_UNAVAILABLE", answer.Meta.ErrorType)
	}
	if strings.Contains(answer.Answer, "900101") {
		t.Error("fallback answer must never contain the original text")
	}
	if llm.calls != 0 {
		t.Error("LLM must not be called after a PII block")
	}

	events := tc.Drain()
	var chatTurns, securities int
	for _, ev := range events {
		switch ev.EventType {
		case model.EventChatTurn:
			chatTurns++
			if ev.Payload["error_code"] != apperr.CodePIIDetectorUnavailable {
				t.Error("CHAT_TURN must carry PII_DETECTOR_UNAVAILABLE")
			}
		case model.EventSecurity:
			securities++
			if ev.Payload["block_type"] != model.BlockPII {
				t.Error("SECURITY event must carry block_type=PII_BLOCK")
			}
		}
		if q, ok := ev.Payload["masked_query"].(string); ok && strings.Contains(q, "900101") {
			t.Error("telemetry must never carry the original text")
		}
	}
	if chatTurns != 1 || securities != 1 {
		t.Errorf("events: chat_turn=%d security=%d, want 1/1", chatTurns, securities)
	}
}

func TestChatRun_ClarifySkipsRetrieval(t *testing.T) {
	vector := &mockVector{sources: []model.Source{src("a", 0.9)}}
	llm := &mockLLM{text: "unused"}
	p := newTestPipeline(vector, llm, nil)

	ctx, tc := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("뭐"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if answer.Meta.Route != model.RouteClarify {
		t.Errorf("route = %s, want CLARIFY", answer.Meta.Route)
	}
	if answer.Meta.RagUsed {
		t.Error("clarify turn must not use RAG")
	}
	if vector.calls != 0 {
		t.Error("retrieval must be skipped on clarify")
	}
	if llm.calls != 0 {
		t.Error("LLM must be skipped on clarify")
	}
	if len(eventsOfType(tc, model.EventChatTurn)) != 1 {
		t.Error("clarify turn still emits exactly one CHAT_TURN")
	}
}

func TestChatRun_EmptyQueryInvalid(t *testing.T) {
	p := newTestPipeline(&mockVector{}, &mockLLM{}, nil)

	ctx, tc := ctxWithTurn()
	_, err := p.Run(ctx, &model.Turn{
		UserID: "u-1", UserRole: model.RoleEmployee,
		Messages: []model.Message{{Role: "assistant", Content: "안녕하세요"}},
	})
	if err == nil {
		t.Fatal("expected INVALID_REQUEST")
	}
	if apperr.CodeOf(err) != apperr.CodeInvalidRequest {
		t.Errorf("code = %s, want INVALID_REQUEST", apperr.CodeOf(err))
	}
	if len(eventsOfType(tc, model.EventChatTurn)) != 1 {
		t.Error("invalid turn still emits exactly one CHAT_TURN")
	}
}

func TestChatRun_RetrievalUnavailableBubbles(t *testing.T) {
	vector := &mockVector{err: errors.New("down")}
	p := newTestPipeline(vector, &mockLLM{text: "x"}, nil)
	p.Retriever = NewRetriever(&mockEmbedder{dim: 8}, vector, &mockEngine{err: errors.New("down")}, "milvus", nil)

	ctx, tc := ctxWithTurn()
	_, err := p.Run(ctx, turnWith("연차휴가 규정"))
	if apperr.CodeOf(err) != apperr.CodeRagSearchUnavailable {
		t.Fatalf("code = %s, want RAG_SEARCH_UNAVAILABLE", apperr.CodeOf(err))
	}
	turns := eventsOfType(tc, model.EventChatTurn)
	if len(turns) != 1 {
		t.Fatalf("CHAT_TURN events = %d, want 1 even on failure", len(turns))
	}
}

func TestChatRun_LLMErrorFallbackAnswer(t *testing.T) {
	vector := &mockVector{sources: []model.Source{src("a", 0.8)}}
	llm := &mockLLM{err: errors.New("upstream 500")}
	p := newTestPipeline(vector, llm, nil)

	ctx, tc := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("연차휴가 규정"))
	if err != nil {
		t.Fatalf("LLM failure must produce a 200 fallback, got: %v", err)
	}
	if answer.Meta.ErrorType != apperr.CodeLLMError {
		t.Errorf("error_type = %s, want LLM_ERROR", answer.Meta.ErrorType)
	}
	if answer.Answer == "" {
		t.Error("fallback answer must not be empty")
	}
	if len(eventsOfType(tc, model.EventChatTurn)) != 1 {
		t.Error("exactly one CHAT_TURN on LLM failure")
	}
}

func TestChatRun_BackendRouteUsesFacts(t *testing.T) {
	llm := &mockLLM{text: "2026년 기준 연차는 15일 중 4일 사용, 11일 남았습니다."}
	p := newTestPipeline(&mockVector{}, llm, nil)

	ctx, _ := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("내 연차 며칠 남았어?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Meta.Route != model.RouteBackendAPI {
		t.Errorf("route = %s, want BACKEND_API", answer.Meta.Route)
	}
	if answer.Meta.PersonalizationQ != "Q11" {
		t.Errorf("personalization_q = %s, want Q11", answer.Meta.PersonalizationQ)
	}
	if answer.Meta.RagUsed {
		t.Error("backend route must not use RAG")
	}
}

func TestChatRun_BackendRouteTemplateFallbackOnLLMError(t *testing.T) {
	llm := &mockLLM{err: errors.New("llm down")}
	p := newTestPipeline(&mockVector{}, llm, nil)

	ctx, _ := ctxWithTurn()
	answer, err := p.Run(ctx, turnWith("내 연차 며칠 남았어?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer.Answer, "11") {
		t.Errorf("template fallback must render the facts, got %q", answer.Answer)
	}
}

func TestChatRun_CachedRetrievalSecondTurn(t *testing.T) {
	vector := &mockVector{sources: []model.Source{src("a", 0.8)}}
	llm := &mockLLM{text: "답변입니다. 근거는 제10조입니다."}
	p := newTestPipeline(vector, llm, nil)
	searchCache := cache.New(time.Minute, 16)
	defer searchCache.Stop()
	p.Retriever = NewRetriever(&mockEmbedder{dim: 8}, vector, &mockEngine{}, "milvus", searchCache)

	ctx1, _ := ctxWithTurn()
	if _, err := p.Run(ctx1, turnWith("연차휴가 규정")); err != nil {
		t.Fatal(err)
	}
	ctx2, _ := ctxWithTurn()
	if _, err := p.Run(ctx2, turnWith("연차휴가 규정")); err != nil {
		t.Fatal(err)
	}
	if vector.calls != 1 {
		t.Errorf("vector calls = %d, want 1 (second turn cached)", vector.calls)
	}
}
