package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

func leaveFacts() *transport.Facts {
	return &transport.Facts{
		SubIntentID: "Q11",
		Period:      "2026년",
		Metrics:     map[string]float64{"total_days": 15, "used_days": 4, "remaining_days": 11},
	}
}

func TestMapSubIntent(t *testing.T) {
	cases := map[string]string{
		"내 연차 며칠 남았어":   "Q11",
		"복지 포인트 잔액 알려줘": "Q14",
		"이번달 연장근무 시간":   "Q13",
		"건강검진 대상인가요":    "Q18",
		"오늘 날씨 어때":      "",
	}
	for query, want := range cases {
		if got := MapSubIntent(query); got != want {
			t.Errorf("MapSubIntent(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestResolve_LLMRendersFacts(t *testing.T) {
	llm := &mockLLM{text: "2026년 기준 연차 15일 중 4일을 사용해 11일이 남았습니다."}
	p := NewPersonalization(&mockResolver{facts: leaveFacts()}, llm)

	answer, err := p.Resolve(context.Background(), "Q11", "u-1", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer, "11일") {
		t.Errorf("answer = %q", answer)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d", llm.calls)
	}
}

func TestResolve_TemplateFallbackOnLLMFailure(t *testing.T) {
	llm := &mockLLM{err: errors.New("llm down")}
	p := NewPersonalization(&mockResolver{facts: leaveFacts()}, llm)

	answer, err := p.Resolve(context.Background(), "Q11", "u-1", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Deterministic template must carry the period and all three metrics.
	for _, want := range []string{"2026년", "15", "4", "11"} {
		if !strings.Contains(answer, want) {
			t.Errorf("template answer missing %q: %q", want, answer)
		}
	}
}

func TestResolve_ResolverFailurePropagates(t *testing.T) {
	p := NewPersonalization(&mockResolver{err: errors.New("backend down")}, &mockLLM{text: "x"})

	if _, err := p.Resolve(context.Background(), "Q11", "u-1", "", ""); err == nil {
		t.Fatal("resolver failure must propagate")
	}
}

func TestRenderTemplate_UnknownQ(t *testing.T) {
	answer := RenderTemplate("Q99", &transport.Facts{Text: "지원되지 않는 항목"})
	if !strings.Contains(answer, "지원되지 않는 항목") {
		t.Errorf("unknown Q must fall back to facts text, got %q", answer)
	}
}

func TestRenderTemplate_MissingMetrics(t *testing.T) {
	answer := RenderTemplate("Q11", &transport.Facts{SubIntentID: "Q11"})
	if !strings.Contains(answer, "조회된 값 없음") {
		t.Errorf("missing metrics must render the placeholder, got %q", answer)
	}
}

func TestRenderFactsBlock_DeterministicOrder(t *testing.T) {
	block1 := RenderFactsBlock(leaveFacts())
	block2 := RenderFactsBlock(leaveFacts())
	if block1 != block2 {
		t.Error("facts block must be deterministic")
	}
	if !strings.Contains(block1, "조회 기간: 2026년") {
		t.Error("period line missing")
	}
}
