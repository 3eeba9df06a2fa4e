package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// mockLLM implements LLMCompleter and LLMRetrier.
type mockLLM struct {
	text    string
	model   string
	err     error
	calls   int
	lastOpt transport.CompleteOpts
}

func (m *mockLLM) Complete(ctx context.Context, messages []transport.ChatMessage, opts transport.CompleteOpts) (*transport.Completion, error) {
	m.calls++
	m.lastOpt = opts
	if m.err != nil {
		return nil, m.err
	}
	name := m.model
	if name == "" {
		name = "test-model"
	}
	return &transport.Completion{Text: m.text, Model: name, Usage: transport.Usage{TotalTokens: 42}}, nil
}

func (m *mockLLM) Model() string {
	if m.model == "" {
		return "test-model"
	}
	return m.model
}

func TestGuard_SoftGuardrailPrefixOnZeroSources(t *testing.T) {
	g := NewGuard(nil)

	result := g.Apply(context.Background(), "일반적으로 연차는 이월되지 않습니다.", model.RouteRagInternal, 0, nil)

	if !result.SoftGuarded {
		t.Error("zero-source RAG answer must be soft-guarded")
	}
	if !strings.HasPrefix(result.Answer, "⚠️") {
		t.Errorf("answer must start with the guardrail prefix, got %q", result.Answer[:20])
	}
}

func TestGuard_NoPrefixWithSources(t *testing.T) {
	g := NewGuard(nil)

	result := g.Apply(context.Background(), "연차는 제10조에 따라 이월됩니다.", model.RouteRagInternal, 3, nil)

	if result.SoftGuarded {
		t.Error("answer with sources must not be soft-guarded")
	}
	if strings.HasPrefix(result.Answer, "⚠️") {
		t.Error("unexpected guardrail prefix")
	}
}

func TestGuard_LanguageRetrySucceeds(t *testing.T) {
	llm := &mockLLM{text: "연차휴가는 입사일 기준으로 부여됩니다."}
	g := NewGuard(llm)

	result := g.Apply(context.Background(),
		"Annual leave is granted based on your hire date and accrues monthly thereafter.",
		model.RouteRagInternal, 2, []transport.ChatMessage{{Role: "user", Content: "q"}})

	if result.LanguageError {
		t.Error("retry produced Korean text; no language error expected")
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want exactly one retry", llm.calls)
	}
	if llm.lastOpt.Temperature != 0.1 {
		t.Errorf("retry temperature = %v, want 0.1", llm.lastOpt.Temperature)
	}
	if !strings.Contains(result.Answer, "연차휴가") {
		t.Error("answer must be the retried Korean text")
	}
}

func TestGuard_LanguageRetryFailsSoft(t *testing.T) {
	llm := &mockLLM{err: errors.New("llm down")}
	g := NewGuard(llm)

	english := "This answer is entirely in English and stays that way."
	result := g.Apply(context.Background(), english, model.RouteLLMOnly, 0, nil)

	if !result.LanguageError {
		t.Error("expected LANGUAGE_ERROR after failed retry")
	}
	if result.Answer != english {
		t.Error("answer must still be delivered despite the language error")
	}
}

func TestKoreanRatio(t *testing.T) {
	cases := []struct {
		text string
		min  float64
		max  float64
	}{
		{"연차휴가 규정입니다", 0.99, 1.0},
		{"all english text here", 0.0, 0.01},
		{"연차 leave 규정 policy", 0.25, 0.29}, // 4 Hangul of 15 letters
		{"1234 !!", 0.99, 1.0}, // no letters passes trivially
	}
	for _, c := range cases {
		got := koreanRatio(c.text)
		if got < c.min || got > c.max {
			t.Errorf("koreanRatio(%q) = %v, want in [%v, %v]", c.text, got, c.min, c.max)
		}
	}
}
