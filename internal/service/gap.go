package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// GapQuestion is one user question whose retrieval came back empty or
// weak, as collected by the caller (typically from CHAT_TURN telemetry
// with rag_gap_candidate set).
type GapQuestion struct {
	Question   string  `json:"question"`
	Domain     string  `json:"domain"`
	TopScore   float64 `json:"top_score"`
	AskedCount int     `json:"asked_count"`
}

// GapSuggestion is one proposed documentation or training improvement.
type GapSuggestion struct {
	Title       string   `json:"title"`
	Rationale   string   `json:"rationale"`
	Domain      string   `json:"domain"`
	Questions   []string `json:"questions"`
	ActionItems []string `json:"action_items"`
}

// GapAnalyzer aggregates weak-retrieval questions into improvement
// proposals for the policy/education teams.
type GapAnalyzer struct {
	LLM LLMCompleter
}

const gapSystemPrompt = `당신은 사내 지식베이스 운영 도우미입니다.
답변 근거를 찾지 못한 질문 목록을 주제별로 묶어 문서·교육 개선 제안을 작성하세요.
JSON 배열로만 응답하세요:
[{"title":"...","rationale":"...","domain":"...","questions":["..."],"action_items":["..."]}]`

// Suggest groups the gap questions and produces improvement proposals.
func (a *GapAnalyzer) Suggest(ctx context.Context, questions []GapQuestion) ([]GapSuggestion, error) {
	if len(questions) == 0 {
		return nil, apperr.Validation("questions must not be empty")
	}

	var body strings.Builder
	for _, q := range questions {
		body.WriteString(fmt.Sprintf("- [%s] %q (최고 유사도 %.2f, %d회 질문)\n",
			q.Domain, q.Question, q.TopScore, q.AskedCount))
	}

	completion, err := a.LLM.Complete(ctx, []transport.ChatMessage{
		{Role: "system", Content: gapSystemPrompt},
		{Role: "user", Content: body.String()},
	}, transport.CompleteOpts{Temperature: 0.4})
	if err != nil {
		return nil, fmt.Errorf("service.Gap: llm: %w", err)
	}

	var suggestions []GapSuggestion
	if err := json.Unmarshal([]byte(stripCodeFences(completion.Text)), &suggestions); err != nil {
		return nil, fmt.Errorf("service.Gap: parse: %w", err)
	}
	return suggestions, nil
}
