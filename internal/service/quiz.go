package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// QuizQuestion is one generated multiple-choice question.
type QuizQuestion struct {
	Question    string   `json:"question"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
	Difficulty  string   `json:"difficulty"` // "easy", "medium", "hard"
	Explanation string   `json:"explanation,omitempty"`
}

// QuizGenerator produces MCQs from candidate text blocks under a
// difficulty distribution.
type QuizGenerator struct {
	LLM LLMCompleter
}

const quizSystemPrompt = `당신은 사내 교육용 사지선다 퀴즈 출제 도우미입니다.
제공된 본문에 근거한 문제만 출제하세요. 각 문제는 보기 4개와 정답 1개를 가집니다.
JSON 배열로만 응답하세요:
[{"question":"...","choices":["...","...","...","..."],"answer_index":0,"difficulty":"easy|medium|hard","explanation":"..."}]`

// Generate produces questions from blocks. distribution maps difficulty
// to question count and must sum to total.
func (g *QuizGenerator) Generate(ctx context.Context, blocks []string, distribution map[string]int, total int) ([]QuizQuestion, error) {
	if len(blocks) == 0 {
		return nil, apperr.Validation("blocks must not be empty")
	}
	if total <= 0 {
		return nil, apperr.Validation("count must be positive")
	}

	sum := 0
	for level, n := range distribution {
		switch level {
		case "easy", "medium", "hard":
		default:
			return nil, apperr.Validation(fmt.Sprintf("unknown difficulty %q", level))
		}
		if n < 0 {
			return nil, apperr.Validation("difficulty counts must be non-negative")
		}
		sum += n
	}
	if sum != total {
		return nil, apperr.Validation(fmt.Sprintf("difficulty distribution sums to %d, expected %d", sum, total))
	}

	var body strings.Builder
	for i, block := range blocks {
		body.WriteString(fmt.Sprintf("--- 본문 %d ---\n%s\n\n", i+1, block))
	}

	user := fmt.Sprintf("난이도 분포: easy %d, medium %d, hard %d (총 %d문항)\n\n%s",
		distribution["easy"], distribution["medium"], distribution["hard"], total, body.String())

	completion, err := g.LLM.Complete(ctx, []transport.ChatMessage{
		{Role: "system", Content: quizSystemPrompt},
		{Role: "user", Content: user},
	}, transport.CompleteOpts{Temperature: 0.5})
	if err != nil {
		return nil, fmt.Errorf("service.Quiz: llm: %w", err)
	}

	var questions []QuizQuestion
	if err := json.Unmarshal([]byte(stripCodeFences(completion.Text)), &questions); err != nil {
		return nil, fmt.Errorf("service.Quiz: parse: %w", err)
	}

	valid := questions[:0]
	for _, q := range questions {
		if len(q.Choices) == 4 && q.AnswerIndex >= 0 && q.AnswerIndex < 4 && q.Question != "" {
			valid = append(valid, q)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("service.Quiz: model returned no valid questions")
	}
	if len(valid) > total {
		valid = valid[:total]
	}
	return valid, nil
}
