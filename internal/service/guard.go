package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// softGuardrailPrefix is prepended when a RAG turn produced zero sources.
// Availability stays at 100% but the uncertainty is explicit.
const softGuardrailPrefix = "⚠️ 이번 질문과 일치하는 승인된 내부 문서를 찾지 못했습니다. 아래 내용은 일반적인 안내이며, 정확한 내용은 담당 부서에 확인해 주세요.\n\n"

// koreanRatioFloor is the minimum share of Hangul among letters before
// the answer counts as non-target-language.
const koreanRatioFloor = 0.30

// LLMRetrier abstracts the one lower-temperature retry the guard may
// issue on a language failure.
type LLMRetrier interface {
	Complete(ctx context.Context, messages []transport.ChatMessage, opts transport.CompleteOpts) (*transport.Completion, error)
}

// Guard validates generated answers after the LLM call.
type Guard struct {
	llm LLMRetrier
}

// NewGuard creates a Guard.
func NewGuard(llm LLMRetrier) *Guard {
	return &Guard{llm: llm}
}

// GuardResult is the guard's verdict for one answer.
type GuardResult struct {
	Answer        string
	LanguageError bool // answer stayed non-Korean after the retry
	SoftGuarded   bool
}

// Apply runs the post-generation checks:
//
//	(a) zero sources on a RAG route → soft-guardrail prefix
//	(b) Korean-character ratio below 30% → one retry at temperature 0.1;
//	    if still failing, the answer is delivered and LANGUAGE_ERROR is
//	    recorded in telemetry only
//	(c) no hard block — empty-source turns still answer
func (g *Guard) Apply(ctx context.Context, answer string, route string, sourceCount int, messages []transport.ChatMessage) GuardResult {
	result := GuardResult{Answer: answer}

	if route == model.RouteRagInternal && sourceCount == 0 && !strings.HasPrefix(answer, "⚠️") {
		result.Answer = softGuardrailPrefix + result.Answer
		result.SoftGuarded = true
	}

	if koreanRatio(result.Answer) >= koreanRatioFloor {
		return result
	}

	slog.Warn("answer failed language check, retrying at low temperature",
		"korean_ratio_floor", koreanRatioFloor)

	if g.llm != nil {
		retry, err := g.llm.Complete(ctx, messages, transport.CompleteOpts{Temperature: 0.1})
		if err == nil && koreanRatio(retry.Text) >= koreanRatioFloor {
			answer := retry.Text
			if result.SoftGuarded {
				answer = softGuardrailPrefix + answer
			}
			result.Answer = answer
			return result
		}
		if err != nil {
			slog.Error("language retry failed", "error", err)
		}
	}

	result.LanguageError = true
	return result
}

// LanguageErrorCode returns the telemetry code for a failed language check.
func LanguageErrorCode() string { return apperr.CodeLanguageError }

// koreanRatio returns the share of Hangul runes among all letters in s.
// Text without letters (numbers, punctuation) passes trivially.
func koreanRatio(s string) float64 {
	var letters, hangul int
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Hangul, r) {
			hangul++
		}
	}
	if letters == 0 {
		return 1.0
	}
	return float64(hangul) / float64(letters)
}
