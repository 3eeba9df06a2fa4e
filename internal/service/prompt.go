package service

import (
	"fmt"
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// PromptBuilder assembles the ordered message list sent to the LLM:
// a layered system prompt (route base, role/domain guardrail, language
// enforcement, optional soft guardrail) and a user prompt carrying the
// masked query plus a fenced context block.
type PromptBuilder struct {
	maxContextChars   int
	maxContextSources int
}

// NewPromptBuilder creates a PromptBuilder with the context budget.
func NewPromptBuilder(maxChars, maxSources int) *PromptBuilder {
	if maxChars <= 0 {
		maxChars = 8000
	}
	if maxSources <= 0 {
		maxSources = 5
	}
	return &PromptBuilder{maxContextChars: maxChars, maxContextSources: maxSources}
}

// PromptInput is everything the builder needs for one turn.
type PromptInput struct {
	Query         string // masked
	Route         string
	Intent        string
	Domain        string
	UserRole      string
	Sources       []model.Source
	BackendFacts  string // rendered facts block for BACKEND_API / MIXED routes
	SoftGuardrail bool   // zero sources on a policy/education RAG turn
	History       []model.Message
}

// System prompt bases per route.
const (
	basePromptRag = `당신은 사내 정책·규정 안내 도우미입니다.
반드시 제공된 내부 문서 컨텍스트에 근거하여 답변하세요.
컨텍스트에 없는 내용은 지어내지 말고 모른다고 답하세요.
근거 문서가 있으면 조항 번호를 함께 안내하세요.`

	basePromptMixed = `당신은 사내 정책·규정 안내 도우미입니다.
제공된 내부 문서 컨텍스트와 시스템 데이터를 함께 사용해 답변하세요.
두 출처가 충돌하면 시스템 데이터를 우선하고 그 사실을 밝히세요.`

	basePromptBackend = `당신은 사내 인사·복지 안내 도우미입니다.
아래 시스템 데이터에 있는 사실만 사용해 답변하세요. 수치를 지어내지 마세요.
조회 기간이 있으면 반드시 함께 안내하세요.`

	basePromptPlain = `당신은 사내 업무 도우미입니다. 간결하고 정중하게 답변하세요.`

	basePromptSystemHelp = `당신은 이 챗봇의 사용법을 안내하는 도우미입니다.
정책 질문, 교육 현황 조회, 인사·복지 조회, 보안사고 신고 접수를 지원한다고 안내하세요.`
)

// Role/domain guardrail prefixes.
const (
	guardrailIncidentReporter = `신고자 보호: 신고자의 신원이나 소속을 답변에 절대 포함하지 마세요.`
	guardrailAdminIncident    = `사고 요약 시 관련자 실명은 익명 처리하세요 (예: "직원 A").`
	languageEnforcement       = `답변은 반드시 한국어로 작성하세요. 외래 용어는 괄호 안에 원어를 병기할 수 있습니다.`
)

// softGuardrailInstruction is injected only when a RAG_INTERNAL turn for
// a policy/education intent retrieved zero sources.
const softGuardrailInstruction = `주의: 이번 질문과 일치하는 승인된 내부 문서를 찾지 못했습니다.
일반적인 관례 수준에서 "일반적으로", "통상적으로" 같은 표현으로 답변하고,
조항 번호를 인용하지 마세요. 답변 끝에 "정확한 내용은 담당 부서에 확인해 주세요."를 덧붙이세요.`

// Build produces the ordered message list for the turn.
func (b *PromptBuilder) Build(in PromptInput) []transport.ChatMessage {
	var sys strings.Builder

	sys.WriteString(b.basePrompt(in.Route))

	if g := rolePrefix(in.UserRole, in.Domain); g != "" {
		sys.WriteString("\n\n")
		sys.WriteString(g)
	}

	sys.WriteString("\n\n")
	sys.WriteString(languageEnforcement)

	if in.SoftGuardrail {
		sys.WriteString("\n\n")
		sys.WriteString(softGuardrailInstruction)
	}

	messages := []transport.ChatMessage{{Role: "system", Content: sys.String()}}

	// Prior turns, as-is; the current query goes into the final message
	// with its context block.
	for _, m := range in.History {
		messages = append(messages, transport.ChatMessage{Role: m.Role, Content: m.Content})
	}

	messages = append(messages, transport.ChatMessage{Role: "user", Content: b.userPrompt(in)})
	return messages
}

func (b *PromptBuilder) basePrompt(route string) string {
	switch route {
	case model.RouteRagInternal:
		return basePromptRag
	case model.RouteMixedBackendRag:
		return basePromptMixed
	case model.RouteBackendAPI:
		return basePromptBackend
	case model.RouteSystemHelp:
		return basePromptSystemHelp
	default:
		return basePromptPlain
	}
}

func rolePrefix(role, domain string) string {
	if domain == model.DomainIncident {
		if role == model.RoleAdmin {
			return guardrailAdminIncident
		}
		return guardrailIncidentReporter
	}
	if role == model.RoleAdmin {
		return guardrailAdminIncident
	}
	return ""
}

func (b *PromptBuilder) userPrompt(in PromptInput) string {
	var sb strings.Builder
	sb.WriteString(in.Query)

	if in.BackendFacts != "" {
		sb.WriteString("\n\n=== 시스템 데이터 ===\n")
		sb.WriteString(in.BackendFacts)
	}

	if len(in.Sources) > 0 {
		sb.WriteString("\n\n```context\n")
		sb.WriteString(b.formatContext(in.Sources))
		sb.WriteString("```")
	}

	return sb.String()
}

// formatContext renders sources as "[n] title — snippet (path)" within
// the character budget, keeping the highest-scoring sources.
func (b *PromptBuilder) formatContext(sources []model.Source) string {
	limit := b.maxContextSources
	if limit > len(sources) {
		limit = len(sources)
	}

	var sb strings.Builder
	used := 0
	for i := 0; i < limit; i++ {
		s := sources[i]
		line := fmt.Sprintf("[%d] %s — %s", i+1, s.Title, s.Snippet)
		if s.ArticlePath != "" {
			line += fmt.Sprintf(" (%s)", s.ArticlePath)
		}
		line += "\n"

		n := len([]rune(line))
		if used+n > b.maxContextChars {
			remaining := b.maxContextChars - used
			if remaining <= 0 {
				break
			}
			line = string([]rune(line)[:remaining]) + "\n"
			n = remaining + 1
		}
		sb.WriteString(line)
		used += n
		if used >= b.maxContextChars {
			break
		}
	}
	return sb.String()
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
