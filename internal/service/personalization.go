package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// FactsResolver abstracts the backend personalisation endpoint.
type FactsResolver interface {
	ResolveFacts(ctx context.Context, userID, subIntentID, period, targetDeptID string) (*transport.Facts, error)
}

// Personalization resolves sub-intent facts and renders them to natural
// language. Facts come only from the backend; the renderer must not
// invent values and always includes the period when present.
type Personalization struct {
	resolver FactsResolver
	llm      LLMRetrier // nil → template-only rendering
}

// NewPersonalization creates a Personalization service.
func NewPersonalization(resolver FactsResolver, llm LLMRetrier) *Personalization {
	return &Personalization{resolver: resolver, llm: llm}
}

// qCatalog names each sub-intent and its fallback template. The template
// receives the metric map; missing metrics render as "조회된 값 없음".
var qCatalog = map[string]struct {
	name     string
	template func(f *transport.Facts) string
}{
	"Q11": {"연차 현황", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 기준 연차는 총 %s일 중 %s일을 사용하셨고, %s일이 남아 있습니다.",
			periodOr(f, "올해"), metric(f, "total_days"), metric(f, "used_days"), metric(f, "remaining_days"))
	}},
	"Q12": {"근태 현황", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 근태 기록: 정상 출근 %s일, 지각 %s회, 결근 %s일입니다.",
			periodOr(f, "이번 달"), metric(f, "on_time_days"), metric(f, "late_count"), metric(f, "absent_days"))
	}},
	"Q13": {"연장근무 현황", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 연장근무 누계는 %s시간입니다.", periodOr(f, "이번 달"), metric(f, "overtime_hours"))
	}},
	"Q14": {"복지 포인트", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 기준 복지 포인트는 총 %sP 중 %sP를 사용하셨고, %sP가 남아 있습니다.",
			periodOr(f, "올해"), metric(f, "total_points"), metric(f, "used_points"), metric(f, "remaining_points"))
	}},
	"Q15": {"급여 안내", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 급여 명세는 사내 포털의 급여 메뉴에서 확인하실 수 있습니다.", periodOr(f, "이번 달"))
	}},
	"Q16": {"재택근무 현황", func(f *transport.Facts) string {
		return fmt.Sprintf("%s 재택근무 사용일은 %s일입니다.", periodOr(f, "이번 달"), metric(f, "remote_days"))
	}},
	"Q17": {"경조 지원", func(f *transport.Facts) string {
		return "경조 지원 신청 내역은 시스템 데이터 기준으로 안내드립니다. " + f.Text
	}},
	"Q18": {"건강검진", func(f *transport.Facts) string {
		return fmt.Sprintf("건강검진 대상 여부: %s.", metricStr(f, "eligible"))
	}},
}

// MapSubIntent disambiguates a coarse router output to a Q code via the
// classifier's keyword table. Returns "" when no Q code applies.
func MapSubIntent(query string) string {
	return matchSubIntent(strings.ToLower(query))
}

// Resolve fetches facts for the sub-intent and renders an answer.
// Rendering prefers the LLM under strict constraints; when the LLM call
// fails, the deterministic per-Q template answers instead.
func (p *Personalization) Resolve(ctx context.Context, subIntentID, userID, period, targetDeptID string) (string, error) {
	facts, err := p.resolver.ResolveFacts(ctx, userID, subIntentID, period, targetDeptID)
	if err != nil {
		return "", fmt.Errorf("service.Personalization: resolve: %w", err)
	}

	if p.llm != nil {
		if answer, err := p.renderLLM(ctx, subIntentID, facts); err == nil {
			return answer, nil
		} else {
			slog.Warn("personalization LLM render failed, using template",
				"sub_intent", subIntentID, "error", err)
		}
	}

	return RenderTemplate(subIntentID, facts), nil
}

// RenderFactsBlock renders facts as the prompt's system-data block.
func RenderFactsBlock(facts *transport.Facts) string {
	var sb strings.Builder
	if facts.Period != "" {
		sb.WriteString("조회 기간: " + facts.Period + "\n")
	}
	keys := make([]string, 0, len(facts.Metrics))
	for k := range facts.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s: %v\n", k, trimFloat(facts.Metrics[k])))
	}
	if facts.Text != "" {
		sb.WriteString(facts.Text + "\n")
	}
	return sb.String()
}

// RenderTemplate renders the deterministic per-Q fallback answer.
func RenderTemplate(subIntentID string, facts *transport.Facts) string {
	entry, ok := qCatalog[subIntentID]
	if !ok {
		if facts.Text != "" {
			return facts.Text
		}
		return "요청하신 항목은 현재 조회할 수 없습니다. 사내 포털에서 확인해 주세요."
	}
	return entry.template(facts)
}

func (p *Personalization) renderLLM(ctx context.Context, subIntentID string, facts *transport.Facts) (string, error) {
	name := subIntentID
	if entry, ok := qCatalog[subIntentID]; ok {
		name = entry.name
	}

	system := `아래 시스템 데이터에 있는 사실만 사용해 한국어로 답변하세요.
수치를 지어내지 마세요. 조회 기간이 있으면 반드시 함께 안내하세요.`
	user := fmt.Sprintf("항목: %s\n\n=== 시스템 데이터 ===\n%s", name, RenderFactsBlock(facts))

	completion, err := p.llm.Complete(ctx, []transport.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, transport.CompleteOpts{Temperature: 0.2})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(completion.Text) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return completion.Text, nil
}

func periodOr(f *transport.Facts, fallback string) string {
	if f.Period != "" {
		return f.Period
	}
	return fallback
}

func metric(f *transport.Facts, key string) string {
	if v, ok := f.Metrics[key]; ok {
		return trimFloat(v)
	}
	return "조회된 값 없음"
}

func metricStr(f *transport.Facts, key string) string {
	if v, ok := f.Metrics[key]; ok && v > 0 {
		return "대상"
	}
	return "비대상"
}

func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}
