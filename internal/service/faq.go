package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// FAQItem is one generated question/answer pair with its grounding.
type FAQItem struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Sources  []model.Source `json:"sources"`
}

// FAQGenerator composes retrieval and the LLM into structured FAQ sets.
type FAQGenerator struct {
	Retriever *Retriever
	LLM       LLMCompleter
	TopK      int
	Workers   int // batch concurrency bound
}

const faqSystemPrompt = `당신은 사내 정책 FAQ 작성 도우미입니다.
제공된 문서 컨텍스트에 근거한 질문과 답변만 작성하세요.
JSON 배열로만 응답하세요: [{"question": "...", "answer": "..."}]`

// Generate produces count FAQ items for a topic within a domain.
func (g *FAQGenerator) Generate(ctx context.Context, topic, domain string, count int) ([]FAQItem, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("service.FAQ: topic is empty")
	}
	if count <= 0 {
		count = 5
	}

	result, err := g.Retriever.Search(ctx, "faq", topic, domain, g.topK(), false)
	if err != nil {
		return nil, fmt.Errorf("service.FAQ: search: %w", err)
	}

	var contextBlock strings.Builder
	for i, s := range result.Sources {
		contextBlock.WriteString(fmt.Sprintf("[%d] %s — %s\n", i+1, s.Title, s.Snippet))
	}

	user := fmt.Sprintf("주제: %s\n문항 수: %d\n\n=== 문서 컨텍스트 ===\n%s", topic, count, contextBlock.String())

	completion, err := g.LLM.Complete(ctx, []transport.ChatMessage{
		{Role: "system", Content: faqSystemPrompt},
		{Role: "user", Content: user},
	}, transport.CompleteOpts{Temperature: 0.4})
	if err != nil {
		return nil, fmt.Errorf("service.FAQ: llm: %w", err)
	}

	var items []FAQItem
	if err := json.Unmarshal([]byte(stripCodeFences(completion.Text)), &items); err != nil {
		return nil, fmt.Errorf("service.FAQ: parse: %w", err)
	}

	if len(items) > count {
		items = items[:count]
	}
	for i := range items {
		items[i].Sources = result.Sources
	}
	return items, nil
}

// GenerateBatch runs Generate per topic concurrently under the worker
// bound and keeps input order. Per-topic failures null the slot rather
// than failing the batch.
func (g *FAQGenerator) GenerateBatch(ctx context.Context, topics []string, domain string, countPerTopic int) ([][]FAQItem, []error) {
	results := make([][]FAQItem, len(topics))
	errs := make([]error, len(topics))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers())

	for i, topic := range topics {
		eg.Go(func() error {
			items, err := g.Generate(egCtx, topic, domain, countPerTopic)
			results[i] = items
			errs[i] = err
			return nil
		})
	}
	eg.Wait()
	return results, errs
}

func (g *FAQGenerator) topK() int {
	if g.TopK > 0 {
		return g.TopK
	}
	return 8
}

func (g *FAQGenerator) workers() int {
	if g.Workers > 0 {
		return g.Workers
	}
	return 4
}

// stripCodeFences removes a surrounding markdown code fence, which some
// models wrap around JSON output.
func stripCodeFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) >= 3 {
		cleaned = strings.Join(lines[1:len(lines)-1], "\n")
	}
	return strings.TrimSpace(cleaned)
}
