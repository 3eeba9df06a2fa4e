package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// ScriptGenerator turns source-document text into a scene-structured
// video script matching the render spec shape.
type ScriptGenerator struct {
	Retriever *Retriever
	LLM       LLMCompleter
	TopK      int
}

const scriptSystemPrompt = `당신은 사내 교육 영상 대본 작성 도우미입니다.
제공된 문서 내용으로 장면 단위의 영상 대본을 작성하세요.
각 장면은 나레이션(구어체), 자막 캡션(요약), 길이(초)를 가집니다.
JSON으로만 응답하세요:
{"title":"...","total_duration_sec":N,"scenes":[{"scene_id":"s1","scene_order":1,"chapter_title":"...","purpose":"...","narration":"...","caption":"...","duration_sec":N}]}`

// Generate produces a script for a topic from retrieval context plus any
// extra source text supplied by the caller.
func (g *ScriptGenerator) Generate(ctx context.Context, topic, domain string, extraText []string) (*model.RenderSpec, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("service.Script: topic is empty")
	}

	topK := g.TopK
	if topK <= 0 {
		topK = 8
	}

	result, err := g.Retriever.Search(ctx, "script", topic, domain, topK, false)
	if err != nil {
		return nil, fmt.Errorf("service.Script: search: %w", err)
	}

	var body strings.Builder
	for i, s := range result.Sources {
		body.WriteString(fmt.Sprintf("[%d] %s — %s\n", i+1, s.Title, s.Snippet))
	}
	for _, t := range extraText {
		body.WriteString(t)
		body.WriteString("\n")
	}

	user := fmt.Sprintf("주제: %s\n\n=== 문서 내용 ===\n%s", topic, body.String())

	completion, err := g.LLM.Complete(ctx, []transport.ChatMessage{
		{Role: "system", Content: scriptSystemPrompt},
		{Role: "user", Content: user},
	}, transport.CompleteOpts{Temperature: 0.5, MaxTokens: 4096})
	if err != nil {
		return nil, fmt.Errorf("service.Script: llm: %w", err)
	}

	var spec model.RenderSpec
	if err := json.Unmarshal([]byte(stripCodeFences(completion.Text)), &spec); err != nil {
		return nil, fmt.Errorf("service.Script: parse: %w", err)
	}
	if len(spec.Scenes) == 0 {
		return nil, fmt.Errorf("service.Script: model returned no scenes")
	}

	for i := range spec.Scenes {
		if spec.Scenes[i].SceneID == "" {
			spec.Scenes[i].SceneID = fmt.Sprintf("s%d", i+1)
		}
		if spec.Scenes[i].SceneOrder == 0 {
			spec.Scenes[i].SceneOrder = i + 1
		}
	}
	if spec.TotalDurationSec == 0 {
		for _, s := range spec.Scenes {
			spec.TotalDurationSec += s.DurationSec
		}
	}
	return &spec, nil
}
