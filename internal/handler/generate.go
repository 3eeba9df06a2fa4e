package handler

import (
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/service"
)

// FAQ generation.

type faqRequest struct {
	Topic  string `json:"topic"`
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

type faqBatchRequest struct {
	Topics        []string `json:"topics"`
	Domain        string   `json:"domain"`
	CountPerTopic int      `json:"count_per_topic"`
}

// GenerateFAQ handles POST /ai/faq/generate.
func GenerateFAQ(gen *service.FAQGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req faqRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}
		if req.Topic == "" {
			respondError(w, apperr.Validation("topic is required"))
			return
		}

		items, err := gen.Generate(r.Context(), req.Topic, req.Domain, req.Count)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// GenerateFAQBatch handles POST /ai/faq/generate/batch.
func GenerateFAQBatch(gen *service.FAQGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req faqBatchRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}
		if len(req.Topics) == 0 {
			respondError(w, apperr.Validation("topics must not be empty"))
			return
		}
		if len(req.Topics) > 20 {
			respondError(w, apperr.Validation("at most 20 topics per batch"))
			return
		}

		results, errs := gen.GenerateBatch(r.Context(), req.Topics, req.Domain, req.CountPerTopic)

		type batchEntry struct {
			Topic string            `json:"topic"`
			Items []service.FAQItem `json:"items,omitempty"`
			Error string            `json:"error,omitempty"`
		}
		entries := make([]batchEntry, len(req.Topics))
		for i, topic := range req.Topics {
			entries[i] = batchEntry{Topic: topic, Items: results[i]}
			if errs[i] != nil {
				entries[i].Error = errs[i].Error()
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{"results": entries})
	}
}

// Quiz generation.

type quizRequest struct {
	Blocks       []string       `json:"blocks"`
	Count        int            `json:"count"`
	Distribution map[string]int `json:"difficulty_distribution"`
}

// GenerateQuiz handles POST /ai/quiz/generate.
func GenerateQuiz(gen *service.QuizGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req quizRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}

		questions, err := gen.Generate(r.Context(), req.Blocks, req.Distribution, req.Count)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"questions": questions})
	}
}

// Gap suggestions.

type gapRequest struct {
	Questions []service.GapQuestion `json:"questions"`
}

// GapSuggestions handles POST /ai/gap/policy-edu/suggestions.
func GapSuggestions(analyzer *service.GapAnalyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gapRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}

		suggestions, err := analyzer.Suggest(r.Context(), req.Questions)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
	}
}
