package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// User-facing fallback messages.
const (
	piiFallbackMessage = "개인정보 보호 점검을 완료할 수 없어 답변을 드리지 못했습니다. 잠시 후 다시 시도해 주세요."
	llmFallbackMessage = "죄송합니다. 지금은 답변을 생성할 수 없습니다. 잠시 후 다시 시도해 주세요."
)

// LLMCompleter abstracts the synchronous LLM call for testability.
type LLMCompleter interface {
	Complete(ctx context.Context, messages []transport.ChatMessage, opts transport.CompleteOpts) (*transport.Completion, error)
	Model() string
}

// ChatMetrics is the subset of domain metrics the pipeline records.
// A nil implementation is allowed.
type ChatMetrics interface {
	IncPIIBlock()
	IncRagGap()
	IncRagFallback()
	ObserveTurn(route string, errCode string, latency time.Duration)
}

// ChatPipeline is the staged non-streaming chat orchestrator.
type ChatPipeline struct {
	Masker          *Masker
	Classifier      *Classifier
	Retriever       *Retriever
	Prompts         *PromptBuilder
	LLM             LLMCompleter
	Guard           *Guard
	Personalization *Personalization
	Metrics         ChatMetrics // optional
	TopK            int
}

// Run executes one chat turn end to end. The returned error is non-nil
// only for failures that surface as non-200 responses (validation,
// retrieval unavailability); every other failure mode produces a safe
// answer with error metadata. Exactly one CHAT_TURN telemetry event is
// queued per call, on every path.
func (p *ChatPipeline) Run(ctx context.Context, turn *model.Turn) (*model.ChatAnswer, error) {
	start := time.Now()
	tc := telemetry.FromContext(ctx)
	reqID := ""
	if tc != nil {
		reqID = tc.TraceID
	}

	// Stage 1: validate.
	query := turn.CurrentQuery()
	if query == "" {
		p.queueTurnEvent(tc, nil, "", apperr.CodeInvalidRequest, start)
		return nil, apperr.New(apperr.CodeInvalidRequest, 422, "messages must contain a user message")
	}

	// Stage 2: PII mask (INPUT), fail-closed.
	masked, err := p.Masker.Mask(ctx, query, StageInput)
	if err != nil {
		return p.piiBlocked(tc, start, err), nil
	}

	// Stage 3: intent + route.
	intent := p.Classifier.Classify(masked.Masked, turn.UserRole, turn.DomainHint, turn.Department)

	if intent.NeedsClarify {
		answer := &model.ChatAnswer{
			Answer:  intent.ClarifyPrompt,
			Sources: []model.Source{},
			Meta: model.AnswerMeta{
				Route:       model.RouteClarify,
				Intent:      intent.Intent,
				Domain:      intent.Domain,
				RagUsed:     false,
				HasPIIInput: masked.HasPII,
				Masked:      masked.HasPII,
				LatencyMs:   time.Since(start).Milliseconds(),
			},
		}
		p.queueTurnEvent(tc, answer, masked.Masked, "", start)
		return answer, nil
	}

	// Stage 4: branch on route.
	var (
		sources       []model.Source
		retrieverUsed string
		ragLatencyMs  int64
		factsBlock    string
		personalQ     string
		facts         *transport.Facts
	)

	switch intent.Route {
	case model.RouteRagInternal:
		result, err := p.Retriever.Search(ctx, reqID, masked.Masked, intent.Domain, p.topK(), true)
		if err != nil {
			p.queueTurnEventMeta(tc, intent, masked.Masked, apperr.CodeRagSearchUnavailable, start)
			return nil, err
		}
		sources, retrieverUsed, ragLatencyMs = result.Sources, result.Retriever, result.LatencyMs

	case model.RouteMixedBackendRag:
		g, gCtx := errgroup.WithContext(ctx)

		g.Go(func() error {
			result, err := p.Retriever.Search(gCtx, reqID, masked.Masked, intent.Domain, p.topK(), true)
			if err != nil {
				return err
			}
			sources, retrieverUsed, ragLatencyMs = result.Sources, result.Retriever, result.LatencyMs
			return nil
		})
		g.Go(func() error {
			f, err := p.fetchFacts(gCtx, intent, turn)
			if err != nil {
				// Backend data is best-effort on the mixed route.
				slog.Warn("mixed route backend fetch failed", "error", err)
				return nil
			}
			factsBlock = RenderFactsBlock(f)
			return nil
		})
		if err := g.Wait(); err != nil {
			p.queueTurnEventMeta(tc, intent, masked.Masked, apperr.CodeRagSearchUnavailable, start)
			return nil, err
		}

	case model.RouteBackendAPI:
		personalQ = intent.SubIntentID
		f, err := p.fetchFacts(ctx, intent, turn)
		if err != nil {
			slog.Error("backend facts fetch failed", "sub_intent", intent.SubIntentID, "error", err)
			answer := p.fallbackAnswer(intent, masked, llmFallbackMessage, apperr.CodeLLMError, start)
			p.queueTurnEvent(tc, answer, masked.Masked, apperr.CodeLLMError, start)
			return answer, nil
		}
		facts = f
		if personalQ == "" {
			personalQ = f.SubIntentID
		}
		factsBlock = RenderFactsBlock(f)
	}

	if p.Metrics != nil && strings.HasSuffix(retrieverUsed, "_FALLBACK") {
		p.Metrics.IncRagFallback()
	}

	// Stage 5+6: prompt and LLM call.
	softGuardrail := intent.Route == model.RouteRagInternal && len(sources) == 0 &&
		(intent.Intent == model.IntentPolicyQA || intent.Intent == model.IntentEducationQA)

	messages := p.Prompts.Build(PromptInput{
		Query:         masked.Masked,
		Route:         intent.Route,
		Intent:        intent.Intent,
		Domain:        intent.Domain,
		UserRole:      turn.UserRole,
		Sources:       sources,
		BackendFacts:  factsBlock,
		SoftGuardrail: softGuardrail,
		History:       priorHistory(turn),
	})

	llmStart := time.Now()
	completion, err := p.LLM.Complete(ctx, messages, transport.CompleteOpts{})
	llmLatency := time.Since(llmStart).Milliseconds()
	if err != nil {
		code := apperr.CodeLLMError
		if errors.Is(err, context.DeadlineExceeded) {
			code = apperr.CodeLLMTimeout
		}
		slog.Error("llm completion failed", "route", intent.Route, "error", err)

		// Personalised turns fall back to the deterministic per-Q
		// template instead of a generic apology.
		msg := llmFallbackMessage
		if intent.Route == model.RouteBackendAPI && facts != nil {
			msg = RenderTemplate(personalQ, facts)
		}
		answer := p.fallbackAnswer(intent, masked, msg, code, start)
		answer.Meta.RetrieverUsed = retrieverUsed
		answer.Meta.PersonalizationQ = personalQ
		p.queueTurnEvent(tc, answer, masked.Masked, code, start)
		return answer, nil
	}

	// Stage 7: PII mask (OUTPUT), fail-closed.
	maskedOut, err := p.Masker.Mask(ctx, completion.Text, StageOutput)
	if err != nil {
		return p.piiBlocked(tc, start, err), nil
	}

	// Stage 8: answer guard.
	guarded := p.Guard.Apply(ctx, maskedOut.Masked, intent.Route, len(sources), messages)

	ragGap := softGuardrail
	if ragGap && p.Metrics != nil {
		p.Metrics.IncRagGap()
	}

	errorType := ""
	if guarded.LanguageError {
		errorType = apperr.CodeLanguageError
	}

	// Stage 9: assemble + telemetry.
	answer := &model.ChatAnswer{
		Answer:  guarded.Answer,
		Sources: sources,
		Meta: model.AnswerMeta{
			Route:            intent.Route,
			Intent:           intent.Intent,
			Domain:           intent.Domain,
			UsedModel:        completion.Model,
			RagUsed:          len(sources) > 0,
			RagSourceCount:   len(sources),
			LatencyMs:        time.Since(start).Milliseconds(),
			RagLatencyMs:     ragLatencyMs,
			LLMLatencyMs:     llmLatency,
			HasPIIInput:      masked.HasPII,
			HasPIIOutput:     maskedOut.HasPII,
			Masked:           masked.HasPII || maskedOut.HasPII,
			RagGapCandidate:  ragGap,
			RetrieverUsed:    retrieverUsed,
			ErrorType:        errorType,
			PersonalizationQ: personalQ,
		},
	}

	p.queueTurnEvent(tc, answer, masked.Masked, errorType, start)

	if p.Metrics != nil {
		p.Metrics.ObserveTurn(intent.Route, errorType, time.Since(start))
	}

	return answer, nil
}

func (p *ChatPipeline) topK() int {
	if p.TopK > 0 {
		return p.TopK
	}
	return 5
}

func (p *ChatPipeline) fetchFacts(ctx context.Context, intent model.IntentResult, turn *model.Turn) (*transport.Facts, error) {
	if p.Personalization == nil {
		return nil, fmt.Errorf("personalization not configured")
	}
	sub := intent.SubIntentID
	if sub == "" {
		sub = MapSubIntent(turn.CurrentQuery())
	}
	if sub == "" {
		return nil, fmt.Errorf("no sub-intent for backend route")
	}
	facts, err := p.Personalization.resolver.ResolveFacts(ctx, turn.UserID, sub, "", "")
	if err != nil {
		return nil, err
	}
	if facts.SubIntentID == "" {
		facts.SubIntentID = sub
	}
	return facts, nil
}

// piiBlocked produces the safe fallback turn for a fail-closed PII
// failure: SECURITY event, CHAT_TURN with the block code, and a fallback
// message that never contains the user's text.
func (p *ChatPipeline) piiBlocked(tc *telemetry.TurnContext, start time.Time, cause error) *model.ChatAnswer {
	if p.Metrics != nil {
		p.Metrics.IncPIIBlock()
	}

	if tc != nil {
		tc.Queue(model.EventSecurity, map[string]any{
			"block_type": model.BlockPII,
			"reason":     cause.Error(),
		})
		tc.Queue(model.EventChatTurn, map[string]any{
			"route":      model.RouteError,
			"error_code": apperr.CodePIIDetectorUnavailable,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}

	return &model.ChatAnswer{
		Answer:  piiFallbackMessage,
		Sources: []model.Source{},
		Meta: model.AnswerMeta{
			Route:     model.RouteError,
			LatencyMs: time.Since(start).Milliseconds(),
			ErrorType: apperr.CodePIIDetectorUnavailable,
		},
	}
}

func (p *ChatPipeline) fallbackAnswer(intent model.IntentResult, masked *model.PiiMaskResult, msg, code string, start time.Time) *model.ChatAnswer {
	return &model.ChatAnswer{
		Answer:  msg,
		Sources: []model.Source{},
		Meta: model.AnswerMeta{
			Route:       intent.Route,
			Intent:      intent.Intent,
			Domain:      intent.Domain,
			HasPIIInput: masked.HasPII,
			Masked:      masked.HasPII,
			LatencyMs:   time.Since(start).Milliseconds(),
			ErrorType:   code,
		},
	}
}

// queueTurnEvent queues the single CHAT_TURN event for a completed turn.
func (p *ChatPipeline) queueTurnEvent(tc *telemetry.TurnContext, answer *model.ChatAnswer, maskedQuery, errorCode string, start time.Time) {
	if tc == nil {
		return
	}
	payload := map[string]any{
		"masked_query": maskedQuery,
		"latency_ms":   time.Since(start).Milliseconds(),
	}
	if errorCode != "" {
		payload["error_code"] = errorCode
	}
	if answer != nil {
		payload["route"] = answer.Meta.Route
		payload["intent"] = answer.Meta.Intent
		payload["domain"] = answer.Meta.Domain
		payload["rag_used"] = answer.Meta.RagUsed
		payload["rag_source_count"] = answer.Meta.RagSourceCount
		payload["rag_gap_candidate"] = answer.Meta.RagGapCandidate
		payload["retriever_used"] = answer.Meta.RetrieverUsed
		payload["has_pii_input"] = answer.Meta.HasPIIInput
		payload["has_pii_output"] = answer.Meta.HasPIIOutput
		payload["used_model"] = answer.Meta.UsedModel
		payload["rag_latency_ms"] = answer.Meta.RagLatencyMs
		payload["llm_latency_ms"] = answer.Meta.LLMLatencyMs
	}
	tc.Queue(model.EventChatTurn, payload)
}

// queueTurnEventMeta queues a CHAT_TURN for turns that failed before an
// answer was assembled.
func (p *ChatPipeline) queueTurnEventMeta(tc *telemetry.TurnContext, intent model.IntentResult, maskedQuery, errorCode string, start time.Time) {
	if tc == nil {
		return
	}
	tc.Queue(model.EventChatTurn, map[string]any{
		"masked_query": maskedQuery,
		"route":        intent.Route,
		"intent":       intent.Intent,
		"domain":       intent.Domain,
		"error_code":   errorCode,
		"latency_ms":   time.Since(start).Milliseconds(),
	})
}

func priorHistory(turn *model.Turn) []model.Message {
	if len(turn.Messages) <= 1 {
		return nil
	}
	// Everything before the final user message.
	last := len(turn.Messages) - 1
	for last >= 0 && turn.Messages[last].Role != "user" {
		last--
	}
	if last <= 0 {
		return nil
	}
	return turn.Messages[:last]
}
