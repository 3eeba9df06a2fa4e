// Package router assembles the chi router from injected dependencies.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrlf-ai/ai-gateway/internal/handler"
	"github.com/ctrlf-ai/ai-gateway/internal/middleware"
	"github.com/ctrlf-ai/ai-gateway/internal/render"
	"github.com/ctrlf-ai/ai-gateway/internal/service"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	Version     string
	FrontendURL string

	GatewayAuthToken string
	InternalToken    string

	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry
	Emitter    *telemetry.Emitter

	ChatPipeline   *service.ChatPipeline
	StreamPipeline *service.StreamPipeline

	FAQGen      *service.FAQGenerator
	QuizGen     *service.QuizGenerator
	GapAnalyzer *service.GapAnalyzer
	SourceSets  *service.SourceSetPipeline

	RenderRunner *render.Runner
	RenderStore  *render.Store
	RenderWS     *render.WSHandler

	ReadyDeps handler.ReadyDeps

	ChatTimeout time.Duration

	// MediaDir, when set, is served read-only under /media (local
	// storage mode only).
	MediaDir string
}

// New creates and configures the chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public probes (no auth)
	r.Get("/health", handler.Health(deps.Version))
	r.Get("/health/ready", handler.Ready(deps.ReadyDeps))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	if deps.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(deps.MediaDir))))
	}

	// Removed endpoints answer 410 regardless of auth.
	r.Post("/search", handler.Removed("/ai/chat/messages"))
	r.Post("/ingest", handler.Removed(""))
	r.Post("/ai/rag/process", handler.Removed(""))
	r.HandleFunc("/internal/rag/*", handler.Removed(""))

	chatTimeout := deps.ChatTimeout
	if chatTimeout <= 0 {
		chatTimeout = 30 * time.Second
	}
	timeout30s := middleware.Timeout(chatTimeout)

	// Public AI surface (shared bearer token).
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(deps.GatewayAuthToken))
		r.Use(middleware.TurnScope(deps.Emitter))

		// Chat — sync gets the write timeout, streaming does not.
		r.With(timeout30s).Post("/ai/chat/messages", handler.Chat(deps.ChatPipeline))
		r.Post("/ai/chat/stream", handler.ChatStream(deps.StreamPipeline, deps.Emitter))

		// Generators run longer than chat.
		gen60s := middleware.Timeout(60 * time.Second)
		r.With(gen60s).Post("/ai/faq/generate", handler.GenerateFAQ(deps.FAQGen))
		r.With(middleware.Timeout(120*time.Second)).Post("/ai/faq/generate/batch", handler.GenerateFAQBatch(deps.FAQGen))
		r.With(gen60s).Post("/ai/quiz/generate", handler.GenerateQuiz(deps.QuizGen))
		r.With(gen60s).Post("/ai/gap/policy-edu/suggestions", handler.GapSuggestions(deps.GapAnalyzer))

		// Render job lifecycle (V2 surface is authoritative).
		r.With(timeout30s).Post("/ai/video/job/{job_id}/start", handler.StartRenderJob(deps.RenderRunner))
		r.With(timeout30s).Post("/ai/video/job/{job_id}/retry", handler.RetryRenderJob(deps.RenderRunner))
		r.With(timeout30s).Get("/api/v2/videos/{video_id}/render-jobs", handler.ListRenderJobs(deps.RenderStore))
		r.With(timeout30s).Get("/api/v2/videos/{video_id}/render-jobs/{job_id}", handler.GetRenderJob(deps.RenderStore))
		r.With(timeout30s).Post("/api/v2/videos/{video_id}/render-jobs/{job_id}/cancel", handler.CancelRenderJob(deps.RenderRunner))
		r.With(timeout30s).Get("/api/v2/videos/{video_id}/assets/published", handler.PublishedAssets(deps.RenderStore))
	})

	// WebSocket progress stream — no timeout middleware, token via query
	// or header is the front proxy's concern.
	r.Get("/ws/videos/{video_id}/render-progress", deps.RenderWS.ServeHTTP)

	// Internal surface (internal token header).
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(deps.InternalToken))

		r.With(timeout30s).Post("/internal/ai/render-jobs", handler.CreateRenderJob(deps.RenderRunner))
		r.With(timeout30s).Post("/internal/ai/source-sets/{id}/start", handler.StartSourceSet(deps.SourceSets))
		r.With(timeout30s).Get("/internal/ai/source-sets/{id}/status", handler.SourceSetStatus(deps.SourceSets))
	})

	// 404 fallback in the wire error shape.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"route not found","error_code":"NOT_FOUND"}`))
	})

	return r
}
