package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ctrlf-ai/ai-gateway/internal/cache"
	"github.com/ctrlf-ai/ai-gateway/internal/config"
	"github.com/ctrlf-ai/ai-gateway/internal/handler"
	"github.com/ctrlf-ai/ai-gateway/internal/middleware"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/render"
	"github.com/ctrlf-ai/ai-gateway/internal/router"
	"github.com/ctrlf-ai/ai-gateway/internal/service"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

const Version = "2.4.0"

// describerAdapter bridges the Milvus client to the service-layer
// contract check.
type describerAdapter struct {
	milvus *transport.MilvusClient
}

func (d describerAdapter) DescribeCollection(ctx context.Context) (int, string, error) {
	contract, err := d.milvus.DescribeCollection(ctx)
	if err != nil {
		return 0, "", err
	}
	return contract.Dimension, contract.MetricType, nil
}

func run() error {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Transport adapters.
	llm := transport.NewLLMClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout, cfg.LLMStreamTimeout)
	embedder := transport.NewEmbeddingClient(cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.EmbeddingTimeout)
	milvus := transport.NewMilvusClient(cfg.MilvusBaseURL, cfg.MilvusCollection, cfg.MilvusTimeout)
	ragflow := transport.NewRAGFlowClient(cfg.RAGFlowBaseURL, cfg.RAGFlowAPIKey, cfg.RAGFlowTimeout)
	backend := transport.NewBackendClient(cfg.BackendBaseURL, cfg.BackendCallbackToken, cfg.BackendTimeout)
	tts := transport.NewTTSClient(cfg.TTSBaseURL, cfg.TTSVoice, cfg.TTSTimeout)

	var piiDetector service.PIIDetector
	piiEnabled := cfg.PIIEnabled && cfg.PIIBaseURL != ""
	if piiEnabled {
		piiDetector = transport.NewPIIClient(cfg.PIIBaseURL, cfg.PIITimeout)
	}

	// The collection's declared dimension and metric must match the
	// embedding model before any search is served.
	if err := service.VerifyEmbeddingContract(ctx, describerAdapter{milvus}, embedder, cfg.EmbeddingContractStrict); err != nil {
		return err
	}

	var objectStore transport.ObjectStore
	switch cfg.StorageMode {
	case "s3-presigned":
		objectStore = transport.NewPresignedStore(backend, cfg.StorageUploadTimeout)
	case "backend":
		objectStore = transport.NewBackendStore(backend, cfg.StorageUploadTimeout)
	default:
		objectStore = transport.NewLocalStore(cfg.StorageLocalRoot, cfg.StoragePublicBaseURL)
	}

	// Metrics + telemetry.
	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)
	emitter := telemetry.NewEmitter(cfg.TelemetryBaseURL, cfg.BackendCallbackToken, cfg.TelemetryEnabled)

	// Services.
	masker := service.NewMasker(piiDetector, piiEnabled)
	emitter.LogMasker = masker.MaskForLog

	searchCache := cache.New(cfg.SearchCacheTTL, cfg.SearchCacheSize)
	defer searchCache.Stop()

	chatRetriever := service.NewRetriever(embedder, milvus, ragflow, cfg.RetrieverChat, searchCache)
	faqRetriever := service.NewRetriever(embedder, milvus, ragflow, cfg.RetrieverFAQ, searchCache)
	scriptRetriever := service.NewRetriever(embedder, milvus, ragflow, cfg.RetrieverScript, searchCache)

	personalization := service.NewPersonalization(backend, llm)

	chatPipeline := &service.ChatPipeline{
		Masker:          masker,
		Classifier:      service.NewClassifier(cfg.ClarifyThreshold),
		Retriever:       chatRetriever,
		Prompts:         service.NewPromptBuilder(cfg.ChatContextMaxChars, cfg.ChatContextMaxSources),
		LLM:             llm,
		Guard:           service.NewGuard(llm),
		Personalization: personalization,
		Metrics:         metrics,
		TopK:            cfg.ChatContextMaxSources,
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	streamPipeline := &service.StreamPipeline{
		Chat:     chatPipeline,
		Streamer: llm,
		Registry: service.NewStreamRegistry(rdb),
	}

	// Render subsystem.
	jobStore, err := render.OpenStore(cfg.RenderDBPath)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	bus := render.NewBus()
	defer bus.Close()

	steps := &render.Steps{TTS: tts, Store: objectStore, FFmpegBin: cfg.RenderFFmpeg}
	runner := render.NewRunner(jobStore, backend, steps, bus, cfg.RenderTmpDir, metrics)

	scriptGen := &service.ScriptGenerator{Retriever: scriptRetriever, LLM: llm}
	sourceSets := &service.SourceSetPipeline{
		Fetcher:  backend,
		Scripts:  scriptGen,
		Notifier: backend,
		SubmitFn: func(ctx context.Context, id string, spec *model.RenderSpec) (string, error) {
			return backend.SubmitScript(ctx, id, spec)
		},
	}

	deps := &router.Dependencies{
		Version:          Version,
		FrontendURL:      cfg.FrontendURL,
		GatewayAuthToken: cfg.GatewayAuthToken,
		InternalToken:    cfg.InternalToken,
		Metrics:          metrics,
		MetricsReg:       reg,
		Emitter:          emitter,
		ChatPipeline:     chatPipeline,
		StreamPipeline:   streamPipeline,
		FAQGen:           &service.FAQGenerator{Retriever: faqRetriever, LLM: llm, TopK: cfg.FAQTopK, Workers: cfg.FAQBatchWorkers},
		QuizGen:          &service.QuizGenerator{LLM: llm},
		GapAnalyzer:      &service.GapAnalyzer{LLM: llm},
		SourceSets:       sourceSets,
		RenderRunner:     runner,
		RenderStore:      jobStore,
		RenderWS:         render.NewWSHandler(jobStore, bus, cfg.FrontendURL),
		ReadyDeps: handler.ReadyDeps{
			LLM:       llm,
			Retrieval: milvus,
			Backend:   backend,
			JobStore:  jobStore,
		},
		ChatTimeout: cfg.ChatTimeout,
	}
	if cfg.StorageMode == "local" {
		deps.MediaDir = cfg.StorageLocalRoot
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router.New(deps),
		ReadTimeout: 15 * time.Second,
		// No global write timeout: the chat stream and the progress
		// WebSocket outlive any fixed budget. Non-streaming routes carry
		// middleware.Timeout instead.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ai-gateway starting", "version", Version, "port", cfg.Port, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		slog.Warn("render runner did not drain in time", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
