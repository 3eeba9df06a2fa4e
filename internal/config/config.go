package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string
	FrontendURL string

	GatewayAuthToken string
	InternalToken    string

	LLMBaseURL       string
	LLMModel         string
	LLMTimeout       time.Duration
	LLMStreamTimeout time.Duration

	EmbeddingBaseURL        string
	EmbeddingModel          string
	EmbeddingDimensions     int
	EmbeddingTimeout        time.Duration
	EmbeddingContractStrict bool

	MilvusBaseURL    string
	MilvusCollection string
	MilvusTimeout    time.Duration

	RAGFlowBaseURL string
	RAGFlowAPIKey  string
	RAGFlowTimeout time.Duration

	RetrieverChat   string
	RetrieverFAQ    string
	RetrieverScript string
	SearchCacheTTL  time.Duration
	SearchCacheSize int

	PIIBaseURL string
	PIIEnabled bool
	PIITimeout time.Duration

	BackendBaseURL       string
	BackendCallbackToken string
	BackendTimeout       time.Duration

	StorageMode          string // "local", "s3-presigned", "backend"
	StorageLocalRoot     string
	StoragePublicBaseURL string
	StorageUploadTimeout time.Duration

	TTSBaseURL string
	TTSVoice   string
	TTSTimeout time.Duration

	RenderDBPath string
	RenderTmpDir string
	RenderFFmpeg string

	ChatContextMaxChars   int
	ChatContextMaxSources int
	ChatTimeout           time.Duration
	ChatStreamTimeout     time.Duration
	ClarifyThreshold      float64

	FAQTopK         int
	FAQBatchWorkers int

	TelemetryBaseURL string
	TelemetryEnabled bool

	RedisAddr string // optional — empty disables Redis-backed stream dedup
}

// Load reads configuration from environment variables.
// Required variables (LLM_BASE_URL, BACKEND_BASE_URL) cause an error if
// missing. Optional variables use sensible defaults.
func Load() (*Config, error) {
	llmBase := os.Getenv("LLM_BASE_URL")
	if llmBase == "" {
		return nil, fmt.Errorf("config.Load: LLM_BASE_URL is required")
	}

	backendBase := os.Getenv("BACKEND_BASE_URL")
	if backendBase == "" {
		return nil, fmt.Errorf("config.Load: BACKEND_BASE_URL is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8000),
		Environment: envStr("ENVIRONMENT", "development"),
		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),

		GatewayAuthToken: envStr("GATEWAY_AUTH_TOKEN", ""),
		InternalToken:    envStr("INTERNAL_AUTH_TOKEN", ""),

		LLMBaseURL:       llmBase,
		LLMModel:         envStr("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:       envDur("LLM_TIMEOUT", 30*time.Second),
		LLMStreamTimeout: envDur("LLM_STREAM_TIMEOUT", 60*time.Second),

		EmbeddingBaseURL:        envStr("EMBEDDING_BASE_URL", llmBase),
		EmbeddingModel:          envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:     envInt("EMBEDDING_DIMENSIONS", 1536),
		EmbeddingTimeout:        envDur("EMBEDDING_TIMEOUT", 10*time.Second),
		EmbeddingContractStrict: envBool("EMBEDDING_CONTRACT_STRICT", true),

		MilvusBaseURL:    envStr("MILVUS_BASE_URL", "http://localhost:19530"),
		MilvusCollection: envStr("MILVUS_COLLECTION", "policy_chunks"),
		MilvusTimeout:    envDur("MILVUS_TIMEOUT", 10*time.Second),

		RAGFlowBaseURL: envStr("RAGFLOW_BASE_URL", ""),
		RAGFlowAPIKey:  envStr("RAGFLOW_API_KEY", ""),
		RAGFlowTimeout: envDur("RAGFLOW_TIMEOUT", 10*time.Second),

		RetrieverChat:   envStr("RETRIEVER_CHAT", "milvus"),
		RetrieverFAQ:    envStr("RETRIEVER_FAQ", "milvus"),
		RetrieverScript: envStr("RETRIEVER_SCRIPT", "milvus"),
		SearchCacheTTL:  envDur("SEARCH_CACHE_TTL", 5*time.Minute),
		SearchCacheSize: envInt("SEARCH_CACHE_SIZE", 512),

		PIIBaseURL: envStr("PII_BASE_URL", ""),
		PIIEnabled: envBool("PII_ENABLED", true),
		PIITimeout: envDur("PII_TIMEOUT", 5*time.Second),

		BackendBaseURL:       backendBase,
		BackendCallbackToken: envStr("BACKEND_CALLBACK_TOKEN", ""),
		BackendTimeout:       envDur("BACKEND_TIMEOUT", 10*time.Second),

		StorageMode:          envStr("STORAGE_MODE", "local"),
		StorageLocalRoot:     envStr("STORAGE_LOCAL_ROOT", "./data/media"),
		StoragePublicBaseURL: envStr("STORAGE_PUBLIC_BASE_URL", "http://localhost:8000/media"),
		StorageUploadTimeout: envDur("STORAGE_UPLOAD_TIMEOUT", 60*time.Second),

		TTSBaseURL: envStr("TTS_BASE_URL", ""),
		TTSVoice:   envStr("TTS_VOICE", "ko-standard-a"),
		TTSTimeout: envDur("TTS_TIMEOUT", 60*time.Second),

		RenderDBPath: envStr("RENDER_DB_PATH", "./data/render_jobs.db"),
		RenderTmpDir: envStr("RENDER_TMP_DIR", os.TempDir()),
		RenderFFmpeg: envStr("RENDER_FFMPEG_BIN", "ffmpeg"),

		ChatContextMaxChars:   envInt("CHAT_CONTEXT_MAX_CHARS", 8000),
		ChatContextMaxSources: envInt("CHAT_CONTEXT_MAX_SOURCES", 5),
		ChatTimeout:           envDur("CHAT_TIMEOUT", 30*time.Second),
		ChatStreamTimeout:     envDur("CHAT_STREAM_TIMEOUT", 60*time.Second),
		ClarifyThreshold:      envFloat("CLARIFY_CONFIDENCE_THRESHOLD", 0.55),

		FAQTopK:         envInt("FAQ_TOP_K", 8),
		FAQBatchWorkers: envInt("FAQ_BATCH_WORKERS", 4),

		TelemetryBaseURL: envStr("TELEMETRY_BASE_URL", backendBase),
		TelemetryEnabled: envBool("TELEMETRY_ENABLED", true),

		RedisAddr: envStr("REDIS_ADDR", ""),
	}

	// Gateway auth is required outside development
	if cfg.Environment != "development" && cfg.GatewayAuthToken == "" {
		return nil, fmt.Errorf("config.Load: GATEWAY_AUTH_TOKEN is required in %s environment", cfg.Environment)
	}

	switch cfg.StorageMode {
	case "local", "s3-presigned", "backend":
	default:
		return nil, fmt.Errorf("config.Load: STORAGE_MODE must be one of local, s3-presigned, backend (got %q)", cfg.StorageMode)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDur parses either a Go duration ("30s") or a bare number of seconds.
func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
