package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/cache"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// SearchResult bundles retrieved sources with the backend that produced
// them.
type SearchResult struct {
	Sources   []model.Source
	Retriever string
	LatencyMs int64
}

// VectorSearcher abstracts direct vector-store search for testability.
type VectorSearcher interface {
	Search(ctx context.Context, queryVec []float32, topK int, datasetID string) ([]model.Source, error)
}

// EngineSearcher abstracts the external retrieval engine.
type EngineSearcher interface {
	Retrieve(ctx context.Context, query string, datasetIDs []string, topK int) ([]model.Source, error)
}

// QueryEmbedder abstracts query embedding for testability.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// datasetByDomain maps a request domain to the dataset filter applied on
// both backends.
var datasetByDomain = map[string]string{
	model.DomainPolicy:    "policy",
	model.DomainIncident:  "incident",
	model.DomainEducation: "education",
}

// Retriever performs dual-backend search with deterministic fallback.
// The primary backend is chosen per service at boot; chat treats zero
// results as a miss and tries the other backend once.
type Retriever struct {
	embedder QueryEmbedder
	vector   VectorSearcher
	engine   EngineSearcher
	primary  string             // "milvus" or "ragflow"
	cache    *cache.SearchCache // nil disables caching
}

// NewRetriever creates a Retriever. primary selects the first backend
// tried ("milvus" by default).
func NewRetriever(embedder QueryEmbedder, vector VectorSearcher, engine EngineSearcher, primary string, searchCache *cache.SearchCache) *Retriever {
	if primary != "ragflow" {
		primary = "milvus"
	}
	return &Retriever{
		embedder: embedder,
		vector:   vector,
		engine:   engine,
		primary:  primary,
		cache:    searchCache,
	}
}

// Search retrieves up to topK sources for query within domain.
//
// Fallback rule: a transport error on the chosen backend — or zero
// results when strictEmpty is set (chat) — triggers exactly one attempt
// on the other backend. A transport error on both backends surfaces
// RAG_SEARCH_UNAVAILABLE; zero results from a backend that answered are
// returned as an empty result, with or without strictEmpty.
func (r *Retriever) Search(ctx context.Context, requestID, query, domain string, topK int, strictEmpty bool) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("service.Search: query is empty")
	}
	if topK <= 0 {
		topK = 5
	}

	if r.cache != nil {
		if sources, retriever, ok := r.cache.Get(query, domain, topK); ok {
			return &SearchResult{Sources: sources, Retriever: retriever}, nil
		}
	}

	start := time.Now()

	sources, retriever, err := r.searchWithFallback(ctx, query, domain, topK, strictEmpty)
	if err != nil {
		return nil, err
	}

	sortSources(sources)
	if len(sources) > topK {
		sources = sources[:topK]
	}

	logSimilarityDistribution(requestID, domain, sources)

	if r.cache != nil {
		r.cache.Set(query, domain, topK, sources, retriever)
	}

	return &SearchResult{
		Sources:   sources,
		Retriever: retriever,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *Retriever) searchWithFallback(ctx context.Context, query, domain string, topK int, strictEmpty bool) ([]model.Source, string, error) {
	type attempt struct {
		name string
		run  func() ([]model.Source, error)
	}

	milvus := attempt{"milvus", func() ([]model.Source, error) { return r.searchVector(ctx, query, domain, topK) }}
	ragflow := attempt{"ragflow", func() ([]model.Source, error) { return r.searchEngine(ctx, query, domain, topK) }}

	first, second := milvus, ragflow
	firstLabel, fallbackLabel := model.RetrieverMilvus, model.RetrieverRAGFlowFallback
	if r.primary == "ragflow" {
		first, second = ragflow, milvus
		firstLabel, fallbackLabel = model.RetrieverRAGFlow, model.RetrieverMilvusFallback
	}

	sources, err := first.run()
	if err == nil && (len(sources) > 0 || !strictEmpty) {
		return sources, firstLabel, nil
	}
	if err != nil {
		slog.Warn("retrieval primary backend failed, falling back",
			"primary", first.name, "fallback", second.name, "error", err)
	} else {
		slog.Info("retrieval primary returned zero results, falling back",
			"primary", first.name, "fallback", second.name)
	}

	fbSources, fbErr := second.run()
	if fbErr == nil && len(fbSources) > 0 {
		return fbSources, fallbackLabel, nil
	}

	// Zero results from a healthy backend is an answerable state (the
	// soft-guardrail path); only transport failure of both is not.
	if err == nil {
		return sources, firstLabel, nil
	}
	if fbErr == nil {
		return fbSources, fallbackLabel, nil
	}
	return nil, "", apperr.RagUnavailable(fbErr)
}

func (r *Retriever) searchVector(ctx context.Context, query, domain string, topK int) ([]model.Source, error) {
	vecs, err := r.embedder.Embed(ctx, []string{cache.Normalize(query)})
	if err != nil {
		return nil, fmt.Errorf("service.searchVector: embed: %w", err)
	}
	return r.vector.Search(ctx, vecs[0], topK, datasetByDomain[domain])
}

func (r *Retriever) searchEngine(ctx context.Context, query, domain string, topK int) ([]model.Source, error) {
	var datasets []string
	if ds := datasetByDomain[domain]; ds != "" {
		datasets = []string{ds}
	}
	return r.engine.Retrieve(ctx, cache.Normalize(query), datasets, topK)
}

func sortSources(sources []model.Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})
}

// logSimilarityDistribution emits the per-search score distribution:
// min/max/mean/count plus bucket counts {≥0.9, [0.7,0.9), [0.5,0.7), <0.5}.
func logSimilarityDistribution(requestID, domain string, sources []model.Source) {
	if len(sources) == 0 {
		slog.Info("[RAG] similarity distribution",
			"request_id", requestID, "domain", domain, "count", 0)
		return
	}

	min, max, sum := sources[0].Score, sources[0].Score, 0.0
	var b90, b70, b50, bLow int
	for _, s := range sources {
		if s.Score < min {
			min = s.Score
		}
		if s.Score > max {
			max = s.Score
		}
		sum += s.Score
		switch {
		case s.Score >= 0.9:
			b90++
		case s.Score >= 0.7:
			b70++
		case s.Score >= 0.5:
			b50++
		default:
			bLow++
		}
	}

	slog.Info("[RAG] similarity distribution",
		"request_id", requestID,
		"domain", domain,
		"count", len(sources),
		"min", fmt.Sprintf("%.4f", min),
		"max", fmt.Sprintf("%.4f", max),
		"mean", fmt.Sprintf("%.4f", sum/float64(len(sources))),
		"bucket_ge_090", b90,
		"bucket_070_090", b70,
		"bucket_050_070", b50,
		"bucket_lt_050", bLow,
	)
}

// CollectionDescriber reports the vector collection's declared contract.
type CollectionDescriber interface {
	DescribeCollection(ctx context.Context) (dimension int, metric string, err error)
}

// VerifyEmbeddingContract checks at startup that the collection's vector
// dimension equals the embedding model's output dimension and that the
// index metric is cosine. Under strict mode a mismatch aborts startup.
func VerifyEmbeddingContract(ctx context.Context, describer CollectionDescriber, embedder QueryEmbedder, strict bool) error {
	dim, metric, err := describer.DescribeCollection(ctx)
	if err != nil {
		if strict {
			return fmt.Errorf("service.VerifyEmbeddingContract: describe: %w", err)
		}
		slog.Warn("embedding contract check skipped, collection unreachable", "error", err)
		return nil
	}

	if dim != embedder.Dimensions() {
		msg := fmt.Sprintf("collection dimension %d != embedding dimension %d", dim, embedder.Dimensions())
		if strict {
			return fmt.Errorf("service.VerifyEmbeddingContract: %s", msg)
		}
		slog.Warn("embedding contract mismatch", "collection_dim", dim, "embedding_dim", embedder.Dimensions())
	}

	if metric != "" && !strings.EqualFold(metric, "COSINE") {
		msg := fmt.Sprintf("collection metric %s != COSINE", metric)
		if strict {
			return fmt.Errorf("service.VerifyEmbeddingContract: %s", msg)
		}
		slog.Warn("embedding contract metric mismatch", "metric", metric)
	}

	slog.Info("embedding contract verified", "dimension", dim, "metric", metric)
	return nil
}
