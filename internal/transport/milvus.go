package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// MilvusClient performs direct semantic search against a Milvus collection
// over the RESTful v2 API.
type MilvusClient struct {
	baseURL    string
	collection string
	httpClient *http.Client
}

// NewMilvusClient creates a MilvusClient bound to one collection.
func NewMilvusClient(baseURL, collection string, timeout time.Duration) *MilvusClient {
	return &MilvusClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Collection returns the bound collection name.
func (c *MilvusClient) Collection() string { return c.collection }

type milvusSearchRequest struct {
	CollectionName string      `json:"collectionName"`
	Data           [][]float32 `json:"data"`
	AnnsField      string      `json:"annsField"`
	Limit          int         `json:"limit"`
	Filter         string      `json:"filter,omitempty"`
	OutputFields   []string    `json:"outputFields"`
}

type milvusSearchResponse struct {
	Code    int              `json:"code"`
	Message string           `json:"message,omitempty"`
	Data    []map[string]any `json:"data"`
}

// Search runs a cosine similarity search with an optional dataset filter.
// Results come back ordered by descending score.
func (c *MilvusClient) Search(ctx context.Context, queryVec []float32, topK int, datasetID string) ([]model.Source, error) {
	reqBody := milvusSearchRequest{
		CollectionName: c.collection,
		Data:           [][]float32{queryVec},
		AnnsField:      "vector",
		Limit:          topK,
		OutputFields:   []string{"doc_id", "title", "page", "text", "article_label", "article_path", "source_type"},
	}
	if datasetID != "" {
		reqBody.Filter = fmt.Sprintf("dataset_id == %q", datasetID)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusSearch: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/vectordb/entities/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusSearch: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusSearch: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transport.MilvusSearch: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed milvusSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport.MilvusSearch: decode: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("transport.MilvusSearch: server code %d: %s", parsed.Code, parsed.Message)
	}

	sources := make([]model.Source, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		sources = append(sources, model.Source{
			DocID:        asString(row["doc_id"]),
			Title:        asString(row["title"]),
			Page:         asInt(row["page"]),
			Score:        asFloat(row["distance"]),
			Snippet:      asString(row["text"]),
			ArticleLabel: asString(row["article_label"]),
			ArticlePath:  asString(row["article_path"]),
			SourceType:   asString(row["source_type"]),
		})
	}
	return sources, nil
}

type milvusDescribeRequest struct {
	CollectionName string `json:"collectionName"`
}

type milvusDescribeResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Fields []struct {
			Name   string            `json:"name"`
			Type   string            `json:"type"`
			Params map[string]string `json:"params"`
		} `json:"fields"`
		Indexes []struct {
			FieldName  string `json:"fieldName"`
			MetricType string `json:"metricType"`
		} `json:"indexes"`
	} `json:"data"`
}

// CollectionContract describes the parts of the collection schema the
// gateway verifies at startup.
type CollectionContract struct {
	Dimension  int
	MetricType string
}

// DescribeCollection loads the collection and reports its vector dimension
// and index metric. Used by the startup embedding-contract check.
func (c *MilvusClient) DescribeCollection(ctx context.Context) (*CollectionContract, error) {
	body, err := json.Marshal(milvusDescribeRequest{CollectionName: c.collection})
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusDescribe: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/vectordb/collections/describe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusDescribe: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.MilvusDescribe: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transport.MilvusDescribe: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed milvusDescribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport.MilvusDescribe: decode: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("transport.MilvusDescribe: server code %d: %s", parsed.Code, parsed.Message)
	}

	contract := &CollectionContract{}
	for _, f := range parsed.Data.Fields {
		if f.Name != "vector" {
			continue
		}
		if dim, err := strconv.Atoi(f.Params["dim"]); err == nil {
			contract.Dimension = dim
		}
	}
	for _, idx := range parsed.Data.Indexes {
		if idx.FieldName == "vector" {
			contract.MetricType = idx.MetricType
		}
	}
	if contract.Dimension == 0 {
		return nil, fmt.Errorf("transport.MilvusDescribe: collection %s has no vector field dimension", c.collection)
	}
	return contract, nil
}

// Ping checks vector-store reachability for the readiness probe.
func (c *MilvusClient) Ping(ctx context.Context) error {
	_, err := c.DescribeCollection(ctx)
	return err
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	}
	return 0
}
