package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// RAGFlowClient calls the external retrieval engine's /v1/retrieval API.
type RAGFlowClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRAGFlowClient creates a RAGFlowClient.
func NewRAGFlowClient(baseURL, apiKey string, timeout time.Duration) *RAGFlowClient {
	return &RAGFlowClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ragflowRequest struct {
	Query      string   `json:"query"`
	DatasetIDs []string `json:"dataset_ids,omitempty"`
	TopK       int      `json:"top_k"`
}

// ragflowResult tolerates the engine's field aliases: doc_id|chunk_id,
// title|doc_name, page|page_num, content|text|snippet, similarity|score.
type ragflowResult struct {
	DocID      string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	Title      string  `json:"title"`
	DocName    string  `json:"doc_name"`
	Page       int     `json:"page"`
	PageNum    int     `json:"page_num"`
	Content    string  `json:"content"`
	Text       string  `json:"text"`
	Snippet    string  `json:"snippet"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

type ragflowResponse struct {
	Results []ragflowResult `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Retrieve runs a retrieval-engine search for query against the given
// datasets. Results are mapped into the gateway's Source shape.
func (c *RAGFlowClient) Retrieve(ctx context.Context, query string, datasetIDs []string, topK int) ([]model.Source, error) {
	body, err := json.Marshal(ragflowRequest{Query: query, DatasetIDs: datasetIDs, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("transport.Retrieve: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/retrieval", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.Retrieve: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.Retrieve: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transport.Retrieve: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed ragflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport.Retrieve: decode: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("transport.Retrieve: engine error: %s", parsed.Error)
	}

	sources := make([]model.Source, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		sources = append(sources, model.Source{
			DocID:   firstNonEmpty(r.DocID, r.ChunkID),
			Title:   firstNonEmpty(r.Title, r.DocName),
			Page:    firstNonZero(r.Page, r.PageNum),
			Score:   firstNonZeroF(r.Similarity, r.Score),
			Snippet: firstNonEmpty(r.Content, r.Text, r.Snippet),
		})
	}
	return sources, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroF(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
