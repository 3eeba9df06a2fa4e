package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// EmbeddingClient calls an OpenAI-compatible embeddings API and returns
// L2-normalised vectors of the model's fixed dimension.
type EmbeddingClient struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewEmbeddingClient creates an EmbeddingClient.
func NewEmbeddingClient(baseURL, model string, dimensions int, timeout time.Duration) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimensions returns the declared output dimension of the embedding model.
func (c *EmbeddingClient) Dimensions() int { return c.dimensions }

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns one L2-normalised vector per input text.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("transport.Embed: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.Embed: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.Embed: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transport.Embed: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport.Embed: decode: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("transport.Embed: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("transport.Embed: got %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("transport.Embed: vector %d has dimension %d, expected %d", i, len(d.Embedding), c.dimensions)
		}
		vecs[i] = l2Normalize(d.Embedding)
	}
	return vecs, nil
}

// l2Normalize scales vec to unit length. Zero vectors pass through.
func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
