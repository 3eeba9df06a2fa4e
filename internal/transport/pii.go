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

// PIIClient calls the remote PII detector's /mask API.
type PIIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPIIClient creates a PIIClient.
func NewPIIClient(baseURL string, timeout time.Duration) *PIIClient {
	return &PIIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type piiRequest struct {
	Text  string `json:"text"`
	Stage string `json:"stage"`
}

type piiResponse struct {
	OriginalText string         `json:"original_text"`
	MaskedText   string         `json:"masked_text"`
	HasPII       bool           `json:"has_pii"`
	Tags         []model.PiiTag `json:"tags"`
}

// Mask sends text to the detector for the given stage and returns the
// masked result. Any transport failure, non-2xx status, or parse failure
// is returned as an error — the caller decides fail-closed policy.
func (c *PIIClient) Mask(ctx context.Context, text, stage string) (*model.PiiMaskResult, error) {
	body, err := json.Marshal(piiRequest{Text: text, Stage: stage})
	if err != nil {
		return nil, fmt.Errorf("transport.Mask: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mask", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.Mask: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.Mask: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("transport.Mask: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed piiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("transport.Mask: decode: %w", err)
	}

	return &model.PiiMaskResult{
		Original: parsed.OriginalText,
		Masked:   parsed.MaskedText,
		HasPII:   parsed.HasPII,
		Tags:     parsed.Tags,
	}, nil
}
