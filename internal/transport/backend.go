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

// BackendClient talks to the web-application backend: render-spec fetch,
// completion callbacks, and personalisation fact resolution. All calls
// carry the internal token header.
type BackendClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewBackendClient creates a BackendClient.
func NewBackendClient(baseURL, token string, timeout time.Duration) *BackendClient {
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *BackendClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
	return req, nil
}

type scriptStatusResponse struct {
	ScriptID string `json:"script_id"`
	Status   string `json:"status"`
}

// ScriptStatus fetches the approval status of a script.
func (c *BackendClient) ScriptStatus(ctx context.Context, scriptID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/scripts/"+scriptID+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("transport.ScriptStatus: request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport.ScriptStatus: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("transport.ScriptStatus: script %s not found", scriptID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport.ScriptStatus: status %d", resp.StatusCode)
	}

	var parsed scriptStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("transport.ScriptStatus: decode: %w", err)
	}
	return parsed.Status, nil
}

// FetchRenderSpec loads the render spec for a script from the backend.
func (c *BackendClient) FetchRenderSpec(ctx context.Context, scriptID string) (*model.RenderSpec, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/scripts/"+scriptID+"/render-spec", nil)
	if err != nil {
		return nil, fmt.Errorf("transport.FetchRenderSpec: request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.FetchRenderSpec: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("transport.FetchRenderSpec: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var spec model.RenderSpec
	if err := json.NewDecoder(resp.Body).Decode(&spec); err != nil {
		return nil, fmt.Errorf("transport.FetchRenderSpec: decode: %w", err)
	}
	return &spec, nil
}

// RenderCallback is the completion payload POSTed when a render job ends.
type RenderCallback struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	ErrorCode   string  `json:"error_code,omitempty"`
	VideoURL    string  `json:"video_url,omitempty"`
	SubtitleURL string  `json:"subtitle_url,omitempty"`
	ThumbURL    string  `json:"thumbnail_url,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// NotifyRenderComplete POSTs the render-job completion callback. Failures
// are returned for logging but must not flip the job state.
func (c *BackendClient) NotifyRenderComplete(ctx context.Context, cb RenderCallback) error {
	return c.postCallback(ctx, "/internal/callbacks/render-jobs/"+cb.JobID+"/complete", cb)
}

// SourceSetCallback is the completion payload for a source-set pipeline.
type SourceSetCallback struct {
	SourceSetID string `json:"source_set_id"`
	Status      string `json:"status"`
	ScriptID    string `json:"script_id,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// NotifySourceSetComplete POSTs the source-set completion callback.
func (c *BackendClient) NotifySourceSetComplete(ctx context.Context, cb SourceSetCallback) error {
	return c.postCallback(ctx, "/internal/callbacks/source-sets/"+cb.SourceSetID+"/complete", cb)
}

func (c *BackendClient) postCallback(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport.Callback: marshal: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("transport.Callback: request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport.Callback: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport.Callback: status %d", resp.StatusCode)
	}
	return nil
}

// Facts is the personalisation payload resolved by the backend for one
// sub-intent. Metrics and rows vary per Q code.
type Facts struct {
	SubIntentID string             `json:"sub_intent_id"`
	Period      string             `json:"period,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Rows        []map[string]any   `json:"rows,omitempty"`
	Text        string             `json:"text,omitempty"`
}

type resolveRequest struct {
	SubIntentID  string `json:"sub_intent_id"`
	Period       string `json:"period,omitempty"`
	TargetDeptID string `json:"target_dept_id,omitempty"`
}

// ResolveFacts fetches personalised facts for a user and sub-intent.
func (c *BackendClient) ResolveFacts(ctx context.Context, userID, subIntentID, period, targetDeptID string) (*Facts, error) {
	body, err := json.Marshal(resolveRequest{SubIntentID: subIntentID, Period: period, TargetDeptID: targetDeptID})
	if err != nil {
		return nil, fmt.Errorf("transport.ResolveFacts: marshal: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/personalization/resolve", body)
	if err != nil {
		return nil, fmt.Errorf("transport.ResolveFacts: request: %w", err)
	}
	req.Header.Set("X-User-Id", userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.ResolveFacts: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport.ResolveFacts: status %d", resp.StatusCode)
	}

	var facts Facts
	if err := json.NewDecoder(resp.Body).Decode(&facts); err != nil {
		return nil, fmt.Errorf("transport.ResolveFacts: decode: %w", err)
	}
	return &facts, nil
}

type sourceTextsResponse struct {
	Topic string   `json:"topic"`
	Texts []string `json:"texts"`
}

// FetchSourceTexts loads the topic and extracted text blocks of a
// source set from the backend's document parser.
func (c *BackendClient) FetchSourceTexts(ctx context.Context, sourceSetID string) (string, []string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/source-sets/"+sourceSetID+"/texts", nil)
	if err != nil {
		return "", nil, fmt.Errorf("transport.FetchSourceTexts: request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("transport.FetchSourceTexts: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("transport.FetchSourceTexts: status %d", resp.StatusCode)
	}

	var parsed sourceTextsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, fmt.Errorf("transport.FetchSourceTexts: decode: %w", err)
	}
	return parsed.Topic, parsed.Texts, nil
}

// SubmitScript stores a generated script draft in the backend and
// returns its id.
func (c *BackendClient) SubmitScript(ctx context.Context, sourceSetID string, spec *model.RenderSpec) (string, error) {
	body, err := json.Marshal(map[string]any{"source_set_id": sourceSetID, "script": spec})
	if err != nil {
		return "", fmt.Errorf("transport.SubmitScript: marshal: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/internal/scripts", body)
	if err != nil {
		return "", fmt.Errorf("transport.SubmitScript: request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport.SubmitScript: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("transport.SubmitScript: status %d", resp.StatusCode)
	}

	var parsed struct {
		ScriptID string `json:"script_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("transport.SubmitScript: decode: %w", err)
	}
	return parsed.ScriptID, nil
}

// Ping checks backend reachability for the readiness probe.
func (c *BackendClient) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("transport.BackendPing: request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport.BackendPing: call: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("transport.BackendPing: status %d", resp.StatusCode)
	}
	return nil
}
