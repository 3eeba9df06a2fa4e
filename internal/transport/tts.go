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
)

// TTSClient synthesises narration audio from text.
type TTSClient struct {
	baseURL    string
	voice      string
	httpClient *http.Client
}

// NewTTSClient creates a TTSClient.
func NewTTSClient(baseURL, voice string, timeout time.Duration) *TTSClient {
	return &TTSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		voice:      voice,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ttsRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// Synthesis is the audio payload and its measured duration.
type Synthesis struct {
	Audio       []byte
	DurationSec float64
	Format      string
}

// Synthesize converts text to audio. The provider reports the audio
// duration in the X-Audio-Duration-Sec header.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	body, err := json.Marshal(ttsRequest{Text: text, Voice: c.voice, Format: "mp3"})
	if err != nil {
		return nil, fmt.Errorf("transport.Synthesize: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.Synthesize: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport.Synthesize: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("transport.Synthesize: status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport.Synthesize: read: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("transport.Synthesize: empty audio")
	}

	var duration float64
	if h := resp.Header.Get("X-Audio-Duration-Sec"); h != "" {
		fmt.Sscanf(h, "%f", &duration)
	}

	return &Synthesis{Audio: audio, DurationSec: duration, Format: "mp3"}, nil
}

// Ping checks TTS reachability for the readiness probe.
func (c *TTSClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("transport.TTSPing: request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport.TTSPing: call: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("transport.TTSPing: status %d", resp.StatusCode)
	}
	return nil
}
