package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMClient calls an OpenAI-compatible chat completions API.
type LLMClient struct {
	baseURL    string
	model      string
	timeout    time.Duration
	streamTO   time.Duration
	httpClient *http.Client
}

// NewLLMClient creates an LLMClient for the configured provider.
func NewLLMClient(baseURL, model string, timeout, streamTimeout time.Duration) *LLMClient {
	return &LLMClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		streamTO:   streamTimeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model identifier.
func (c *LLMClient) Model() string { return c.model }

// ChatMessage is one role/content pair sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteOpts tunes a single completion call.
type CompleteOpts struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // 0 = client default
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a synchronous chat completion.
type Completion struct {
	Text  string
	Usage Usage
	Model string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete performs a synchronous chat completion.
// Retry policy: one extra attempt after 500 ms on transport error or 5xx.
func (c *LLMClient) Complete(ctx context.Context, messages []ChatMessage, opts CompleteOpts) (*Completion, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return retryOnce(ctx, "llm.Complete", 500*time.Millisecond, func() (*Completion, error) {
		return c.doComplete(ctx, messages, opts)
	})
}

func (c *LLMClient) doComplete(ctx context.Context, messages []ChatMessage, opts CompleteOpts) (*Completion, error) {
	temp := opts.Temperature
	if temp == 0 {
		temp = 0.3
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temp,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("transport.Complete: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport.Complete: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport.Complete: cancelled: %w", ctx.Err())
		}
		return nil, markRetryable(fmt.Errorf("transport.Complete: call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, markRetryable(fmt.Errorf("transport.Complete: read: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("transport.Complete: status %d: %s", resp.StatusCode, truncateBody(respBody))
		if isRetryableStatus(resp.StatusCode) {
			return nil, markRetryable(err)
		}
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("transport.Complete: decode: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("transport.Complete: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("transport.Complete: empty choices")
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = c.model
	}

	return &Completion{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage,
		Model: modelName,
	}, nil
}

// StreamEvent is one event from a streaming completion. Exactly one of
// the variants is set per event; the event order is meta, token*, done
// (or a terminal error).
type StreamEvent struct {
	Meta  *StreamMeta
	Token string
	Done  *StreamDone
	Err   error
}

// StreamMeta is emitted once when the upstream connection is established.
type StreamMeta struct {
	Model string
}

// StreamDone is emitted once when the stream finishes normally.
type StreamDone struct {
	FinishReason string
	TotalTokens  int
	ElapsedMs    int64
}

// Stream performs a streaming chat completion. Events arrive on the
// returned channel; the channel is closed after the terminal event
// (Done or Err). Cancelling ctx aborts the in-flight request and any
// buffered state is discarded.
func (c *LLMClient) Stream(ctx context.Context, messages []ChatMessage, opts CompleteOpts) <-chan StreamEvent {
	events := make(chan StreamEvent, 64)

	go func() {
		defer close(events)
		start := time.Now()

		timeout := c.streamTO
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		temp := opts.Temperature
		if temp == 0 {
			temp = 0.3
		}

		body, err := json.Marshal(chatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: temp,
			MaxTokens:   opts.MaxTokens,
			Stream:      true,
		})
		if err != nil {
			events <- StreamEvent{Err: fmt.Errorf("transport.Stream: marshal: %w", err)}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			events <- StreamEvent{Err: fmt.Errorf("transport.Stream: request: %w", err)}
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		// No per-request client timeout — streams legitimately outlive the
		// sync timeout. The context deadline above still bounds the call.
		streamHTTP := &http.Client{Timeout: 0}
		resp, err := streamHTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				events <- StreamEvent{Err: fmt.Errorf("transport.Stream: cancelled: %w", ctx.Err())}
				return
			}
			events <- StreamEvent{Err: fmt.Errorf("transport.Stream: call: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			events <- StreamEvent{Err: fmt.Errorf("transport.Stream: status %d: %s", resp.StatusCode, truncateBody(respBody))}
			return
		}

		events <- StreamEvent{Meta: &StreamMeta{Model: c.model}}

		finishReason := "stop"
		totalTokens := 0

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				events <- StreamEvent{Err: fmt.Errorf("transport.Stream: cancelled: %w", ctx.Err())}
				return
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // skip malformed chunks
			}
			if chunk.Error != nil {
				events <- StreamEvent{Err: fmt.Errorf("transport.Stream: api error: %s", chunk.Error.Message)}
				return
			}
			if chunk.Usage != nil {
				totalTokens = chunk.Usage.TotalTokens
			}
			if len(chunk.Choices) > 0 {
				if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
					finishReason = *chunk.Choices[0].FinishReason
				}
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					events <- StreamEvent{Token: delta}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				events <- StreamEvent{Err: fmt.Errorf("transport.Stream: cancelled: %w", ctx.Err())}
				return
			}
			events <- StreamEvent{Err: fmt.Errorf("transport.Stream: read: %w", err)}
			return
		}

		events <- StreamEvent{Done: &StreamDone{
			FinishReason: finishReason,
			TotalTokens:  totalTokens,
			ElapsedMs:    time.Since(start).Milliseconds(),
		}}
	}()

	return events
}

// Ping checks LLM reachability for the readiness probe via GET /models.
func (c *LLMClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("transport.LLMPing: request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport.LLMPing: call: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("transport.LLMPing: status %d", resp.StatusCode)
	}
	return nil
}

// truncateBody limits upstream error bodies in wrapped errors.
func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
