package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"content":"연차는 15일입니다."},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "gpt-4o-mini", 5*time.Second, 10*time.Second)
	got, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "연차?"}}, CompleteOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "연차는 15일입니다." {
		t.Errorf("text = %q", got.Text)
	}
	if got.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d", got.Usage.TotalTokens)
	}
}

func TestComplete_RetriesOnceOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "m", 5*time.Second, 10*time.Second)
	got, err := c.Complete(context.Background(), nil, CompleteOpts{})
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if got.Text != "ok" {
		t.Errorf("text = %q", got.Text)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestComplete_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "m", 5*time.Second, 10*time.Second)
	if _, err := c.Complete(context.Background(), nil, CompleteOpts{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestStream_EventSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`{"choices":[{"delta":{"content":"안녕"}}]}`,
			`{"choices":[{"delta":{"content":"하세요"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":9}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "m", 5*time.Second, 10*time.Second)
	events := c.Stream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, CompleteOpts{})

	var tokens []string
	var sawMeta bool
	var done *StreamDone
	for ev := range events {
		switch {
		case ev.Meta != nil:
			sawMeta = true
		case ev.Token != "":
			tokens = append(tokens, ev.Token)
		case ev.Done != nil:
			done = ev.Done
		case ev.Err != nil:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if !sawMeta {
		t.Error("missing meta event")
	}
	if strings.Join(tokens, "") != "안녕하세요" {
		t.Errorf("tokens = %q", strings.Join(tokens, ""))
	}
	if done == nil || done.FinishReason != "stop" || done.TotalTokens != 9 {
		t.Errorf("done = %+v", done)
	}
}

func TestStream_CancellationAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"첫\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewLLMClient(srv.URL, "m", 5*time.Second, 10*time.Second)
	events := c.Stream(ctx, nil, CompleteOpts{})

	// Consume until the first token, then cancel.
	for ev := range events {
		if ev.Token != "" {
			cancel()
		}
		if ev.Err != nil {
			return // cancellation surfaced as a terminal error
		}
		if ev.Done != nil {
			t.Fatal("stream must not finish normally after cancel")
		}
	}
	t.Fatal("expected a terminal error event after cancellation")
}

func TestStream_Non200IsTerminalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "m", 5*time.Second, 10*time.Second)
	events := c.Stream(context.Background(), nil, CompleteOpts{})

	var sawErr bool
	for ev := range events {
		if ev.Err != nil {
			sawErr = true
		}
		if ev.Token != "" || ev.Done != nil {
			t.Error("no tokens or done after an upstream 5xx")
		}
	}
	if !sawErr {
		t.Fatal("expected terminal error event")
	}
}
