// Package transport holds the HTTP adapters to every external system the
// gateway talks to: LLM, embeddings, vector store, retrieval engine, PII
// detector, backend, object storage, and TTS.
//
// Each adapter owns its timeout, wraps errors as "transport.X: ...", and
// honours the caller's context for cancellation.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// isRetryableStatus reports whether an HTTP status warrants a retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout ||
		code == http.StatusInternalServerError
}

// isTransportError reports whether an error is a network-level failure
// (as opposed to a protocol-level rejection that retrying won't fix).
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if ok := asNetError(err, &ne); ok {
		return true
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// retryableError tags an error as retry-worthy (5xx or transport failure).
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// markRetryable wraps err so retryOnce/withBackoff will retry it.
func markRetryable(err error) error { return &retryableError{err: err} }

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*retryableError); ok {
		return true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return isRetryable(u.Unwrap())
	}
	return isTransportError(err)
}

// retryOnce executes fn, retrying exactly one time after delay when the
// first attempt fails with a retryable error. This is the policy for LLM
// calls: one attempt with a 500 ms delay on transport error or 5xx.
func retryOnce[T any](ctx context.Context, operation string, delay time.Duration, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil || !isRetryable(err) {
		return result, err
	}

	slog.Warn("transport retry", "operation", operation, "delay_ms", delay.Milliseconds(), "error", err.Error())

	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
	case <-time.After(delay):
	}

	return fn()
}

// withBackoff executes fn up to attempts times with exponential backoff
// starting at base (base, 2*base, 4*base, ...). Used for storage uploads.
func withBackoff[T any](ctx context.Context, operation string, attempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var result T
	var err error

	delay := base
	for i := 0; i < attempts; i++ {
		result, err = fn()
		if err == nil || !isRetryable(err) {
			return result, err
		}
		if i == attempts-1 {
			break
		}

		slog.Warn("transport backoff retry",
			"operation", operation,
			"attempt", i+2,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	var zero T
	return zero, fmt.Errorf("%s: retries exhausted: %w", operation, err)
}
