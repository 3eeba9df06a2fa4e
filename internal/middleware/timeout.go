package middleware

import (
	"net/http"
	"time"
)

// Timeout wraps non-streaming handlers with an http.TimeoutHandler.
// Streaming endpoints (chat stream, WebSocket) must NOT use this
// middleware — their responses legitimately outlive any fixed budget.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"detail":"request timeout","error_code":"VALIDATION_ERROR"}`)
	}
}
