package render

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHandler serves the render-progress WebSocket:
// GET /ws/videos/{video_id}/render-progress?job_id=…
type WSHandler struct {
	store    *Store
	bus      *Bus
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WSHandler. allowedOrigin "" allows all origins.
func NewWSHandler(store *Store, bus *Bus, allowedOrigin string) *WSHandler {
	return &WSHandler{
		store: store,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// connectedEvent is the handshake sent once after upgrade with the
// resolved job id (or empty when the video has no active job).
type connectedEvent struct {
	Type    string `json:"type"` // "connected"
	VideoID string `json:"video_id"`
	JobID   string `json:"job_id,omitempty"`
}

// ServeHTTP upgrades the connection, resolves the job to follow, and
// fans bus events out to the socket until either side closes.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	jobID := r.URL.Query().Get("job_id")

	if jobID == "" {
		// Fall back to the latest PROCESSING job for the video.
		jobs, err := h.store.ListJobs(r.Context(), videoID)
		if err == nil {
			for _, job := range jobs {
				if job.Status == model.JobProcessing {
					jobID = job.JobID
					break
				}
			}
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("render ws upgrade failed", "video_id", videoID, "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the handshake so events published right after the
	// client sees "connected" are not lost.
	var sub *Subscription
	if jobID != "" {
		sub = h.bus.Subscribe(jobID)
		defer h.bus.Unsubscribe(sub)
	}

	if err := h.writeJSON(conn, connectedEvent{Type: "connected", VideoID: videoID, JobID: jobID}); err != nil {
		return
	}
	if sub == nil {
		// Nothing to follow; keep the socket open for the client to
		// reconnect with an explicit job id.
		h.readUntilClose(conn)
		return
	}

	// Reader goroutine: detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(conn, ev); err != nil {
				return
			}
			if model.IsTerminalStatus(ev.Status) {
				// Deliver the terminal event, then close from our side.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *WSHandler) writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *WSHandler) readUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
