package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be shorter than pongWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return localOrigin(r.Header.Get("Origin"))
	},
}

// handleStreamWS pushes price updates for the requested RICs over a
// WebSocket. The stream ends with a close frame when the subscriber is
// evicted as a slow consumer or the service shuts down.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	rics := splitRICs(r.URL.Query().Get("rics"))
	if len(rics) == 0 {
		s.writeBadRequest(w, r, "rics query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id, ch := s.deps.Streams.Open(rics)
	log.Info().Str("subscriber", id.String()).Strs("rics", rics).Msg("Stream opened")
	defer func() {
		s.deps.Streams.Close(id)
		conn.Close()
		log.Info().Str("subscriber", id.String()).Msg("Stream closed")
	}()

	// Reader goroutine: consumes control frames and detects the client
	// going away so the subscriber is released promptly.
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				s.deps.Streams.Close(id)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case upd, ok := <-ch:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteJSON(upd); werr != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		}
	}
}

// handleStreamSSE is the server-sent-events form of the stream for
// clients without WebSocket support.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	rics := splitRICs(r.URL.Query().Get("rics"))
	if len(rics) == 0 {
		s.writeBadRequest(w, r, "rics query parameter is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     http.StatusText(http.StatusInternalServerError),
			Message:   "streaming unsupported by this connection",
			Code:      "STREAMING_UNSUPPORTED",
			RequestID: requestIDFrom(r.Context()),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.deps.Streams.Open(rics)
	defer s.deps.Streams.Close(id)
	log.Info().Str("subscriber", id.String()).Strs("rics", rics).Msg("SSE stream opened")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case upd, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, merr := json.Marshal(upd)
			if merr != nil {
				continue
			}
			fmt.Fprintf(w, "event: price\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
