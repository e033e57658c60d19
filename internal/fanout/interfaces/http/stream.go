package http

import (
	"encoding/json"
	"net/http"

	"airwatch-ingest/internal/fanout"
)

const streamBuffer = 32

// StreamHandler serves accepted readings as server-sent events.
type StreamHandler struct {
	hub *fanout.Hub
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(hub *fanout.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// ServeHTTP handles GET /api/v1/readings/stream[?sensorId=].
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.hub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe("sse:"+r.RemoteAddr, streamBuffer)
	if sub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	sensorID := r.URL.Query().Get("sensorId")
	done := r.Context().Done()
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if sensorID != "" && n.SensorID != sensorID {
				continue
			}
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: reading\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
