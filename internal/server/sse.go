package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aimerfeng/CampusRAG/internal/chat"
)

// SetupSSEHeaders sets the required headers for SSE streaming
func SetupSSEHeaders(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Request-ID", requestID)
}

// eventWriter writes chat events as named SSE frames and flushes each one
type eventWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (ew *eventWriter) write(ev chat.Event) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	ew.flusher.Flush()
	return nil
}
