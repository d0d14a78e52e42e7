package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Stream serves the events of one box (?box=) as Server-Sent Events to the
// box's voters and to moderators.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	box := strings.TrimSpace(r.URL.Query().Get("box"))
	if box == "" {
		writeError(w, r, http.StatusBadRequest, "box is required")
		return
	}
	if err := a.svc.AuthorizeEvents(r.Context(), session(r), box); err != nil {
		handleEngineError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The server-wide write timeout would cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.bus.Subscribe(r.Context())

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if event.BoxID != box {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Type) + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
