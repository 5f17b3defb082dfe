package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// handleStreamEvents streams session events over server-sent events until
// the client disconnects. Events are delivered best-effort; a slow consumer
// misses events rather than slowing the mutation path.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	// Reject streams for sessions that don't exist.
	if _, err := s.svc.Get(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	ch := s.fanout.Subscribe(sessionID)
	defer s.fanout.Unsubscribe(sessionID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
