package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamEvents serves the SSE stream. An optional project_id query limits
// delivery to that project's events; heartbeats always come through. The
// subscription ends when the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe(r.URL.Query().Get("project_id"))
	defer s.bus.Unsubscribe(sub.ID)

	s.logger.Info("SSE client connected", "subscription", sub.ID, "project", sub.ProjectID)
	defer s.logger.Info("SSE client disconnected", "subscription", sub.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
