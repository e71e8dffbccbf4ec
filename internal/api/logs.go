package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/querygate/internal/model"
)

// handleStreamOutput streams a request's execution output as server-sent
// events. A request that already finished gets its persisted output
// followed by a done event.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get request", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if req.State.IsTerminal() {
		writePersistedOutput(w, req)
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// The pool persists the outcome before closing the topic, so a request
	// that finished between the first read and Subscribe shows up here.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()

	req, err = s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get request", err)
		return
	}
	if req.State.IsTerminal() {
		writePersistedOutput(w, req)
		flush()
		return
	}

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writePersistedOutput replays a finished request's stored output followed
// by a done event carrying its state.
func writePersistedOutput(w http.ResponseWriter, req *model.Request) {
	w.WriteHeader(http.StatusOK)
	for line := range strings.SplitSeq(strings.TrimSuffix(req.Output, "\n"), "\n") {
		if line == "" {
			continue
		}
		if err := writeSSEData(w, line); err != nil {
			return
		}
	}
	_ = writeSSEEvent(w, "done", string(req.State))
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
