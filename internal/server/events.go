package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"homeward/internal/lifecycle"
)

// handleEvents streams a transaction's lifecycle as server-sent events. The
// first event is the current snapshot; the stream ends after a terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the snapshot so nothing falls in between.
	sub := s.manager.Subscribe(lifecycle.ForRequest(id))
	defer sub.Close()

	snap, err := s.manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snap); err != nil {
		return
	}
	flusher.Flush()
	if snap.State.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == lifecycle.EventTransition && ev.Snapshot.Sequence <= snap.Sequence {
				continue
			}
			if err := writeEvent(w, string(ev.Kind), ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == lifecycle.EventTransition && ev.Snapshot.State.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
