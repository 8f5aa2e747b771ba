package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/batch"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
)

const progressEventName = "progress"

type progressEvent struct {
	Progress []batch.Progress `json:"progress"`
	Active   []*jobs.Run      `json:"active_runs"`
}

// eventStream writes server-sent events. Unchanged payloads are replaced by a
// keepalive comment so idle clients still notice a dead connection.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
	last    []byte
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &eventStream{w: w, flusher: flusher}, true
}

func (s *eventStream) send(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.last != nil && bytes.Equal(payload, s.last) {
		_, err = fmt.Fprint(s.w, ": keepalive\n\n")
	} else {
		s.seq++
		s.last = payload
		_, err = fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, name, payload)
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stream, ok := newEventStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		if err := stream.send(progressEventName, s.progressEvent()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) progressEvent() progressEvent {
	ev := progressEvent{
		Progress: s.pipeline.Progress(),
		Active:   []*jobs.Run{},
	}
	for _, run := range s.pipeline.Runs() {
		if run.Status.IsActive() {
			ev.Active = append(ev.Active, run)
		}
	}
	return ev
}
