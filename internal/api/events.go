package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/opstrack/internal/model"
)

// handleStreamEvents streams status changes for one operation as server-sent
// events. The current status is always sent first; the stream ends after the
// terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.ops.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get operation", err)
		return
	}

	var ch <-chan model.Event
	if !op.Status.IsTerminal() {
		// Subscribe, then read the record again, so a change landing in
		// between is in the snapshot or on the channel.
		var unsub func()
		ch, unsub = s.broker.Subscribe(id)
		defer unsub()
		if op, err = s.ops.Get(r.Context(), id); err != nil {
			s.writeServiceError(w, "get operation", err)
			return
		}
	}
	s.streamEvents(w, r, op, ch)
}

// streamEvents writes the snapshot in op followed by the events on ch. A nil
// ch is only valid for a terminal op.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, op *model.Operation, ch <-chan model.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	last := op.Status
	snapshot := model.Event{OperationID: op.ID, Status: op.Status, Source: "store", At: time.Now().UTC(), Result: op.Result}
	if err := writeSSEEvent(w, "status", snapshot); err != nil {
		return
	}
	if op.Status.IsTerminal() {
		_ = writeSSEDone(w)
		flush()
		return
	}
	flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				flush()
				return
			}
			if ev.Status == last {
				continue
			}
			last = ev.Status
			if err := writeSSEEvent(w, "status", ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event carrying ev as JSON.
func writeSSEEvent(w http.ResponseWriter, eventType string, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
