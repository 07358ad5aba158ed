package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/progress"
)

const (
	streamBuffer    = 256
	streamKeepAlive = 15 * time.Second
)

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// pause answers 409 when the job is already paused.
func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	if !s.ctrl.Pause() {
		writeError(w, http.StatusConflict, "job already paused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	if !s.ctrl.Resume() {
		writeError(w, http.StatusConflict, "job is not paused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// stop is idempotent; the job's exit summary becomes visible on /v1/status
// once in-flight fetches settle.
func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	s.ctrl.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// listEvents handles GET /v1/events?since=&type=. It returns retained events
// with a sequence number above since, optionally filtered by type, plus the
// cursor to pass on the next call.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	typ := progress.Type(r.URL.Query().Get("type"))
	history := s.events.History(since)
	out := make([]progress.Event, 0, len(history))
	next := since
	for _, evt := range history {
		if evt.Seq > next {
			next = evt.Seq
		}
		if typ != "" && evt.Type != typ {
			continue
		}
		out = append(out, evt)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"next":   next,
	})
}

// streamEvents replays retained events above since and then forwards live
// ones as server-sent events until the client disconnects or the hub closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := s.events.Subscribe(streamBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := since
	for _, evt := range sub.Backlog {
		if evt.Seq <= last {
			continue
		}
		if err := writeSSE(w, evt); err != nil {
			return
		}
		last = evt.Seq
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.Seq <= last {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			last = evt.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func parseSince(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid since")
	}
	return since, nil
}
