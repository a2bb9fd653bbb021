package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/wavemesh/core"
)

// EventDone is the SSE event type written after the last StreamEvent.
const EventDone = "done"

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// write frames one event as "id/event/data" lines.
func (s *sseWriter) write(id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// stream renders events until the execution ends or the client goes away.
// The final "done" event carries the execution id and terminal error.
func (s *Server) stream(c *gin.Context, id string, events <-chan core.StreamEvent, errs <-chan error) {
	logger := s.opts.Logger
	sw, err := newSSEWriter(c.Writer)
	if err != nil {
		// The execution still runs to completion; drain it.
		go func() {
			for range events {
			}
		}()
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
		return
	}
	c.Status(http.StatusOK)

	var tick <-chan time.Time
	if s.opts.KeepAlive > 0 {
		ticker := time.NewTicker(s.opts.KeepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.Request.Context().Done():
			logger.Debug("SSE client disconnected", "execution_id", id)
			return
		case <-tick:
			if err := sw.keepAlive(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				done := gin.H{"execution_id": id}
				if err := <-errs; err != nil {
					done["error"] = err.Error()
				}
				_ = sw.write("", EventDone, done)
				return
			}
			if err := sw.write(ev.ID, string(ev.Type), ev); err != nil {
				logger.Warn("SSE write failed", "execution_id", id, "error", err)
				return
			}
		}
	}
}
