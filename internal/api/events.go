package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/progress"
)

const heartbeatInterval = 15 * time.Second

// streamEvents serves an application's progress as server-sent events. The
// first event is the current state; later status updates are delivered
// only when newer than the last one sent. The stream ends when the record
// reaches a terminal phase.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot read so no update falls in between.
	var events <-chan model.ProgressEvent
	if s.deps.Redis != nil {
		ch, err := progress.Subscribe(ctx, s.deps.Redis, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		events = ch
	}

	app, err := s.deps.Store.GetApplication(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	filter := progress.NewRevisionFilter(app.StatusRev)
	if err := writeEvent(w, progress.StatusEvent(app)); err != nil {
		return
	}
	flusher.Flush()
	if progress.Terminal(app.Status) || events == nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !filter.Accept(ev) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				s.log.Debug("api: event stream closed", zap.String("application_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
			if ev.Status != nil && progress.Terminal(ev.Status.Status) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Status != nil {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Status.Revision); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
