package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clipchef/clipchef/internal/core/domain"
	"github.com/clipchef/clipchef/internal/core/services"
)

// handleJobEvents streams a job's progress as server-sent events.
//
// The first message is always a snapshot of the job's current stored state,
// which covers observers that connect after the job already advanced or
// finished. A terminal snapshot is the only message such a late observer
// gets; the stream then closes. For running jobs the handler subscribes to
// the bus before reading the snapshot so no event can fall into the gap,
// and drops bus events the snapshot already covered.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)

	callerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsub := s.bus.Subscribe(jobID)
	defer unsub()

	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job for stream", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable, retry later")
		return
	}
	if job.OwnerID != callerID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	snapshot := services.SnapshotEvent(job)
	if err := writeEvent(w, flusher, snapshot); err != nil {
		return
	}
	if snapshot.Terminal() {
		return
	}
	lastIndex := snapshot.StageIndex

	// Pipelines can run for minutes; periodic keepalives stop
	// intermediaries from silently dropping the idle connection.
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !evt.Terminal() && evt.StageIndex <= lastIndex {
				continue
			}
			if err := writeEvent(w, flusher, evt); err != nil {
				return
			}
			if evt.Terminal() {
				return
			}
			lastIndex = evt.StageIndex
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, evt services.ProgressEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
