package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// keepaliveInterval governs how often RunEventsHandler sends an SSE comment
// line on an otherwise quiet run, so intermediate proxies don't time out an
// idle connection while the buyer and sellers are still thinking.
const keepaliveInterval = 15 * time.Second

// RunEventsHandler streams one run's event bus over Server-Sent Events.
// orchestrator.Event carries no .JSON() method of its own (unlike a
// process-wide bus's event type would), so each event is marshaled here.
func RunEventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		ar, ok := d.Runs.GetRun(runID)
		if !ok {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := ar.Bus.Subscribe(64)
		defer ar.Bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"run_id\":%q}\n\n", runID)
		flusher.Flush()

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-sub.Done():
				return
			case e, open := <-sub.C:
				if !open {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
				flusher.Flush()
			case <-ticker.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}
