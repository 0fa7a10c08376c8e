package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

type startRunRequest struct {
	Message string `json:"message"`
}

type clarifyRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// startRun begins a pipeline run and returns its correlation id; the
// caller follows progress on the event stream.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"message\": \"...\"}")
		return
	}

	id, err := s.runner.Start(req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id})
}

// getRun returns the latest checkpointed state snapshot.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok, err := s.runner.State(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no run with that correlation id")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// resumeRun answers a clarification suspension with
// {type: "clarify", message: "..."}.
func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"type\": \"clarify\", \"message\": \"...\"}")
		return
	}
	if req.Type != "" && req.Type != "clarify" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported resume type %q", req.Type))
		return
	}

	// The resume drives asynchronously like startRun; the synchronous
	// part only validates the checkpoint exists and is suspended.
	st, ok, err := s.runner.State(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no run with that correlation id")
		return
	}
	if st.Stage != pipeline.StageClarificationWait {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is in stage %q, not awaiting clarification", st.Stage))
		return
	}

	// The drive detaches from the request context, same as startRun: the
	// HTTP request ending must not cancel the resumed pipeline.
	go func() {
		if _, err := s.runner.Resume(context.Background(), id, req.Message); err != nil {
			slog.Warn("api: resume failed", "correlation_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id})
}

// cancelRun requests cancellation of a running pipeline.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.runner.Cancel(id) {
		writeError(w, http.StatusNotFound, "no active run with that correlation id")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id, "status": "cancelling"})
}

// streamEvents streams the run's event envelopes as server-sent events
// until the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.bus.Channel(r.Context(), 64) {
		if ev.CorrelationID != id {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}
