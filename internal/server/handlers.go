package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/scheduler"
)

// Error codes carried in error envelopes.
const (
	codeInvalidInput = "INVALID_INPUT"
	codeNotFound     = "NOT_FOUND"
	codeInternal     = "INTERNAL_ERROR"
)

type responseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type response struct {
	Data any          `json:"data,omitempty"`
	Meta responseMeta `json:"meta"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail  `json:"error"`
	Meta  responseMeta `json:"meta"`
}

func meta(r *http.Request) responseMeta {
	return responseMeta{RequestID: RequestIDFromContext(r.Context()), Timestamp: time.Now().UTC()}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Data: data, Meta: meta(r)})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorDetail{Code: code, Message: message}, Meta: meta(r)})
}

type handlers struct {
	mon     Monitor
	logger  *slog.Logger
	version string
}

// Health reports 503 until startup negotiation has finished.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Sole    bool   `json:"sole"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.mon.Ready():
	default:
		writeJSON(w, r, http.StatusServiceUnavailable, Health{Status: "starting", Version: h.version})
		return
	}
	writeJSON(w, r, http.StatusOK, Health{Status: "ok", Version: h.version, Sole: h.mon.Overview().Sole})
}

// Status is the body of GET /v1/status.
type Status struct {
	QueueDepth int `json:"queueDepth"`
	jobmanager.Overview
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	o := h.mon.Overview()
	if o.Queue == nil {
		o.Queue = []scheduler.Entry{}
	}
	writeJSON(w, r, http.StatusOK, Status{QueueDepth: len(o.Queue), Overview: o})
}

func (h *handlers) job(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "job id must be a positive integer")
		return
	}
	j, err := h.mon.Job(r.Context(), id)
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "job not found")
		return
	case err != nil:
		h.logger.Error("server: load job", "job", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "failed to load job")
		return
	}
	writeJSON(w, r, http.StatusOK, j)
}

func (h *handlers) agents(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	out := make([]*model.Agent, 0)
	for _, a := range h.mon.Agents() {
		if group == "" || a.Group == group {
			out = append(out, a)
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}
