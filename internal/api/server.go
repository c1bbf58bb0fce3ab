// Package api exposes the control plane over HTTP: build submission,
// status reads, a per-build event stream, cancellation, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/dispatch"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/status"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/pkg/pixelapi"
)

type Server struct {
	dispatcher *dispatch.Dispatcher
	records    record.Store
	prop       *status.Propagator
	log        *zap.Logger
}

func NewServer(d *dispatch.Dispatcher, records record.Store, prop *status.Propagator, log *zap.Logger) *Server {
	return &Server{dispatcher: d, records: records, prop: prop, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Get("/v1/metrics/prometheus", s.handleMetricsPrometheus)

	r.Route("/v1/builds", func(r chi.Router) {
		r.Post("/", s.handleSubmitBuild)
		r.Get("/{buildID}", s.handleBuildStatus)
		r.Get("/{buildID}/events", s.handleBuildEvents)
		r.Delete("/{buildID}", s.handleCancelBuild)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req pixelapi.SubmitBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SpecificationID) == "" {
		writeError(w, http.StatusBadRequest, "specification_id is required")
		return
	}

	id, created, err := s.dispatcher.Enqueue(r.Context(), dispatch.BuildJob{
		SpecID:         req.SpecificationID,
		OwnerID:        req.OwnerID,
		Queue:          req.QueueClass,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		case errors.Is(err, dispatch.ErrUnknownQueue):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("enqueue failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed")
		}
		return
	}

	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, pixelapi.SubmitBuildResponse{
		BuildID:  id,
		Status:   string(record.StatusQueued),
		Existing: !created,
	})
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(rec))
}

// handleBuildEvents streams stage transitions as server-sent events. The
// current record is sent first so a late subscriber starts from truth, then
// live transitions follow until the build reaches a terminal stage or the
// client goes away.
func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot write so no transition falls in the gap.
	events, cancel := s.prop.Subscribe(rec.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, pixelapi.StageEvent{
		BuildID:        rec.ID,
		Stage:          string(rec.Stage),
		Status:         string(rec.Status),
		FailureStage:   string(rec.FailureStage),
		FailureMessage: rec.FailureMessage,
		At:             rec.UpdatedAt,
	})
	flusher.Flush()
	if rec.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if terminalStatus(ev.Status) {
				return
			}
		}
	}
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	cancelled, err := s.dispatcher.Cancel(r.Context(), rec.ID)
	if err != nil {
		s.log.Error("cancel failed", zap.String("build_id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "build already claimed by a worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"build_id": rec.ID,
		"status":   string(record.StatusCancelled),
	})
}

func (s *Server) loadBuild(w http.ResponseWriter, r *http.Request) (record.BuildRecord, bool) {
	id := chi.URLParam(r, "buildID")
	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build not found")
		} else {
			s.log.Error("record read failed", zap.String("build_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "record read failed")
		}
		return record.BuildRecord{}, false
	}
	return rec, true
}

func toStatusResponse(rec record.BuildRecord) pixelapi.BuildStatusResponse {
	resp := pixelapi.BuildStatusResponse{
		BuildID:         rec.ID,
		SpecificationID: rec.SpecID,
		Queue:           rec.Queue,
		Stage:           string(rec.Stage),
		Status:          string(rec.Status),
		ArtifactDigest:  rec.ArtifactDigest,
		Endpoint:        rec.Endpoint,
		FailureStage:    string(rec.FailureStage),
		FailureMessage:  rec.FailureMessage,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	for _, l := range rec.Logs {
		resp.Logs = append(resp.Logs, pixelapi.LogEntry{Stage: string(l.Stage), Message: l.Message, At: l.At})
	}
	return resp
}

func terminalStatus(s string) bool {
	switch record.Status(s) {
	case record.StatusSucceeded, record.StatusFailed, record.StatusCancelled:
		return true
	}
	return false
}

func writeSSE(w http.ResponseWriter, ev pixelapi.StageEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: stage\ndata: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, pixelapi.ErrorResponse{Error: msg})
}
