package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gate-rebalance-bot/internal/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server exposes the engine over HTTP: current status, the last cycle
// report, and manual run/cancel controls.
type Server struct {
	engine *engine.Engine
	http   *http.Server
	log    *zap.Logger
}

func New(addr string, eng *engine.Engine, metricsHandler http.Handler, log *zap.Logger) *Server {
	s := &Server{engine: eng, log: log}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/report", s.handleReport)
	r.Post("/cycle/run", s.handleRun)
	r.Post("/cycle/cancel", s.handleCancel)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"busy": s.engine.Busy(),
		"time": time.Now().UTC(),
	}
	if report, ok := s.engine.LastReport(); ok {
		status["last_cycle"] = report.Finished
		status["last_decision"] = report.Decision.Kind
		if report.Err != "" {
			status["last_error"] = report.Err
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.engine.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRun triggers a cycle synchronously so the caller sees the
// resulting report. A cycle already in flight is refused with 409.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrCycleInFlight) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if report != nil {
			writeJSON(w, http.StatusInternalServerError, report)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.engine.CancelCycle() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no cycle in flight"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
