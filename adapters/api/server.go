// Package api exposes the shrinkage pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tcshrink/app"
	"tcshrink/domain/core"
	"tcshrink/domain/run"
	"tcshrink/domain/timecourse"
	"tcshrink/internal"
	"tcshrink/internal/config"
	"tcshrink/internal/errors"
	"tcshrink/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RunService is the part of the shrinkage service the API needs
type RunService interface {
	Run(ctx context.Context, req app.Request) (*app.RunResult, error)
	GetRun(ctx context.Context, id core.RunID) (*run.Record, error)
	ListResults(ctx context.Context, id core.RunID, filter ports.ResultFilter) ([]timecourse.ShrinkageResult, error)
}

// Server routes HTTP requests to the shrinkage service
type Server struct {
	router  *chi.Mux
	service RunService
	cfg     config.ServerConfig
	logger  *internal.Logger
}

// NewServer creates the server and its routes
func NewServer(service RunService, cfg config.ServerConfig, logger *internal.Logger) *Server {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/shrinkage", s.handleShrinkage)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/results", s.handleListResults)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d (%d bytes, %s) request_id=%s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// ShrinkageRequest is the body of POST /v1/shrinkage
type ShrinkageRequest struct {
	Observations []timecourse.Observation `json:"observations"`
	NoiseModel   *timecourse.NoiseModel   `json:"noise_model,omitempty"`
	// OmitResults drops the per-row results from the response.
	OmitResults bool `json:"omit_results,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShrinkage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	var req ShrinkageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.writeError(w, errors.New(errors.CodeBodyTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		s.writeError(w, errors.InvalidInput("malformed request body: "+err.Error()))
		return
	}
	if len(req.Observations) == 0 {
		s.writeError(w, errors.InvalidInput("observations must not be empty"))
		return
	}

	result, err := s.service.Run(r.Context(), app.Request{
		Observations: req.Observations,
		NoiseModel:   req.NoiseModel,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.OmitResults {
		result.Results = nil
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.service.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseRunID(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.service.ListResults(r.Context(), id, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  id,
		"count":   len(results),
		"results": results,
	})
}

func parseFilter(r *http.Request) (ports.ResultFilter, error) {
	q := r.URL.Query()
	filter := ports.ResultFilter{Feature: timecourse.FeatureID(q.Get("feature"))}

	if v := q.Get("time"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return filter, core.NewInvalidInputError("time", v)
		}
		filter.Time = &t
	}
	if v := q.Get("max_lfdr"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil || m < 0 || m > 1 {
			return filter, core.NewInvalidInputError("max_lfdr", v)
		}
		filter.MaxLocalFDR = &m
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return filter, core.NewInvalidInputError(name, v)
			}
			*dst = n
		}
	}
	return filter, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr := errors.FromDomain(err)
	status := errors.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: appErr.Error(), Code: appErr.Code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
