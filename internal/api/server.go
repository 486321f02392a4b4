package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"batch-ingestion-service/internal/ingest"
	"batch-ingestion-service/internal/models"
	"batch-ingestion-service/internal/ratelimit"
	"batch-ingestion-service/internal/telemetry"
)

const maxBodyBytes = 8 << 20

// Server wires HTTP handlers for the intake and status API.
type Server struct {
	svc     *ingest.Service
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable intake throttling.
func New(svc *ingest.Service, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/ingest", s.handleIngest)
	r.Get("/status/{ingestion_id}", s.handleStatus)
	return r
}

type ingestRequest struct {
	IDs      []int64 `json:"ids"`
	Priority string  `json:"priority"`
}

type ingestResponse struct {
	IngestionID string `json:"ingestion_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		telemetry.IntakeRejects.Inc()
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		telemetry.IntakeRejects.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.logger.Error("intake rate limiter", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.IntakeThrottled.Inc()
			secs := int(d.RetryAfter / time.Second)
			if d.RetryAfter%time.Second != 0 {
				secs++
			}
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	id, err := s.svc.Submit(r.Context(), req.IDs, priority)
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{IngestionID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ingestion_id")
	view, err := s.svc.Status(r.Context(), id)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "ingestion id not found")
		return
	case err != nil:
		s.logger.Error("status", "ingestion_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// clientKey identifies the caller for intake throttling.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
