package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/auth"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/service"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/validate"
)

// maxBodyBytes bounds request bodies; emails carry base64 attachments
const maxBodyBytes = 10 << 20

// Backend is the service surface exposed over HTTP
type Backend interface {
	Ingest(ctx context.Context, kind model.EventKind, data []byte) (*service.Result, error)
	IngestThreat(ctx context.Context, data []byte) (*model.DetectedThreat, error)
	RecentThreats(ctx context.Context, limit int) ([]*model.DetectedThreat, error)
	Counts(ctx context.Context) (model.ThreatCounts, error)
	Logs(ctx context.Context, kind model.EventKind, limit int) ([]*model.Event, error)
	Classify(text string) (textclf.Prediction, error)
	TrainAnomaly(ctx context.Context) (*service.AnomalyTrainResult, error)
	TrainText(ctx context.Context, samples []textclf.Sample) (*service.TextTrainResult, error)
	TrainTextCSV(ctx context.Context, r io.Reader) (*service.TextTrainResult, error)
	Readiness(ctx context.Context) service.Readiness
}

// Server is the HTTP API
type Server struct {
	r        *chi.Mux
	backend  Backend
	auth     *auth.Authenticator
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates the router. gatherer backs /metrics.
func NewServer(backend Backend, authn *auth.Authenticator, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		r:        chi.NewRouter(),
		backend:  backend,
		auth:     authn,
		gatherer: gatherer,
		logger:   logger,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(requestLogger(logger))
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/{kind}", s.handleIngest)
		r.Post("/threats", s.handleIngestThreat)
		r.Get("/threats/recent", s.handleRecentThreats)
		r.Get("/threats/counts", s.handleCounts)
		r.Get("/logs/{kind}", s.handleLogs)
		r.Post("/classify/text", s.handleClassify)
		r.Post("/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/train/anomaly", s.handleTrainAnomaly)
			r.Post("/train/text", s.handleTrainText)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	kind := model.EventKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "unknown event kind "+string(kind)))
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.backend.Ingest(r.Context(), kind, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleIngestThreat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	threat, err := s.backend.IngestThreat(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, threat)
}

func (s *Server) handleRecentThreats(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	threats, err := s.backend.RecentThreats(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if threats == nil {
		threats = []*model.DetectedThreat{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats": threats,
		"count":   len(threats),
	})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.backend.Counts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	events, err := s.backend.Logs(r.Context(), model.EventKind(chi.URLParam(r, "kind")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  events,
		"count": len(events),
	})
}

type classifyRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_payload", "text is required"))
		return
	}
	pred, err := s.backend.Classify(req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	tok, err := s.auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		writeJSON(w, http.StatusNotImplemented, errorBody("not_configured", err.Error()))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", err.Error()))
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, tok)
	}
}

func (s *Server) handleTrainAnomaly(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.TrainAnomaly(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type trainTextRequest struct {
	Samples []textclf.Sample `json:"samples"`
}

// handleTrainText accepts either a JSON sample list or a CSV dataset (Content-Type text/csv)
func (s *Server) handleTrainText(w http.ResponseWriter, r *http.Request) {
	var (
		res *service.TextTrainResult
		err error
	)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "text/csv" {
		res, err = s.backend.TrainTextCSV(r.Context(), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	} else {
		var req trainTextRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		res, err = s.backend.TrainText(r.Context(), req.Samples)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.backend.Readiness(r.Context())
	status := http.StatusOK
	if !state.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, state)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("too_large", err.Error()))
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_payload", err.Error()))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_payload", err.Error()))
		return false
	}
	return true
}

// writeError maps service errors onto status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("too_large", err.Error()))
	case errors.Is(err, validate.ErrInvalidPayload),
		errors.Is(err, textclf.ErrUnknownLabel),
		errors.Is(err, textclf.ErrInsufficientData):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_payload", err.Error()))
	case errors.Is(err, anomaly.ErrNoTrainingData):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("no_training_data", err.Error()))
	case service.IsNotReady(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("not_ready", err.Error()))
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody("duplicate", err.Error()))
	default:
		s.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_payload", "limit must be a non-negative integer"))
		return 0, false
	}
	return limit, true
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request through slog
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
