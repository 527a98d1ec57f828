// Package httpapi exposes the dispute workflows over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/dashboard"
	"trustledger/dispute"
	"trustledger/logging"
	"trustledger/metrics"
)

type DisputeService interface {
	OpenCase(ctx context.Context, p authz.Principal, params dispute.OpenCaseParams) (dispute.Case, error)
	AppendEvent(ctx context.Context, p authz.Principal, caseID string, in dispute.EventInput) (dispute.Case, dispute.Event, error)
	GetWithEvents(ctx context.Context, p authz.Principal, caseID string) (dispute.Case, []dispute.Event, error)
}

type DashboardService interface {
	GetDashboard(ctx context.Context, p authz.Principal, filters dashboard.Filters) (dashboard.Dashboard, error)
}

type Verifier interface {
	VerifyToken(tokenString string) (string, []string, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	disputes  DisputeService
	dashboard DashboardService
	verifier  Verifier
	pinger    Pinger
	metrics   *metrics.Metrics
	log       *zap.Logger
	validate  *validator.Validate
}

type Options struct {
	Disputes  DisputeService
	Dashboard DashboardService
	Verifier  Verifier
	Pinger    Pinger
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func NewServer(opts Options) *Server {
	return &Server{
		disputes:  opts.Disputes,
		dashboard: opts.Dashboard,
		verifier:  opts.Verifier,
		pinger:    opts.Pinger,
		metrics:   opts.Metrics,
		log:       logging.OrNop(opts.Logger),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/disputes", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/dashboard", s.handleDashboard)
		r.Post("/", s.handleOpenCase)
		r.Get("/{id}", s.handleGetCase)
		r.Post("/{id}/events", s.handleAppendEvent)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(route, status, time.Since(start))
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}

	var filters dashboard.Filters
	for _, raw := range r.URL.Query()["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filters.Statuses = append(filters.Statuses, dispute.Status(st))
			}
		}
	}

	d, err := s.dashboard.GetDashboard(r.Context(), p, filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOpenCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}

	var req openCaseRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.disputes.OpenCase(r.Context(), p, req.params())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseResponse(c, nil))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	caseID := chi.URLParam(r, "id")
	if err := s.validate.Var(caseID, "required,uuid"); err != nil {
		s.writeError(w, r, apperr.Validationf("httpapi: invalid case id"))
		return
	}

	c, events, err := s.disputes.GetWithEvents(r.Context(), p, caseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, events))
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	caseID := chi.URLParam(r, "id")
	if err := s.validate.Var(caseID, "required,uuid"); err != nil {
		s.writeError(w, r, apperr.Validationf("httpapi: invalid case id"))
		return
	}

	var req appendEventRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, ev, err := s.disputes.AppendEvent(r.Context(), p, caseID, req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendEventResponse{Case: toCaseResponse(c, nil), Event: toEventResponse(ev)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validationf("httpapi: decode body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return apperr.Validationf("httpapi: %v", err)
	}
	return nil
}

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, apperr.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, apperr.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Status: "error", Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
