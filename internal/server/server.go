// Package server exposes the review workflow over HTTP and reports store
// health over the gRPC health protocol.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/internal/async"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/export"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
	"github.com/joseph-ayodele/takeoff-tracker/internal/review"
)

// ActorHeader names the reviewer on mutating requests.
const ActorHeader = "X-Actor"

// Deps are the collaborators the handlers use.
type Deps struct {
	Runs      repository.RunRepository
	Items     repository.LineItemRepository
	Instances repository.InstanceRepository
	Review    *review.Service
	Export    *export.Service
	Queue     async.Queue
}

type Server struct {
	Deps
	router chi.Router
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, router: chi.NewRouter(), logger: logger}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := common.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
				ctx = common.WithActor(ctx, a)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			s.logger.Debug("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", common.RequestIDFromContext(r.Context()),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/rerun", s.handleRerun)
		r.Get("/runs/{id}/export.xlsx", s.handleExport)

		r.Get("/line-items", s.handleListLineItems)
		r.Get("/line-items/{id}", s.handleGetLineItem)
		r.Patch("/line-items/{id}", s.handleEditLineItem)
		r.Post("/line-items/{id}/status", s.handleLineItemStatus)
		r.Get("/line-items/{id}/history", s.handleHistory(lineItemKind))

		r.Get("/instances", s.handleListInstances)
		r.Get("/instances/{id}", s.handleGetInstance)
		r.Get("/instances/{id}/evidence", s.handleEvidence)
		r.Post("/instances/{id}/status", s.handleInstanceStatus)
		r.Post("/instances/status", s.handleBulkInstanceStatus)
		r.Get("/instances/{id}/history", s.handleHistory(instanceKind))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("http.request.failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Warn("http.request.failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrInput), errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, async.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, common.NewAppError("BAD_ID", "invalid id "+raw, common.ErrInvalidInput)
	}
	return id, nil
}

func queryID(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, common.NewAppError("BAD_ID", "invalid "+key, common.ErrInvalidInput)
	}
	return id, nil
}

func actor(r *http.Request) string {
	return common.ActorFromContext(r.Context())
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.NewAppError("BAD_BODY", "invalid request body", errors.Join(common.ErrInvalidInput, err))
	}
	return nil
}
