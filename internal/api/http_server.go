// Package api exposes the queue and connectivity monitor over HTTP for the
// native shell and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"offlinequeue/internal/config"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"
	"offlinequeue/internal/queue"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const requestIDHeader = "x-request-id"

// QueueService is the part of the queue engine the API drives.
type QueueService interface {
	Status() models.QueueStatus
	Enqueue(ctx context.Context, kind models.OperationKind, payload any) (models.OperationID, error)
	Clear(ctx context.Context)
	DeadLetters(ctx context.Context) []models.QueuedOperation
}

// ConnectivityService is the part of the monitor the API drives.
type ConnectivityService interface {
	CurrentState() models.ConnectivityState
	Report(state models.ConnectivityState)
}

type HTTPServer struct {
	cfg     config.APIConfig
	queue   QueueService
	monitor ConnectivityService
	logger  *zerolog.Logger
	server  *http.Server
	auth    *HTTPAuth
}

func NewHTTPServer(cfg config.APIConfig, q QueueService, monitor ConnectivityService, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, queue: q, monitor: monitor, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Router builds the route table with logging and auth middleware.
func (s *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.auth.Middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleQueueClear).Methods(http.MethodDelete)
	v1.HandleFunc("/queue/operations", s.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/queue/dead", s.handleDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/connectivity", s.handleConnectivityGet).Methods(http.MethodGet)
	v1.HandleFunc("/connectivity", s.handleConnectivityReport).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *HTTPServer) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.queue.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ops := s.queue.DeadLetters(r.Context())
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

type enqueueRequest struct {
	Kind models.OperationKind `json:"kind"`
	Data json.RawMessage      `json:"data"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), body.Kind, body.Data)
	switch {
	case errors.Is(err, queue.ErrUnknownKind), errors.Is(err, queue.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id)})
}

func (s *HTTPServer) handleConnectivityGet(w http.ResponseWriter, _ *http.Request) {
	state := s.monitor.CurrentState()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           state,
		"good_connection": state.GoodConnection(),
	})
}

func (s *HTTPServer) handleConnectivityReport(w http.ResponseWriter, r *http.Request) {
	var state models.ConnectivityState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(state.ConnectionType) == "" {
		state.ConnectionType = models.ConnectionUnknown
	}
	s.monitor.Report(state)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           state,
		"good_connection": state.GoodConnection(),
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.IncHTTP(endpoint)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
