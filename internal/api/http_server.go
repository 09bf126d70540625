package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"realtysync/internal/config"
	"realtysync/internal/metrics"
	"realtysync/internal/models"
	"realtysync/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SyncAPI is the service surface exposed over HTTP.
type SyncAPI interface {
	CreateWithSync(ctx context.Context, t models.EntityType, fields map[string]string, userID, userEmail string, opts service.UpdateOptions) (*service.MutationResult, error)
	UpdateWithSync(ctx context.Context, t models.EntityType, id int64, updateData map[string]string, userID, userEmail string, opts service.UpdateOptions) (*service.MutationResult, error)
	GetEntity(ctx context.Context, t models.EntityType, id int64) (*models.Entity, error)
	ListEntities(ctx context.Context, t models.EntityType, limit, offset int) ([]*models.Entity, error)
	ListConflicts(ctx context.Context, open bool, limit int) ([]*models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, conflictID int64, resolution, userID, userEmail string) (*service.MutationResult, error)
	ListFailedChanges(ctx context.Context, t models.EntityType, entityKey string, limit int) ([]*models.FailedChangeRecord, error)
	ReplayFailedChange(ctx context.Context, id int64, userID, userEmail string) (models.SyncResult, error)
	Stats(ctx context.Context) (service.SyncStats, error)
}

// Pinger reports store readiness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

const (
	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
	headerRequestID = "X-Request-ID"
)

// HTTPServer exposes seller/buyer mutations and sync administration.
type HTTPServer struct {
	cfg    *config.APIConfig
	svc    SyncAPI
	pinger Pinger
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, svc SyncAPI, pinger Pinger, logger *zerolog.Logger) *HTTPServer {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "http").Logger()
	}
	srv := &HTTPServer{cfg: cfg, svc: svc, pinger: pinger, logger: base}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	for _, t := range []models.EntityType{models.EntitySeller, models.EntityBuyer} {
		prefix := "/api/v1/" + t.Table()
		mux.HandleFunc("GET "+prefix, srv.entityHandler(t, srv.handleListEntities))
		mux.HandleFunc("POST "+prefix, srv.entityHandler(t, srv.handleCreateEntity))
		mux.HandleFunc("GET "+prefix+"/{id}", srv.entityHandler(t, srv.handleGetEntity))
		mux.HandleFunc("PATCH "+prefix+"/{id}", srv.entityHandler(t, srv.handleUpdateEntity))
	}

	mux.HandleFunc("GET /api/v1/sync/stats", srv.handleStats)
	mux.HandleFunc("GET /api/v1/sync/conflicts", srv.handleListConflicts)
	mux.HandleFunc("POST /api/v1/sync/conflicts/{id}/resolve", srv.handleResolveConflict)
	mux.HandleFunc("GET /api/v1/sync/failed", srv.handleListFailed)
	mux.HandleFunc("POST /api/v1/sync/failed/{id}/replay", srv.handleReplayFailed)

	handler := srv.loggingMiddleware(corsMiddleware(srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Await requests may wait for a full retry cycle.
		WriteTimeout: 2 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.IncHTTP(pattern)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-ID, X-User-Email, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
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

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
