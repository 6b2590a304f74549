package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calsync/internal/config"
	"calsync/internal/database"
	"calsync/internal/joblog"
	"calsync/internal/metrics"
	"calsync/internal/models"
	"calsync/internal/repository"

	"github.com/rs/zerolog"
)

// SyncService is the job manager as seen by the HTTP API.
type SyncService interface {
	StartSync(ctx context.Context, ownerID string, manual bool) (*models.SyncJob, bool, error)
	Status(ctx context.Context, ownerID string) (*models.SyncJob, error)
	History(ctx context.Context, ownerID string, limit int) ([]models.SyncJob, error)
	Job(ctx context.Context, id string) (*models.SyncJob, error)
	Logs(ctx context.Context, q joblog.Query) (*joblog.Page, error)
	ForceSweep(ctx context.Context, timeout time.Duration) (int, error)
	CleanupOldJobs(ctx context.Context, retentionDays int) (int64, error)
}

// CredentialWriter stores an owner's site login.
type CredentialWriter interface {
	Store(ctx context.Context, ownerID string, creds models.Credentials, now time.Time) error
}

// Options carries the optional collaborators of the server.
type Options struct {
	// Credentials enables PUT /api/v1/owners/{owner}/credentials.
	Credentials CredentialWriter
	// Triggers enforces the per-owner manual sync limit when set.
	Triggers repository.TriggerStore
}

// HTTPServer exposes sync control and job inspection over HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	svc      SyncService
	creds    CredentialWriter
	triggers repository.TriggerStore
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc SyncService, opts Options, logger *zerolog.Logger) *HTTPServer {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "http").Logger()
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, svc: svc, creds: opts.Credentials, triggers: opts.Triggers, logger: base}
	srv.auth = NewHTTPAuth(cfg)

	srv.handle(mux, "GET /healthz", srv.handleHealth)
	srv.handle(mux, "POST /api/v1/owners/{owner}/sync", srv.handleStartSync)
	srv.handle(mux, "GET /api/v1/owners/{owner}/sync/status", srv.handleStatus)
	srv.handle(mux, "GET /api/v1/owners/{owner}/sync/history", srv.handleHistory)
	srv.handle(mux, "GET /api/v1/sync/jobs/{id}", srv.handleJob)
	srv.handle(mux, "GET /api/v1/sync/jobs/{id}/logs", srv.handleJobLogs)
	srv.handle(mux, "POST /api/v1/admin/cleanup", srv.handleCleanup)
	if srv.creds != nil {
		srv.handle(mux, "PUT /api/v1/owners/{owner}/credentials", srv.handleSetCredentials)
	}

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// handle registers fn and counts its requests under the route pattern.
func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		fn(w, r)
	})
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
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

func (s *HTTPServer) handleStartSync(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	if !s.allowTrigger(r.Context(), owner) {
		writeError(w, http.StatusTooManyRequests, "too many sync requests for owner")
		return
	}

	job, created, err := s.svc.StartSync(r.Context(), owner, true)
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("start sync")
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"job": job, "created": created})
}

// allowTrigger applies the manual sync limit. Store failures let the request
// through.
func (s *HTTPServer) allowTrigger(ctx context.Context, owner string) bool {
	if s.triggers == nil || s.cfg.RateLimit.SyncPerOwner <= 0 {
		return true
	}
	window := s.cfg.RateLimit.SyncWindow
	if window <= 0 {
		window = time.Hour
	}
	allowed, err := s.triggers.CheckTriggerLimit(ctx, owner, s.cfg.RateLimit.SyncPerOwner, window)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner_id", owner).Msg("trigger limit check failed")
		return true
	}
	return allowed
}

func (s *HTTPServer) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	creds := models.Credentials{Email: body.Email, Password: body.Password}
	if err := s.creds.Store(r.Context(), owner, creds, time.Now()); err != nil {
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("store credentials")
		writeError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	// a corrected login may be tried again right away
	if s.triggers != nil {
		if err := s.triggers.ClearTriggers(r.Context(), owner); err != nil {
			s.logger.Warn().Err(err).Str("owner_id", owner).Msg("clear trigger count")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}

	job, err := s.svc.Status(r.Context(), owner)
	if errors.Is(err, database.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "no sync jobs for owner")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("sync status")
		writeError(w, http.StatusInternalServerError, "failed to load sync status")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.svc.History(r.Context(), owner, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("sync history")
		writeError(w, http.StatusInternalServerError, "failed to load sync history")
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	q := joblog.Query{JobID: job.ID}
	if raw := strings.TrimSpace(r.URL.Query().Get("level")); raw != "" {
		q.Level = models.LogLevel(strings.ToUpper(raw))
		if !q.Level.Valid() {
			writeError(w, http.StatusBadRequest, "invalid level; expected DEBUG, INFO, WARNING or ERROR")
			return
		}
	}
	var err error
	if q.Page, err = intParam(r, "page", 1); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit, err = intParam(r, "limit", models.DefaultLogPageSize); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.svc.Logs(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Str("sync_job_id", job.ID).Msg("job logs")
		writeError(w, http.StatusInternalServerError, "failed to load job logs")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "retention_days", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stale, err := s.svc.ForceSweep(r.Context(), 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: stale sweep")
		writeError(w, http.StatusInternalServerError, "stale sweep failed")
		return
	}
	deleted, err := s.svc.CleanupOldJobs(r.Context(), days)
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup: retention")
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stale_marked": stale, "deleted": deleted})
}

func (s *HTTPServer) loadJob(w http.ResponseWriter, r *http.Request) (*models.SyncJob, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return nil, false
	}
	job, err := s.svc.Job(r.Context(), id)
	if errors.Is(err, database.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("sync_job_id", id).Msg("load job")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}

func ownerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.PathValue("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return "", false
	}
	return owner, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		w.Header().Set(requestIDHeader, id)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("request_id", id).
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
