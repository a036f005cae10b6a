package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chunkscribe/internal/config"
	"chunkscribe/internal/jobs"
	"chunkscribe/internal/model"
	"chunkscribe/internal/pipeline"
	"chunkscribe/internal/subtitle"
	"chunkscribe/internal/upstream/openai"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type JobService interface {
	Start(req jobs.Request) (jobs.Job, error)
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	Cancel(id string) (jobs.Job, error)
	Events(id string, since int64) ([]jobs.Event, error)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Jobs           JobService
	Upstream       UpstreamChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	jobs         JobService
	upstream     UpstreamChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
	serviceName      = "chunkscribe"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Jobs == nil || deps.Upstream == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		jobs:         deps.Jobs,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Get("/{id}/events", s.handleJobEvents)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UpstreamAPIKey == "" && openai.RequestAPIKeyFromContext(r.Context()) == "" {
		writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "upstream check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.CreateJobRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}

	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "source_path is required", nil)
		return
	}
	if !filepath.IsAbs(source) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "source_path must be absolute", nil)
		return
	}
	if info, err := os.Stat(source); err != nil || info.IsDir() {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "source_path is not a readable file", nil)
		return
	}

	output := strings.TrimSpace(req.OutputPath)
	if output == "" {
		output = subtitle.OutputPathFor(source)
	}
	if !filepath.IsAbs(output) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "output_path must be absolute", nil)
		return
	}
	if !strings.EqualFold(filepath.Ext(output), ".srt") {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "output_path must end in .srt", nil)
		return
	}
	if err := pipeline.CheckDestination(source, output); err != nil {
		message := "output_path directory does not exist"
		if errors.Is(err, pipeline.ErrDestinationIsSource) {
			message = "output_path must not be the source media"
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", message, nil)
		return
	}

	credential := openai.RequestAPIKeyFromContext(r.Context())
	if credential == "" {
		credential = s.cfg.UpstreamAPIKey
	}

	job, err := s.jobs.Start(jobs.Request{
		Source:      source,
		Destination: output,
		Model:       strings.TrimSpace(req.Model),
		Credential:  credential,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.jobs.List()
	resp := model.JobListResponse{Jobs: make([]model.JobResponse, 0, len(list))}
	for _, job := range list {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer", nil)
			return
		}
		since = parsed
	}

	events, err := s.jobs.Events(chi.URLParam(r, "id"), since)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	resp := model.JobEventsResponse{Events: make([]model.JobEvent, 0, len(events)), Next: since}
	for _, e := range events {
		resp.Events = append(resp.Events, toJobEvent(e))
		resp.Next = e.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	var details map[string]any

	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		status = http.StatusNotFound
		code = "job_not_found"
		message = "job not found"
	case errors.Is(err, jobs.ErrJobAlreadyRunning):
		status = http.StatusConflict
		code = "job_running"
		message = "another job is already running"
	case errors.Is(err, jobs.ErrJobNotRunning):
		status = http.StatusConflict
		code = "job_not_running"
		message = "job is not running"
	case errors.Is(err, jobs.ErrJobRejected):
		status = http.StatusUnprocessableEntity
		code = "job_rejected"
		message = "job could not be created"
		details = detailsForError(err)
	case errors.Is(err, jobs.ErrShuttingDown):
		status = http.StatusServiceUnavailable
		code = "shutting_down"
		message = "server is shutting down"
	default:
		details = detailsForError(err)
	}

	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		attrs := []any{
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		}
		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, "job_id", id)
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request", attrs...)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <api_key>", nil)
			return
		}
		if !isPublicPath(r.URL.Path) && token == "" && s.cfg.UpstreamAPIKey == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing transcription API bearer token", nil)
			return
		}
		if token != "" {
			r = r.WithContext(openai.WithRequestAPIKey(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func toJobResponse(job jobs.Job) model.JobResponse {
	resp := model.JobResponse{
		ID:         job.ID,
		State:      string(job.State),
		SourcePath: job.Source,
		OutputPath: job.Destination,
		Model:      job.Model,
		Progress:   model.JobProgress{Primary: job.Primary, Secondary: job.Secondary},
		LastEvent:  job.LastEvent,
		CreatedAt:  job.CreatedAt,
	}
	if !job.FinishedAt.IsZero() {
		finished := job.FinishedAt
		resp.FinishedAt = &finished
	}
	if res := job.Result; res != nil {
		resp.Result = &model.JobResult{
			OutputPath:      res.Destination,
			Chunks:          res.Chunks,
			Transcribed:     res.Transcribed,
			Cues:            res.Cues,
			AudioDurationMS: res.AudioDuration.Milliseconds(),
			Partial:         res.Partial,
			ElapsedMS:       res.Elapsed.Milliseconds(),
		}
	}
	if f := job.Failure; f != nil {
		resp.Error = &model.JobFailure{
			Stage:          string(f.State),
			Summary:        f.Summary,
			Message:        f.Message,
			ChunkIndex:     f.ChunkIndex,
			UpstreamStatus: f.StatusCode,
		}
	}
	return resp
}

func toJobEvent(e jobs.Event) model.JobEvent {
	out := model.JobEvent{
		Seq:       e.Seq,
		Time:      e.Time,
		Kind:      string(e.Kind),
		State:     string(e.State),
		Primary:   e.Primary,
		Secondary: e.Secondary,
		Message:   e.Message,
	}
	if e.Kind == pipeline.EventLog {
		out.Severity = strings.ToLower(e.Severity.String())
	}
	return out
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
