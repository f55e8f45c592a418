// Package server exposes the operational HTTP surface: job submission
// and inspection, health, and metrics. It is an internal tool endpoint,
// not the dashboard API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/cache"
	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/provider"
	"github.com/brinternational/income-clarity-sub015/internal/ratelimit"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
)

// Enqueuer submits validated jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, priority int, delay time.Duration) (*domain.Job, error)
}

// JobReader fetches jobs and their attempt history.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListRunLogs(ctx context.Context, jobID string) ([]domain.RunLog, error)
}

// QueueControl is the broker slice the server needs: depth for the
// health surface, removal for cancellation.
type QueueControl interface {
	Depth(ctx context.Context, queue string, priorities []int) (ready int64, delayed int64, err error)
	Remove(ctx context.Context, queue, jobID string, priority int) error
}

type Server struct {
	enq                Enqueuer
	jobs               JobReader
	broker             QueueControl
	limiter            *ratelimit.Limiter
	cache              *cache.Tiered
	metrics            *provider.Metrics
	providerConfigured bool
	log                *zap.Logger
}

func New(enq Enqueuer, jobs JobReader, broker QueueControl,
	limiter *ratelimit.Limiter, c *cache.Tiered, m *provider.Metrics,
	providerConfigured bool, log *zap.Logger) *Server {
	return &Server{
		enq: enq, jobs: jobs, broker: broker,
		limiter: limiter, cache: c, metrics: m,
		providerConfigured: providerConfigured,
		log:                log.Named("http"),
	}
}

func (s *Server) Router() chi.Router {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	rtr.Post("/v1/jobs", s.submitJob)
	rtr.Get("/v1/jobs/{id}", s.getJob)
	rtr.Delete("/v1/jobs/{id}", s.cancelJob)
	rtr.Get("/v1/metrics", s.getMetrics)
	rtr.Get("/healthz", s.health)
	return rtr
}

type submitRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	DelaySec int             `json:"delay_seconds,omitempty"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type runLogResponse struct {
	Attempt        int       `json:"attempt"`
	Outcome        string    `json:"outcome"`
	ItemsProcessed int       `json:"items_processed"`
	ItemsChanged   int       `json:"items_changed"`
	DurationMS     int64     `json:"duration_ms"`
	Error          *string   `json:"error,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID: j.ID, Queue: j.Queue, Type: j.Type, Status: string(j.Status),
		Priority: j.Priority, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		LastError: j.LastError, RunAt: j.RunAt, EnqueuedAt: j.EnqueuedAt,
		StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.enq.Enqueue(r.Context(), req.Type, req.Payload, req.Priority,
		time.Duration(req.DelaySec)*time.Second)
	if err != nil {
		if faults.KindOf(err) == faults.KindTerminal {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.log.Error("enqueue failed", zap.String("type", req.Type), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	logs, err := s.jobs.ListRunLogs(r.Context(), id)
	if err != nil {
		s.log.Error("listing run logs", zap.String("job_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "loading job history failed")
		return
	}

	attempts := make([]runLogResponse, 0, len(logs))
	for _, l := range logs {
		attempts = append(attempts, runLogResponse{
			Attempt: l.Attempt, Outcome: l.Outcome,
			ItemsProcessed: l.ItemsProcessed, ItemsChanged: l.ItemsChanged,
			DurationMS: l.Duration.Milliseconds(),
			Error:      l.Error, DryRun: l.DryRun, CreatedAt: l.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, struct {
		jobResponse
		RunLogs []runLogResponse `json:"run_logs"`
	}{toJobResponse(job), attempts})
}

// cancelJob removes a job that has not started. Running and terminal
// jobs cannot be cancelled; the delete only matches queued rows.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	ok, err := s.jobs.CancelJob(r.Context(), id)
	if err != nil {
		s.log.Error("cancel failed", zap.String("job_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "job is not queued")
		return
	}
	// Best effort: the dispatcher's claim guard makes a leftover broker
	// entry harmless, so a failure here is only noise.
	if err := s.broker.Remove(r.Context(), job.Queue, id, job.Priority); err != nil {
		s.log.Warn("removing cancelled job from broker",
			zap.String("job_id", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider_ops": s.metrics.Snapshot(),
		"cache":        s.cache.Stats(),
		"rate_limits":  s.limiter.Statuses(),
	})
}

type queueDepth struct {
	Queue   string `json:"queue"`
	Ready   int64  `json:"ready"`
	Delayed int64  `json:"delayed"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	depths := make([]queueDepth, 0, len(registry.Queues()))
	degraded := false
	for _, q := range registry.Queues() {
		policy, _ := registry.Lookup(q)
		ready, delayed, err := s.broker.Depth(r.Context(), q, policy.Priorities)
		if err != nil {
			s.log.Warn("queue depth check failed", zap.String("queue", q), zap.Error(err))
			degraded = true
			continue
		}
		depths = append(depths, queueDepth{Queue: q, Ready: ready, Delayed: delayed})
	}

	status := "ok"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":              status,
		"provider_configured": s.providerConfigured,
		"queues":              depths,
		"rate_limits":         s.limiter.Statuses(),
		"cache":               s.cache.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
