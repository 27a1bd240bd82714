// Package usecase implements the application service behind the HTTP
// surface: job intake with validation and queue feedback, status
// reads with live progress, cancellation, and the admin recovery
// operations.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	"github.com/fairyhunter13/media-orchestrator/internal/scheduler"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
	"github.com/fairyhunter13/media-orchestrator/pkg/urlcheck"
)

// averageMinutes is the per-operation average run time used for wait
// estimates. Estimates are advisory; the numbers come from observed
// production runs, not budgets.
var averageMinutes = map[string]float64{
	domain.OpImg2Vid:          10,
	domain.OpConcatenate:      5,
	domain.OpConcatVideoAudio: 4,
	domain.OpTrilhaSonora:     4,
	domain.OpAddAudio:         2,
	domain.OpCaptionSegments:  3,
	domain.OpCaptionHighlight: 3,
	domain.OpTranscribe:       5,
}

const defaultAverageMinutes = 5

// Queue pressure thresholds; crossing one logs an alert, throttled to
// one per minute so a busy queue does not flood the log.
const (
	pressureElevated = 15
	pressureHigh     = 25
	pressureCritical = 40

	alertThrottle = time.Minute
)

// Canceller is the slice of the scheduler's Finisher the service
// needs.
type Canceller interface {
	Cancel(ctx context.Context, id string) (domain.Job, error)
}

// Recoverer runs one reconciliation pass on demand.
type Recoverer interface {
	ReconcileOnce(ctx context.Context) (scheduler.Correction, error)
}

// Kicker pokes a scheduler loop.
type Kicker interface {
	Kick()
}

// JobService is the application service for the job API.
type JobService struct {
	store            domain.JobStore
	remote           domain.RemoteClient
	canceller        Canceller
	recoverer        Recoverer
	dispatcher       Kicker
	pool             Kicker
	validate         *validator.Validate
	maxRemoteWorkers int
	allowPrivate     bool

	alertMu   sync.Mutex
	lastAlert time.Time
	nowFn     func() time.Time
}

// NewJobService wires the service. remote may be nil; progress then
// degrades to status-only. dispatcher and pool kickers may be nil in
// tests.
func NewJobService(store domain.JobStore, remote domain.RemoteClient, canceller Canceller, recoverer Recoverer, dispatcher, pool Kicker, maxRemoteWorkers int, allowPrivate bool) *JobService {
	return &JobService{
		store:            store,
		remote:           remote,
		canceller:        canceller,
		recoverer:        recoverer,
		dispatcher:       dispatcher,
		pool:             pool,
		validate:         validator.New(),
		maxRemoteWorkers: maxRemoteWorkers,
		allowPrivate:     allowPrivate,
		nowFn:            time.Now,
	}
}

// submitFields are the orchestration fields extracted from the
// payload; the rest of the body passes through to the executor
// untouched.
type submitFields struct {
	WebhookURL    string `json:"webhook_url" validate:"required,url,max=2048"`
	CorrelationID *int64 `json:"correlation_id"`
	PathRoot      string `json:"path_root"`
}

// SubmitResponse is the 202 body for POST /jobs/{operation}.
type SubmitResponse struct {
	JobID                string           `json:"job_id"`
	Status               domain.JobStatus `json:"status"`
	Operation            string           `json:"operation"`
	QueuePosition        int              `json:"queue_position"`
	EstimatedWaitSeconds int              `json:"estimated_wait_seconds"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Create validates and enqueues one job. The whole request body is
// the job payload; webhook_url, correlation_id and path_root are
// lifted out of it.
func (s *JobService) Create(ctx context.Context, operation string, body json.RawMessage) (SubmitResponse, error) {
	if !domain.KnownOperation(operation) {
		return SubmitResponse{}, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidArgument, operation)
	}
	var fields submitFields
	if err := json.Unmarshal(body, &fields); err != nil {
		return SubmitResponse{}, fmt.Errorf("%w: request body is not a JSON object: %v", domain.ErrInvalidArgument, err)
	}
	if err := s.validate.Struct(fields); err != nil {
		return SubmitResponse{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := urlcheck.Validate(ctx, fields.WebhookURL, s.allowPrivate); err != nil {
		return SubmitResponse{}, fmt.Errorf("%w: webhook_url: %v", domain.ErrInvalidArgument, err)
	}

	job, err := s.store.Create(ctx, domain.Job{
		Operation:     operation,
		Payload:       body,
		WebhookURL:    fields.WebhookURL,
		CorrelationID: fields.CorrelationID,
		PathRoot:      fields.PathRoot,
	})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("op=usecase.Create: %w", err)
	}
	if err := s.store.Enqueue(ctx, job.ID); err != nil {
		return SubmitResponse{}, fmt.Errorf("op=usecase.Create: enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(operation).Inc()

	position, _ := s.store.QueueDepth(ctx)
	observability.QueueDepth.Set(float64(position))
	s.alertOnPressure(ctx, position)

	if domain.IsLocalOperation(operation) {
		if s.pool != nil {
			s.pool.Kick()
		}
	} else if s.dispatcher != nil {
		s.dispatcher.Kick()
	}

	obsctx.LoggerFromContext(ctx).Info("job accepted",
		slog.String("job_id", job.ID),
		slog.String("operation", operation),
		slog.Int("queue_position", position))
	return SubmitResponse{
		JobID:                job.ID,
		Status:               job.Status,
		Operation:            operation,
		QueuePosition:        position,
		EstimatedWaitSeconds: estimateWaitSeconds(operation, position, s.maxRemoteWorkers),
		CreatedAt:            job.CreatedAt,
	}, nil
}

// estimateWaitSeconds scales the operation's average run time by the
// number of dispatch waves ahead of this position.
func estimateWaitSeconds(operation string, position, maxWorkers int) int {
	if position < 1 {
		position = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	base := strings.TrimSuffix(operation, domain.LocalSuffix)
	avg, ok := averageMinutes[base]
	if !ok {
		avg = defaultAverageMinutes
	}
	waves := int(math.Ceil(float64(position) / float64(maxWorkers)))
	return int(avg * float64(waves) * 60)
}

func (s *JobService) alertOnPressure(ctx context.Context, depth int) {
	var level string
	switch {
	case depth >= pressureCritical:
		level = "critical"
	case depth >= pressureHigh:
		level = "high"
	case depth >= pressureElevated:
		level = "elevated"
	default:
		return
	}
	s.alertMu.Lock()
	now := s.nowFn()
	if now.Sub(s.lastAlert) < alertThrottle {
		s.alertMu.Unlock()
		return
	}
	s.lastAlert = now
	s.alertMu.Unlock()
	obsctx.LoggerFromContext(ctx).Warn("queue pressure",
		slog.String("level", level),
		slog.Int("depth", depth))
}

// Progress describes how far along an active multi-chunk job is.
type Progress struct {
	ChunksTotal         int        `json:"chunks_total"`
	ChunksCompleted     int        `json:"chunks_completed"`
	Percent             int        `json:"percent"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// StatusResponse is the GET /jobs/{id} body.
type StatusResponse struct {
	Job      domain.Job `json:"job"`
	Progress *Progress  `json:"progress,omitempty"`
}

// Get returns the job, with live chunk progress while it is active on
// the remote fleet.
func (s *JobService) Get(ctx context.Context, id string) (StatusResponse, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	resp := StatusResponse{Job: job}
	if job.Status.Active() && len(job.RemoteJobIDs) > 0 && s.remote != nil {
		resp.Progress = s.progress(ctx, job)
	}
	return resp, nil
}

// progress polls the job's chunks best-effort. A poll error degrades
// to queue-position-style progress instead of failing the read.
func (s *JobService) progress(ctx context.Context, job domain.Job) *Progress {
	p := &Progress{ChunksTotal: len(job.RemoteJobIDs)}
	for _, rid := range job.RemoteJobIDs {
		state, err := s.remote.Status(ctx, rid)
		if err != nil {
			continue
		}
		if state.Status == domain.RemoteCompleted {
			p.ChunksCompleted++
		}
	}
	if p.ChunksTotal > 0 {
		p.Percent = p.ChunksCompleted * 100 / p.ChunksTotal
	}
	base := strings.TrimSuffix(job.Operation, domain.LocalSuffix)
	avg, ok := averageMinutes[base]
	if !ok {
		avg = defaultAverageMinutes
	}
	eta := job.TimeoutAnchor().Add(time.Duration(avg * float64(time.Minute)))
	p.EstimatedCompletion = &eta
	return p
}

// Cancel cancels one job. Terminal jobs return ErrConflict.
func (s *JobService) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.canceller.Cancel(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if s.dispatcher != nil {
		// The cancel may have freed workers.
		s.dispatcher.Kick()
	}
	return job, nil
}

// Stats returns the queue population snapshot.
func (s *JobService) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=usecase.Stats: %w", err)
	}
	return stats, nil
}

// RecoverWorkers runs one reconciliation pass on demand.
func (s *JobService) RecoverWorkers(ctx context.Context) (scheduler.Correction, error) {
	c, err := s.recoverer.ReconcileOnce(ctx)
	if err != nil {
		return scheduler.Correction{}, fmt.Errorf("op=usecase.RecoverWorkers: %w", err)
	}
	return c, nil
}

// ActiveWorker is one row of the workers diagnostic dump.
type ActiveWorker struct {
	JobID           string           `json:"job_id"`
	Operation       string           `json:"operation"`
	Status          domain.JobStatus `json:"status"`
	WorkersReserved int              `json:"workers_reserved"`
	RemoteJobIDs    []string         `json:"remote_job_ids,omitempty"`
	AgeSeconds      int              `json:"age_seconds"`
}

// WorkersStatus is the GET /admin/workers/status body.
type WorkersStatus struct {
	Available  int            `json:"available"`
	Max        int            `json:"max"`
	QueueDepth int            `json:"queue_depth"`
	Active     []ActiveWorker `json:"active"`
}

// WorkersStatusDump reports the counter and every job currently
// holding capacity.
func (s *JobService) WorkersStatusDump(ctx context.Context) (WorkersStatus, error) {
	available, err := s.store.Available(ctx)
	if err != nil {
		return WorkersStatus{}, fmt.Errorf("op=usecase.WorkersStatusDump: %w", err)
	}
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return WorkersStatus{}, fmt.Errorf("op=usecase.WorkersStatusDump: %w", err)
	}
	active, err := s.store.Active(ctx)
	if err != nil {
		return WorkersStatus{}, fmt.Errorf("op=usecase.WorkersStatusDump: %w", err)
	}
	out := WorkersStatus{
		Available:  available,
		Max:        s.maxRemoteWorkers,
		QueueDepth: depth,
		Active:     make([]ActiveWorker, 0, len(active)),
	}
	now := s.nowFn().UTC()
	for _, job := range active {
		out.Active = append(out.Active, ActiveWorker{
			JobID:           job.ID,
			Operation:       job.Operation,
			Status:          job.Status,
			WorkersReserved: job.WorkersReserved,
			RemoteJobIDs:    job.RemoteJobIDs,
			AgeSeconds:      int(now.Sub(job.CreatedAt).Seconds()),
		})
	}
	return out, nil
}
