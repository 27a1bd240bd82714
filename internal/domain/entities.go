// Package domain holds the core entities and ports of the media job
// orchestrator. It has no dependencies on adapters; everything that
// touches the network or a store implements one of the interfaces
// defined here.
package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

// Job lifecycle states. QUEUED is initial; COMPLETED, FAILED and
// CANCELLED are terminal.
const (
	JobQueued     JobStatus = "QUEUED"
	JobSubmitted  JobStatus = "SUBMITTED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. A job never leaves a
// terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether a remote executor may still be working on the
// job.
func (s JobStatus) Active() bool {
	return s == JobSubmitted || s == JobProcessing
}

// Operation tags accepted by the orchestrator. Each remote operation
// has a parallel "_vps" variant executed by the local pool instead of
// the GPU fleet.
const (
	OpImg2Vid          = "img2vid"
	OpAddAudio         = "addaudio"
	OpConcatenate      = "concatenate"
	OpCaptionSegments  = "caption_segments"
	OpCaptionHighlight = "caption_highlight"
	OpConcatVideoAudio = "concat_video_audio"
	OpTrilhaSonora     = "trilhasonora"
	OpTranscribe       = "transcribe"

	// LocalSuffix routes an operation to the local CPU pool.
	LocalSuffix = "_vps"
)

var remoteOperations = map[string]bool{
	OpImg2Vid:          true,
	OpAddAudio:         true,
	OpConcatenate:      true,
	OpCaptionSegments:  true,
	OpCaptionHighlight: true,
	OpConcatVideoAudio: true,
	OpTrilhaSonora:     true,
	OpTranscribe:       true,
}

// IsLocalOperation reports whether the operation runs on the local
// pool. The suffix is the sole routing signal.
func IsLocalOperation(op string) bool {
	return strings.HasSuffix(op, LocalSuffix)
}

// KnownOperation reports whether op belongs to the closed operation
// set, including the "_vps" variants.
func KnownOperation(op string) bool {
	base := strings.TrimSuffix(op, LocalSuffix)
	return remoteOperations[base]
}

// Processor identifies the executor class in webhook payloads.
func Processor(op string) string {
	if IsLocalOperation(op) {
		return "VPS"
	}
	return "GPU"
}

// Job is the central entity. The payload and result are opaque to the
// core; the only payload fields ever inspected are the "images" array
// length and the injected "start_index" (see reservation.go).
type Job struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	WebhookURL    string          `json:"webhook_url"`
	CorrelationID *int64          `json:"correlation_id,omitempty"`
	PathRoot      string          `json:"path_root,omitempty"`

	Status JobStatus `json:"status"`

	// RemoteJobIDs holds one executor handle per sub-submission, in
	// submission order. Empty for local jobs and for QUEUED jobs.
	RemoteJobIDs []string `json:"remote_job_ids,omitempty"`

	// WorkersNeeded is the reservation computed at creation time and
	// consulted by the fittable dequeue.
	WorkersNeeded int `json:"workers_needed"`

	// WorkersReserved is the count currently debited from the global
	// counter on this job's behalf. Zero on all terminal states.
	WorkersReserved int `json:"workers_reserved"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	Attempts   int `json:"attempts"`
}

// TimeoutAnchor returns the timestamp the execution-phase timeout is
// measured from.
func (j Job) TimeoutAnchor() time.Time {
	if j.ProcessingStartedAt != nil {
		return *j.ProcessingStartedAt
	}
	if j.SubmittedAt != nil {
		return *j.SubmittedAt
	}
	return j.CreatedAt
}

// JobPatch is a partial overwrite applied by JobStore.Update. Nil
// fields are left untouched. The store never vetoes a patch; callers
// enforce the status DAG.
type JobPatch struct {
	Status              *JobStatus
	RemoteJobIDs        *[]string
	WorkersReserved     *int
	Result              json.RawMessage
	Error               *string
	SubmittedAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	RetryCount          *int
	Attempts            *int
}

// Apply overlays the patch onto a job copy.
func (p JobPatch) Apply(j Job) Job {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.RemoteJobIDs != nil {
		j.RemoteJobIDs = *p.RemoteJobIDs
	}
	if p.WorkersReserved != nil {
		j.WorkersReserved = *p.WorkersReserved
	}
	if p.Result != nil {
		j.Result = p.Result
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.SubmittedAt != nil {
		j.SubmittedAt = p.SubmittedAt
	}
	if p.ProcessingStartedAt != nil {
		j.ProcessingStartedAt = p.ProcessingStartedAt
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	return j
}

// QueueStats is the population snapshot served by GET /queue/stats.
type QueueStats struct {
	TotalJobs        int               `json:"total_jobs"`
	ByStatus         map[JobStatus]int `json:"by_status"`
	QueueDepth       int               `json:"queue_depth"`
	AvailableWorkers int               `json:"available_workers"`
	MaxWorkers       int               `json:"max_workers"`
}

// JobStore is the persistence contract shared by the in-memory and
// Redis implementations. The fittable dequeue is part of the
// interface, not a caller-side filter, so the durable implementation
// can make the scan atomic.
type JobStore interface {
	Create(ctx context.Context, draft Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, patch JobPatch) (Job, error)
	Delete(ctx context.Context, id string) error

	// Enqueue appends the id to the pending queue; re-enqueue of an id
	// already present is a no-op.
	Enqueue(ctx context.Context, id string) error
	// Dequeue pops the physical queue head (used by the local pool,
	// where every job is unit-cost).
	Dequeue(ctx context.Context) (string, bool, error)
	// DequeueFittable scans the queue in order and removes and returns
	// the first id whose reservation fits the current counter. Stale
	// ids (job gone or no longer QUEUED) are dropped during the scan.
	DequeueFittable(ctx context.Context) (string, bool, error)
	QueueDepth(ctx context.Context) (int, error)

	// Reserve atomically debits n workers; false means nothing was
	// debited. Release credits n back, clamped at the fleet cap.
	Reserve(ctx context.Context, n int) (bool, error)
	Release(ctx context.Context, n int) error
	Available(ctx context.Context) (int, error)
	// SetAvailable is the reconciler's sentinel write; no other caller
	// may set the counter directly.
	SetAvailable(ctx context.Context, n int) error

	ByStatus(ctx context.Context, s JobStatus) ([]Job, error)
	Active(ctx context.Context) ([]Job, error)
	Queued(ctx context.Context) ([]Job, error)
	All(ctx context.Context) ([]Job, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// RemoteStatus values are consumed verbatim from the executor API.
type RemoteStatus string

// Remote executor status set.
const (
	RemoteInQueue    RemoteStatus = "IN_QUEUE"
	RemoteInProgress RemoteStatus = "IN_PROGRESS"
	RemoteCompleted  RemoteStatus = "COMPLETED"
	RemoteFailed     RemoteStatus = "FAILED"
	RemoteCancelled  RemoteStatus = "CANCELLED"
	RemoteTimedOut   RemoteStatus = "TIMED_OUT"
)

// RemoteJobState is one poll response for a single sub-job.
type RemoteJobState struct {
	ID     string          `json:"id"`
	Status RemoteStatus    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteClient wraps the serverless executor control plane.
type RemoteClient interface {
	Submit(ctx context.Context, operation string, payload json.RawMessage) (string, error)
	// Status is idempotent and safe to poll. A "job does not exist"
	// response surfaces as ErrNotFound; the monitor treats it as an
	// orphaned remote job.
	Status(ctx context.Context, id string) (RemoteJobState, error)
	Cancel(ctx context.Context, id string) error
}

// Notifier delivers the terminal-state webhook. Implementations own
// retry and dead-lettering; callers invoke it exactly once per
// terminal transition.
type Notifier interface {
	NotifyTerminal(ctx context.Context, job Job)
}

// MediaProcessor executes a local-pool operation synchronously. The
// actual media work (FFmpeg, storage) lives outside the core.
type MediaProcessor interface {
	Process(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)
}
