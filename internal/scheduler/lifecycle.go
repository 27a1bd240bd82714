// Package scheduler contains the moving parts of the orchestrator:
// the dispatcher that submits queued work to the remote fleet, the
// local pool that runs "_vps" operations in-process, the monitor that
// polls and times out active jobs, and the reconciler that repairs the
// worker counter. All of them drive jobs through a Finisher so every
// terminal transition releases workers first and fires the webhook
// exactly once.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// Finisher owns terminal transitions. Workers are released before the
// terminal status is written: if the process dies in between, the
// worst case is a clamped over-release on the retry, which the
// reconciler corrects, instead of workers leaking forever.
type Finisher struct {
	store    domain.JobStore
	remote   domain.RemoteClient
	notifier domain.Notifier
	kicker   interface{ Kick() }
	nowFn    func() time.Time
}

// NewFinisher returns a Finisher. remote may be nil when no remote
// fleet is configured; notifier may be nil in tests.
func NewFinisher(store domain.JobStore, remote domain.RemoteClient, notifier domain.Notifier) *Finisher {
	return &Finisher{store: store, remote: remote, notifier: notifier, nowFn: time.Now}
}

// SetKicker wires the dispatcher signal fired after a terminal
// transition that released workers, so freed capacity is picked up
// without waiting for the next ticker. Wired once at startup, before
// any loop runs.
func (f *Finisher) SetKicker(k interface{ Kick() }) { f.kicker = k }

// Complete moves a job to COMPLETED with the given result. Completing
// an already-terminal job is a no-op, which keeps the webhook
// single-shot when the monitor and a cancel race.
func (f *Finisher) Complete(ctx context.Context, id string, result []byte) error {
	return f.finish(ctx, id, domain.JobCompleted, func(p *domain.JobPatch) {
		p.Result = result
	})
}

// Fail moves a job to FAILED with the given reason.
func (f *Finisher) Fail(ctx context.Context, id string, reason string) error {
	return f.finish(ctx, id, domain.JobFailed, func(p *domain.JobPatch) {
		p.Error = &reason
	})
}

// Cancel moves a job to CANCELLED and best-effort cancels its remote
// sub-jobs. Cancelling a terminal job returns ErrConflict.
func (f *Finisher) Cancel(ctx context.Context, id string) (domain.Job, error) {
	job, err := f.store.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: job %s is already %s", domain.ErrConflict, id, job.Status)
	}
	f.cancelRemote(ctx, job)
	if err := f.finish(ctx, id, domain.JobCancelled, nil); err != nil {
		return domain.Job{}, err
	}
	updated, err := f.store.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	return updated, nil
}

// cancelRemote fires best-effort cancels for every submitted chunk.
func (f *Finisher) cancelRemote(ctx context.Context, job domain.Job) {
	if f.remote == nil {
		return
	}
	for _, rid := range job.RemoteJobIDs {
		if err := f.remote.Cancel(ctx, rid); err != nil {
			obsctx.LoggerFromContext(ctx).Warn("remote cancel failed",
				slog.String("job_id", job.ID),
				slog.String("remote_id", rid),
				slog.Any("error", err))
		}
	}
}

func (f *Finisher) finish(ctx context.Context, id string, status domain.JobStatus, mutate func(*domain.JobPatch)) error {
	job, err := f.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=scheduler.finish: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	released := job.WorkersReserved > 0
	if released {
		if err := f.store.Release(ctx, job.WorkersReserved); err != nil {
			return fmt.Errorf("op=scheduler.finish: release: %w", err)
		}
	}
	now := f.nowFn().UTC()
	zero := 0
	patch := domain.JobPatch{
		Status:          &status,
		WorkersReserved: &zero,
		CompletedAt:     &now,
	}
	if mutate != nil {
		mutate(&patch)
	}
	updated, err := f.store.Update(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("op=scheduler.finish: %w", err)
	}

	proc := domain.Processor(updated.Operation)
	switch status {
	case domain.JobCompleted:
		observability.JobsCompletedTotal.WithLabelValues(updated.Operation, proc).Inc()
	case domain.JobFailed:
		observability.JobsFailedTotal.WithLabelValues(updated.Operation, proc).Inc()
	case domain.JobCancelled:
		observability.JobsCancelledTotal.WithLabelValues(updated.Operation).Inc()
	}
	obsctx.LoggerFromContext(ctx).Info("job finished",
		slog.String("job_id", id),
		slog.String("operation", updated.Operation),
		slog.String("status", string(status)))

	// The release is written; queued work may now fit.
	if released && f.kicker != nil {
		f.kicker.Kick()
	}
	if f.notifier != nil {
		f.notifier.NotifyTerminal(ctx, updated)
	}
	return nil
}
