package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// Correction summarizes one reconciler pass. It is returned to the
// admin recovery endpoint as well as logged.
type Correction struct {
	PreviousAvailable int  `json:"previous_available"`
	Available         int  `json:"available"`
	ReservedByJobs    int  `json:"reserved_by_jobs"`
	Requeued          int  `json:"requeued"`
	ClearedTerminal   int  `json:"cleared_terminal_reservations"`
	CounterCorrected  bool `json:"counter_corrected"`
}

// Reconciler restores the conservation invariant between the worker
// counter and the reservations held by live jobs. It runs once at
// startup (crash recovery) and periodically afterwards; the admin
// recovery endpoint triggers the same pass on demand.
type Reconciler struct {
	store      domain.JobStore
	maxWorkers int
	kicker     interface{ Kick() }
}

// NewReconciler returns a Reconciler. kicker, when non-nil, is poked
// after a pass that freed capacity or requeued jobs.
func NewReconciler(store domain.JobStore, maxWorkers int, kicker interface{ Kick() }) *Reconciler {
	return &Reconciler{store: store, maxWorkers: maxWorkers, kicker: kicker}
}

// Run executes a pass immediately, then on every tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	tracer := otel.Tracer("scheduler")
	if _, err := r.ReconcileOnce(ctx); err != nil {
		slog.Error("startup reconcile failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			tickCtx, span := tracer.Start(ctx, "scheduler.reconcile")
			c, err := r.ReconcileOnce(tickCtx)
			if err != nil {
				span.RecordError(err)
			}
			span.SetAttributes(
				attribute.Bool("counter.corrected", c.CounterCorrected),
				attribute.Int("jobs.requeued", c.Requeued),
			)
			span.End()
		}
	}
}

// ReconcileOnce walks every job and repairs three kinds of drift:
// terminal jobs still holding a reservation, QUEUED jobs missing from
// the pending queue, and a counter that disagrees with the sum of
// live reservations.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Correction, error) {
	jobs, err := r.store.All(ctx)
	if err != nil {
		return Correction{}, fmt.Errorf("op=scheduler.ReconcileOnce: %w", err)
	}
	lg := obsctx.LoggerFromContext(ctx)

	var c Correction
	depthBefore, err := r.store.QueueDepth(ctx)
	if err != nil {
		return Correction{}, fmt.Errorf("op=scheduler.ReconcileOnce: %w", err)
	}
	reserved := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			if job.WorkersReserved > 0 {
				zero := 0
				if _, err := r.store.Update(ctx, job.ID, domain.JobPatch{WorkersReserved: &zero}); err != nil {
					lg.Error("terminal reservation clear failed",
						slog.String("job_id", job.ID),
						slog.Any("error", err))
					continue
				}
				c.ClearedTerminal++
			}
			continue
		}
		reserved += job.WorkersReserved
		if job.Status == domain.JobQueued {
			// Enqueue is idempotent; this restores jobs that were
			// created but never queued, or lost to a partial restart.
			if err := r.store.Enqueue(ctx, job.ID); err != nil {
				lg.Error("requeue failed",
					slog.String("job_id", job.ID),
					slog.Any("error", err))
			}
		}
	}
	c.ReservedByJobs = reserved
	if depthAfter, err := r.store.QueueDepth(ctx); err == nil && depthAfter > depthBefore {
		c.Requeued = depthAfter - depthBefore
	}

	current, err := r.store.Available(ctx)
	if err != nil {
		return c, fmt.Errorf("op=scheduler.ReconcileOnce: %w", err)
	}
	c.PreviousAvailable = current
	expected := r.maxWorkers - reserved
	if expected < 0 {
		expected = 0
	}
	if expected > r.maxWorkers {
		expected = r.maxWorkers
	}
	c.Available = expected
	if current != expected {
		if err := r.store.SetAvailable(ctx, expected); err != nil {
			return c, fmt.Errorf("op=scheduler.ReconcileOnce: set counter: %w", err)
		}
		observability.ReconcilerCorrectionsTotal.Inc()
		c.CounterCorrected = true
		lg.Warn("worker counter corrected",
			slog.Int("was", current),
			slog.Int("now", expected),
			slog.Int("reserved", reserved))
	}
	if r.kicker != nil && (c.CounterCorrected || c.Requeued > 0) {
		r.kicker.Kick()
	}
	return c, nil
}
