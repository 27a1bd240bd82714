package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// maxRoutingSkips bounds how many jobs belonging to the other executor
// a single pass will re-enqueue before backing off. The queue is
// shared between the dispatcher and the local pool; without the bound
// a queue full of the other side's jobs would make a pass spin.
const maxRoutingSkips = 3

// routingSkipBackoff is the pause after maxRoutingSkips.
const routingSkipBackoff = 2 * time.Second

// Dispatcher drains the pending queue into the remote fleet. It is
// kicked on every enqueue and release, with a ticker as the safety
// net; passes never overlap.
type Dispatcher struct {
	store    domain.JobStore
	remote   domain.RemoteClient
	fin      *Finisher
	interval time.Duration

	kick        chan struct{}
	running     atomic.Bool
	skipBackoff time.Duration
	nowFn       func() time.Time
}

// NewDispatcher returns a Dispatcher ticking at interval.
func NewDispatcher(store domain.JobStore, remote domain.RemoteClient, fin *Finisher, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		store:       store,
		remote:      remote,
		fin:         fin,
		interval:    interval,
		kick:        make(chan struct{}, 1),
		skipBackoff: routingSkipBackoff,
		nowFn:       time.Now,
	}
}

// Kick requests a pass without waiting for the ticker. Safe from any
// goroutine; coalesces while a pass is pending.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives passes until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping")
			return
		case <-d.kick:
		case <-ticker.C:
		}
		d.pass(ctx)
	}
}

// pass drains fittable work until the queue or the capacity runs out.
// The atomic guard makes it safe to call from Run and from tests at
// the same time.
func (d *Dispatcher) pass(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	reserveBO := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(1.5),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithRandomizationFactor(0),
	)
	skips := 0
	for ctx.Err() == nil {
		id, ok, err := d.store.DequeueFittable(ctx)
		if err != nil {
			slog.Error("dispatcher dequeue failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		job, err := d.store.Get(ctx, id)
		if err != nil || job.Status != domain.JobQueued {
			continue
		}
		if domain.IsLocalOperation(job.Operation) {
			// Local-pool job; put it back and let the pool take it.
			_ = d.store.Enqueue(ctx, id)
			skips++
			if skips >= maxRoutingSkips {
				d.sleep(ctx, d.skipBackoff)
				return
			}
			continue
		}
		if err := d.submit(ctx, job, reserveBO); err != nil {
			return
		}
		// Only consecutive routing skips count toward the backoff.
		skips = 0
	}
}

// submit reserves workers for one job, records the reservation on the
// job, splits it, and sends every chunk. A reservation miss
// re-enqueues the job and ends the pass after a short wait; reserve
// races with releases, so the miss is ordinary contention, not a bug.
func (d *Dispatcher) submit(ctx context.Context, job domain.Job, reserveBO backoff.BackOff) error {
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("operation", job.Operation),
	)
	n := job.WorkersNeeded
	if n < 1 {
		n = 1
	}
	ok, err := d.store.Reserve(ctx, n)
	if err != nil {
		lg.Error("worker reserve failed", slog.Any("error", err))
		_ = d.store.Enqueue(ctx, job.ID)
		return err
	}
	if !ok {
		_ = d.store.Enqueue(ctx, job.ID)
		d.sleep(ctx, reserveBO.NextBackOff())
		return fmt.Errorf("capacity lost for job %s", job.ID)
	}

	// Record the reservation before the remote round-trips so the
	// counter and the per-job reservations agree at every instant a
	// concurrent reconciler pass may observe. From here on a failure
	// goes through the Finisher, which releases the recorded workers.
	if _, err := d.store.Update(ctx, job.ID, domain.JobPatch{WorkersReserved: &n}); err != nil {
		lg.Error("reservation record failed", slog.Any("error", err))
		_ = d.store.Release(ctx, n)
		_ = d.store.Enqueue(ctx, job.ID)
		return err
	}

	chunks, err := domain.SplitSubmissions(job.Payload, n)
	if err != nil {
		_ = d.fin.Fail(ctx, job.ID, fmt.Sprintf("payload split failed: %v", err))
		return nil
	}

	remoteIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		rid, err := d.remote.Submit(ctx, job.Operation, chunk)
		if err != nil {
			observability.RemoteSubmissionsTotal.WithLabelValues("error").Inc()
			lg.Error("remote submit failed",
				slog.Int("submitted", len(remoteIDs)),
				slog.Any("error", err))
			// Partial submission; cancel what went out and fail the
			// job, which also returns the recorded workers.
			for _, sent := range remoteIDs {
				_ = d.remote.Cancel(ctx, sent)
			}
			_ = d.fin.Fail(ctx, job.ID, fmt.Sprintf("remote submission failed: %v", err))
			return nil
		}
		observability.RemoteSubmissionsTotal.WithLabelValues("success").Inc()
		remoteIDs = append(remoteIDs, rid)
	}

	now := d.nowFn().UTC()
	submitted := domain.JobSubmitted
	attempts := job.Attempts + 1
	if _, err := d.store.Update(ctx, job.ID, domain.JobPatch{
		Status:       &submitted,
		RemoteJobIDs: &remoteIDs,
		SubmittedAt:  &now,
		Attempts:     &attempts,
	}); err != nil {
		lg.Error("submit record failed", slog.Any("error", err))
		return err
	}
	lg.Info("job submitted",
		slog.Int("chunks", len(remoteIDs)),
		slog.Int("workers", n))
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
