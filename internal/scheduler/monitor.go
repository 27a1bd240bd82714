package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// Monitor watches active remote jobs: it polls their chunks, promotes
// SUBMITTED to PROCESSING, aggregates completed chunks, and enforces
// per-operation execution budgets.
type Monitor struct {
	store           domain.JobStore
	remote          domain.RemoteClient
	fin             *Finisher
	pollInterval    time.Duration
	timeoutInterval time.Duration
	nowFn           func() time.Time
}

// NewMonitor returns a Monitor with the given loop intervals.
func NewMonitor(store domain.JobStore, remote domain.RemoteClient, fin *Finisher, pollInterval, timeoutInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeoutInterval <= 0 {
		timeoutInterval = time.Minute
	}
	return &Monitor{
		store:           store,
		remote:          remote,
		fin:             fin,
		pollInterval:    pollInterval,
		timeoutInterval: timeoutInterval,
		nowFn:           time.Now,
	}
}

// RunPolling polls active remote jobs until the context is cancelled.
func (m *Monitor) RunPolling(ctx context.Context) {
	tracer := otel.Tracer("scheduler")
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor polling stopping")
			return
		case <-ticker.C:
			tickCtx, span := tracer.Start(ctx, "monitor.poll")
			polled := m.pollOnce(tickCtx)
			span.SetAttributes(attribute.Int("jobs.polled", polled))
			span.End()
		}
	}
}

// RunTimeouts enforces execution budgets until the context is
// cancelled.
func (m *Monitor) RunTimeouts(ctx context.Context) {
	tracer := otel.Tracer("scheduler")
	ticker := time.NewTicker(m.timeoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor timeout loop stopping")
			return
		case <-ticker.C:
			tickCtx, span := tracer.Start(ctx, "monitor.timeouts")
			expired := m.timeoutOnce(tickCtx, m.nowFn().UTC())
			span.SetAttributes(attribute.Int("jobs.expired", expired))
			span.End()
		}
	}
}

// pollOnce polls every active remote job once and returns how many it
// looked at.
func (m *Monitor) pollOnce(ctx context.Context) int {
	jobs, err := m.store.Active(ctx)
	if err != nil {
		slog.Error("monitor active scan failed", slog.Any("error", err))
		return 0
	}
	polled := 0
	for _, job := range jobs {
		if len(job.RemoteJobIDs) == 0 {
			// Local-pool job in flight; the pool finishes it itself.
			continue
		}
		polled++
		m.pollJob(ctx, job)
	}
	return polled
}

// pollJob polls every chunk of one job in parallel and advances the
// job according to the combined outcome.
func (m *Monitor) pollJob(ctx context.Context, job domain.Job) {
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("operation", job.Operation),
	)

	type chunkResult struct {
		state domain.RemoteJobState
		err   error
	}
	results := make([]chunkResult, len(job.RemoteJobIDs))
	var wg sync.WaitGroup
	for i, rid := range job.RemoteJobIDs {
		wg.Add(1)
		go func(i int, rid string) {
			defer wg.Done()
			state, err := m.remote.Status(ctx, rid)
			results[i] = chunkResult{state: state, err: err}
		}(i, rid)
	}
	wg.Wait()

	completed := 0
	anyProgress := false
	outputs := make([]json.RawMessage, len(results))
	for i, r := range results {
		if r.err != nil {
			if errors.Is(r.err, domain.ErrNotFound) {
				// The executor no longer knows the chunk. Nothing will
				// ever complete it, so fail now instead of holding the
				// reservation until the timeout.
				lg.Warn("remote chunk orphaned", slog.String("remote_id", job.RemoteJobIDs[i]))
				m.failAndCancelRest(ctx, job, fmt.Sprintf("remote job %s no longer exists", job.RemoteJobIDs[i]))
				return
			}
			lg.Warn("remote status poll failed",
				slog.String("remote_id", job.RemoteJobIDs[i]),
				slog.Any("error", r.err))
			return
		}
		switch r.state.Status {
		case domain.RemoteCompleted:
			completed++
			outputs[i] = r.state.Output
		case domain.RemoteInProgress:
			anyProgress = true
		case domain.RemoteInQueue:
			// still waiting
		case domain.RemoteFailed, domain.RemoteTimedOut, domain.RemoteCancelled:
			reason := r.state.Error
			if reason == "" {
				reason = fmt.Sprintf("remote job %s ended %s", r.state.ID, r.state.Status)
			}
			m.failAndCancelRest(ctx, job, reason)
			return
		default:
			lg.Warn("unknown remote status",
				slog.String("remote_id", r.state.ID),
				slog.String("status", string(r.state.Status)))
			return
		}
	}

	if completed == len(results) {
		agg, err := domain.AggregateChunkOutputs(outputs)
		if err != nil {
			m.failAndCancelRest(ctx, job, fmt.Sprintf("output aggregation failed: %v", err))
			return
		}
		if err := m.fin.Complete(ctx, job.ID, agg); err != nil {
			lg.Error("completion failed", slog.Any("error", err))
		}
		return
	}
	if (anyProgress || completed > 0) && job.Status == domain.JobSubmitted {
		now := m.nowFn().UTC()
		processing := domain.JobProcessing
		if _, err := m.store.Update(ctx, job.ID, domain.JobPatch{
			Status:              &processing,
			ProcessingStartedAt: &now,
		}); err != nil {
			lg.Error("processing transition failed", slog.Any("error", err))
		}
	}
}

// failAndCancelRest fails the job and best-effort cancels every chunk
// so no executor keeps burning on abandoned work.
func (m *Monitor) failAndCancelRest(ctx context.Context, job domain.Job, reason string) {
	for _, rid := range job.RemoteJobIDs {
		if err := m.remote.Cancel(ctx, rid); err != nil {
			obsctx.LoggerFromContext(ctx).Debug("chunk cancel failed",
				slog.String("remote_id", rid),
				slog.Any("error", err))
		}
	}
	if err := m.fin.Fail(ctx, job.ID, reason); err != nil {
		obsctx.LoggerFromContext(ctx).Error("failure transition failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
}

// timeoutOnce fails every active job whose budget has run out and
// returns the number expired. Jobs submitted but not yet executing
// get QueueGrace on top of the execution budget. QUEUED jobs are out
// of scope: waiting for capacity is not an error, however long it
// takes.
func (m *Monitor) timeoutOnce(ctx context.Context, now time.Time) int {
	active, err := m.store.Active(ctx)
	if err != nil {
		slog.Error("monitor timeout scan failed", slog.Any("error", err))
		return 0
	}

	expired := 0
	for _, job := range active {
		base := strings.TrimSuffix(job.Operation, domain.LocalSuffix)
		allowed := domain.ExecutionBudget(base)
		if job.ProcessingStartedAt == nil {
			allowed += domain.QueueGrace
		}
		age := now.Sub(job.TimeoutAnchor())
		if age <= allowed {
			continue
		}
		expired++
		obsctx.LoggerFromContext(ctx).Warn("job timed out",
			slog.String("job_id", job.ID),
			slog.String("operation", job.Operation),
			slog.Duration("age", age),
			slog.Duration("allowed", allowed))
		reason := fmt.Sprintf("timed out after %s (limit %s)", age.Round(time.Second), allowed)
		if len(job.RemoteJobIDs) > 0 {
			m.failAndCancelRest(ctx, job, reason)
			continue
		}
		if err := m.fin.Fail(ctx, job.ID, reason); err != nil {
			slog.Error("timeout transition failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
		}
	}
	return expired
}
