package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// LocalPool executes "_vps" jobs in-process through the MediaProcessor
// port. It shares the pending queue with the dispatcher; heads that
// belong to the remote fleet are put back and skipped.
type LocalPool struct {
	store       domain.JobStore
	proc        domain.MediaProcessor
	fin         *Finisher
	concurrency int
	interval    time.Duration

	kick  chan struct{}
	sem   chan struct{}
	nowFn func() time.Time
}

// NewLocalPool returns a LocalPool running at most concurrency jobs at
// once.
func NewLocalPool(store domain.JobStore, proc domain.MediaProcessor, fin *Finisher, concurrency int, interval time.Duration) *LocalPool {
	if concurrency < 1 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &LocalPool{
		store:       store,
		proc:        proc,
		fin:         fin,
		concurrency: concurrency,
		interval:    interval,
		kick:        make(chan struct{}, 1),
		sem:         make(chan struct{}, concurrency),
		nowFn:       time.Now,
	}
}

// Kick requests an immediate claim attempt.
func (p *LocalPool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run claims and executes local jobs until the context is cancelled.
func (p *LocalPool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("local pool stopping")
			return
		case <-p.kick:
		case <-ticker.C:
		}
		p.drain(ctx)
	}
}

// drain claims jobs while slots are free and work is available.
func (p *LocalPool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			return
		}
		job, ok := p.claim(ctx)
		if !ok {
			<-p.sem
			return
		}
		go func() {
			defer func() { <-p.sem }()
			p.process(ctx, job)
		}()
	}
}

// claim pops the queue until it finds a local job, marking it
// PROCESSING. Remote heads are re-enqueued; after a few consecutive
// skips the claim gives up until the next tick so the dispatcher can
// make progress on them.
func (p *LocalPool) claim(ctx context.Context) (domain.Job, bool) {
	skips := 0
	for {
		id, ok, err := p.store.Dequeue(ctx)
		if err != nil {
			slog.Error("local pool dequeue failed", slog.Any("error", err))
			return domain.Job{}, false
		}
		if !ok {
			return domain.Job{}, false
		}
		job, err := p.store.Get(ctx, id)
		if err != nil || job.Status != domain.JobQueued {
			continue
		}
		if !domain.IsLocalOperation(job.Operation) {
			_ = p.store.Enqueue(ctx, id)
			skips++
			if skips >= maxRoutingSkips {
				return domain.Job{}, false
			}
			continue
		}
		now := p.nowFn().UTC()
		processing := domain.JobProcessing
		claimed, err := p.store.Update(ctx, id, domain.JobPatch{
			Status:              &processing,
			ProcessingStartedAt: &now,
		})
		if err != nil {
			slog.Error("local claim failed",
				slog.String("job_id", id),
				slog.Any("error", err))
			continue
		}
		return claimed, true
	}
}

// process runs one claimed job synchronously, bounded by the
// operation's execution budget.
func (p *LocalPool) process(ctx context.Context, job domain.Job) {
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("operation", job.Operation),
	)
	base := strings.TrimSuffix(job.Operation, domain.LocalSuffix)
	runCtx, cancel := context.WithTimeout(ctx, domain.ExecutionBudget(base))
	defer cancel()

	start := p.nowFn()
	result, err := p.proc.Process(runCtx, job.Operation, job.Payload)
	if err != nil {
		lg.Warn("local job failed",
			slog.Duration("elapsed", p.nowFn().Sub(start)),
			slog.Any("error", err))
		if ferr := p.fin.Fail(ctx, job.ID, fmt.Sprintf("local execution failed: %v", err)); ferr != nil {
			lg.Error("failure transition failed", slog.Any("error", ferr))
		}
		return
	}
	if cerr := p.fin.Complete(ctx, job.ID, result); cerr != nil {
		lg.Error("completion failed", slog.Any("error", cerr))
		return
	}
	lg.Info("local job completed", slog.Duration("elapsed", p.nowFn().Sub(start)))
}
