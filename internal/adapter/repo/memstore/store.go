// Package memstore implements the JobStore contract over in-process
// maps. It is sufficient for single-node deployments and tests; the
// redisstore package provides the restart-safe flavor.
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// Store is a mutex-guarded JobStore. Every method takes the lock for
// its full duration, which makes the dequeue scan and the
// reserve/release pair atomic by construction.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	queue     []string
	available int
	max       int
	ttl       time.Duration
	nowFn     func() time.Time
}

// New returns a Store with the counter initialized to maxWorkers.
func New(maxWorkers int, ttl time.Duration) *Store {
	return &Store{
		jobs:      make(map[string]domain.Job),
		available: maxWorkers,
		max:       maxWorkers,
		ttl:       ttl,
		nowFn:     time.Now,
	}
}

// Create assigns an id and created_at, sizes the reservation, and
// stores the job in QUEUED.
func (s *Store) Create(_ context.Context, draft domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft.ID = uuid.NewString()
	draft.Status = domain.JobQueued
	draft.CreatedAt = s.nowFn().UTC()
	if draft.WorkersNeeded == 0 {
		draft.WorkersNeeded = domain.SizeReservation(draft.Operation, draft.Payload)
	}
	s.jobs[draft.ID] = draft
	return draft, nil
}

// Get returns the job or domain.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

// Update applies a partial overwrite. The store never vetoes a patch.
func (s *Store) Update(_ context.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	j = patch.Apply(j)
	s.jobs[id] = j
	return j, nil
}

// Delete removes the job. Deleting an absent id is a no-op.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Enqueue appends the id unless it is already pending.
func (s *Store) Enqueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.queue {
		if queued == id {
			return nil
		}
	}
	s.queue = append(s.queue, id)
	return nil
}

// Dequeue pops the physical head, dropping stale ids on the way.
func (s *Store) Dequeue(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if j, ok := s.jobs[id]; ok && j.Status == domain.JobQueued {
			return id, true, nil
		}
	}
	return "", false, nil
}

// DequeueFittable returns the first queued id whose reservation fits
// the current counter, removing it and any stale ids encountered
// during the scan. Removing a non-head element is the designed
// head-of-line-skip behavior.
func (s *Store) DequeueFittable(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]string, 0, len(s.queue))
	var found string
	for _, id := range s.queue {
		j, ok := s.jobs[id]
		if !ok || j.Status != domain.JobQueued {
			continue // stale; drop during scan
		}
		if found == "" && j.WorkersNeeded <= s.available {
			found = id
			continue
		}
		kept = append(kept, id)
	}
	s.queue = kept
	if found == "" {
		return "", false, nil
	}
	return found, true, nil
}

// QueueDepth reports the pending queue length.
func (s *Store) QueueDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

// Reserve atomically debits n workers.
func (s *Store) Reserve(_ context.Context, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > s.available {
		return false, nil
	}
	s.available -= n
	observability.WorkersAvailable.Set(float64(s.available))
	return true, nil
}

// Release credits n workers back, clamped at the fleet cap.
// Over-release is logged and capped, not fatal; the reconciler
// restores the conservation invariant on its next pass.
func (s *Store) Release(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available += n
	if s.available > s.max {
		slog.Warn("worker over-release clamped",
			slog.Int("released", n),
			slog.Int("clamped_to", s.max))
		observability.WorkerOverReleaseTotal.Inc()
		s.available = s.max
	}
	observability.WorkersAvailable.Set(float64(s.available))
	return nil
}

// Available returns the current counter.
func (s *Store) Available(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available, nil
}

// SetAvailable is the reconciler's sentinel write, clamped to
// [0, max].
func (s *Store) SetAvailable(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > s.max {
		n = s.max
	}
	s.available = n
	observability.WorkersAvailable.Set(float64(s.available))
	return nil
}

// ByStatus lists jobs in the given status.
func (s *Store) ByStatus(_ context.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// Active lists SUBMITTED and PROCESSING jobs.
func (s *Store) Active(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, j)
		}
	}
	return out, nil
}

// Queued lists QUEUED jobs.
func (s *Store) Queued(ctx context.Context) ([]domain.Job, error) {
	return s.ByStatus(ctx, domain.JobQueued)
}

// All enumerates every stored job.
func (s *Store) All(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

// Stats returns population counts by status plus worker counts.
func (s *Store) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.QueueStats{
		TotalJobs:        len(s.jobs),
		ByStatus:         make(map[domain.JobStatus]int),
		QueueDepth:       len(s.queue),
		AvailableWorkers: s.available,
		MaxWorkers:       s.max,
	}
	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
	}
	return stats, nil
}

// RunTTLSweep deletes terminal jobs once their completed_at is older
// than the configured TTL. The durable store expresses the same
// retention as a key TTL.
func (s *Store) RunTTLSweep(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("memstore ttl sweep stopping")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.nowFn().Add(-s.ttl)
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("memstore ttl sweep", slog.Int("removed", removed))
	}
}
