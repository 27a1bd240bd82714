// Package redisstore implements the JobStore contract on a Redis
// server. It is the restart-safe flavor required for multi-process
// deployments: the queue scan and the counter arithmetic run as Lua
// scripts so that two dispatchers cannot race the same
// head-of-line skip.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// Persisted key layout.
const (
	jobKeyPrefix = "orchestrator:jobs:"
	queueKey     = "orchestrator:queue:pending"
	workersKey   = "orchestrator:workers:available"
)

const maxCASRetries = 5

func jobKey(id string) string { return jobKeyPrefix + id }

// enqueue appends the id unless it is already pending.
var enqueueScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if id == ARGV[1] then
    return 0
  end
end
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`)

// dequeueFittable scans the pending list in order, drops stale ids,
// and removes and returns the first id whose persisted reservation
// fits the live counter.
var dequeueFittableScript = redis.NewScript(`
local avail = tonumber(redis.call("GET", KEYS[2]) or "0")
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local raw = redis.call("GET", ARGV[1] .. id)
  if not raw then
    redis.call("LREM", KEYS[1], 1, id)
  else
    local job = cjson.decode(raw)
    if job.status ~= "QUEUED" then
      redis.call("LREM", KEYS[1], 1, id)
    else
      local need = tonumber(job.workers_needed) or 1
      if need <= avail then
        redis.call("LREM", KEYS[1], 1, id)
        return id
      end
    end
  end
end
return false
`)

// reserve is a decrement-then-verify with a compensating increment on
// underflow.
var reserveScript = redis.NewScript(`
local avail = redis.call("DECRBY", KEYS[1], ARGV[1])
if avail < 0 then
  redis.call("INCRBY", KEYS[1], ARGV[1])
  return 0
end
return 1
`)

// release increments and clamps at the cap; returns the discarded
// overflow so the caller can log it.
var releaseScript = redis.NewScript(`
local max = tonumber(ARGV[2])
local avail = redis.call("INCRBY", KEYS[1], ARGV[1])
if avail > max then
  redis.call("SET", KEYS[1], max)
  return avail - max
end
return 0
`)

// Store is a JobStore backed by a Redis server.
type Store struct {
	rdb *redis.Client
	max int
	ttl time.Duration
}

// New returns a Store. Call Init before first use to seed the worker
// counter.
func New(rdb *redis.Client, maxWorkers int, ttl time.Duration) *Store {
	return &Store{rdb: rdb, max: maxWorkers, ttl: ttl}
}

// Init seeds the worker counter when absent. Existing state is left
// untouched so a restart resumes where the previous process stopped;
// the reconciler corrects any residue.
func (s *Store) Init(ctx context.Context) error {
	if err := s.rdb.SetNX(ctx, workersKey, s.max, 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Init: %w", err)
	}
	return nil
}

func (s *Store) encode(j domain.Job) ([]byte, error) {
	buf, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.encode: %w", err)
	}
	return buf, nil
}

func (s *Store) decode(raw string) (domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.decode: %w", err)
	}
	return j, nil
}

// Create assigns an id and created_at, sizes the reservation, and
// stores the job in QUEUED.
func (s *Store) Create(ctx context.Context, draft domain.Job) (domain.Job, error) {
	draft.ID = uuid.NewString()
	draft.Status = domain.JobQueued
	draft.CreatedAt = time.Now().UTC()
	if draft.WorkersNeeded == 0 {
		draft.WorkersNeeded = domain.SizeReservation(draft.Operation, draft.Payload)
	}
	buf, err := s.encode(draft)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.rdb.Set(ctx, jobKey(draft.ID), buf, 0).Err(); err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.Create: %w", err)
	}
	return draft, nil
}

// Get returns the job or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.Get: %w", err)
	}
	return s.decode(raw)
}

// Update applies a partial overwrite under WATCH so two concurrent
// writers to the same job id cannot interleave partial patches. On
// transition to a terminal status the record gets the retention TTL.
func (s *Store) Update(ctx context.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	key := jobKey(id)
	var updated domain.Job
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		j, err := s.decode(raw)
		if err != nil {
			return err
		}
		j = patch.Apply(j)
		buf, err := s.encode(j)
		if err != nil {
			return err
		}
		expiry := time.Duration(0)
		if j.Status.Terminal() {
			expiry = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, expiry)
			return nil
		})
		if err == nil {
			updated = j
		}
		return err
	}
	for i := 0; i < maxCASRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, domain.ErrNotFound
		}
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=redisstore.Update: %w", err)
		}
		return updated, nil
	}
	return domain.Job{}, fmt.Errorf("op=redisstore.Update: %w: too many concurrent writers", domain.ErrConflict)
}

// Delete removes the job record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Delete: %w", err)
	}
	return nil
}

// Enqueue appends the id unless it is already pending.
func (s *Store) Enqueue(ctx context.Context, id string) error {
	if err := enqueueScript.Run(ctx, s.rdb, []string{queueKey}, id).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the physical head, dropping stale ids on the way.
func (s *Store) Dequeue(ctx context.Context) (string, bool, error) {
	for {
		id, err := s.rdb.LPop(ctx, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("op=redisstore.Dequeue: %w", err)
		}
		j, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if j.Status != domain.JobQueued {
			continue
		}
		return id, true, nil
	}
}

// DequeueFittable runs the atomic scan script.
func (s *Store) DequeueFittable(ctx context.Context) (string, bool, error) {
	res, err := dequeueFittableScript.Run(ctx, s.rdb, []string{queueKey, workersKey}, jobKeyPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=redisstore.DequeueFittable: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// QueueDepth reports the pending list length.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.QueueDepth: %w", err)
	}
	return int(n), nil
}

// Reserve atomically debits n workers.
func (s *Store) Reserve(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, nil
	}
	res, err := reserveScript.Run(ctx, s.rdb, []string{workersKey}, n).Int()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.Reserve: %w", err)
	}
	ok := res == 1
	if ok {
		if avail, aerr := s.Available(ctx); aerr == nil {
			observability.WorkersAvailable.Set(float64(avail))
		}
	}
	return ok, nil
}

// Release credits n workers back, clamped at the fleet cap.
func (s *Store) Release(ctx context.Context, n int) error {
	over, err := releaseScript.Run(ctx, s.rdb, []string{workersKey}, n, s.max).Int()
	if err != nil {
		return fmt.Errorf("op=redisstore.Release: %w", err)
	}
	if over > 0 {
		slog.Warn("worker over-release clamped",
			slog.Int("released", n),
			slog.Int("discarded", over),
			slog.Int("clamped_to", s.max))
		observability.WorkerOverReleaseTotal.Inc()
	}
	if avail, aerr := s.Available(ctx); aerr == nil {
		observability.WorkersAvailable.Set(float64(avail))
	}
	return nil
}

// Available returns the current counter.
func (s *Store) Available(ctx context.Context) (int, error) {
	n, err := s.rdb.Get(ctx, workersKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.Available: %w", err)
	}
	return n, nil
}

// SetAvailable is the reconciler's sentinel write, clamped to
// [0, max].
func (s *Store) SetAvailable(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	if n > s.max {
		n = s.max
	}
	if err := s.rdb.Set(ctx, workersKey, n, 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.SetAvailable: %w", err)
	}
	observability.WorkersAvailable.Set(float64(n))
	return nil
}

// All enumerates every stored job via SCAN.
func (s *Store) All(ctx context.Context) ([]domain.Job, error) {
	var out []domain.Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("op=redisstore.All: %w", err)
		}
		j, err := s.decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=redisstore.All: %w", err)
	}
	return out, nil
}

// ByStatus lists jobs in the given status.
func (s *Store) ByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Job
	for _, j := range all {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// Active lists SUBMITTED and PROCESSING jobs.
func (s *Store) Active(ctx context.Context) ([]domain.Job, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Job
	for _, j := range all {
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

// Stats returns population counts by status plus worker counts.
func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	all, err := s.All(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	avail, err := s.Available(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	stats := domain.QueueStats{
		TotalJobs:        len(all),
		ByStatus:         make(map[domain.JobStatus]int),
		QueueDepth:       depth,
		AvailableWorkers: avail,
		MaxWorkers:       s.max,
	}
	for _, j := range all {
		stats.ByStatus[j.Status]++
	}
	return stats, nil
}
