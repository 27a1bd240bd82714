package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// fakeRemote is an in-memory RemoteClient scripted per test.
type fakeRemote struct {
	mu          sync.Mutex
	nextID      int
	submissions []submission
	statuses    map[string]domain.RemoteJobState
	statusErr   map[string]error
	cancelled   []string
	failAfter   int    // fail the (failAfter+1)-th submit; -1 disables
	onSubmit    func() // runs at the start of every Submit, set before use
}

type submission struct {
	id        string
	operation string
	payload   json.RawMessage
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		statuses:  make(map[string]domain.RemoteJobState),
		statusErr: make(map[string]error),
		failAfter: -1,
	}
}

func (f *fakeRemote) Submit(_ context.Context, operation string, payload json.RawMessage) (string, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.submissions) >= f.failAfter {
		return "", fmt.Errorf("executor unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("rp-%d", f.nextID)
	f.submissions = append(f.submissions, submission{id: id, operation: operation, payload: payload})
	f.statuses[id] = domain.RemoteJobState{ID: id, Status: domain.RemoteInQueue}
	return id, nil
}

func (f *fakeRemote) Status(_ context.Context, id string) (domain.RemoteJobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[id]; err != nil {
		return domain.RemoteJobState{}, err
	}
	return f.statuses[id], nil
}

func (f *fakeRemote) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRemote) setStatus(id string, st domain.RemoteStatus, output string, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := domain.RemoteJobState{ID: id, Status: st, Error: errMsg}
	if output != "" {
		state.Output = json.RawMessage(output)
	}
	f.statuses[id] = state
}

func (f *fakeRemote) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func (f *fakeRemote) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// fakeNotifier counts terminal notifications per job.
type fakeNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	last  map[string]domain.JobStatus
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{calls: make(map[string]int), last: make(map[string]domain.JobStatus)}
}

func (f *fakeNotifier) NotifyTerminal(_ context.Context, job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[job.ID]++
	f.last[job.ID] = job.Status
}

func (f *fakeNotifier) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// enqueueJob creates and enqueues one QUEUED job, returning it.
func enqueueJob(t *testing.T, store *memstore.Store, operation, payload string) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.Create(ctx, domain.Job{
		Operation:  operation,
		Payload:    json.RawMessage(payload),
		WebhookURL: "https://hooks.example.com/done",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func imagesPayload(n int) string {
	imgs := make([]string, n)
	for i := range imgs {
		imgs[i] = fmt.Sprintf(`"img_%03d.png"`, i)
	}
	return `{"images":[` + strings.Join(imgs, ",") + `],"fps":24}`
}

func mustGet(t *testing.T, store *memstore.Store, id string) domain.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func availableWorkers(t *testing.T, store *memstore.Store) int {
	t.Helper()
	n, err := store.Available(context.Background())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	return n
}
