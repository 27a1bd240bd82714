package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// submitViaDispatcher runs one dispatch pass and returns the job as
// stored afterwards.
func submitViaDispatcher(t *testing.T, store *memstore.Store, remote *fakeRemote, notifier *fakeNotifier, operation, payload string) domain.Job {
	t.Helper()
	job := enqueueJob(t, store, operation, payload)
	newDispatcher(store, remote, notifier).pass(context.Background())
	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobSubmitted {
		t.Fatalf("setup dispatch: status = %s", after.Status)
	}
	return after
}

func newMonitor(store *memstore.Store, remote *fakeRemote, notifier *fakeNotifier) *Monitor {
	fin := NewFinisher(store, remote, notifier)
	return NewMonitor(store, remote, fin, time.Second, time.Minute)
}

func TestPoll_PromotesToProcessing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpAddAudio, `{"video":"a.mp4"}`)

	m := newMonitor(store, remote, notifier)
	m.pollOnce(ctx) // still IN_QUEUE
	if got := mustGet(t, store, job.ID).Status; got != domain.JobSubmitted {
		t.Fatalf("IN_QUEUE must not promote, got %s", got)
	}

	remote.setStatus(job.RemoteJobIDs[0], domain.RemoteInProgress, "", "")
	m.pollOnce(ctx)
	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobProcessing || after.ProcessingStartedAt == nil {
		t.Fatalf("after progress poll: %s started=%v", after.Status, after.ProcessingStartedAt)
	}
}

func TestPoll_CompletesAndAggregatesChunks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpImg2Vid, imagesPayload(60))
	if len(job.RemoteJobIDs) != 2 {
		t.Fatalf("chunks = %d", len(job.RemoteJobIDs))
	}

	m := newMonitor(store, remote, notifier)
	// Second chunk finishes first; aggregation must still order by
	// filename suffix.
	remote.setStatus(job.RemoteJobIDs[1], domain.RemoteCompleted,
		`{"code":200,"videos":[{"filename":"video_30.mp4"},{"filename":"video_31.mp4"}]}`, "")
	m.pollOnce(ctx)
	if got := mustGet(t, store, job.ID).Status; got.Terminal() {
		t.Fatalf("half-done job must not be terminal, got %s", got)
	}

	remote.setStatus(job.RemoteJobIDs[0], domain.RemoteCompleted,
		`{"code":200,"videos":[{"filename":"video_1.mp4"},{"filename":"video_0.mp4"}]}`, "")
	m.pollOnce(ctx)

	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobCompleted || after.WorkersReserved != 0 {
		t.Fatalf("after: status=%s reserved=%d", after.Status, after.WorkersReserved)
	}
	if got := availableWorkers(t, store); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}
	var result struct {
		Code   int `json:"code"`
		Videos []struct {
			Filename string `json:"filename"`
		} `json:"videos"`
	}
	if err := json.Unmarshal(after.Result, &result); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	want := []string{"video_0.mp4", "video_1.mp4", "video_30.mp4", "video_31.mp4"}
	if result.Code != 200 || len(result.Videos) != len(want) {
		t.Fatalf("result: %+v", result)
	}
	for i, v := range result.Videos {
		if v.Filename != want[i] {
			t.Fatalf("videos[%d] = %s, want %s", i, v.Filename, want[i])
		}
	}
	if notifier.count(job.ID) != 1 {
		t.Fatalf("webhook count = %d, want 1", notifier.count(job.ID))
	}
}

func TestPoll_ChunkFailureFailsJobAndCancelsSiblings(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpImg2Vid, imagesPayload(60))

	remote.setStatus(job.RemoteJobIDs[0], domain.RemoteFailed, "", "CUDA out of memory")
	newMonitor(store, remote, notifier).pollOnce(ctx)

	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobFailed || after.Error != "CUDA out of memory" {
		t.Fatalf("after: status=%s error=%q", after.Status, after.Error)
	}
	if got := availableWorkers(t, store); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}
	if len(remote.cancels()) != 2 {
		t.Fatalf("both chunks must get a cancel, got %v", remote.cancels())
	}
	if notifier.count(job.ID) != 1 {
		t.Fatalf("webhook count = %d", notifier.count(job.ID))
	}
}

func TestPoll_OrphanedRemoteJobFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpAddAudio, `{"video":"a.mp4"}`)

	remote.statusErr[job.RemoteJobIDs[0]] = domain.ErrNotFound
	newMonitor(store, remote, notifier).pollOnce(ctx)

	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobFailed {
		t.Fatalf("orphaned job must fail, got %s", after.Status)
	}
	if got := availableWorkers(t, store); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}
}

func TestPoll_TransientErrorLeavesJobAlone(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpAddAudio, `{"video":"a.mp4"}`)

	remote.statusErr[job.RemoteJobIDs[0]] = context.DeadlineExceeded
	newMonitor(store, remote, notifier).pollOnce(ctx)

	if got := mustGet(t, store, job.ID).Status; got != domain.JobSubmitted {
		t.Fatalf("transient poll error must not move the job, got %s", got)
	}
}

func TestTimeout_ExpiresByOperationBudget(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpConcatenate, `{"videos":["a.mp4","b.mp4"]}`)

	// Mark the execution phase as started so QueueGrace no longer
	// applies.
	started := time.Now().UTC().Add(-21 * time.Minute)
	processing := domain.JobProcessing
	if _, err := store.Update(ctx, job.ID, domain.JobPatch{Status: &processing, ProcessingStartedAt: &started}); err != nil {
		t.Fatalf("update: %v", err)
	}

	m := newMonitor(store, remote, notifier)
	if n := m.timeoutOnce(ctx, time.Now().UTC()); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	after := mustGet(t, store, job.ID)
	if after.Status != domain.JobFailed || after.Error == "" {
		t.Fatalf("after: status=%s error=%q", after.Status, after.Error)
	}
	if got := availableWorkers(t, store); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}
	if len(remote.cancels()) != 1 {
		t.Fatalf("remote chunk must be cancelled, got %v", remote.cancels())
	}
}

func TestTimeout_QueueGraceAppliesBeforeExecution(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpConcatenate, `{"videos":["a.mp4"]}`)

	m := newMonitor(store, remote, notifier)
	// 30 minutes in queue: over the 20m budget but inside grace.
	if n := m.timeoutOnce(ctx, job.SubmittedAt.Add(30*time.Minute)); n != 0 {
		t.Fatalf("expired = %d, want 0 inside the queue grace", n)
	}
	// 81 minutes: budget plus grace exhausted.
	if n := m.timeoutOnce(ctx, job.SubmittedAt.Add(81*time.Minute)); n != 1 {
		t.Fatalf("expired = %d, want 1 past budget+grace", n)
	}
	if got := mustGet(t, store, job.ID).Status; got != domain.JobFailed {
		t.Fatalf("after: %s", got)
	}
}

func TestTimeout_QueuedJobsWaitIndefinitely(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := enqueueJob(t, store, domain.OpConcatenate, `{"videos":["a.mp4"]}`)

	m := newMonitor(store, remote, notifier)
	// Waiting for capacity is not an error, however long it takes.
	if n := m.timeoutOnce(ctx, job.CreatedAt.Add(24*time.Hour)); n != 0 {
		t.Fatalf("expired = %d, want 0 for a queued job", n)
	}
	if got := mustGet(t, store, job.ID).Status; got != domain.JobQueued {
		t.Fatalf("queued job moved to %s", got)
	}
	if notifier.count(job.ID) != 0 {
		t.Fatal("a waiting job must not trigger a webhook")
	}
}

func TestTimeout_FreshJobsUntouched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(3, time.Hour)
	remote := newFakeRemote()
	notifier := newFakeNotifier()
	job := submitViaDispatcher(t, store, remote, notifier, domain.OpImg2Vid, imagesPayload(10))

	m := newMonitor(store, remote, notifier)
	if n := m.timeoutOnce(ctx, time.Now().UTC()); n != 0 {
		t.Fatalf("expired = %d, want 0", n)
	}
	if got := mustGet(t, store, job.ID).Status; got != domain.JobSubmitted {
		t.Fatalf("fresh job moved to %s", got)
	}
}
