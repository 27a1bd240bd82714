package domain

import (
	"testing"
	"time"
)

func TestJobStatus_Terminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.Active() {
			t.Fatalf("%s should not be active", s)
		}
	}
	for _, s := range []JobStatus{JobQueued, JobSubmitted, JobProcessing} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !JobSubmitted.Active() || !JobProcessing.Active() {
		t.Fatal("submitted/processing should be active")
	}
	if JobQueued.Active() {
		t.Fatal("queued is not active")
	}
}

func TestJob_TimeoutAnchor(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	submitted := created.Add(time.Minute)
	processing := created.Add(2 * time.Minute)

	j := Job{CreatedAt: created}
	if got := j.TimeoutAnchor(); !got.Equal(created) {
		t.Fatalf("anchor = %v, want created_at", got)
	}
	j.SubmittedAt = &submitted
	if got := j.TimeoutAnchor(); !got.Equal(submitted) {
		t.Fatalf("anchor = %v, want submitted_at", got)
	}
	j.ProcessingStartedAt = &processing
	if got := j.TimeoutAnchor(); !got.Equal(processing) {
		t.Fatalf("anchor = %v, want processing_started_at", got)
	}
}

func TestJobPatch_Apply(t *testing.T) {
	now := time.Now().UTC()
	st := JobFailed
	msg := "executor refused submission"
	zero := 0
	ids := []string{"rp-1", "rp-2"}

	j := Job{ID: "j1", Status: JobSubmitted, WorkersReserved: 2, RemoteJobIDs: []string{"rp-1"}}
	out := JobPatch{
		Status:          &st,
		Error:           &msg,
		WorkersReserved: &zero,
		CompletedAt:     &now,
		RemoteJobIDs:    &ids,
	}.Apply(j)

	if out.Status != JobFailed || out.Error != msg || out.WorkersReserved != 0 {
		t.Fatalf("patch not applied: %+v", out)
	}
	if out.CompletedAt == nil || !out.CompletedAt.Equal(now) {
		t.Fatal("completed_at not applied")
	}
	if len(out.RemoteJobIDs) != 2 {
		t.Fatal("remote ids not applied")
	}
	// Untouched fields survive.
	if out.ID != "j1" {
		t.Fatal("id must survive patch")
	}
	// Empty patch changes nothing.
	same := JobPatch{}.Apply(out)
	if same.Status != out.Status || same.Error != out.Error {
		t.Fatal("empty patch must be a no-op")
	}
}
