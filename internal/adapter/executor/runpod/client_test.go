package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

func TestSubmit(t *testing.T) {
	var gotAuth string
	var gotBody submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rp-42"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", 5*time.Second)
	id, err := c.Submit(context.Background(), domain.OpImg2Vid, json.RawMessage(`{"images":["a.png"]}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "rp-42" {
		t.Fatalf("id = %q", id)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.Operation != domain.OpImg2Vid {
		t.Fatalf("operation = %q", gotBody.Operation)
	}
}

func TestSubmit_EmptyIDRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()
	c := New(srv.URL, "", time.Second)
	if _, err := c.Submit(context.Background(), domain.OpAddAudio, json.RawMessage(`{}`)); err == nil {
		t.Fatal("empty executor id must be an error")
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/rp-7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "COMPLETED",
			"output": map[string]any{"videos": []any{}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	state, err := c.Status(context.Background(), "rp-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state.Status != domain.RemoteCompleted || state.ID != "rp-7" {
		t.Fatalf("state: %+v", state)
	}
	if state.Output == nil {
		t.Fatal("output must pass through")
	}
}

func TestStatus_NotFoundMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(srv.URL, "", time.Second)
	_, err := c.Status(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelAndServerError(t *testing.T) {
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cancel/rp-9":
			cancelled = true
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if err := c.Cancel(context.Background(), "rp-9"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel endpoint not hit")
	}
	if _, err := c.Submit(context.Background(), domain.OpAddAudio, json.RawMessage(`{}`)); err == nil {
		t.Fatal("5xx must surface as an error")
	}
}
