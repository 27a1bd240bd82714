// Package webhook delivers terminal-state notifications with bounded
// retry and dead-letter behavior.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// deliveryTimeout bounds one POST, not the whole retry schedule.
const deliveryTimeout = 30 * time.Second

// defaultRetryDelays apply before retries 1..3.
var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Execution carries informational timing metadata in the payload.
type Execution struct {
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMS      int64      `json:"duration_ms"`
	DurationSeconds float64    `json:"duration_seconds"`
	Worker          string     `json:"worker"`
	Codec           string     `json:"codec"`
}

// Payload is the outbound webhook body.
type Payload struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	Operation     string           `json:"operation"`
	Processor     string           `json:"processor"`
	CorrelationID *int64           `json:"correlation_id,omitempty"`
	PathRoot      string           `json:"path_root,omitempty"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	Execution     Execution        `json:"execution"`
	Timestamp     time.Time        `json:"timestamp"`
}

// BuildPayload assembles the terminal notification for a job.
func BuildPayload(job domain.Job) Payload {
	start := job.ProcessingStartedAt
	if start == nil {
		start = job.SubmittedAt
	}
	if start == nil {
		created := job.CreatedAt
		start = &created
	}
	exec := Execution{
		StartTime: start,
		EndTime:   job.CompletedAt,
		Codec:     "h264",
	}
	if domain.IsLocalOperation(job.Operation) {
		exec.Worker = "local-pool"
	} else {
		exec.Worker = "gpu-fleet"
	}
	if job.CompletedAt != nil {
		d := job.CompletedAt.Sub(*start)
		if d > 0 {
			exec.DurationMS = d.Milliseconds()
			exec.DurationSeconds = d.Seconds()
		}
	}
	return Payload{
		JobID:         job.ID,
		Status:        job.Status,
		Operation:     job.Operation,
		Processor:     domain.Processor(job.Operation),
		CorrelationID: job.CorrelationID,
		PathRoot:      job.PathRoot,
		Result:        job.Result,
		Error:         job.Error,
		Execution:     exec,
		Timestamp:     time.Now().UTC(),
	}
}

// scheduleBackOff replays a fixed delay schedule; once the schedule
// is exhausted the last delay repeats. Retry count is bounded by
// backoff.WithMaxRetries.
type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if len(b.delays) == 0 {
		return backoff.Stop
	}
	i := b.next
	if i >= len(b.delays) {
		i = len(b.delays) - 1
	}
	b.next++
	return b.delays[i]
}

func (b *scheduleBackOff) Reset() { b.next = 0 }

// Notifier delivers terminal webhooks. Each delivery owns its own
// goroutine and retry timer so a slow endpoint cannot stall
// completion handling.
type Notifier struct {
	hc          *http.Client
	store       domain.JobStore
	secret      string
	maxAttempts int
	delays      []time.Duration
	wg          sync.WaitGroup
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRetryDelays overrides the retry schedule (tests).
func WithRetryDelays(delays []time.Duration) Option {
	return func(n *Notifier) { n.delays = delays }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) { n.hc = hc }
}

// NewNotifier returns a Notifier. The store is used only to annotate
// a job's error field after retry exhaustion; it may be nil in tests.
func NewNotifier(store domain.JobStore, secret string, maxAttempts int, opts ...Option) *Notifier {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	n := &Notifier{
		hc:          &http.Client{Timeout: deliveryTimeout},
		store:       store,
		secret:      secret,
		maxAttempts: maxAttempts,
		delays:      defaultRetryDelays,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyTerminal schedules one delivery for a terminal transition.
// Callers invoke it exactly once per transition; retries are internal.
func (n *Notifier) NotifyTerminal(ctx context.Context, job domain.Job) {
	n.wg.Add(1)
	// The delivery outlives the caller's request; keep context values
	// (logger, request id) but drop the cancellation.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, job)
	}()
}

// Shutdown waits for in-flight deliveries or the context deadline.
func (n *Notifier) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) deliver(ctx context.Context, job domain.Job) {
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	body, err := json.Marshal(BuildPayload(job))
	if err != nil {
		lg.Error("webhook payload marshal failed", slog.Any("error", err))
		return
	}

	attempts := 0
	post := func() error {
		attempts++
		if err := n.post(ctx, job, body); err != nil {
			observability.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
			lg.Warn("webhook delivery attempt failed",
				slog.Int("attempt", attempts),
				slog.Any("error", err))
			return err
		}
		observability.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&scheduleBackOff{delays: n.delays}, uint64(n.maxAttempts)),
		ctx,
	)
	if err := backoff.Retry(post, bo); err != nil {
		n.deadLetter(ctx, lg, job, attempts, err)
		return
	}
	lg.Info("webhook delivered", slog.Int("attempts", attempts))
}

func (n *Notifier) post(ctx context.Context, job domain.Job, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-JobId", job.ID)
	req.Header.Set("X-Webhook-Status", string(job.Status))
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := n.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

// deadLetter records the exhausted delivery and annotates the job's
// error field without re-opening its terminal status.
func (n *Notifier) deadLetter(ctx context.Context, lg *slog.Logger, job domain.Job, attempts int, err error) {
	observability.WebhookDLQTotal.Inc()
	lg.Error("webhook delivery dead-lettered",
		slog.String("url", job.WebhookURL),
		slog.String("operation", job.Operation),
		slog.Int("attempts", attempts),
		slog.Any("error", err))
	if n.store == nil {
		return
	}
	current, gerr := n.store.Get(ctx, job.ID)
	if gerr != nil {
		lg.Error("webhook dlq annotation lookup failed", slog.Any("error", gerr))
		return
	}
	note := fmt.Sprintf("webhook delivery failed after %d attempts: %v", attempts, err)
	annotated := note
	if current.Error != "" {
		annotated = current.Error + "; " + note
	}
	if _, uerr := n.store.Update(ctx, job.ID, domain.JobPatch{Error: &annotated}); uerr != nil {
		lg.Error("webhook dlq annotation failed", slog.Any("error", uerr))
	}
}
