// Package media provides the local-pool implementation of the
// MediaProcessor port. The orchestrator core never does media work
// itself; handlers for the actual transformations (FFmpeg pipelines,
// storage moves) are registered here at wiring time.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/media-orchestrator/internal/observability"
)

// HandlerFunc executes one operation synchronously and returns its
// result document.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry dispatches local operations to registered handlers. The
// "_vps" suffix is stripped before lookup so a handler serves both
// routing variants of its operation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to an operation. Re-registering replaces
// the previous handler.
func (r *Registry) Register(operation string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.TrimSuffix(operation, domain.LocalSuffix)] = h
}

// Process runs the handler for the operation. An unregistered
// operation fails the job rather than stalling it.
func (r *Registry) Process(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	base := strings.TrimSuffix(operation, domain.LocalSuffix)
	r.mu.RLock()
	h, ok := r.handlers[base]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no local handler registered for %q", domain.ErrInvalidArgument, operation)
	}
	start := time.Now()
	out, err := h(ctx, payload)
	obsctx.LoggerFromContext(ctx).Debug("local operation finished",
		slog.String("operation", operation),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil))
	if err != nil {
		return nil, fmt.Errorf("op=media.Process %s: %w", operation, err)
	}
	return out, nil
}
