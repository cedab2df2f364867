// Package registry provides named registration and dispatch of side-effect
// handlers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/otelhelper"
	"github.com/colloquy/colloquy/pkg/protocol"
)

// DefaultExecuteTimeout bounds a single handler invocation so a hung handler
// cannot wedge a session.
const DefaultExecuteTimeout = 10 * time.Second

// Registry holds the handler set actions dispatch to. Registration is
// read-mostly after startup; Execute is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	handlers map[string]protocol.Handler
	timeout  time.Duration
	tracer   trace.Tracer
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]protocol.Handler),
		timeout:  DefaultExecuteTimeout,
		tracer:   noop.NewTracerProvider().Tracer("registry"),
	}
}

// WithTimeout overrides the per-invocation timeout.
func (r *Registry) WithTimeout(timeout time.Duration) *Registry {
	r.timeout = timeout
	return r
}

// WithTracer enables a span per handler invocation.
func (r *Registry) WithTracer(tracer trace.Tracer) *Registry {
	r.tracer = tracer
	return r
}

// Register installs a handler under a name. Registering over an existing name
// overwrites it, which supports hot-reloadable handler sets.
func (r *Registry) Register(name string, handler protocol.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		r.logger.Warn("Overwriting registered handler", "handler", name)
	}

	r.handlers[name] = handler
}

// RegisterFactory builds and installs a handler from its factory.
func (r *Registry) RegisterFactory(factory protocol.HandlerFactory) error {
	handler, err := factory.Create()
	if err != nil {
		return fmt.Errorf("failed to create handler %q: %w", factory.ID(), err)
	}

	r.Register(factory.ID(), handler)

	return nil
}

// Has reports whether a handler is registered under the name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[name]

	return ok
}

// Handlers returns the registered handler names.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}

// Execute dispatches one invocation. It never returns a Go error to the
// engine for handler-level problems: unknown names, invalid configs, panics
// and timeouts all come back as structured failure results the engine applies
// its per-action error strategy to.
func (r *Registry) Execute(ctx context.Context, name string, config map[string]any, taskCtx *models.TaskContext) *models.ExecutionResult {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "registry.execute",
		attribute.String(otelhelper.HandlerKey, name),
		attribute.String(otelhelper.RunIDKey, taskCtx.System.RunID),
		attribute.String(otelhelper.StateKey, taskCtx.System.CurrentState),
	)
	defer span.End()

	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Error("Handler not found", "handler", name)
		return models.Failure(fmt.Sprintf("handler %q not registered", name))
	}

	if validator, ok := handler.(protocol.Validator); ok {
		if err := validator.Validate(config); err != nil {
			r.logger.Error("Handler config invalid", "handler", name, "error", err)
			return models.Failure(fmt.Sprintf("invalid config for handler %q: %v", name, err))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result *models.ExecutionResult
		err    error
	}

	done := make(chan outcome, 1)

	// The handler works on a clone so an invocation that outlives the timeout
	// can never mutate state the caller is already persisting. Writes are
	// synced back only when the handler returns in time.
	shadow := taskCtx.Clone()

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("handler %q panicked: %v", name, recovered)}
			}
		}()

		result, err := handler.Execute(execCtx, config, shadow)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		r.logger.Error("Handler timed out", "handler", name, "timeout", r.timeout)
		return models.Failure(fmt.Sprintf("handler %q timed out after %s", name, r.timeout))
	case out := <-done:
		taskCtx.Data = shadow.Data

		if out.err != nil {
			r.logger.Error("Handler failed", "handler", name, "error", out.err)
			return models.Failure(out.err.Error())
		}

		if out.result == nil {
			return models.Succeed(nil)
		}

		return out.result
	}
}
