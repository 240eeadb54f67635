package llm

import (
	"context"
	"sync"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/infra"
)

// DefaultStreamConcurrency is how many GenerateStream calls may run at
// once against one backend; over-limit calls block.
const DefaultStreamConcurrency = 3

// Interface fronts the active backend. The backend sits behind a
// read-write lock so reconfiguration can replace it at runtime without
// disturbing in-flight calls, and a semaphore bounds concurrent streams.
type Interface struct {
	mu      sync.RWMutex
	backend Runtime

	sem *infra.Semaphore
}

// NewInterface wraps an initial backend (nil is allowed; calls then fail
// with a configuration error until SetBackend runs).
func NewInterface(backend Runtime, streamConcurrency int) *Interface {
	if streamConcurrency <= 0 {
		streamConcurrency = DefaultStreamConcurrency
	}
	return &Interface{
		backend: backend,
		sem:     infra.NewSemaphore(int64(streamConcurrency)),
	}
}

// SetBackend swaps the active backend.
func (i *Interface) SetBackend(backend Runtime) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.backend = backend
}

// Backend returns the active backend, or nil when unconfigured.
func (i *Interface) Backend() Runtime {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.backend
}

// Configured reports whether a backend is installed.
func (i *Interface) Configured() bool { return i.Backend() != nil }

// Generate forwards to the active backend.
func (i *Interface) Generate(ctx context.Context, input Input) (*Output, error) {
	backend := i.Backend()
	if backend == nil {
		return nil, errs.Configuration("no llm backend configured", nil)
	}
	return backend.Generate(ctx, input)
}

// GenerateStream forwards to the active backend, holding one stream
// permit for the lifetime of the returned channel.
func (i *Interface) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	backend := i.Backend()
	if backend == nil {
		return nil, errs.Configuration("no llm backend configured", nil)
	}
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	inner, err := backend.GenerateStream(ctx, input)
	if err != nil {
		i.sem.Release(1)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer i.sem.Release(1)
		for chunk := range inner {
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Caller dropped the stream; drain the producer so it can
				// observe cancellation at its next send.
				for range inner {
				}
				return
			}
		}
	}()
	return out, nil
}
