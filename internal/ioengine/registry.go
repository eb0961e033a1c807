package ioengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Registry hands out one Engine per calling OS thread: each engine's ring is
// only ever touched by the goroutine that owns it, so engines cannot be
// shared across goroutines the way ordinary Go values can.
//
// Since Go goroutines are not OS threads and can migrate between them
// between LockOSThread calls, Registry keys engines by a caller-supplied
// identity (conventionally unix.Gettid(), obtained once the calling
// goroutine has locked itself to its thread) rather than by goroutine id,
// which Go deliberately does not expose.
type Registry struct {
	cfg Config
	fd  uintptr

	mu      sync.Mutex
	engines map[int]*Engine

	pool *pool.ContextPool
}

// NewRegistry creates a Registry that lazily constructs one Engine per
// thread id on first use, all targeting the backing file descriptor fd.
func NewRegistry(cfg Config, fd uintptr) *Registry {
	return &Registry{
		cfg:     cfg,
		fd:      fd,
		engines: make(map[int]*Engine),
		pool:    pool.New().WithContext(context.Background()).WithCancelOnError(),
	}
}

// Engine returns the Engine for threadID, constructing and starting it (via
// a panic-supervised goroutine from a conc pool) if this is the first call
// for that thread.
func (reg *Registry) Engine(ctx context.Context, threadID int, bufs [][]byte) (*Engine, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if e, ok := reg.engines[threadID]; ok {
		return e, nil
	}

	e, err := New(reg.cfg, reg.fd)
	if err != nil {
		return nil, fmt.Errorf("ioengine: registry: new engine for thread %d: %w", threadID, err)
	}
	if len(bufs) > 0 {
		if err := e.RegisterBuffers(bufs); err != nil {
			return nil, fmt.Errorf("ioengine: registry: register buffers for thread %d: %w", threadID, err)
		}
	}

	reg.pool.Go(func(ctx context.Context) error {
		return e.Run(ctx)
	})

	reg.engines[threadID] = e
	return e, nil
}

// Close closes every engine the registry has created and waits for their
// Run loops to return.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var firstErr error
	for _, e := range reg.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := reg.pool.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
