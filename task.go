// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is the identity of one asynchronous activation: the unit the
// bridge uses to key exclusive ownership of a connection handle. A Task
// bound into a context keeps its connection across Run calls until
// Release is called (or a call fails); without an explicit Task, each
// Run gets an ephemeral one whose connection is returned when the call
// finishes.
type Task struct {
	id     uuid.UUID
	bridge *Bridge
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

// Release returns the task's connection handle to the pool, if it holds
// one. It is idempotent: second and subsequent calls are no-ops.
func (t *Task) Release(ctx context.Context) error {
	return t.bridge.registry.release(ctx, t)
}

// taskContextKey is the context key under which a Task travels.
type taskContextKey struct{}

// BindTask creates a Task owned by this bridge and binds it into the
// returned context. Passing that context to Run makes the connection
// handle persist across calls until the Task is released.
func (b *Bridge) BindTask(ctx context.Context) (context.Context, *Task) {
	t := &Task{id: uuid.New(), bridge: b}
	return context.WithValue(ctx, taskContextKey{}, t), t
}

// taskFromContext extracts the bound Task, if any.
func taskFromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(taskContextKey{}).(*Task)
	return t
}

// registry maps a Task to its exclusively-owned connection handle. The
// map is the only state shared across tasks besides the pool itself;
// runner goroutines may touch it concurrently, so access is serialized
// with a mutex.
type registry struct {
	pool *pool

	mu    sync.Mutex
	conns map[*Task]*connHandle
}

// newRegistry creates an empty registry over the given pool.
func newRegistry(p *pool) *registry {
	return &registry{
		pool:  p,
		conns: make(map[*Task]*connHandle),
	}
}

// lookup returns the task's current handle, or nil.
func (r *registry) lookup(task *Task) *connHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[task]
}

// acquire returns the task's existing handle, or acquires a fresh one
// from the pool. Acquisition blocks cooperatively until a connection is
// free or the configured acquire timeout elapses.
func (r *registry) acquire(ctx context.Context, task *Task) (*connHandle, error) {
	r.mu.Lock()
	if h, ok := r.conns[task]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	h, err := r.pool.acquire(ctx, task)
	if err != nil {
		return nil, err
	}

	// Re-check under the lock: a concurrent runner for the same task may
	// have bound a handle while we were waiting on the pool. The first
	// binding wins; the redundant handle goes straight back.
	r.mu.Lock()
	if existing, ok := r.conns[task]; ok {
		r.mu.Unlock()
		_ = h.release(ctx)
		return existing, nil
	}
	r.conns[task] = h
	r.mu.Unlock()
	return h, nil
}

// release returns the task's handle to the pool. Safe to call when the
// task holds no handle, and safe to call repeatedly.
func (r *registry) release(ctx context.Context, task *Task) error {
	r.mu.Lock()
	h, ok := r.conns[task]
	if ok {
		delete(r.conns, task)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.release(ctx)
}

// taskCount returns the number of tasks currently holding a handle.
func (r *registry) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// releaseAll force-releases every bound handle; used during shutdown
// after the grace period has expired.
func (r *registry) releaseAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*connHandle, 0, len(r.conns))
	for task, h := range r.conns {
		handles = append(handles, h)
		delete(r.conns, task)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.forceClose(ctx)
	}
}
