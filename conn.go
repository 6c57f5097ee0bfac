// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// connHandle is an open logical connection exclusively owned by one
// task. It wraps the pooled driver connection and carries the task's
// transaction frame stack. Between two suspension points exactly one
// goroutine touches a handle (the worker, or the runner doing cleanup on
// its behalf), so only the release path needs atomic guarding.
type connHandle struct {
	pool *pool
	res  *puddle.Resource[DriverConn]
	task *Task

	frames []*txFrame // Strict stack of open transaction frames

	released int32 // Atomic: handle has been returned to the pool
	broken   int32 // Atomic: connection must be destroyed, not reused
}

// conn returns the underlying driver connection.
func (h *connHandle) conn() DriverConn {
	return h.res.Value()
}

// depth returns the number of open transaction frames.
func (h *connHandle) depth() int {
	return len(h.frames)
}

// markBroken flags the connection so release destroys it instead of
// returning it to the free list.
func (h *connHandle) markBroken() {
	atomic.StoreInt32(&h.broken, 1)
}

// isReleased reports whether the handle has already been returned.
func (h *connHandle) isReleased() bool {
	return atomic.LoadInt32(&h.released) == 1
}

// release returns the handle to the pool. Idempotent: only the first
// call has any effect. A handle released with open frames or a broken
// connection is destroyed rather than reused, so no later owner can
// observe leftover transaction state.
func (h *connHandle) release(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return nil
	}
	h.pool.untrack(h)

	if atomic.LoadInt32(&h.broken) == 1 || len(h.frames) > 0 {
		h.frames = nil
		h.res.Destroy()
		return nil
	}
	h.res.Release()
	return nil
}

// forceClose reclaims the handle during shutdown regardless of who owns
// it. The owning worker, if any, has already been abandoned by its
// caller; subsequent operations on the connection will fail.
func (h *connHandle) forceClose(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}
	h.pool.untrack(h)
	h.frames = nil
	h.res.Destroy()
}
