// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// pool manages the bounded set of live driver connections. The blocking
// acquire semantics, capacity bound, and free-list bookkeeping come from
// puddle; the bridge adds acquire timeouts, ownership tracking, and the
// graceful-then-forcible shutdown sequence. A capacity of 1 (forced for
// single-connection backends) degenerates acquisition to mutual
// exclusion over the one shared connection.
type pool struct {
	bridge *Bridge
	pud    *puddle.Pool[DriverConn]
	closed int32 // Atomic: pool no longer hands out connections

	mu          sync.Mutex
	outstanding map[*connHandle]struct{} // Handles currently owned by a task
}

// newPool creates the connection pool for the given bridge.
func newPool(b *Bridge) (*pool, error) {
	p := &pool{
		bridge:      b,
		outstanding: make(map[*connHandle]struct{}),
	}

	maxSize := b.options.maxPoolSize
	if b.driver.SingleConn() {
		maxSize = 1
	}

	pud, err := puddle.NewPool(&puddle.Config[DriverConn]{
		Constructor: func(ctx context.Context) (DriverConn, error) {
			return b.driver.Connect(ctx)
		},
		Destructor: func(conn DriverConn) {
			if err := conn.Close(context.Background()); err != nil && b.logger != nil {
				b.logger.Error("Failed to close connection", "driver", b.driver.Name(), "error", err)
			}
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	p.pud = pud
	return p, nil
}

// warm opens connections up to the configured minimum pool size.
func (p *pool) warm(ctx context.Context) error {
	target := p.bridge.options.minPoolSize
	if p.bridge.driver.SingleConn() && target > 1 {
		target = 1
	}
	for i := int32(0); i < target; i++ {
		if err := p.pud.CreateResource(ctx); err != nil {
			return fmt.Errorf("failed to warm connection %d: %w", i, err)
		}
	}
	return nil
}

// acquire obtains a connection for the given task, blocking until one is
// free or the acquire timeout elapses. Waiting respects ctx, so a task
// cancelled while queued for a connection unblocks immediately.
func (p *pool) acquire(ctx context.Context, task *Task) (*connHandle, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrBridgeClosed
	}

	timeout := p.bridge.options.acquireTimeout
	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.pud.Acquire(acquireCtx)
	if err != nil {
		// Distinguish our timeout from the caller's own cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w (capacity %d, waited %s)", ErrPoolTimeout, p.pud.Stat().MaxResources(), timeout)
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	h := &connHandle{pool: p, res: res, task: task}
	p.mu.Lock()
	p.outstanding[h] = struct{}{}
	p.mu.Unlock()

	if p.bridge.logger != nil {
		p.bridge.logger.Debug("Connection acquired",
			"driver", p.bridge.driver.Name(),
			"task", task.id,
			"total", p.pud.Stat().TotalResources(),
		)
	}
	return h, nil
}

// untrack removes a handle from the outstanding set; called by the
// handle itself on release.
func (p *pool) untrack(h *connHandle) {
	p.mu.Lock()
	delete(p.outstanding, h)
	p.mu.Unlock()
}

// outstandingCount returns the number of handles currently owned.
func (p *pool) outstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// stat returns a snapshot of the underlying pool counters.
func (p *pool) stat() *puddle.Stat {
	return p.pud.Stat()
}

// shutdown rejects new acquisitions, waits up to the grace period for
// outstanding handles to come home, then forcibly reclaims the rest and
// closes the underlying resources. Safe to call more than once; only
// the first call does anything.
func (p *pool) shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		// Blocks until every resource has been released or destroyed.
		p.pud.Close()
		close(done)
	}()

	grace := p.bridge.options.shutdownGrace
	var graceCh <-chan time.Time
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		graceCh = timer.C
	}

	select {
	case <-done:
		return nil
	case <-graceCh:
	case <-ctx.Done():
	}

	// Grace expired (or the shutdown ctx was cancelled): forcibly
	// reclaim whatever is still owned so Close can finish.
	p.mu.Lock()
	handles := make([]*connHandle, 0, len(p.outstanding))
	for h := range p.outstanding {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	if len(handles) > 0 && p.bridge.logger != nil {
		p.bridge.logger.Warn("Forcibly reclaiming connections at shutdown",
			"driver", p.bridge.driver.Name(),
			"outstanding", len(handles),
		)
	}
	for _, h := range handles {
		h.forceClose(ctx)
	}

	<-done
	return ctx.Err()
}
