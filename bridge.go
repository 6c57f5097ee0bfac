// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BridgeOption contains configuration options for the bridge.
type BridgeOption struct {
	maxPoolSize    int32         // Maximum number of live connections
	minPoolSize    int32         // Connections opened eagerly at Start
	acquireTimeout time.Duration // How long acquisition may wait for a free connection
	shutdownGrace  time.Duration // How long Shutdown waits before forcibly reclaiming handles
}

// Bridge hosts blocking-style database code on suspendable workers and
// drives their I/O against an asynchronous backend driver. It owns the
// connection pool and the task-to-connection registry; construct one per
// database and tear it down with Shutdown.
type Bridge struct {
	options *BridgeOption // Configuration options
	driver  Driver        // Backend driver, selected at construction
	logger  *slog.Logger  // Logger instance

	pool     *pool     // Bounded connection pool (created by Start)
	registry *registry // Task identity -> connection handle

	closed    int32 // Atomic: Shutdown has begun
	closeOnce sync.Once
	workerSeq uint32 // Atomic: worker name counter
}

// NewBridge creates a bridge for the given driver.
func NewBridge(opts ...func(*Bridge)) (*Bridge, error) {
	b := &Bridge{
		logger: slog.Default(),
		options: &BridgeOption{
			maxPoolSize:    int32(runtime.GOMAXPROCS(0)), // Default to CPU count
			minPoolSize:    0,                            // No warm connections by default
			acquireTimeout: 30 * time.Second,
			shutdownGrace:  10 * time.Second,
		},
	}

	// Apply configuration options
	for _, opt := range opts {
		opt(b)
	}

	// A backend driver is required
	if b.driver == nil {
		return nil, fmt.Errorf("a backend driver must be provided")
	}

	return b, nil
}

// Start creates the connection pool and warms it to the configured
// minimum size.
func (b *Bridge) Start(ctx context.Context) error {
	if b.pool != nil {
		return fmt.Errorf("bridge is already started")
	}

	p, err := newPool(b)
	if err != nil {
		return err
	}
	b.pool = p
	b.registry = newRegistry(p)

	if err := p.warm(ctx); err != nil {
		return err
	}

	if b.logger != nil {
		b.logger.Debug("Bridge started",
			"driver", b.driver.Name(),
			"maxPoolSize", b.options.maxPoolSize,
			"minPoolSize", b.options.minPoolSize,
			"acquireTimeout", b.options.acquireTimeout,
			"shutdownGrace", b.options.shutdownGrace,
		)
	}
	return nil
}

// Run executes fn, a blocking-style callable, on a fresh worker and
// drives it to completion. Each suspension point inside fn hands its
// operation to this runner, which performs it against the driver while
// the worker stays parked; other tasks proceed in the meantime.
//
// If ctx carries a Task (see BindTask) the connection handle persists
// after Run returns; otherwise an ephemeral task is used and its handle
// goes back to the pool before Run returns. On any failure — including
// cancellation of ctx — open transaction frames are rolled back and the
// handle is returned to the pool before the error reaches the caller.
func (b *Bridge) Run(ctx context.Context, fn func(*Session) error) error {
	if b.pool == nil {
		return fmt.Errorf("bridge is not started")
	}
	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrBridgeClosed
	}

	task := taskFromContext(ctx)
	ephemeral := false
	if task == nil || task.bridge != b {
		task = &Task{id: uuid.New(), bridge: b}
		ephemeral = true
	}

	name := "worker-" + strconv.FormatUint(uint64(atomic.AddUint32(&b.workerSeq, 1)), 10)
	w := newWorker(name)
	sess := &Session{bridge: b, task: task, worker: w}
	go w.run(sess, fn)

	// The runner loop: resolve each suspension fully before the next
	// one is accepted, so operations from one worker stay strictly
	// ordered.
	cancelled := false
	var runErr error
loop:
	for {
		select {
		case s := <-w.suspendCh:
			out := b.serve(ctx, sess, s.req, &cancelled)
			if merr := w.injectResume(s, out); merr != nil {
				// Unreachable unless the worker contract is broken.
				if b.logger != nil {
					b.logger.Error("Failed to resume worker", "worker", name, "error", merr)
				}
				runErr = merr
				break loop
			}
		case out := <-w.doneCh:
			runErr = out.err
			break loop
		}
	}

	b.finish(ctx, sess, ephemeral, runErr)
	return runErr
}

// RunValue executes fn via bridge.Run and carries its typed result back
// to the caller.
func RunValue[T any](ctx context.Context, b *Bridge, fn func(*Session) (T, error)) (T, error) {
	var result T
	err := b.Run(ctx, func(s *Session) error {
		v, err := fn(s)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// serve resolves a single suspension request, folding cancellation in:
// once ctx is cancelled, the cancellation error is injected at the
// worker's next resumption, and every request after that (the hosted
// code's rollback/release unwind) is dispatched with the cancellation
// stripped so cleanup itself cannot be cancelled.
func (b *Bridge) serve(ctx context.Context, sess *Session, req *request, cancelled *bool) outcome {
	switch {
	case *cancelled:
		return b.dispatch(context.WithoutCancel(ctx), sess, req)
	case ctx.Err() != nil:
		*cancelled = true
		return outcome{err: ctx.Err()}
	default:
		out := b.dispatch(ctx, sess, req)
		if out.err != nil && ctx.Err() != nil {
			*cancelled = true
		}
		return out
	}
}

// dispatch performs one request against the registry and driver.
func (b *Bridge) dispatch(ctx context.Context, sess *Session, req *request) outcome {
	if b.logger != nil {
		b.logger.Debug("Dispatching operation",
			"op", req.kind.String(),
			"token", req.token,
			"task", sess.task.id,
		)
	}

	switch req.kind {
	case opAcquire:
		_, err := b.ensureConn(ctx, sess)
		return outcome{err: err}
	case opRelease:
		return outcome{err: b.registry.release(ctx, sess.task)}
	}

	h, err := b.ensureConn(ctx, sess)
	if err != nil {
		return outcome{err: err}
	}

	switch req.kind {
	case opPing:
		return outcome{err: h.conn().Ping(ctx)}
	case opExec:
		res, err := h.conn().Exec(ctx, req.query, req.args...)
		return outcome{value: res, err: err}
	case opQuery:
		rows, err := h.conn().Query(ctx, req.query, req.args...)
		return outcome{value: rows, err: err}
	case opBegin:
		return outcome{err: h.conn().Begin(ctx)}
	case opCommit:
		return outcome{err: h.conn().Commit(ctx)}
	case opRollback:
		return outcome{err: h.conn().Rollback(ctx)}
	case opSavepoint:
		return outcome{err: h.conn().Savepoint(ctx, req.name)}
	case opReleaseSavepoint:
		return outcome{err: h.conn().ReleaseSavepoint(ctx, req.name)}
	case opRollbackTo:
		return outcome{err: h.conn().RollbackTo(ctx, req.name)}
	default:
		return outcome{err: &MisuseError{Op: req.kind.String(), Token: req.token, Reason: "unknown operation kind"}}
	}
}

// ensureConn returns the session's connection handle, acquiring one for
// its task if needed.
func (b *Bridge) ensureConn(ctx context.Context, sess *Session) (*connHandle, error) {
	if sess.handle != nil && !sess.handle.isReleased() {
		return sess.handle, nil
	}
	h, err := b.registry.acquire(ctx, sess.task)
	if err != nil {
		return nil, err
	}
	sess.handle = h
	return h, nil
}

// finish unwinds whatever the finished worker left behind: open frames
// are rolled back, and the handle goes back to the pool for ephemeral
// tasks and for any failed call, so pool capacity is never leaked. Runs
// before the caller observes the outcome.
func (b *Bridge) finish(ctx context.Context, sess *Session, ephemeral bool, runErr error) {
	cleanupCtx := context.WithoutCancel(ctx)

	if h := b.registry.lookup(sess.task); h != nil && h.depth() > 0 {
		if b.logger != nil {
			b.logger.Warn("Bridged call finished with open transaction frames",
				"task", sess.task.id,
				"depth", h.depth(),
			)
		}
		if err := h.conn().Rollback(cleanupCtx); err != nil {
			// Transaction state is now unknown: the handle must not stay
			// bound to the task, or a later Run would reuse it.
			h.markBroken()
			if b.logger != nil {
				b.logger.Error("Failed to roll back leaked transaction", "task", sess.task.id, "error", err)
			}
			if rerr := b.registry.release(cleanupCtx, sess.task); rerr != nil && b.logger != nil {
				b.logger.Error("Failed to release broken connection", "task", sess.task.id, "error", rerr)
			}
		}
		h.frames = nil
	}

	if ephemeral || runErr != nil {
		if err := b.registry.release(cleanupCtx, sess.task); err != nil && b.logger != nil {
			b.logger.Error("Failed to release connection", "task", sess.task.id, "error", err)
		}
	}
}

// Stat is a point-in-time snapshot of bridge resource usage.
type Stat struct {
	TotalConns    int32 // Connections currently open
	IdleConns     int32 // Connections in the free list
	AcquiredConns int32 // Connections owned by tasks
	BoundTasks    int   // Tasks currently holding a connection
}

// Stat returns a snapshot of pool and registry counters. Zero value if
// the bridge has not been started.
func (b *Bridge) Stat() Stat {
	if b.pool == nil {
		return Stat{}
	}
	ps := b.pool.stat()
	return Stat{
		TotalConns:    ps.TotalResources(),
		IdleConns:     ps.IdleResources(),
		AcquiredConns: ps.AcquiredResources(),
		BoundTasks:    b.registry.taskCount(),
	}
}

// Shutdown rejects new work, waits up to the grace period for
// outstanding connections to come home, forcibly reclaims the rest,
// and closes the driver. Idempotent: a second call is a no-op.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.pool == nil {
		return nil
	}

	var err error
	b.closeOnce.Do(func() {
		atomic.StoreInt32(&b.closed, 1)

		if b.logger != nil {
			st := b.Stat()
			b.logger.Debug("Bridge shutting down",
				"driver", b.driver.Name(),
				"totalConns", st.TotalConns,
				"acquiredConns", st.AcquiredConns,
				"boundTasks", st.BoundTasks,
			)
		}

		err = b.pool.shutdown(ctx)
		b.registry.releaseAll(ctx)

		if derr := b.driver.Close(); derr != nil && err == nil {
			err = derr
		}
		if b.logger != nil {
			b.logger.Debug("Bridge shut down", "driver", b.driver.Name())
		}
	})
	return err
}

// WithDriver configures the backend driver. Required.
func WithDriver(driver Driver) func(*Bridge) {
	return func(b *Bridge) {
		b.driver = driver
	}
}

// WithLogger configures the logger for the bridge.
func WithLogger(logger *slog.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMaxPoolSize configures the maximum number of live connections.
// Ignored (clamped to 1) for single-connection backends.
func WithMaxPoolSize(size int32) func(*Bridge) {
	return func(b *Bridge) {
		if size > 0 {
			b.options.maxPoolSize = size
		}
	}
}

// WithMinPoolSize configures how many connections Start opens eagerly.
func WithMinPoolSize(size int32) func(*Bridge) {
	return func(b *Bridge) {
		if size > 0 {
			b.options.minPoolSize = size
		}
	}
}

// WithAcquireTimeout configures how long connection acquisition may
// block before failing with ErrPoolTimeout. Zero means wait forever.
func WithAcquireTimeout(timeout time.Duration) func(*Bridge) {
	return func(b *Bridge) {
		if timeout >= 0 {
			b.options.acquireTimeout = timeout
		}
	}
}

// WithShutdownGrace configures how long Shutdown waits for outstanding
// connections before forcibly reclaiming them.
func WithShutdownGrace(grace time.Duration) func(*Bridge) {
	return func(b *Bridge) {
		if grace >= 0 {
			b.options.shutdownGrace = grace
		}
	}
}
