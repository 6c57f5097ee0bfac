// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// mockConn is a scriptable DriverConn for testing. Every operation is
// recorded; behavior can be overridden per test via the func fields.
type mockConn struct {
	driver *mockDriver

	mu     sync.Mutex
	calls  []string // Ordered record of operations ("begin", "exec:...", ...)
	closed bool

	execFunc    func(ctx context.Context, query string, args ...any) (Result, error) // Custom Exec behavior (if set)
	queryFunc   func(ctx context.Context, query string, args ...any) (*Rows, error)  // Custom Query behavior (if set)
	txErr       error                                                                 // Error returned by all transaction ops (if set)
	commitErr   error                                                                 // Error returned by Commit only (if set)
	rollbackErr error                                                                 // Error returned by Rollback only (if set)
	pingErr     error                                                                 // Error returned by Ping (if set)
}

// record appends an operation to the call log.
func (c *mockConn) record(op string) {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	c.mu.Unlock()
}

// recorded returns a copy of the call log.
func (c *mockConn) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *mockConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	c.record("exec:" + query)
	if c.execFunc != nil {
		return c.execFunc(ctx, query, args...)
	}
	return Result{RowsAffected: 1}, nil
}

func (c *mockConn) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	c.record("query:" + query)
	if c.queryFunc != nil {
		return c.queryFunc(ctx, query, args...)
	}
	return &Rows{Columns: []string{"n"}, Values: [][]any{{int64(1)}}}, nil
}

func (c *mockConn) Begin(ctx context.Context) error {
	c.record("begin")
	return c.txErr
}

func (c *mockConn) Commit(ctx context.Context) error {
	c.record("commit")
	if c.commitErr != nil {
		return c.commitErr
	}
	return c.txErr
}

func (c *mockConn) Rollback(ctx context.Context) error {
	c.record("rollback")
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	return c.txErr
}

func (c *mockConn) Savepoint(ctx context.Context, name string) error {
	c.record("savepoint:" + name)
	return c.txErr
}

func (c *mockConn) ReleaseSavepoint(ctx context.Context, name string) error {
	c.record("release:" + name)
	return c.txErr
}

func (c *mockConn) RollbackTo(ctx context.Context, name string) error {
	c.record("rollback_to:" + name)
	return c.txErr
}

func (c *mockConn) Ping(ctx context.Context) error {
	c.record("ping")
	return c.pingErr
}

func (c *mockConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.record("close")
	return nil
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockDriver is a scriptable Driver for testing.
type mockDriver struct {
	single      bool
	connectFunc func(ctx context.Context) (DriverConn, error) // Custom Connect behavior (if set)

	connects int32 // Atomic: number of Connect calls
	closed   int32 // Atomic: driver Close called

	mu    sync.Mutex
	conns []*mockConn // Every connection handed out, in order
}

func (d *mockDriver) Name() string { return "mock" }

func (d *mockDriver) SingleConn() bool { return d.single }

func (d *mockDriver) Connect(ctx context.Context) (DriverConn, error) {
	atomic.AddInt32(&d.connects, 1)
	if d.connectFunc != nil {
		return d.connectFunc(ctx)
	}
	c := &mockConn{driver: d}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *mockDriver) Close() error {
	atomic.StoreInt32(&d.closed, 1)
	return nil
}

func (d *mockDriver) connectCount() int32 {
	return atomic.LoadInt32(&d.connects)
}

// lastConn returns the most recently opened connection, or nil.
func (d *mockDriver) lastConn() *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// allCalls concatenates the call logs of every connection, in open
// order, for single-connection assertions.
func (d *mockDriver) allCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []string
	for _, c := range d.conns {
		all = append(all, c.recorded()...)
	}
	return all
}

// startedBridge creates and starts a bridge over a fresh mock driver,
// with a short acquire timeout so stuck tests fail fast.
func startedBridge(opts ...func(*Bridge)) (*Bridge, *mockDriver, error) {
	driver := &mockDriver{}
	all := append([]func(*Bridge){WithDriver(driver)}, opts...)
	b, err := NewBridge(all...)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Start(context.Background()); err != nil {
		return nil, nil, err
	}
	return b, driver, nil
}

// hasCall reports whether the log contains an entry with the prefix.
func hasCall(calls []string, prefix string) bool {
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// callsString joins a call log for failure messages.
func callsString(calls []string) string {
	return fmt.Sprintf("[%s]", strings.Join(calls, ", "))
}
