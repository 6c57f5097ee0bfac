// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import "context"

// Result reports the outcome of a statement that returns no rows.
type Result struct {
	RowsAffected int64 // Number of rows changed by the statement
}

// Rows is a fully materialized result set. Rows are detached from the
// driver before the worker is resumed, so a result never holds wire or
// cursor state across a suspension point.
type Rows struct {
	Columns []string // Column names, in select order
	Values  [][]any  // One slice per row, positionally matching Columns
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Driver opens connections for one specific backend. Implementations
// live in the drivers/ sub-packages and are selected at bridge
// construction time.
type Driver interface {
	// Name returns a short backend identifier for logs (e.g. "sqlite").
	Name() string

	// SingleConn reports whether the backend supports only one live
	// connection. The bridge clamps its pool to capacity 1 for such
	// backends, degenerating acquisition to mutual exclusion.
	SingleConn() bool

	// Connect opens a new connection.
	Connect(ctx context.Context) (DriverConn, error)

	// Close releases backend-wide resources after the pool has closed
	// all connections.
	Close() error
}

// DriverConn is a single live connection to the backend. The bridge
// guarantees a DriverConn is owned by exactly one task at a time; a
// DriverConn needs no internal locking.
type DriverConn interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) (Result, error)

	// Query executes a query and materializes the full result set.
	Query(ctx context.Context, query string, args ...any) (*Rows, error)

	// Begin starts the root transaction.
	Begin(ctx context.Context) error

	// Commit commits the root transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the root transaction.
	Rollback(ctx context.Context) error

	// Savepoint creates a nested savepoint with the given name.
	Savepoint(ctx context.Context, name string) error

	// ReleaseSavepoint releases the named savepoint, keeping its effects.
	ReleaseSavepoint(ctx context.Context, name string) error

	// RollbackTo rolls back to the named savepoint, keeping outer
	// transaction state intact.
	RollbackTo(ctx context.Context, name string) error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close(ctx context.Context) error
}
