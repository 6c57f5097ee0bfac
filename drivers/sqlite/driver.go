// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package sqlitedriver implements the sqlbridge.Driver interface over
// SQLite using mattn/go-sqlite3. SQLite supports a single writer, so the
// driver advertises itself as single-connection and the bridge pool
// degenerates to mutual exclusion over one handle.
package sqlitedriver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlbridge "github.com/buke/sql-bridge"
	_ "github.com/mattn/go-sqlite3"
)

// Driver opens connections to one SQLite database file (or :memory:).
type Driver struct {
	db *sql.DB

	busyTimeout time.Duration
	foreignKeys bool
	journalMode string
}

// Option configures a Driver.
type Option func(*Driver)

// WithBusyTimeout configures how long SQLite waits on a locked database
// before failing with SQLITE_BUSY.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.busyTimeout = timeout
		}
	}
}

// WithForeignKeys enables or disables foreign key enforcement.
func WithForeignKeys(enabled bool) Option {
	return func(d *Driver) {
		d.foreignKeys = enabled
	}
}

// WithJournalMode sets the journal mode pragma (e.g. "WAL", "MEMORY").
func WithJournalMode(mode string) Option {
	return func(d *Driver) {
		if mode != "" {
			d.journalMode = mode
		}
	}
}

// New opens (creating if needed) the SQLite database at path and returns
// a driver for it. The connection is configured the way a bridge needs
// it: WAL journal, busy timeout for lock contention, foreign keys on.
func New(path string, opts ...Option) (*Driver, error) {
	d := &Driver{
		busyTimeout: 5 * time.Second,
		foreignKeys: true,
		journalMode: "WAL",
	}
	for _, opt := range opts {
		opt(d)
	}

	fk := "off"
	if d.foreignKeys {
		fk = "on"
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=%s&_journal_mode=%s",
		path, d.busyTimeout.Milliseconds(), fk, d.journalMode)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time avoids SQLITE_BUSY from our own pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d.db = db
	return d, nil
}

// Name implements sqlbridge.Driver.
func (d *Driver) Name() string { return "sqlite" }

// SingleConn implements sqlbridge.Driver. Always true for SQLite.
func (d *Driver) SingleConn() bool { return true }

// Connect implements sqlbridge.Driver, checking out the database's
// single connection.
func (d *Driver) Connect(ctx context.Context) (sqlbridge.DriverConn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	return &conn{c: c}, nil
}

// Close implements sqlbridge.Driver.
func (d *Driver) Close() error {
	return d.db.Close()
}

// conn adapts a dedicated *sql.Conn to sqlbridge.DriverConn. Transaction
// control is issued as plain statements so the bridge's frame stack owns
// begin/commit/savepoint sequencing.
type conn struct {
	c *sql.Conn
}

// Exec implements sqlbridge.DriverConn.
func (c *conn) Exec(ctx context.Context, query string, args ...any) (sqlbridge.Result, error) {
	res, err := c.c.ExecContext(ctx, query, args...)
	if err != nil {
		return sqlbridge.Result{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Not all statements report affected rows.
		affected = 0
	}
	return sqlbridge.Result{RowsAffected: affected}, nil
}

// Query implements sqlbridge.DriverConn, materializing the full result
// set before returning.
func (c *conn) Query(ctx context.Context, query string, args ...any) (*sqlbridge.Rows, error) {
	rows, err := c.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &sqlbridge.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Begin implements sqlbridge.DriverConn.
func (c *conn) Begin(ctx context.Context) error {
	_, err := c.c.ExecContext(ctx, "BEGIN")
	return err
}

// Commit implements sqlbridge.DriverConn.
func (c *conn) Commit(ctx context.Context) error {
	_, err := c.c.ExecContext(ctx, "COMMIT")
	return err
}

// Rollback implements sqlbridge.DriverConn.
func (c *conn) Rollback(ctx context.Context) error {
	_, err := c.c.ExecContext(ctx, "ROLLBACK")
	return err
}

// Savepoint implements sqlbridge.DriverConn.
func (c *conn) Savepoint(ctx context.Context, name string) error {
	_, err := c.c.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// ReleaseSavepoint implements sqlbridge.DriverConn.
func (c *conn) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := c.c.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// RollbackTo implements sqlbridge.DriverConn.
func (c *conn) RollbackTo(ctx context.Context, name string) error {
	_, err := c.c.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// Ping implements sqlbridge.DriverConn.
func (c *conn) Ping(ctx context.Context) error {
	return c.c.PingContext(ctx)
}

// Close implements sqlbridge.DriverConn, returning the connection to the
// database handle.
func (c *conn) Close(ctx context.Context) error {
	return c.c.Close()
}
