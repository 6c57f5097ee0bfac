// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package postgresdriver implements the sqlbridge.Driver interface over
// PostgreSQL using jackc/pgx. PostgreSQL is a multi-connection backend:
// pooling is left entirely to the bridge, so each Connect opens a plain
// pgx connection rather than layering pgxpool underneath.
package postgresdriver

import (
	"context"
	"fmt"

	sqlbridge "github.com/buke/sql-bridge"
	"github.com/jackc/pgx/v5"
)

// Driver opens connections to one PostgreSQL database.
type Driver struct {
	config *pgx.ConnConfig
}

// Option configures a Driver.
type Option func(*Driver)

// WithConfigure exposes the parsed pgx connection config for adjustment
// (runtime params, TLS, tracing) before any connection is opened.
func WithConfigure(fn func(*pgx.ConnConfig)) Option {
	return func(d *Driver) {
		if fn != nil {
			fn(d.config)
		}
	}
}

// New parses the connection string (URL or DSN form) and returns a
// driver for it. Parsing is eager so a malformed string fails here, not
// on first acquire.
func New(connString string, opts ...Option) (*Driver, error) {
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	d := &Driver{config: config}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements sqlbridge.Driver.
func (d *Driver) Name() string { return "postgres" }

// SingleConn implements sqlbridge.Driver. Always false for PostgreSQL.
func (d *Driver) SingleConn() bool { return false }

// Connect implements sqlbridge.Driver.
func (d *Driver) Connect(ctx context.Context) (sqlbridge.DriverConn, error) {
	c, err := pgx.ConnectConfig(ctx, d.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &conn{c: c}, nil
}

// Close implements sqlbridge.Driver. Connections are owned and closed by
// the bridge pool; there is no backend-wide state to tear down.
func (d *Driver) Close() error { return nil }

// conn adapts a *pgx.Conn to sqlbridge.DriverConn. Transaction control
// is issued as plain statements so the bridge's frame stack owns
// begin/commit/savepoint sequencing.
type conn struct {
	c *pgx.Conn
}

// Exec implements sqlbridge.DriverConn.
func (c *conn) Exec(ctx context.Context, query string, args ...any) (sqlbridge.Result, error) {
	tag, err := c.c.Exec(ctx, query, args...)
	if err != nil {
		return sqlbridge.Result{}, err
	}
	return sqlbridge.Result{RowsAffected: tag.RowsAffected()}, nil
}

// Query implements sqlbridge.DriverConn, materializing the full result
// set before returning.
func (c *conn) Query(ctx context.Context, query string, args ...any) (*sqlbridge.Rows, error) {
	rows, err := c.c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	out := &sqlbridge.Rows{Columns: make([]string, len(fds))}
	for i, fd := range fds {
		out.Columns[i] = fd.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
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
	_, err := c.c.Exec(ctx, "begin")
	return err
}

// Commit implements sqlbridge.DriverConn.
func (c *conn) Commit(ctx context.Context) error {
	_, err := c.c.Exec(ctx, "commit")
	return err
}

// Rollback implements sqlbridge.DriverConn.
func (c *conn) Rollback(ctx context.Context) error {
	_, err := c.c.Exec(ctx, "rollback")
	return err
}

// Savepoint implements sqlbridge.DriverConn.
func (c *conn) Savepoint(ctx context.Context, name string) error {
	_, err := c.c.Exec(ctx, "savepoint "+name)
	return err
}

// ReleaseSavepoint implements sqlbridge.DriverConn.
func (c *conn) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := c.c.Exec(ctx, "release savepoint "+name)
	return err
}

// RollbackTo implements sqlbridge.DriverConn.
func (c *conn) RollbackTo(ctx context.Context, name string) error {
	_, err := c.c.Exec(ctx, "rollback to savepoint "+name)
	return err
}

// Ping implements sqlbridge.DriverConn.
func (c *conn) Ping(ctx context.Context) error {
	return c.c.Ping(ctx)
}

// Close implements sqlbridge.DriverConn.
func (c *conn) Close(ctx context.Context) error {
	return c.c.Close(ctx)
}
