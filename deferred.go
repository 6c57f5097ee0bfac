// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import "fmt"

// Deferred is a lazily resolved query reference. The query is not issued
// until the first call to Get, which must happen inside the session's
// bridged call: resolving after Run has returned surfaces a MisuseError
// at exactly the point of first access, naming the deferred query.
type Deferred struct {
	sess  *Session
	query string
	args  []any

	resolved bool
	rows     *Rows
	err      error
}

// QueryLazy returns a reference that resolves to the query's result set
// on first access.
func (s *Session) QueryLazy(query string, args ...any) *Deferred {
	return &Deferred{sess: s, query: query, args: args}
}

// Get resolves the deferred query, caching the result. Subsequent calls
// return the cached rows without another backend round-trip.
func (d *Deferred) Get() (*Rows, error) {
	if d.resolved {
		return d.rows, d.err
	}
	rows, err := d.sess.Query(d.query, d.args...)
	if err != nil && IsMisuse(err) {
		// Not cached: the reference itself is fine, the access context
		// was not.
		return nil, fmt.Errorf("deferred query %q: %w", d.query, err)
	}
	d.rows, d.err = rows, err
	d.resolved = true
	return d.rows, d.err
}
