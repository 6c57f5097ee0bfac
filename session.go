// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

// Session is the handle hosted code uses to reach the backend. Every
// method on it is a suspension point: the call packages its operation
// into a request, parks the worker while the runner performs the real
// asynchronous operation, and returns the outcome as if the call itself
// had blocked. A Session is only valid inside the bridged call it was
// created for; using one after Run returns (or from another goroutine)
// fails with a MisuseError.
type Session struct {
	bridge *Bridge
	task   *Task
	worker *worker

	// handle is set by the runner when the task's connection is first
	// acquired. The worker only observes it after a resume, so the
	// handoff channels provide the necessary ordering.
	handle *connHandle
}

// Task returns the task identity this session runs under.
func (s *Session) Task() *Task { return s.task }

// Acquire eagerly claims the task's connection handle. Most callers
// never need it: the first statement acquires lazily. It exists for
// hosted code that wants to fail fast on pool exhaustion before doing
// other work.
func (s *Session) Acquire() error {
	_, err := s.worker.await(newRequest(opAcquire))
	return err
}

// Release returns the task's connection to the pool. Idempotent: a
// second call is a no-op. A later statement on the same session
// acquires a fresh connection.
func (s *Session) Release() error {
	_, err := s.worker.await(newRequest(opRelease))
	return err
}

// Ping verifies the task's connection is alive, acquiring one if needed.
func (s *Session) Ping() error {
	_, err := s.worker.await(newRequest(opPing))
	return err
}

// Exec executes a statement that returns no rows.
func (s *Session) Exec(query string, args ...any) (Result, error) {
	req := newRequest(opExec)
	req.query = query
	req.args = args
	v, err := s.worker.await(req)
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Query executes a query and returns the materialized result set.
func (s *Session) Query(query string, args ...any) (*Rows, error) {
	req := newRequest(opQuery)
	req.query = query
	req.args = args
	v, err := s.worker.await(req)
	if err != nil {
		return nil, err
	}
	return v.(*Rows), nil
}

// QueryRow executes a query expected to return at most one row and
// returns that row's values, or nil if the result is empty.
func (s *Session) QueryRow(query string, args ...any) ([]any, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, nil
	}
	return rows.Values[0], nil
}
