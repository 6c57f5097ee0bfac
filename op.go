// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import "github.com/google/uuid"

// opKind identifies the asynchronous operation a suspension request asks
// the runner to perform.
type opKind int

const (
	opAcquire          opKind = iota // Acquire the task's connection handle
	opRelease                        // Return the task's handle to the pool
	opPing                           // Liveness check on the connection
	opExec                           // Execute a statement, no result rows
	opQuery                          // Execute a query, materialize rows
	opBegin                          // Begin the root transaction
	opCommit                         // Commit the root transaction
	opRollback                       // Roll back the root transaction
	opSavepoint                      // Create a nested savepoint
	opReleaseSavepoint               // Release (commit) a savepoint
	opRollbackTo                     // Roll back to a savepoint
)

// String returns the string representation of an opKind.
func (k opKind) String() string {
	switch k {
	case opAcquire:
		return "acquire"
	case opRelease:
		return "release"
	case opPing:
		return "ping"
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	case opSavepoint:
		return "savepoint"
	case opReleaseSavepoint:
		return "release savepoint"
	case opRollbackTo:
		return "rollback to savepoint"
	default:
		return "unknown"
	}
}

// request describes one asynchronous operation a worker needs performed.
// It is created each time hosted code calls a suspension method and is
// consumed exactly once by the runner.
type request struct {
	kind  opKind    // Operation to perform
	token uuid.UUID // Correlation token for logs and misuse reports
	query string    // Statement text (exec/query)
	args  []any     // Statement parameters (exec/query)
	name  string    // Savepoint name (savepoint ops)
}

// newRequest creates a request with a fresh correlation token.
func newRequest(kind opKind) *request {
	return &request{kind: kind, token: uuid.New()}
}

// outcome is the discriminated result delivered back across the
// suspension channel: a value or an error, never both.
type outcome struct {
	value any   // Operation result (nil if err is set)
	err   error // Operation failure (nil on success)
}
