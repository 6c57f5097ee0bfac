// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrPoolTimeout is returned when a connection cannot be acquired within
// the configured acquire timeout. The condition is transient: the caller
// may retry, the bridge itself never does.
var ErrPoolTimeout = errors.New("sqlbridge: connection acquire timed out")

// ErrBridgeClosed is returned for any operation attempted after Shutdown
// has begun.
var ErrBridgeClosed = errors.New("sqlbridge: bridge is shut down")

// MisuseError reports a violation of the bridging discipline: a blocking
// operation invoked outside an active worker, a worker resumed without a
// matching outstanding request, or a transaction frame exited out of
// stack order. A MisuseError indicates a programming defect, never a
// transient condition, and must not be retried.
type MisuseError struct {
	Op     string    // The attempted operation (e.g. "query", "commit")
	Token  uuid.UUID // Correlation token of the offending request, if any
	Reason string    // What was violated
}

// Error implements the error interface.
func (e *MisuseError) Error() string {
	if e.Token == uuid.Nil {
		return fmt.Sprintf("sqlbridge: misuse of %q: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("sqlbridge: misuse of %q (token %s): %s", e.Op, e.Token, e.Reason)
}

// IsMisuse reports whether err is (or wraps) a MisuseError.
func IsMisuse(err error) bool {
	var me *MisuseError
	return errors.As(err, &me)
}
