// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import "fmt"

// txFrame is one level of atomic nesting on a connection handle. Depth 0
// is the root transaction; deeper frames are savepoints named
// deterministically from their depth.
type txFrame struct {
	depth int
	name  string // Savepoint name; empty for the root frame
}

// savepointName derives the deterministic savepoint name for a depth.
func savepointName(depth int) string {
	return fmt.Sprintf("sqlbridge_sp_%d", depth)
}

// Atomic runs fn inside a new transaction frame: a root transaction if
// none is open, a nested savepoint otherwise. The frame is popped with
// the correct disposition on every exit path. If fn returns nil the
// frame commits (or releases its savepoint); if fn returns an error or
// panics the frame rolls back — only to its own savepoint when nested,
// leaving outer frames intact — and the error (or panic) continues to
// propagate.
func (s *Session) Atomic(fn func() error) error {
	frame, err := s.enterAtomic()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.exitAtomic(frame, false)
			panic(r)
		}
	}()

	err = fn()
	if exitErr := s.exitAtomic(frame, err == nil); err == nil {
		err = exitErr
	}
	return err
}

// enterAtomic pushes a new frame, issuing BEGIN or SAVEPOINT through the
// suspension primitive.
func (s *Session) enterAtomic() (*txFrame, error) {
	if s.handle == nil || s.handle.isReleased() {
		if _, err := s.worker.await(newRequest(opAcquire)); err != nil {
			return nil, err
		}
	}
	h := s.handle

	frame := &txFrame{depth: h.depth()}
	var req *request
	if frame.depth == 0 {
		req = newRequest(opBegin)
	} else {
		frame.name = savepointName(frame.depth)
		req = newRequest(opSavepoint)
		req.name = frame.name
	}
	if _, err := s.worker.await(req); err != nil {
		return nil, err
	}
	h.frames = append(h.frames, frame)
	return frame, nil
}

// exitAtomic pops the frame with the given disposition. Only the topmost
// frame may be popped; anything else is a bridging-discipline violation
// and fails fast without touching the backend. The frame is popped even
// when the backend operation fails, in which case the connection is
// marked broken so it cannot be reused with unknown transaction state.
func (s *Session) exitAtomic(frame *txFrame, succeeded bool) error {
	op := "rollback"
	if succeeded {
		op = "commit"
	}

	h := s.handle
	if h == nil || len(h.frames) == 0 || h.frames[len(h.frames)-1] != frame {
		return &MisuseError{
			Op:     op,
			Reason: fmt.Sprintf("transaction frame at depth %d exited out of stack order", frame.depth),
		}
	}

	var req *request
	switch {
	case frame.depth == 0 && succeeded:
		req = newRequest(opCommit)
	case frame.depth == 0:
		req = newRequest(opRollback)
	case succeeded:
		req = newRequest(opReleaseSavepoint)
		req.name = frame.name
	default:
		req = newRequest(opRollbackTo)
		req.name = frame.name
	}

	_, err := s.worker.await(req)
	h.frames = h.frames[:len(h.frames)-1]
	if err != nil {
		h.markBroken()
	}
	return err
}
