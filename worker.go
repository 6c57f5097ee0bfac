// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"fmt"
	"sync/atomic"
)

// workerState represents the execution state of a worker.
type workerState int32

const (
	workerRunning   workerState = iota // Executing hosted code
	workerSuspended                    // Parked on an outstanding suspension request
	workerDone                         // Callable returned or panicked
)

// String returns the string representation of a workerState.
func (s workerState) String() string {
	switch s {
	case workerRunning:
		return "running"
	case workerSuspended:
		return "suspended"
	case workerDone:
		return "done"
	default:
		return "unknown"
	}
}

// suspension is the one-shot handoff carrying a single request from the
// worker to the runner and exactly one outcome back. The resume channel
// is buffered so the runner never blocks delivering the outcome.
type suspension struct {
	req      *request
	resume   chan outcome
	consumed uint32 // Atomic: set once the outcome has been delivered
}

// worker is a secondary execution context: a dedicated goroutine running
// the hosted blocking-style callable. It can be suspended mid-call and
// resumed later with a value or an error injected at the suspension
// point. Goroutines are the cheap suspendable stacks the Go runtime
// provides, so no explicit continuation machinery is needed.
type worker struct {
	name string // Human-readable name for logs

	suspendCh chan *suspension // Worker -> runner handoff
	doneCh    chan outcome     // Final result of the hosted callable
	state     int32            // Atomic workerState
}

// newWorker creates a worker with the given name.
func newWorker(name string) *worker {
	return &worker{
		name:      name,
		suspendCh: make(chan *suspension),
		doneCh:    make(chan outcome, 1),
		state:     int32(workerRunning),
	}
}

// getState returns the current worker state (thread-safe).
func (w *worker) getState() workerState {
	return workerState(atomic.LoadInt32(&w.state))
}

// await is the suspension primitive. It packages the request into a
// one-shot suspension, hands control to the runner, and parks the
// worker's stack until the runner resumes it with an outcome. The
// delivered error surfaces here, at the exact call site that suspended,
// preserving the illusion of an ordinary blocking call that failed.
//
// Calling await when this worker is not the one currently running
// (after the callable returned, or concurrently from a second
// goroutine) is a contract violation and fails immediately instead of
// deadlocking.
func (w *worker) await(req *request) (any, error) {
	if !atomic.CompareAndSwapInt32(&w.state, int32(workerRunning), int32(workerSuspended)) {
		return nil, &MisuseError{
			Op:     req.kind.String(),
			Token:  req.token,
			Reason: fmt.Sprintf("suspension attempted while worker is %s; blocking operations are only valid inside an active bridged call", w.getState()),
		}
	}

	s := &suspension{req: req, resume: make(chan outcome, 1)}
	w.suspendCh <- s

	// Parked here until the runner delivers the outcome.
	out := <-s.resume
	atomic.StoreInt32(&w.state, int32(workerRunning))
	return out.value, out.err
}

// injectResume delivers the outcome for an outstanding suspension,
// unblocking the worker that issued it. Resuming a worker that has no
// outstanding request, or resuming the same suspension twice, is a
// contract violation and fails fast.
func (w *worker) injectResume(s *suspension, out outcome) *MisuseError {
	if w.getState() != workerSuspended {
		return &MisuseError{
			Op:     s.req.kind.String(),
			Token:  s.req.token,
			Reason: fmt.Sprintf("resume attempted while worker is %s; no outstanding request", w.getState()),
		}
	}
	if !atomic.CompareAndSwapUint32(&s.consumed, 0, 1) {
		return &MisuseError{
			Op:     s.req.kind.String(),
			Token:  s.req.token,
			Reason: "suspension already resumed; each request is consumed exactly once",
		}
	}
	s.resume <- out
	return nil
}

// run executes the hosted callable on the worker's own goroutine and
// reports the final outcome. Panics in hosted code are recovered and
// reported as a failed outcome rather than crashing the process (the
// runner re-surfaces them as errors to its caller).
func (w *worker) run(sess *Session, fn func(*Session) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.StoreInt32(&w.state, int32(workerDone))
			w.doneCh <- outcome{err: fmt.Errorf("panic in bridged call on %s: %v", w.name, r)}
		}
	}()

	err := fn(sess)
	atomic.StoreInt32(&w.state, int32(workerDone))
	w.doneCh <- outcome{err: err}
}
