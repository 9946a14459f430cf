// Package overlapped runs one-shot asynchronous I/O calls with bounded waits,
// non-blocking polls, and synchronous cancellation.
//
// An Operation wraps exactly one in-flight call. The issuer owns the
// Operation exclusively; it transitions Pending -> Finished once and never
// back. An abandoned Operation must be cancelled with CancelAndWait before
// any buffer the call references is released: CancelAndWait does not return
// until the call itself has returned, so the buffer is never touched
// afterwards. Correctness over latency.
package overlapped

import (
	"time"
)

// NoTimeout waits forever when passed to Wait.
const NoTimeout time.Duration = -1

// Operation is one in-flight asynchronous call.
type Operation struct {
	call   string
	cancel func() error
	done   chan struct{}

	// written by the issuing goroutine before done is closed,
	// read only after done is observed closed
	n   int
	err error
}

// Issue starts do on its own goroutine and returns the pending Operation.
// call names the originating I/O call for error reporting. cancel must force
// an in-flight do to return promptly (for network handles, setting a deadline
// in the past); it may be nil if do cannot block.
//
// Immediate completion is possible: the Operation may already be finished by
// the time Issue returns. Callers detect that through Finish or Wait; it is
// not an error.
func Issue(call string, do func() (int, error), cancel func() error) *Operation {
	op := &Operation{
		call:   call,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		op.n, op.err = do()
		close(op.done)
	}()
	return op
}

// Call returns the name of the originating I/O call.
func (op *Operation) Call() string {
	return op.call
}

// Wait blocks until the operation finishes or the timeout elapses. It does
// not consume the pending state; Wait and Finish may be called repeatedly.
// A negative timeout waits forever. Returns true once finished.
func (op *Operation) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-op.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-op.done:
		return true
	case <-t.C:
		// Re-check: the operation may have finished while the timer fired.
		return op.Finished()
	}
}

// Finished reports whether the operation has completed without blocking.
func (op *Operation) Finished() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// Finish polls the operation without blocking. done is false while the call
// is still pending; pending is not an error. Once done, n is the byte count
// transferred and err the call's result.
func (op *Operation) Finish() (n int, err error, done bool) {
	select {
	case <-op.done:
		return op.n, op.err, true
	default:
		return 0, nil, false
	}
}

// CancelAndWait requests cancellation and blocks until the in-flight call
// has acknowledged it by returning. After CancelAndWait returns, the call no
// longer references any buffer it was issued with. Safe to call on a
// finished operation, and idempotent.
func (op *Operation) CancelAndWait() {
	if op.Finished() {
		return
	}
	if op.cancel != nil {
		_ = op.cancel()
	}
	<-op.done
}
