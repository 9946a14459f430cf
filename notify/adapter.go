// Package notify implements the reference-counted notification adapter the
// transfer service invokes to deliver job events, and the status-code
// vocabulary its interfaces use.
//
// The service may call an adapter from any goroutine at any time, including
// after the registrant believes its work is done. The adapter therefore owns
// its handlers outright, counts references explicitly, and wraps every
// handler call in a fault barrier: a panic inside a handler becomes
// StatusFail and never unwinds into the service. A registry decouples "the
// service holds a reference" from garbage-collector rooting; the service-side
// shim resolves its handle through the registry and a destroyed adapter
// simply stops resolving.
package notify

import (
	"fmt"
	"sync"
)

// Status is a numeric result code in the transfer service's convention.
// Zero is success; negative values are failures.
type Status int32

// Well-known status codes.
const (
	// StatusOK reports success; it suppresses fallback notification paths.
	StatusOK Status = 0
	// StatusFail is the generic failure code; the service falls back to
	// alternate notification paths.
	StatusFail Status = -2147467259
	// StatusNotFound reports an unknown or misowned job id.
	StatusNotFound Status = -2145386495
	// StatusPartialComplete reports completion with some data not committed.
	StatusPartialComplete Status = 2097175
)

// Succeeded reports whether s is a success code.
func (s Status) Succeeded() bool {
	return s >= 0
}

// StatusMessage pairs a status code with a human-readable description when
// the service can supply one.
type StatusMessage struct {
	Code    Status `json:"code"`
	Message string `json:"message,omitempty"`
}

// String returns the formatted code and description
func (m StatusMessage) String() string {
	if m.Message == "" {
		return fmt.Sprintf("status %#x", uint32(m.Code))
	}
	return fmt.Sprintf("status %#x: %s", uint32(m.Code), m.Message)
}

// Event identifies a notification kind.
type Event int

const (
	// EventTransferred signals all files finished transferring
	EventTransferred Event = iota
	// EventError signals the job entered an error state
	EventError
	// EventModification signals job state or progress changed
	EventModification
)

// Handler handles one notification event. Handlers run on the service's
// goroutines; any state they touch must be independently owned, reachable
// through counted or weak handles, never borrowed from the registrant.
type Handler func() Status

// Handle resolves an adapter through the package registry. The zero Handle
// resolves to nothing.
type Handle uint64

// Adapter holds up to three optional event handlers behind a
// concurrency-safe reference count. It is destroyed exactly when the count
// returns to zero; after that no handler runs again.
type Adapter struct {
	mu          sync.Mutex
	refs        int
	destroyed   bool
	handle      Handle
	transferred Handler
	err         Handler
	modified    Handler
}

var (
	regMu    sync.Mutex
	regNext  Handle = 1
	registry        = make(map[Handle]*Adapter)
)

// NewAdapter creates an adapter with the given optional handlers (any may be
// nil) and registers it. The new adapter holds no references; each holder
// must take one with Handoff and drop it with Release.
func NewAdapter(transferred, errHandler, modified Handler) *Adapter {
	a := &Adapter{
		transferred: transferred,
		err:         errHandler,
		modified:    modified,
	}

	regMu.Lock()
	a.handle = regNext
	regNext++
	registry[a.handle] = a
	regMu.Unlock()

	return a
}

// Handle returns the registry handle the service-side shim stores instead of
// a pointer.
func (a *Adapter) Handle() Handle {
	return a.handle
}

// Lookup resolves a handle to its adapter, or nil once the adapter has been
// destroyed.
func Lookup(h Handle) *Adapter {
	regMu.Lock()
	defer regMu.Unlock()
	return registry[h]
}

// Handoff takes a reference on behalf of a new holder. It reports false if
// the adapter was already destroyed.
func (a *Adapter) Handoff() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return false
	}
	a.refs++
	return true
}

// Release drops one reference. When the count reaches zero the adapter is
// destroyed: it leaves the registry and every further invocation reports
// StatusFail. Releasing below zero panics; that is a caller bug.
func (a *Adapter) Release() {
	a.mu.Lock()
	if a.refs <= 0 {
		a.mu.Unlock()
		panic("notify: adapter released more times than handed off")
	}
	a.refs--
	done := a.refs == 0 && !a.destroyed
	if done {
		a.destroyed = true
	}
	a.mu.Unlock()

	if done {
		regMu.Lock()
		delete(registry, a.handle)
		regMu.Unlock()
	}
}

// Destroyed reports whether the reference count has returned to zero.
func (a *Adapter) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// Invoke runs the handler for the given event inside the fault barrier and
// returns its status to the service. A destroyed adapter reports StatusFail
// so the service falls back to alternate paths; a nil handler reports
// StatusOK. The invocation holds its own reference for its duration, so a
// holder releasing concurrently cannot destroy the adapter under a running
// handler. The handler runs outside the adapter lock: it may legally call
// back into the adapter.
func (a *Adapter) Invoke(ev Event) Status {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return StatusFail
	}
	a.refs++
	var h Handler
	switch ev {
	case EventTransferred:
		h = a.transferred
	case EventError:
		h = a.err
	case EventModification:
		h = a.modified
	}
	a.mu.Unlock()
	defer a.Release()

	if h == nil {
		return StatusOK
	}
	return invoke(h)
}

// invoke is the fault barrier: a panic in the handler is converted to a
// generic failure status and must never unwind across the service-owned
// call frame.
func invoke(h Handler) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			st = StatusFail
		}
	}()
	return h()
}
