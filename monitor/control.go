package monitor

import (
	"sync"

	"github.com/axondata/go-xfermgr/notify"
)

// state is the mutable core shared between a Monitor and its Control
// handles.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond

	intervalMillis uint32
	notified       bool
	shutdown       bool
}

var (
	regMu   sync.Mutex
	regNext uint64
	reg     = map[uint64]*state{}
)

func register(st *state) Control {
	regMu.Lock()
	defer regMu.Unlock()
	regNext++
	reg[regNext] = st
	return Control{id: regNext}
}

func unregister(id uint64) {
	regMu.Lock()
	defer regMu.Unlock()
	delete(reg, id)
}

// Control is a handle on a monitor's shared state that stays valid after
// the monitor itself is gone. Operations on a dead handle fail instead of
// touching stale state, so notification handlers and the worker's command
// loop can hold one without keeping the monitor alive.
type Control struct {
	id uint64
}

func (c Control) lookup() *state {
	regMu.Lock()
	defer regMu.Unlock()
	return reg[c.id]
}

// Notify wakes a pending GetStatus so it refreshes immediately. Every
// notification kind is a payload-free wake trigger. Returns StatusFail when
// the monitor has shut down.
func (c Control) Notify() notify.Status {
	st := c.lookup()
	if st == nil {
		return notify.StatusFail
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.shutdown {
		return notify.StatusFail
	}
	st.notified = true
	st.cond.Broadcast()
	return notify.StatusOK
}

// SetInterval changes the refresh interval and wakes any waiter so it
// recomputes its deadline. Reports whether the monitor was still alive.
func (c Control) SetInterval(millis uint32) bool {
	st := c.lookup()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.shutdown {
		return false
	}
	st.intervalMillis = millis
	st.cond.Broadcast()
	return true
}

// Shutdown moves the monitor to its terminal state and wakes all waiters.
// Safe to call more than once.
func (c Control) Shutdown() {
	st := c.lookup()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.shutdown = true
	st.cond.Broadcast()
	st.mu.Unlock()
	unregister(c.id)
}

// Alive reports whether the monitor has not shut down.
func (c Control) Alive() bool {
	st := c.lookup()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.shutdown
}
