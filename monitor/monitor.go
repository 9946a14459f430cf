// Package monitor merges push notifications with interval polling into a
// single blocking status stream for one transfer job.
//
// A Monitor registers a notification adapter on its job and boosts the job
// to foreground priority for the duration. GetStatus then returns a fresh
// snapshot immediately on the first call, on every notification, and at
// least once per interval, whichever comes first. Notification handlers
// reach the monitor only through a registry-backed Control handle, so a
// late callback from the service finds a dead handle rather than stale
// state. Shutdown is terminal: once entered, by explicit Close, by a worker
// Control, or by any fetch error, every subsequent call fails with
// ErrNotConnected.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/protocol"
	"github.com/axondata/go-xfermgr/service"
)

// NoTimeout makes GetStatus wait indefinitely for the next snapshot.
const NoTimeout time.Duration = -1

var (
	// ErrNotConnected is returned by GetStatus after the monitor has shut
	// down.
	ErrNotConnected = errors.New("xfermgr: monitor not connected")

	// ErrTimeout is returned by GetStatus when no snapshot became due
	// within the timeout. The monitor shuts down.
	ErrTimeout = errors.New("xfermgr: monitor timed out")
)

// Monitor streams status snapshots for one job. GetStatus is not safe for
// concurrent use; a monitor has exactly one consumer.
type Monitor struct {
	st  *state
	ctl Control
	job service.Job
	log *slog.Logger

	// consumer-side bookkeeping, touched only from GetStatus and the
	// termination paths
	lastStatus time.Time
	lastURL    string
	restore    sync.Once
}

// Option adjusts monitor construction.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// New registers a notification adapter on job, raises it to foreground
// priority, and returns a monitor refreshing every intervalMillis.
func New(ctx context.Context, job service.Job, intervalMillis uint32, opts ...Option) (*Monitor, error) {
	st := &state{intervalMillis: intervalMillis}
	st.cond = sync.NewCond(&st.mu)

	m := &Monitor{
		st:  st,
		ctl: register(st),
		job: job,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	wake := notify.Handler(m.ctl.Notify)
	if err := job.RegisterNotifications(notify.NewAdapter(wake, wake, wake)); err != nil {
		m.ctl.Shutdown()
		return nil, err
	}
	if err := job.SetPriority(ctx, service.PriorityForeground); err != nil {
		m.ctl.Shutdown()
		return nil, err
	}
	return m, nil
}

// Control returns the weak handle used to notify, retune, or stop this
// monitor from another goroutine.
func (m *Monitor) Control() Control {
	return m.ctl
}

// GetStatus blocks until the next snapshot is due, fetches it, and returns
// it. A snapshot is due immediately on the first call, when a notification
// arrived since the last fetch, or when the refresh interval has elapsed.
// Negative timeout means wait forever. Timeouts and fetch errors shut the
// monitor down; afterwards GetStatus fails with ErrNotConnected.
//
// The snapshot's URL field is set only when the job's current source URL
// differs from the previous report, which is how redirects surface.
func (m *Monitor) GetStatus(ctx context.Context, timeout time.Duration) (*protocol.JobStatus, error) {
	start := time.Now()

	m.st.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			m.st.mu.Unlock()
			m.ctl.Shutdown()
			m.finish()
			return nil, err
		}
		if m.st.shutdown {
			m.st.mu.Unlock()
			m.finish()
			return nil, ErrNotConnected
		}
		if timeout >= 0 && time.Since(start) > timeout {
			m.st.mu.Unlock()
			m.ctl.Shutdown()
			m.finish()
			return nil, ErrTimeout
		}
		if m.st.notified || m.lastStatus.IsZero() {
			break
		}
		wake := m.lastStatus.Add(time.Duration(m.st.intervalMillis) * time.Millisecond)
		if timeout >= 0 {
			if deadline := start.Add(timeout); deadline.Before(wake) {
				wake = deadline
			}
		}
		if !time.Now().Before(wake) {
			break
		}
		m.waitUntil(wake)
	}
	m.st.notified = false
	m.st.mu.Unlock()

	status, err := m.job.Status(ctx)
	var url string
	if err == nil {
		url, err = m.job.URL(ctx)
	}
	if err != nil {
		m.ctl.Shutdown()
		m.finish()
		return nil, err
	}
	m.lastStatus = time.Now()

	snap := &protocol.JobStatus{JobStatus: status}
	if url != m.lastURL {
		snap.URL = url
		m.lastURL = url
	}
	return snap, nil
}

// waitUntil waits on the condition until broadcast or the deadline. Caller
// holds st.mu; spurious wakeups are fine, the caller re-checks.
func (m *Monitor) waitUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		// Taking the lock orders the broadcast after the waiter has parked;
		// an unlocked broadcast can land before Wait and be lost.
		m.st.mu.Lock()
		m.st.cond.Broadcast()
		m.st.mu.Unlock()
	})
	defer timer.Stop()
	m.st.cond.Wait()
}

// Close shuts the monitor down and restores the job's priority. Safe to
// call more than once and concurrently with GetStatus.
func (m *Monitor) Close() error {
	m.ctl.Shutdown()
	m.finish()
	return nil
}

// finish restores the job's priority exactly once across all termination
// paths.
func (m *Monitor) finish() {
	m.restore.Do(func() {
		if err := m.job.SetPriority(context.Background(), service.PriorityNormal); err != nil {
			m.log.Debug("restoring job priority", "job", m.job.ID(), "error", err)
		}
	})
}
