// Package worker serves the command side of a transfer control connection.
//
// A worker owns one command pipe. It answers the version handshake, then
// loops: read one request frame, dispatch it against the transfer-service
// binding, write back the typed response. Monitor commands additionally
// start a streamer goroutine that dials the watcher's monitor pipe and
// writes one status frame per refresh until the monitor shuts down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/axondata/go-xfermgr/monitor"
	"github.com/axondata/go-xfermgr/pipe"
	"github.com/axondata/go-xfermgr/protocol"
	"github.com/axondata/go-xfermgr/service"
)

// DefaultWriteTimeout bounds how long a response or status write may block
// on a slow peer.
const DefaultWriteTimeout = 30 * time.Second

// stopGrace is how long streamers get to finish their current frame.
const stopGrace = time.Second

// ErrVersionMismatch is returned by Serve when the peer's protocol version
// does not match.
var ErrVersionMismatch = errors.New("xfermgr: protocol version mismatch")

// Conn is the worker's side of the command pipe. *pipe.Client implements
// it.
type Conn interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(buf []byte, timeout time.Duration) error
}

// Worker executes transfer commands against a service binding on behalf of
// a control connection.
type Worker struct {
	binding      service.Binding
	jobName      string
	log          *slog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	monitors map[service.JobID]monitor.Control
	streams  *stopper.Context
}

// Option adjusts worker construction.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(w *Worker) { w.writeTimeout = d }
}

// New returns a worker owning jobs under the given job name.
func New(binding service.Binding, jobName string, opts ...Option) *Worker {
	w := &Worker{
		binding:      binding,
		jobName:      jobName,
		log:          slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		monitors:     map[service.JobID]monitor.Control{},
		streams:      stopper.WithContext(context.Background()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Serve handshakes on conn and answers requests until the channel closes.
// A version mismatch or an undecodable frame ends the connection with an
// error; a clean close by the peer returns nil.
func (w *Worker) Serve(ctx context.Context, conn Conn) error {
	if err := w.handshake(conn); err != nil {
		return err
	}

	buf := make([]byte, protocol.MaxRequest)
	for {
		n, err := conn.Read(buf, pipe.NoTimeout)
		if err != nil {
			if errors.Is(err, pipe.ErrNotConnected) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		req, err := protocol.DecodeRequest(buf[:n])
		if err != nil {
			return err
		}

		w.log.Debug("dispatching command", "command", req.Kind)
		resp := w.dispatch(ctx, req)
		frame, err := protocol.EncodeResponse(resp)
		if err != nil {
			return err
		}
		if err := conn.Write(frame, w.writeTimeout); err != nil {
			return err
		}
	}
}

// handshake reads the peer's version byte and answers with ours. The peer
// writes first.
func (w *Worker) handshake(conn Conn) error {
	var version [1]byte
	n, err := conn.Read(version[:], pipe.NoTimeout)
	if err != nil {
		return err
	}
	if n != 1 || version[0] != protocol.Version {
		return fmt.Errorf("%w: peer sent %d, want %d", ErrVersionMismatch, version[0], protocol.Version)
	}
	return conn.Write([]byte{protocol.Version}, w.writeTimeout)
}

// Close shuts down every monitor and streamer. The binding stays open; it
// belongs to the caller.
func (w *Worker) Close() error {
	w.mu.Lock()
	for _, ctl := range w.monitors {
		ctl.Shutdown()
	}
	w.monitors = map[service.JobID]monitor.Control{}
	w.mu.Unlock()

	w.streams.Stop(stopGrace)
	return w.streams.Wait()
}

// startMonitor attaches a monitor to job and streams its snapshots to the
// watcher's pipe, replacing any previous monitor for the same job.
func (w *Worker) startMonitor(ctx context.Context, job service.Job, cfg protocol.MonitorConfig) error {
	m, err := monitor.New(ctx, job, cfg.IntervalMillis, monitor.WithLogger(w.log))
	if err != nil {
		return err
	}

	w.mu.Lock()
	if prev, ok := w.monitors[job.ID()]; ok {
		prev.Shutdown()
	}
	w.monitors[job.ID()] = m.Control()
	w.mu.Unlock()

	w.streams.Go(func(sctx *stopper.Context) error {
		defer m.Close()

		cl, err := pipe.DialOutbound(cfg.PipeName)
		if err != nil {
			w.log.Warn("dialing monitor pipe", "job", job.ID(), "pipe", cfg.PipeName, "error", err)
			return nil
		}
		defer cl.Close()

		for {
			st, err := m.GetStatus(sctx, monitor.NoTimeout)
			if err != nil {
				return nil
			}
			frame, err := protocol.EncodeStatus(st)
			if err != nil {
				w.log.Warn("encoding status", "job", job.ID(), "error", err)
				return nil
			}
			if err := cl.Write(frame, w.writeTimeout); err != nil {
				return nil
			}
		}
	})
	return nil
}

// monitorControl returns the live control for a job's monitor, if any.
func (w *Worker) monitorControl(id service.JobID) (monitor.Control, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctl, ok := w.monitors[id]
	return ctl, ok
}
