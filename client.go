package xfermgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axondata/go-xfermgr/pipe"
	"github.com/axondata/go-xfermgr/protocol"
	"github.com/axondata/go-xfermgr/service"
)

// Default timeouts for the command channel.
const (
	// DefaultConnectTimeout bounds waiting for the launched worker to dial
	// back.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCommandTimeout bounds one request/response round trip.
	DefaultCommandTimeout = 60 * time.Second
)

// Client owns the command pipe to one worker process. All commands go
// through a single strictly-alternating request/response channel; methods
// serialize on it.
type Client struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
	log            *slog.Logger

	mu     sync.Mutex
	srv    *pipe.Server
	closed bool
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithCommandTimeout overrides DefaultCommandTimeout.
func WithCommandTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.commandTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Connect creates the command pipe, launches the worker against it, waits
// for the worker to dial back, and handshakes. The pipe name is random and
// never reused; it reaches the worker only through the launcher.
func Connect(ctx context.Context, launcher Launcher, opts ...ClientOption) (*Client, error) {
	c := &Client{
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	srv, err := pipe.NewServer(pipe.Duplex, pipe.AccessService)
	if err != nil {
		return nil, err
	}
	c.srv = srv

	if err := launcher.Launch(ctx, srv.Name()); err != nil {
		_ = srv.Close()
		return nil, err
	}
	if err := srv.Connect(c.connectTimeout); err != nil {
		_ = srv.Close()
		return nil, err
	}
	if err := c.handshake(); err != nil {
		_ = srv.Close()
		return nil, err
	}
	c.log.Debug("connected to worker", "pipe", srv.Name())
	return c, nil
}

// handshake sends our version byte and checks the worker's answer. We
// write first; the worker answers only after accepting our version.
func (c *Client) handshake() error {
	if err := c.srv.Write([]byte{protocol.Version}, c.commandTimeout); err != nil {
		return err
	}
	var version [1]byte
	n, err := c.srv.Read(version[:], c.commandTimeout)
	if err != nil {
		return err
	}
	if n != 1 || version[0] != protocol.Version {
		return ErrVersionMismatch
	}
	return nil
}

// Close tears down the command pipe. The worker sees the channel close and
// exits its serve loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.srv.Close()
}

// StartJobOptions describes a job to start.
type StartJobOptions struct {
	// URL is the remote file to download
	URL string
	// SavePath is the absolute local destination path
	SavePath string
	// ProxyUsage is how the job resolves proxies
	ProxyUsage service.ProxyUsage
	// MonitorMillis, when nonzero, also attaches a monitor with this
	// refresh interval
	MonitorMillis uint32
}

// StartJob creates and resumes a download job. When opts.MonitorMillis is
// nonzero, it also returns a JobMonitor streaming the job's status.
func (c *Client) StartJob(opts StartJobOptions) (service.JobID, *JobMonitor, error) {
	req := &protocol.Request{
		Kind: protocol.CmdStartJob,
		Start: &protocol.StartJobRequest{
			URL:        opts.URL,
			SavePath:   opts.SavePath,
			ProxyUsage: opts.ProxyUsage,
		},
	}

	var mon *JobMonitor
	if opts.MonitorMillis > 0 {
		var err error
		mon, err = newJobMonitor()
		if err != nil {
			return service.JobID{}, nil, err
		}
		req.Start.Monitor = &protocol.MonitorConfig{
			PipeName:       mon.name(),
			IntervalMillis: opts.MonitorMillis,
		}
	}

	resp, err := c.roundTrip(req)
	if err != nil {
		if mon != nil {
			_ = mon.Close()
		}
		return service.JobID{}, nil, err
	}
	if resp.Start == nil {
		if mon != nil {
			_ = mon.Close()
		}
		return service.JobID{}, nil, &ProtocolError{Detail: "start-job success without payload"}
	}
	return resp.Start.JobID, mon, nil
}

// MonitorJob attaches a monitor to an existing job, replacing any previous
// monitor the worker holds for it.
func (c *Client) MonitorJob(id service.JobID, intervalMillis uint32) (*JobMonitor, error) {
	mon, err := newJobMonitor()
	if err != nil {
		return nil, err
	}
	_, err = c.roundTrip(&protocol.Request{
		Kind: protocol.CmdMonitorJob,
		Monitor: &protocol.MonitorJobRequest{
			JobID: id,
			Monitor: protocol.MonitorConfig{
				PipeName:       mon.name(),
				IntervalMillis: intervalMillis,
			},
		},
	})
	if err != nil {
		_ = mon.Close()
		return nil, err
	}
	return mon, nil
}

// SuspendJob pauses a job.
func (c *Client) SuspendJob(id service.JobID) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:    protocol.CmdSuspendJob,
		Suspend: &protocol.SuspendJobRequest{JobID: id},
	})
	return err
}

// ResumeJob starts or restarts a job.
func (c *Client) ResumeJob(id service.JobID) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:   protocol.CmdResumeJob,
		Resume: &protocol.ResumeJobRequest{JobID: id},
	})
	return err
}

// SetJobPriority toggles a job between foreground and normal priority.
func (c *Client) SetJobPriority(id service.JobID, foreground bool) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:        protocol.CmdSetJobPriority,
		SetPriority: &protocol.SetJobPriorityRequest{JobID: id, Foreground: foreground},
	})
	return err
}

// SetUpdateInterval changes a monitored job's refresh interval.
func (c *Client) SetUpdateInterval(id service.JobID, intervalMillis uint32) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:        protocol.CmdSetUpdateInterval,
		SetInterval: &protocol.SetUpdateIntervalRequest{JobID: id, IntervalMillis: intervalMillis},
	})
	return err
}

// CompleteJob commits a job's transferred data.
func (c *Client) CompleteJob(id service.JobID) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:     protocol.CmdCompleteJob,
		Complete: &protocol.CompleteJobRequest{JobID: id},
	})
	return err
}

// CancelJob discards a job.
func (c *Client) CancelJob(id service.JobID) error {
	_, err := c.roundTrip(&protocol.Request{
		Kind:   protocol.CmdCancelJob,
		Cancel: &protocol.CancelJobRequest{JobID: id},
	})
	return err
}

// roundTrip sends one request and reads its response. The channel carries
// strictly alternating requests and responses, so the exchange holds the
// client lock end to end.
func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.srv.Write(frame, c.commandTimeout); err != nil {
		return nil, err
	}
	buf := make([]byte, protocol.MaxResponse)
	n, err := c.srv.Read(buf, c.commandTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.DecodeResponse(buf[:n])
	if err != nil {
		return nil, err
	}
	if resp.Kind != req.Kind {
		return nil, &ProtocolError{Detail: "response for " + string(resp.Kind) + " to a " + string(req.Kind) + " request"}
	}
	if !resp.OK {
		return nil, &CommandError{Command: req.Kind, Failure: resp.Failure}
	}
	return resp, nil
}
