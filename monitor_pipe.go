package xfermgr

import (
	"sync"
	"time"

	"github.com/axondata/go-xfermgr/pipe"
	"github.com/axondata/go-xfermgr/protocol"
)

// JobMonitor is the receiving end of a job's status stream. The worker
// dials in after the monitor command succeeds and pushes one snapshot
// frame per refresh.
type JobMonitor struct {
	mu  sync.Mutex
	srv *pipe.Server
}

// newJobMonitor creates the inbound pipe the worker's streamer will dial.
func newJobMonitor() (*JobMonitor, error) {
	srv, err := pipe.NewServer(pipe.Inbound, pipe.AccessService)
	if err != nil {
		return nil, err
	}
	return &JobMonitor{srv: srv}, nil
}

func (m *JobMonitor) name() string {
	return m.srv.Name()
}

// GetStatus reads the next snapshot, first waiting for the worker to dial
// in if it has not yet. The timeout covers the whole call.
func (m *JobMonitor) GetStatus(timeout time.Duration) (*protocol.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if !m.srv.Connected() {
		if err := m.srv.Connect(timeout); err != nil {
			return nil, err
		}
		if timeout >= 0 {
			timeout -= time.Since(start)
			if timeout < 0 {
				timeout = 0
			}
		}
	}

	buf := make([]byte, protocol.MaxResponse)
	n, err := m.srv.Read(buf, timeout)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeStatus(buf[:n])
}

// Close tears the monitor pipe down. The worker's streamer sees the write
// fail and stops.
func (m *JobMonitor) Close() error {
	return m.srv.Close()
}
