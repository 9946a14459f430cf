//go:build linux

package xfermgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axondata/go-xfermgr/pipe"
	"github.com/axondata/go-xfermgr/protocol"
	"github.com/axondata/go-xfermgr/service"
	"github.com/axondata/go-xfermgr/service/local"
	"github.com/axondata/go-xfermgr/worker"
)

const testJobName = "xfermgr"

type session struct {
	client  *Client
	binding *local.Service
}

// startSession connects a client to an in-process worker: the launcher dials
// the command pipe and serves it from a goroutine instead of spawning a
// child process.
func startSession(t *testing.T) *session {
	t.Helper()
	binding, err := local.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = binding.Close() })

	w := worker.New(binding, testJobName)
	t.Cleanup(func() { _ = w.Close() })

	launcher := LauncherFunc(func(ctx context.Context, pipeName string) error {
		cl, err := pipe.DialDuplex(pipeName)
		if err != nil {
			return err
		}
		go func() {
			defer cl.Close()
			_ = w.Serve(context.Background(), cl)
		}()
		return nil
	})

	c, err := Connect(context.Background(), launcher, WithConnectTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &session{client: c, binding: binding}
}

func payloadServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// waitTransferred polls the binding until the job has all its bytes.
func (s *session) waitTransferred(t *testing.T, id service.JobID) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := s.binding.GetJob(context.Background(), id, testJobName)
		if err != nil {
			return false
		}
		st, err := job.Status(context.Background())
		return err == nil && st.State == service.StateTransferred
	}, 10*time.Second, 20*time.Millisecond)
}

func TestStartJobLifecycle(t *testing.T) {
	payload := []byte(strings.Repeat("end to end\n", 2000))
	remote := payloadServer(t, payload)
	s := startSession(t)

	savePath := filepath.Join(t.TempDir(), "payload.bin")
	id, mon, err := s.client.StartJob(StartJobOptions{
		URL:      remote.URL,
		SavePath: savePath,
	})
	require.NoError(t, err)
	require.Nil(t, mon, "no monitor requested")
	require.False(t, id.IsZero())

	s.waitTransferred(t, id)

	require.NoError(t, s.client.SuspendJob(id))
	require.NoError(t, s.client.ResumeJob(id))
	require.NoError(t, s.client.SetJobPriority(id, true))
	require.NoError(t, s.client.CompleteJob(id))

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestStartJobWithMonitor(t *testing.T) {
	payload := []byte(strings.Repeat("monitored\n", 1000))
	remote := payloadServer(t, payload)
	s := startSession(t)

	id, mon, err := s.client.StartJob(StartJobOptions{
		URL:           remote.URL,
		SavePath:      filepath.Join(t.TempDir(), "m.bin"),
		MonitorMillis: 200,
	})
	require.NoError(t, err)
	require.NotNil(t, mon)
	defer mon.Close()

	// The first snapshot arrives without waiting out the interval; further
	// snapshots follow until the transfer lands.
	st, err := mon.GetStatus(5 * time.Second)
	require.NoError(t, err)
	deadline := time.Now().Add(10 * time.Second)
	for st.State != service.StateTransferred {
		require.True(t, time.Now().Before(deadline), "transfer never landed, last state %v", st.State)
		st, err = mon.GetStatus(5 * time.Second)
		require.NoError(t, err)
	}
	require.NotNil(t, st.Progress.TotalBytes)
	require.Equal(t, uint64(len(payload)), st.Progress.TransferredBytes)

	require.NoError(t, s.client.SetUpdateInterval(id, 1000))
	require.NoError(t, s.client.CompleteJob(id))
}

func TestMonitorExistingJob(t *testing.T) {
	payload := []byte("attach later")
	remote := payloadServer(t, payload)
	s := startSession(t)

	id, _, err := s.client.StartJob(StartJobOptions{
		URL:      remote.URL,
		SavePath: filepath.Join(t.TempDir(), "a.bin"),
	})
	require.NoError(t, err)
	s.waitTransferred(t, id)

	mon, err := s.client.MonitorJob(id, 500)
	require.NoError(t, err)
	defer mon.Close()

	st, err := mon.GetStatus(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, service.StateTransferred, st.State)
}

func TestConnectRejectsWrongWorkerVersion(t *testing.T) {
	launcher := LauncherFunc(func(ctx context.Context, pipeName string) error {
		cl, err := pipe.DialDuplex(pipeName)
		if err != nil {
			return err
		}
		go func() {
			defer cl.Close()
			var version [1]byte
			if _, err := cl.Read(version[:], 5*time.Second); err != nil {
				return
			}
			_ = cl.Write([]byte{protocol.Version + 1}, 5*time.Second)
		}()
		return nil
	})

	_, err := Connect(context.Background(), launcher, WithConnectTimeout(5*time.Second))
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestCommandErrorCarriesFailure(t *testing.T) {
	s := startSession(t)

	_, _, err := s.client.StartJob(StartJobOptions{
		URL:      "ftp://host/file",
		SavePath: "/tmp/file",
	})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, protocol.CmdStartJob, cmdErr.Command)
	require.Equal(t, protocol.FailValidation, cmdErr.Failure.Kind)

	err = s.client.SuspendJob(service.NewJobID())
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, protocol.CmdSuspendJob, cmdErr.Command)
	require.Equal(t, protocol.FailNotFound, cmdErr.Failure.Kind)
}

func TestSetUpdateIntervalWithoutMonitor(t *testing.T) {
	remote := payloadServer(t, []byte("x"))
	s := startSession(t)

	id, _, err := s.client.StartJob(StartJobOptions{
		URL:      remote.URL,
		SavePath: filepath.Join(t.TempDir(), "x.bin"),
	})
	require.NoError(t, err)

	err = s.client.SetUpdateInterval(id, 500)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, protocol.FailNotFound, cmdErr.Failure.Kind)
}

func TestClosedClientRejectsCommands(t *testing.T) {
	s := startSession(t)
	require.NoError(t, s.client.Close())
	require.ErrorIs(t, s.client.SuspendJob(service.NewJobID()), ErrClosed)
}

func TestCancelDiscardsJob(t *testing.T) {
	remote := payloadServer(t, []byte(strings.Repeat("y", 4096)))
	s := startSession(t)

	id, _, err := s.client.StartJob(StartJobOptions{
		URL:      remote.URL,
		SavePath: filepath.Join(t.TempDir(), "y.bin"),
	})
	require.NoError(t, err)

	require.NoError(t, s.client.CancelJob(id))

	_, err = s.binding.GetJob(context.Background(), id, testJobName)
	require.ErrorIs(t, err, service.ErrJobNotFound)
}
