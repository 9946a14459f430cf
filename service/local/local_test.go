package local

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

const testOwner = "xfermgr-test"

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// payloadServer serves a fixed payload with Range support.
func payloadServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Now(), strings.NewReader(string(payload)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForState(t *testing.T, job service.Job, want service.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := job.Status(context.Background())
		return err == nil && st.State == want
	}, 10*time.Second, 20*time.Millisecond, "job never reached state %v", want)
}

func TestDownloadAndComplete(t *testing.T) {
	payload := []byte(strings.Repeat("transfer test payload\n", 1000))
	remote := payloadServer(t, payload)
	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)

	savePath := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, job.AddFile(ctx, remote.URL+"/payload.bin", savePath))
	require.NoError(t, job.Resume(ctx))

	waitForState(t, job, service.StateTransferred)

	st, err := job.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Progress.TotalBytes)
	require.Equal(t, uint64(len(payload)), *st.Progress.TotalBytes)
	require.Equal(t, uint64(len(payload)), st.Progress.TransferredBytes)
	require.Equal(t, uint32(1), st.Progress.TransferredFiles)
	require.NotNil(t, st.Times.TransferCompletion)

	require.NoError(t, job.Complete(ctx))

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	st, err = job.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, service.StateAcknowledged, st.State)
}

func TestCompletePartialReportsSentinel(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)
	require.NoError(t, job.AddFile(ctx, "https://example.invalid/a.bin", filepath.Join(t.TempDir(), "a.bin")))

	err = job.Complete(ctx)
	require.ErrorIs(t, err, service.ErrPartialComplete)

	st, err := job.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, service.StateSuspended, st.State)
}

func TestCancelCleansUp(t *testing.T) {
	// Serve slowly enough that the cancel lands mid-transfer.
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		flusher := w.(http.Flusher)
		chunk := []byte(strings.Repeat("x", 1024))
		for i := 0; i < 1024; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(remote.Close)

	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)
	savePath := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, job.AddFile(ctx, remote.URL, savePath))
	require.NoError(t, job.Resume(ctx))
	waitForState(t, job, service.StateTransferring)

	require.NoError(t, job.Cancel(ctx))

	_, err = os.Stat(savePath + partSuffix)
	require.True(t, os.IsNotExist(err), "partial file survived cancel")
	_, err = os.Stat(svc.recordPath(job.ID()))
	require.True(t, os.IsNotExist(err), "job record survived cancel")

	_, err = svc.GetJob(ctx, job.ID(), testOwner)
	require.ErrorIs(t, err, service.ErrJobNotFound)
}

func TestGetJobOwnerMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)

	_, err = svc.GetJob(ctx, job.ID(), "someone-else")
	require.ErrorIs(t, err, service.ErrJobNotFound)

	got, err := svc.GetJob(ctx, job.ID(), testOwner)
	require.NoError(t, err)
	require.Equal(t, job.ID(), got.ID())
}

func TestGetJobUnknownID(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetJob(context.Background(), service.NewJobID(), testOwner)
	require.ErrorIs(t, err, service.ErrJobNotFound)
}

func TestNotifications(t *testing.T) {
	payload := []byte(strings.Repeat("notify me\n", 100))
	remote := payloadServer(t, payload)
	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)

	var modified, transferred atomic.Int32
	adapter := notify.NewAdapter(
		func() notify.Status { transferred.Add(1); return notify.StatusOK },
		nil,
		func() notify.Status { modified.Add(1); return notify.StatusOK },
	)
	require.True(t, adapter.Handoff())
	require.NoError(t, job.RegisterNotifications(adapter))

	require.NoError(t, job.AddFile(ctx, remote.URL, filepath.Join(t.TempDir(), "n.bin")))
	require.NoError(t, job.Resume(ctx))
	waitForState(t, job, service.StateTransferred)

	require.Eventually(t, func() bool { return transferred.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Greater(t, modified.Load(), int32(0))

	// Complete releases the job's hold; only the test's reference remains.
	require.NoError(t, job.Complete(ctx))
	require.False(t, adapter.Destroyed())
	adapter.Release()
	require.True(t, adapter.Destroyed())
}

func TestErrorNotificationOnFatalFailure(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(remote.Close)

	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)

	var errored atomic.Int32
	adapter := notify.NewAdapter(
		nil,
		func() notify.Status { errored.Add(1); return notify.StatusOK },
		nil,
	)
	require.NoError(t, job.RegisterNotifications(adapter))

	require.NoError(t, job.AddFile(ctx, remote.URL, filepath.Join(t.TempDir(), "e.bin")))
	require.NoError(t, job.Resume(ctx))

	waitForState(t, job, service.StateError)
	require.Eventually(t, func() bool { return errored.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	st, err := job.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Error)
	require.Equal(t, service.ContextRemoteFile, st.Error.Context)
	require.Equal(t, uint32(1), st.ErrorCount)
}

func TestSuspendResumeUsesRange(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 50_000))
	var sawRange atomic.Bool
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		// Trickle so a suspend can land mid-transfer.
		http.ServeContent(w, r, "p.bin", time.Now(), &slowReader{data: payload})
	}))
	t.Cleanup(remote.Close)

	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)
	savePath := filepath.Join(t.TempDir(), "p.bin")
	require.NoError(t, job.AddFile(ctx, remote.URL, savePath))
	require.NoError(t, job.Resume(ctx))
	waitForState(t, job, service.StateTransferring)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, job.Suspend(ctx))
	st, err := job.Status(ctx)
	require.NoError(t, err)
	if st.State == service.StateTransferred {
		t.Skip("transfer finished before the suspend landed")
	}
	require.Equal(t, service.StateSuspended, st.State)

	require.NoError(t, job.Resume(ctx))
	waitForState(t, job, service.StateTransferred)
	if st.Progress.TransferredBytes > 0 {
		require.True(t, sawRange.Load(), "resume did not request a byte range")
	}

	require.NoError(t, job.Complete(ctx))
	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

// slowReader trickles its data to stretch a transfer out over time. It
// implements io.ReadSeeker for http.ServeContent.
type slowReader struct {
	data []byte
	off  int64
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	time.Sleep(2 * time.Millisecond)
	if len(p) > 4096 {
		p = p[:4096]
	}
	n := copy(p, r.data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *slowReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		r.off = offset
	case 1:
		r.off += offset
	case 2:
		r.off = int64(len(r.data)) + offset
	}
	return r.off, nil
}

func TestRedirectReporting(t *testing.T) {
	payload := []byte("redirected payload")
	var finalURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	remote := httptest.NewServer(mux)
	t.Cleanup(remote.Close)
	finalURL = remote.URL + "/final"

	svc := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, testOwner)
	require.NoError(t, err)
	require.NoError(t, job.SetRedirectReporting(ctx, true))
	require.NoError(t, job.AddFile(ctx, remote.URL+"/start", filepath.Join(t.TempDir(), "r.bin")))
	require.NoError(t, job.Resume(ctx))
	waitForState(t, job, service.StateTransferred)

	url, err := job.URL(ctx)
	require.NoError(t, err)
	require.Equal(t, finalURL, url)
}

// A second service over the same state directory sees the owner's record
// rewrites as notifications.
func TestCrossProcessWatch(t *testing.T) {
	stateDir := t.TempDir()
	owner, err := New(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = owner.Close() })
	observer, err := New(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = observer.Close() })

	ctx := context.Background()
	job, err := owner.CreateJob(ctx, testOwner)
	require.NoError(t, err)

	remote, err := observer.GetJob(ctx, job.ID(), testOwner)
	require.NoError(t, err)
	require.Equal(t, job.ID(), remote.ID())

	var modified atomic.Int32
	adapter := notify.NewAdapter(nil, nil, func() notify.Status {
		modified.Add(1)
		return notify.StatusOK
	})
	require.NoError(t, remote.RegisterNotifications(adapter))

	require.NoError(t, job.SetPriority(ctx, service.PriorityForeground))

	require.Eventually(t, func() bool { return modified.Load() > 0 },
		5*time.Second, 10*time.Millisecond, "record rewrite never surfaced as a notification")

	st, err := remote.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, service.PriorityForeground, stPriority(t, observer, job.ID()))
	require.Equal(t, service.StateSuspended, st.State)

	// The observer cannot drive the owner's job.
	require.Error(t, remote.Resume(ctx))
}

func stPriority(t *testing.T, svc *Service, id service.JobID) service.Priority {
	t.Helper()
	rec, err := svc.loadRecord(id)
	require.NoError(t, err)
	return rec.Priority
}
