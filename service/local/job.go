package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"vawter.tech/stopper"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

// partSuffix marks the file accumulating downloaded bytes before Complete
// commits them.
const partSuffix = ".part"

// progressFlush bounds how often a running download rewrites its record.
const progressFlush = 250 * time.Millisecond

// copyBufferSize is the download read chunk size.
const copyBufferSize = 64 * 1024

// Job is one locally-owned download job.
type Job struct {
	svc *Service
	id  service.JobID

	mu         sync.Mutex
	rec        record
	adapter    *notify.Adapter
	redirect   bool
	retryDelay time.Duration
	run        *stopper.Context
	lastFlush  time.Time
}

// ID returns the job's identifier.
func (j *Job) ID() service.JobID {
	return j.id
}

// URL returns the job's current source URL. While redirect reporting is
// enabled the URL follows HTTP redirects.
func (j *Job) URL(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.URL, nil
}

// AddFile adds the remote file to download. The local service carries one
// file per job.
func (j *Job) AddFile(ctx context.Context, url, savePath string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.State.Terminal() {
		return &service.Error{Call: "AddFile", Code: notify.StatusFail, Description: "job is finished"}
	}
	if j.rec.URL != "" {
		return &service.Error{Call: "AddFile", Code: notify.StatusFail, Description: "job already has a file"}
	}
	j.rec.URL = url
	j.rec.SavePath = savePath
	j.rec.TotalFiles = 1
	j.persistLocked()
	return nil
}

// SetPriority sets the job's scheduling priority.
func (j *Job) SetPriority(ctx context.Context, p service.Priority) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.Priority = p
	j.persistLocked()
	return nil
}

// SetProxyUsage sets how downloads resolve proxies.
func (j *Job) SetProxyUsage(ctx context.Context, p service.ProxyUsage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.Proxy = p
	j.persistLocked()
	return nil
}

// SetMinimumRetryDelay sets the pause before retrying transient errors.
func (j *Job) SetMinimumRetryDelay(ctx context.Context, d time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retryDelay = d
	return nil
}

// SetRedirectReporting makes URL report the post-redirect location.
func (j *Job) SetRedirectReporting(ctx context.Context, enabled bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.redirect = enabled
	return nil
}

// Suspend pauses the job, stopping its download goroutine.
func (j *Job) Suspend(ctx context.Context) error {
	j.stopRun()

	j.mu.Lock()
	if !j.rec.State.Terminal() && j.rec.State != service.StateTransferred {
		j.rec.State = service.StateSuspended
		j.persistLocked()
	}
	j.mu.Unlock()
	j.fire(notify.EventModification)
	return nil
}

// Resume starts or restarts the job's download.
func (j *Job) Resume(ctx context.Context) error {
	j.mu.Lock()
	switch {
	case j.rec.State.Terminal():
		j.mu.Unlock()
		return &service.Error{Call: "Resume", Code: notify.StatusFail, Description: "job is finished"}
	case j.rec.State == service.StateTransferred:
		j.mu.Unlock()
		return nil
	case j.rec.URL == "":
		j.mu.Unlock()
		return &service.Error{Call: "Resume", Code: notify.StatusFail, Description: "job has no files"}
	case j.run != nil:
		j.mu.Unlock()
		return nil
	}
	sctx := stopper.WithContext(context.Background())
	j.run = sctx
	j.rec.State = service.StateQueued
	j.persistLocked()
	j.mu.Unlock()
	j.fire(notify.EventModification)

	sctx.Go(j.download)
	return nil
}

// Complete commits transferred data to its final path. Jobs that have not
// finished transferring report ErrPartialComplete and stay as they are.
func (j *Job) Complete(ctx context.Context) error {
	j.stopRun()

	j.mu.Lock()
	if j.rec.State.Terminal() {
		j.mu.Unlock()
		return &service.Error{Call: "Complete", Code: notify.StatusFail, Description: "job is finished"}
	}
	if j.rec.State != service.StateTransferred {
		j.mu.Unlock()
		return service.ErrPartialComplete
	}
	if err := os.Rename(j.rec.SavePath+partSuffix, j.rec.SavePath); err != nil {
		j.mu.Unlock()
		return &service.Error{Call: "Complete", Code: notify.StatusFail, Description: err.Error()}
	}
	j.rec.State = service.StateAcknowledged
	j.persistLocked()
	j.mu.Unlock()
	j.fire(notify.EventModification)
	j.release()
	return nil
}

// Cancel discards the job, its partial data, and its record.
func (j *Job) Cancel(ctx context.Context) error {
	j.stopRun()

	j.mu.Lock()
	if j.rec.State.Terminal() {
		j.mu.Unlock()
		return &service.Error{Call: "Cancel", Code: notify.StatusFail, Description: "job is finished"}
	}
	j.rec.State = service.StateCancelled
	if j.rec.SavePath != "" {
		_ = os.Remove(j.rec.SavePath + partSuffix)
	}
	_ = os.Remove(j.svc.recordPath(j.id))
	j.mu.Unlock()

	j.svc.mu.Lock()
	delete(j.svc.jobs, j.id)
	j.svc.mu.Unlock()

	j.fire(notify.EventModification)
	j.release()
	return nil
}

// Status returns a point-in-time snapshot.
func (j *Job) Status(ctx context.Context) (service.JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.status(), nil
}

// RegisterNotifications installs the adapter for this job's events,
// releasing the previous one.
func (j *Job) RegisterNotifications(a *notify.Adapter) error {
	if a != nil {
		a.Handoff()
	}
	j.mu.Lock()
	prev := j.adapter
	j.adapter = a
	j.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	return nil
}

// stopRun stops the job's download goroutine, if any, and waits for it.
func (j *Job) stopRun() {
	j.mu.Lock()
	run := j.run
	j.run = nil
	j.mu.Unlock()
	if run != nil {
		run.Stop(stopGrace)
		_ = run.Wait()
	}
}

// release drops the job's hold on its notification adapter.
func (j *Job) release() {
	j.mu.Lock()
	a := j.adapter
	j.adapter = nil
	j.mu.Unlock()
	if a != nil {
		a.Release()
	}
}

// fire invokes the registered adapter outside the job lock.
func (j *Job) fire(ev notify.Event) {
	j.mu.Lock()
	a := j.adapter
	j.mu.Unlock()
	if a != nil {
		a.Invoke(ev)
	}
}

// persistLocked rewrites the job's record atomically. Caller holds j.mu.
func (j *Job) persistLocked() {
	j.rec.Modification = time.Now()
	j.lastFlush = time.Now()
	if err := renameio.WriteFile(j.svc.recordPath(j.id), encodeRecord(&j.rec), 0o600); err != nil {
		j.svc.log.Warn("persisting job record", "job", j.id, "error", err)
	}
}

// fatalError is a download error that retrying will not fix.
type fatalError struct {
	context service.ErrorContext
	err     error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// download runs until the transfer finishes, fails fatally, or the job is
// stopped. Transient errors pause for the retry delay and try again.
func (j *Job) download(sctx *stopper.Context) error {
	defer func() {
		j.mu.Lock()
		if j.run == sctx {
			j.run = nil
		}
		j.mu.Unlock()
	}()

	for {
		err := j.attempt(sctx)
		if err == nil {
			j.finishTransfer()
			return nil
		}
		if sctx.IsStopping() {
			// Suspend, Complete, or Cancel interrupted the attempt; they
			// own the state transition.
			return nil
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			j.recordError(fatal.context, err, service.StateError)
			j.fire(notify.EventError)
			return nil
		}
		j.recordError(service.ContextTransport, err, service.StateTransientError)
		j.fire(notify.EventModification)

		j.mu.Lock()
		delay := j.retryDelay
		j.mu.Unlock()
		select {
		case <-time.After(delay):
		case <-sctx.Stopping():
			return nil
		}
	}
}

// attempt makes one HTTP pass over the remaining bytes.
func (j *Job) attempt(sctx *stopper.Context) error {
	j.mu.Lock()
	url := j.rec.URL
	part := j.rec.SavePath + partSuffix
	j.rec.State = service.StateConnecting
	j.persistLocked()
	j.mu.Unlock()
	j.fire(notify.EventModification)

	var offset uint64
	if fi, err := os.Stat(part); err == nil {
		offset = uint64(fi.Size())
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return &fatalError{context: service.ContextLocalFile, err: err}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, url, nil)
	if err != nil {
		return &fatalError{context: service.ContextRemoteFile, err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := j.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over.
		if err := f.Truncate(0); err != nil {
			return &fatalError{context: service.ContextLocalFile, err: err}
		}
		offset = 0
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("remote returned %s", resp.Status)
	default:
		return &fatalError{
			context: service.ContextRemoteFile,
			err:     fmt.Errorf("remote returned %s", resp.Status),
		}
	}

	j.mu.Lock()
	j.rec.State = service.StateTransferring
	j.rec.TransferredBytes = offset
	if resp.ContentLength >= 0 {
		j.rec.TotalBytes = offset + uint64(resp.ContentLength)
	}
	j.persistLocked()
	j.mu.Unlock()
	j.fire(notify.EventModification)

	buf := make([]byte, copyBufferSize)
	for {
		if sctx.IsStopping() {
			return context.Canceled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &fatalError{context: service.ContextLocalFile, err: werr}
			}
			j.progress(uint64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// progress accounts transferred bytes and throttles record rewrites.
func (j *Job) progress(n uint64) {
	j.mu.Lock()
	j.rec.TransferredBytes += n
	flush := time.Since(j.lastFlush) >= progressFlush
	if flush {
		j.persistLocked()
	}
	j.mu.Unlock()
	if flush {
		j.fire(notify.EventModification)
	}
}

// finishTransfer moves the job to transferred and fires notifications.
func (j *Job) finishTransfer() {
	j.mu.Lock()
	j.rec.State = service.StateTransferred
	j.rec.TransferredFiles = j.rec.TotalFiles
	if j.rec.TotalBytes == totalBytesUnknown {
		j.rec.TotalBytes = j.rec.TransferredBytes
	}
	j.rec.Completion = time.Now()
	j.persistLocked()
	j.mu.Unlock()
	j.fire(notify.EventModification)
	j.fire(notify.EventTransferred)
}

// recordError accounts an error and moves the job to the given state.
func (j *Job) recordError(ectx service.ErrorContext, err error, st service.JobState) {
	j.mu.Lock()
	j.rec.State = st
	j.rec.ErrorCount++
	j.rec.ErrorContext = ectx
	j.rec.ErrorCode = notify.StatusFail
	j.rec.ErrorContextMessage = "downloading " + j.rec.URL
	j.rec.ErrorMessage = err.Error()
	j.persistLocked()
	j.mu.Unlock()
	j.svc.log.Debug("download error", "job", j.id, "state", st, "error", err)
}

// client derives the HTTP client for this job's proxy setting. The job's
// redirect hook records URL changes.
func (j *Job) client() *http.Client {
	j.mu.Lock()
	proxy := j.rec.Proxy
	j.mu.Unlock()

	c := &http.Client{
		Timeout:       j.svc.httpc.Timeout,
		CheckRedirect: j.checkRedirect,
	}
	if proxy == service.ProxyNone {
		base, ok := j.svc.httpc.Transport.(*http.Transport)
		if !ok {
			base, _ = http.DefaultTransport.(*http.Transport)
		}
		t := base.Clone()
		t.Proxy = nil
		c.Transport = t
	} else {
		c.Transport = j.svc.httpc.Transport
	}
	return c
}

func (j *Job) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	j.mu.Lock()
	if j.redirect {
		j.rec.URL = req.URL.String()
		j.persistLocked()
	}
	j.mu.Unlock()
	return nil
}

var _ service.Job = (*Job)(nil)
