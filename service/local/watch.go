package local

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

// watchDebounce coalesces bursts of record rewrites into one refresh.
const watchDebounce = 10 * time.Millisecond

// remoteJob is a read-only view of a job owned by another process over the
// same state directory. It follows the owner through record rewrites and
// converts them into notifications. Settings that live in the record can be
// rewritten from here; operations that would have to reach into the owning
// process fail.
type remoteJob struct {
	svc *Service
	id  service.JobID

	mu        sync.Mutex
	rec       record
	lastRaw   []byte
	adapter   *notify.Adapter
	debouncer *time.Timer

	sctx *stopper.Context
}

// attachRemote starts following a job through its record file.
func (s *Service) attachRemote(rec record) (service.Job, error) {
	s.mu.Lock()
	if j, ok := s.remotes[rec.ID]; ok {
		s.mu.Unlock()
		return j, nil
	}
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &service.Error{Call: "GetJob", Code: notify.StatusFail, Description: err.Error()}
	}
	if err := watcher.Add(s.stateDir); err != nil {
		_ = watcher.Close()
		return nil, &service.Error{Call: "GetJob", Code: notify.StatusFail, Description: err.Error()}
	}

	j := &remoteJob{
		svc:     s,
		id:      rec.ID,
		rec:     rec,
		lastRaw: encodeRecord(&rec),
	}
	j.sctx = stopper.WithContext(context.Background())
	j.sctx.Defer(func() {
		_ = watcher.Close()
	})
	j.sctx.Defer(func() {
		j.mu.Lock()
		if j.debouncer != nil {
			j.debouncer.Stop()
		}
		j.mu.Unlock()
	})

	recordName := filepath.Base(s.recordPath(rec.ID))
	j.sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != recordName {
					continue
				}
				if event.Op.Has(fsnotify.Remove) {
					j.ownerDiscarded()
					return nil
				}
				j.mu.Lock()
				if j.debouncer != nil {
					j.debouncer.Stop()
				}
				j.debouncer = time.AfterFunc(watchDebounce, j.refresh)
				j.mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					s.log.Warn("watching job record", "job", rec.ID, "error", err)
				}
			}
		}
		return nil
	})

	s.mu.Lock()
	s.remotes[rec.ID] = j
	s.mu.Unlock()
	return j, nil
}

// refresh reloads the record and fires notifications when it changed.
func (j *remoteJob) refresh() {
	if j.sctx.IsStopping() {
		return
	}
	rec, err := j.svc.loadRecord(j.id)
	if err != nil {
		return
	}
	raw := encodeRecord(&rec)

	j.mu.Lock()
	if bytes.Equal(raw, j.lastRaw) {
		j.mu.Unlock()
		return
	}
	prevState := j.rec.State
	j.rec = rec
	j.lastRaw = raw
	a := j.adapter
	j.mu.Unlock()

	if a == nil {
		return
	}
	a.Invoke(notify.EventModification)
	if rec.State != prevState {
		switch rec.State {
		case service.StateTransferred:
			a.Invoke(notify.EventTransferred)
		case service.StateError:
			a.Invoke(notify.EventError)
		}
	}
}

// ownerDiscarded handles the owner cancelling the job out from under us.
func (j *remoteJob) ownerDiscarded() {
	j.mu.Lock()
	j.rec.State = service.StateCancelled
	a := j.adapter
	j.mu.Unlock()
	if a != nil {
		a.Invoke(notify.EventModification)
	}
	j.detach()
}

// detach stops the watch and drops the view from the service.
func (j *remoteJob) detach() {
	j.svc.mu.Lock()
	delete(j.svc.remotes, j.id)
	j.svc.mu.Unlock()
	j.sctx.Stop(stopGrace)

	j.mu.Lock()
	a := j.adapter
	j.adapter = nil
	j.mu.Unlock()
	if a != nil {
		a.Release()
	}
}

func (j *remoteJob) ID() service.JobID {
	return j.id
}

func (j *remoteJob) URL(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.URL, nil
}

func (j *remoteJob) Status(ctx context.Context) (service.JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.status(), nil
}

func (j *remoteJob) RegisterNotifications(a *notify.Adapter) error {
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

// SetPriority rewrites the record; the owner's next persist may supersede
// it.
func (j *remoteJob) SetPriority(ctx context.Context, p service.Priority) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.Priority = p
	j.rec.Modification = time.Now()
	j.lastRaw = encodeRecord(&j.rec)
	return writeRecord(j.svc, j.id, j.lastRaw)
}

// SetProxyUsage rewrites the record; the owner's next persist may supersede
// it.
func (j *remoteJob) SetProxyUsage(ctx context.Context, p service.ProxyUsage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.Proxy = p
	j.rec.Modification = time.Now()
	j.lastRaw = encodeRecord(&j.rec)
	return writeRecord(j.svc, j.id, j.lastRaw)
}

func (j *remoteJob) AddFile(ctx context.Context, url, savePath string) error {
	return errRemote("AddFile")
}

func (j *remoteJob) SetMinimumRetryDelay(ctx context.Context, d time.Duration) error {
	return errRemote("SetMinimumRetryDelay")
}

func (j *remoteJob) SetRedirectReporting(ctx context.Context, enabled bool) error {
	return errRemote("SetRedirectReporting")
}

func (j *remoteJob) Suspend(ctx context.Context) error {
	return errRemote("Suspend")
}

func (j *remoteJob) Resume(ctx context.Context) error {
	return errRemote("Resume")
}

func (j *remoteJob) Complete(ctx context.Context) error {
	return errRemote("Complete")
}

func (j *remoteJob) Cancel(ctx context.Context) error {
	return errRemote("Cancel")
}

func errRemote(call string) error {
	return &service.Error{
		Call:        call,
		Code:        notify.StatusFail,
		Description: "job is owned by another process",
	}
}

var _ service.Job = (*remoteJob)(nil)
