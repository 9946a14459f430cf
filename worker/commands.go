package worker

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"time"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/protocol"
	"github.com/axondata/go-xfermgr/service"
)

// jobRetryDelay is the minimum pause jobs started here wait before
// retrying a transient error.
const jobRetryDelay = 60 * time.Second

func (w *Worker) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Kind {
	case protocol.CmdStartJob:
		return w.runStart(ctx, req.Start)
	case protocol.CmdMonitorJob:
		return w.runMonitor(ctx, req.Monitor)
	case protocol.CmdSuspendJob:
		return w.runSuspend(ctx, req.Suspend)
	case protocol.CmdResumeJob:
		return w.runResume(ctx, req.Resume)
	case protocol.CmdSetJobPriority:
		return w.runSetPriority(ctx, req.SetPriority)
	case protocol.CmdSetUpdateInterval:
		return w.runSetInterval(req.SetInterval)
	case protocol.CmdCompleteJob:
		return w.runComplete(ctx, req.Complete)
	case protocol.CmdCancelJob:
		return w.runCancel(ctx, req.Cancel)
	default:
		// DecodeRequest rejects unknown kinds before dispatch
		return protocol.Fail(req.Kind, &protocol.Failure{
			Kind:    protocol.FailOther,
			Message: "unknown command",
		})
	}
}

func (w *Worker) runStart(ctx context.Context, req *protocol.StartJobRequest) *protocol.Response {
	const cmd = protocol.CmdStartJob

	if err := validateStart(req); err != nil {
		return protocol.Fail(cmd, &protocol.Failure{Kind: protocol.FailValidation, Message: err.Error()})
	}

	job, err := w.binding.CreateJob(ctx, w.jobName)
	if err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailCreate, err))
	}
	// From here on, a failed step discards the half-built job.
	fail := func(kind protocol.FailureKind, err error) *protocol.Response {
		_ = job.Cancel(ctx)
		return protocol.Fail(cmd, w.failure(kind, err))
	}

	if err := job.SetProxyUsage(ctx, req.ProxyUsage); err != nil {
		return fail(protocol.FailApplySettings, err)
	}
	if err := job.SetMinimumRetryDelay(ctx, jobRetryDelay); err != nil {
		return fail(protocol.FailApplySettings, err)
	}
	if err := job.SetRedirectReporting(ctx, true); err != nil {
		return fail(protocol.FailApplySettings, err)
	}
	if err := job.AddFile(ctx, req.URL, req.SavePath); err != nil {
		return fail(protocol.FailAddFile, err)
	}
	if req.Monitor != nil {
		if err := w.startMonitor(ctx, job, *req.Monitor); err != nil {
			return fail(protocol.FailOther, err)
		}
	}
	if err := job.Resume(ctx); err != nil {
		return fail(protocol.FailResume, err)
	}

	return &protocol.Response{
		Kind:  cmd,
		OK:    true,
		Start: &protocol.StartJobSuccess{JobID: job.ID()},
	}
}

func (w *Worker) runMonitor(ctx context.Context, req *protocol.MonitorJobRequest) *protocol.Response {
	const cmd = protocol.CmdMonitorJob

	if req.Monitor.PipeName == "" {
		return protocol.Fail(cmd, &protocol.Failure{Kind: protocol.FailValidation, Message: "empty monitor pipe name"})
	}
	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	if err := w.startMonitor(ctx, job, req.Monitor); err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailOther, err))
	}
	return protocol.Succeed(cmd)
}

func (w *Worker) runSuspend(ctx context.Context, req *protocol.SuspendJobRequest) *protocol.Response {
	const cmd = protocol.CmdSuspendJob

	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	if err := job.Suspend(ctx); err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailSuspend, err))
	}
	return protocol.Succeed(cmd)
}

func (w *Worker) runResume(ctx context.Context, req *protocol.ResumeJobRequest) *protocol.Response {
	const cmd = protocol.CmdResumeJob

	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	if err := job.Resume(ctx); err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailResume, err))
	}
	return protocol.Succeed(cmd)
}

func (w *Worker) runSetPriority(ctx context.Context, req *protocol.SetJobPriorityRequest) *protocol.Response {
	const cmd = protocol.CmdSetJobPriority

	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	p := service.PriorityNormal
	if req.Foreground {
		p = service.PriorityForeground
	}
	if err := job.SetPriority(ctx, p); err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailApplySettings, err))
	}
	return protocol.Succeed(cmd)
}

func (w *Worker) runSetInterval(req *protocol.SetUpdateIntervalRequest) *protocol.Response {
	const cmd = protocol.CmdSetUpdateInterval

	if req.IntervalMillis == 0 {
		return protocol.Fail(cmd, &protocol.Failure{Kind: protocol.FailValidation, Message: "zero update interval"})
	}
	ctl, ok := w.monitorControl(req.JobID)
	if !ok || !ctl.SetInterval(req.IntervalMillis) {
		return protocol.Fail(cmd, &protocol.Failure{
			Kind:    protocol.FailNotFound,
			Message: "no monitor for job " + req.JobID.String(),
		})
	}
	return protocol.Succeed(cmd)
}

func (w *Worker) runComplete(ctx context.Context, req *protocol.CompleteJobRequest) *protocol.Response {
	const cmd = protocol.CmdCompleteJob

	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	if err := job.Complete(ctx); err != nil {
		if errors.Is(err, service.ErrPartialComplete) {
			return protocol.Fail(cmd, &protocol.Failure{
				Kind:   protocol.FailPartialComplete,
				Status: w.statusMessage(notify.StatusPartialComplete),
			})
		}
		return protocol.Fail(cmd, w.failure(protocol.FailComplete, err))
	}
	w.stopMonitor(req.JobID)
	return protocol.Succeed(cmd)
}

func (w *Worker) runCancel(ctx context.Context, req *protocol.CancelJobRequest) *protocol.Response {
	const cmd = protocol.CmdCancelJob

	job, failResp := w.getJob(ctx, cmd, req.JobID)
	if failResp != nil {
		return failResp
	}
	if err := job.Cancel(ctx); err != nil {
		return protocol.Fail(cmd, w.failure(protocol.FailCancel, err))
	}
	w.stopMonitor(req.JobID)
	return protocol.Succeed(cmd)
}

// getJob resolves a job id against the binding, mapping the two lookup
// failure shapes to the command's typed failures.
func (w *Worker) getJob(ctx context.Context, cmd protocol.CommandKind, id service.JobID) (service.Job, *protocol.Response) {
	job, err := w.binding.GetJob(ctx, id, w.jobName)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return nil, protocol.Fail(cmd, &protocol.Failure{
				Kind:   protocol.FailNotFound,
				Status: w.statusMessage(notify.StatusNotFound),
			})
		}
		return nil, protocol.Fail(cmd, w.failure(protocol.FailGetJob, err))
	}
	return job, nil
}

// stopMonitor shuts down a job's monitor after the job itself is gone.
func (w *Worker) stopMonitor(id service.JobID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctl, ok := w.monitors[id]; ok {
		ctl.Shutdown()
		delete(w.monitors, id)
	}
}

// failure converts a binding error into the command's typed failure,
// attaching the service's description when it has one.
func (w *Worker) failure(kind protocol.FailureKind, err error) *protocol.Failure {
	var serr *service.Error
	if errors.As(err, &serr) {
		msg := &notify.StatusMessage{Code: serr.Code, Message: serr.Description}
		if msg.Message == "" {
			if desc, ok := w.binding.ErrorDescription(serr.Code); ok {
				msg.Message = desc
			}
		}
		return &protocol.Failure{Kind: kind, Status: msg}
	}
	return &protocol.Failure{Kind: kind, Message: err.Error()}
}

func (w *Worker) statusMessage(code notify.Status) *notify.StatusMessage {
	msg := &notify.StatusMessage{Code: code}
	if desc, ok := w.binding.ErrorDescription(code); ok {
		msg.Message = desc
	}
	return msg
}

func validateStart(req *protocol.StartJobRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	if !filepath.IsAbs(req.SavePath) {
		return errors.New("save path must be absolute")
	}
	return nil
}
