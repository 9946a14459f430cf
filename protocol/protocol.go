// Package protocol defines the versioned, framed command/response protocol
// between a control process and the transfer worker.
//
// The protocol opens with a one-byte version handshake in each direction;
// any mismatch is fatal. After that, each request and response is one
// self-describing JSON value inside a message-mode frame of at most 0x4000
// bytes, so no extra delimiting is needed. The command catalog is closed:
// eight commands, each with its own success payload and its own closed set
// of failure kinds. There is no extensibility requirement and no pipelining;
// one connection carries strictly alternating requests and responses.
package protocol

import (
	"fmt"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

// Version is the protocol version byte exchanged during the handshake.
// The peer's version must match exactly or the connection is rejected.
const Version byte = 0

// Frame size bounds, each way.
const (
	MaxRequest  = 0x4000
	MaxResponse = 0x4000
)

// CommandKind tags a request or response with its command.
type CommandKind string

// The closed command catalog.
const (
	CmdStartJob          CommandKind = "start-job"
	CmdMonitorJob        CommandKind = "monitor-job"
	CmdSuspendJob        CommandKind = "suspend-job"
	CmdResumeJob         CommandKind = "resume-job"
	CmdSetJobPriority    CommandKind = "set-job-priority"
	CmdSetUpdateInterval CommandKind = "set-update-interval"
	CmdCompleteJob       CommandKind = "complete-job"
	CmdCancelJob         CommandKind = "cancel-job"
)

// MonitorConfig tells the worker where to stream status snapshots and how
// often to refresh them.
type MonitorConfig struct {
	// PipeName is the watcher's inbound monitor pipe
	PipeName string `json:"pipe_name"`
	// IntervalMillis is the refresh interval between snapshots
	IntervalMillis uint32 `json:"interval_millis"`
}

// StartJobRequest starts a new download job.
type StartJobRequest struct {
	URL        string             `json:"url"`
	SavePath   string             `json:"save_path"`
	ProxyUsage service.ProxyUsage `json:"proxy_usage"`
	Monitor    *MonitorConfig     `json:"monitor,omitempty"`
}

// StartJobSuccess is the success payload of a start-job request.
type StartJobSuccess struct {
	JobID service.JobID `json:"job_id"`
}

// MonitorJobRequest attaches a monitor to an existing job.
type MonitorJobRequest struct {
	JobID   service.JobID `json:"job_id"`
	Monitor MonitorConfig `json:"monitor"`
}

// SuspendJobRequest pauses a job.
type SuspendJobRequest struct {
	JobID service.JobID `json:"job_id"`
}

// ResumeJobRequest starts or restarts a job.
type ResumeJobRequest struct {
	JobID service.JobID `json:"job_id"`
}

// SetJobPriorityRequest toggles a job between foreground and normal
// priority.
type SetJobPriorityRequest struct {
	JobID      service.JobID `json:"job_id"`
	Foreground bool          `json:"foreground"`
}

// SetUpdateIntervalRequest changes a monitored job's refresh interval.
type SetUpdateIntervalRequest struct {
	JobID          service.JobID `json:"job_id"`
	IntervalMillis uint32        `json:"interval_millis"`
}

// CompleteJobRequest commits a job's transferred data.
type CompleteJobRequest struct {
	JobID service.JobID `json:"job_id"`
}

// CancelJobRequest discards a job.
type CancelJobRequest struct {
	JobID service.JobID `json:"job_id"`
}

// Request is the closed tagged union of all commands. Exactly the payload
// field matching Kind is set.
type Request struct {
	Kind CommandKind `json:"kind"`

	Start       *StartJobRequest          `json:"start,omitempty"`
	Monitor     *MonitorJobRequest        `json:"monitor,omitempty"`
	Suspend     *SuspendJobRequest        `json:"suspend,omitempty"`
	Resume      *ResumeJobRequest         `json:"resume,omitempty"`
	SetPriority *SetJobPriorityRequest    `json:"set_priority,omitempty"`
	SetInterval *SetUpdateIntervalRequest `json:"set_interval,omitempty"`
	Complete    *CompleteJobRequest       `json:"complete,omitempty"`
	Cancel      *CancelJobRequest         `json:"cancel,omitempty"`
}

// FailureKind names one failure variant of a command.
type FailureKind string

// Failure kinds across the catalog. Each command admits only a subset; see
// AllowedFailure.
const (
	FailValidation      FailureKind = "validation"
	FailNotFound        FailureKind = "not-found"
	FailGetJob          FailureKind = "get-job"
	FailCreate          FailureKind = "create"
	FailAddFile         FailureKind = "add-file"
	FailApplySettings   FailureKind = "apply-settings"
	FailSuspend         FailureKind = "suspend"
	FailResume          FailureKind = "resume"
	FailComplete        FailureKind = "complete"
	FailPartialComplete FailureKind = "partial-complete"
	FailCancel          FailureKind = "cancel"
	FailService         FailureKind = "service"
	FailOther           FailureKind = "other"
)

// allowedFailures lists the closed failure set per command.
var allowedFailures = map[CommandKind][]FailureKind{
	CmdStartJob:          {FailValidation, FailCreate, FailAddFile, FailApplySettings, FailResume, FailService, FailOther},
	CmdMonitorJob:        {FailValidation, FailNotFound, FailGetJob, FailService, FailOther},
	CmdSuspendJob:        {FailNotFound, FailGetJob, FailSuspend, FailService, FailOther},
	CmdResumeJob:         {FailNotFound, FailGetJob, FailResume, FailService, FailOther},
	CmdSetJobPriority:    {FailNotFound, FailGetJob, FailApplySettings, FailService, FailOther},
	CmdSetUpdateInterval: {FailValidation, FailNotFound, FailOther},
	CmdCompleteJob:       {FailNotFound, FailGetJob, FailComplete, FailPartialComplete, FailService, FailOther},
	CmdCancelJob:         {FailNotFound, FailGetJob, FailCancel, FailService, FailOther},
}

// AllowedFailure reports whether kind is in cmd's closed failure set.
func AllowedFailure(cmd CommandKind, kind FailureKind) bool {
	for _, k := range allowedFailures[cmd] {
		if k == kind {
			return true
		}
	}
	return false
}

// Failure is a command's typed failure payload. Variants that wrap a
// service status code carry it in Status, with a description when the
// service supplied one; Message covers validation and other detail.
type Failure struct {
	Kind    FailureKind           `json:"kind"`
	Status  *notify.StatusMessage `json:"status,omitempty"`
	Message string                `json:"message,omitempty"`
}

// Error returns a formatted error message
func (f *Failure) Error() string {
	switch {
	case f.Status != nil && f.Message != "":
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Message, f.Status)
	case f.Status != nil:
		return fmt.Sprintf("%s: %s", f.Kind, f.Status)
	case f.Message != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	default:
		return string(f.Kind)
	}
}

// Response answers one request. OK distinguishes the command's success type
// from its failure type; Start carries start-job's success payload.
type Response struct {
	Kind CommandKind `json:"kind"`
	OK   bool        `json:"ok"`

	Start   *StartJobSuccess `json:"start,omitempty"`
	Failure *Failure         `json:"failure,omitempty"`
}

// Succeed builds a bare success response for cmd.
func Succeed(cmd CommandKind) *Response {
	return &Response{Kind: cmd, OK: true}
}

// Fail builds a failure response for cmd.
func Fail(cmd CommandKind, f *Failure) *Response {
	return &Response{Kind: cmd, Failure: f}
}

// JobStatus is the monitor-stream snapshot: the service's status enriched
// with the job's current source URL. URL is set only when it differs from
// the previous report, which is how redirect changes surface.
type JobStatus struct {
	service.JobStatus
	URL string `json:"url,omitempty"`
}
