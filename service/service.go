// Package service defines the transfer-service binding: the interface the
// command worker and monitor engine execute against. A binding wraps
// whatever actually moves bytes (the OS background transfer service, or the
// pure-Go implementation in service/local) behind create/get/control/status
// operations keyed by 128-bit job ids. The one-to-one mapping onto a native
// service API is deliberately outside this module.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axondata/go-xfermgr/notify"
)

// Common errors returned by bindings
var (
	// ErrJobNotFound indicates no job with the given id exists or the job is
	// owned by a different job name
	ErrJobNotFound = errors.New("service: job not found")

	// ErrPartialComplete indicates Complete committed only part of the
	// transferred data
	ErrPartialComplete = errors.New("service: job completed partially")
)

// JobID is the opaque 128-bit identifier correlating client state to the
// service-side job.
type JobID uuid.UUID

// NewJobID returns a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.New())
}

// ParseJobID parses the canonical textual form of a job id.
func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, err
	}
	return JobID(u), nil
}

// String returns the canonical textual form
func (id JobID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is the zero id
func (id JobID) IsZero() bool {
	return id == JobID{}
}

// MarshalText implements encoding.TextMarshaler
func (id JobID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *JobID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = JobID(u)
	return nil
}

// Priority is a job's scheduling priority.
type Priority int

const (
	// PriorityNormal transfers in the background at idle bandwidth
	PriorityNormal Priority = iota
	// PriorityLow transfers only when no other traffic competes
	PriorityLow
	// PriorityHigh transfers ahead of normal background jobs
	PriorityHigh
	// PriorityForeground transfers at full rate, like an interactive download
	PriorityForeground
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityForeground:
		return "foreground"
	default:
		return "normal"
	}
}

// ProxyUsage selects how a job resolves proxies.
type ProxyUsage int

const (
	// ProxyPreconfig uses the system's preconfigured proxy settings
	ProxyPreconfig ProxyUsage = iota
	// ProxyNone bypasses proxies entirely
	ProxyNone
	// ProxyAutoDetect discovers proxy settings automatically
	ProxyAutoDetect
)

// String returns the string representation of the proxy usage
func (p ProxyUsage) String() string {
	switch p {
	case ProxyNone:
		return "no-proxy"
	case ProxyAutoDetect:
		return "auto-detect"
	default:
		return "preconfig"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p ProxyUsage) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *ProxyUsage) UnmarshalText(b []byte) error {
	switch string(b) {
	case "preconfig":
		*p = ProxyPreconfig
	case "no-proxy":
		*p = ProxyNone
	case "auto-detect":
		*p = ProxyAutoDetect
	default:
		return fmt.Errorf("service: unknown proxy usage %q", b)
	}
	return nil
}

// JobState is the lifecycle state of a transfer job.
type JobState int

const (
	// StateQueued indicates the job is waiting to run
	StateQueued JobState = iota
	// StateConnecting indicates the service is contacting the remote side
	StateConnecting
	// StateTransferring indicates bytes are moving
	StateTransferring
	// StateSuspended indicates the job is paused
	StateSuspended
	// StateError indicates a fatal error stopped the job
	StateError
	// StateTransientError indicates a retryable error; the job will resume
	StateTransientError
	// StateTransferred indicates all bytes arrived but are not yet committed
	StateTransferred
	// StateAcknowledged indicates Complete committed the data
	StateAcknowledged
	// StateCancelled indicates Cancel discarded the job
	StateCancelled
)

// jobStateNames indexes the wire names by state value.
var jobStateNames = [...]string{
	StateQueued:         "queued",
	StateConnecting:     "connecting",
	StateTransferring:   "transferring",
	StateSuspended:      "suspended",
	StateError:          "error",
	StateTransientError: "transient-error",
	StateTransferred:    "transferred",
	StateAcknowledged:   "acknowledged",
	StateCancelled:      "cancelled",
}

// String returns the string representation of the state
func (s JobState) String() string {
	if s >= 0 && int(s) < len(jobStateNames) {
		return jobStateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *JobState) UnmarshalText(b []byte) error {
	for st, name := range jobStateNames {
		if name == string(b) {
			*s = JobState(st)
			return nil
		}
	}
	return fmt.Errorf("service: unknown job state %q", b)
}

// Terminal reports whether no further transfer activity can occur.
func (s JobState) Terminal() bool {
	return s == StateAcknowledged || s == StateCancelled
}

// ErrorContext locates where a job error occurred.
type ErrorContext int

const (
	// ContextNone indicates no error context
	ContextNone ErrorContext = iota
	// ContextUnknown indicates the context could not be determined
	ContextUnknown
	// ContextQueueManager indicates the queue manager itself failed
	ContextQueueManager
	// ContextQueueNotification indicates a notification delivery failed
	ContextQueueNotification
	// ContextLocalFile indicates the local file could not be accessed
	ContextLocalFile
	// ContextRemoteFile indicates the remote file could not be accessed
	ContextRemoteFile
	// ContextTransport indicates the transport layer failed
	ContextTransport
	// ContextRemoteApplication indicates the remote application rejected the job
	ContextRemoteApplication
)

var errorContextNames = [...]string{
	ContextNone:              "none",
	ContextUnknown:           "unknown",
	ContextQueueManager:      "queue-manager",
	ContextQueueNotification: "queue-notification",
	ContextLocalFile:         "local-file",
	ContextRemoteFile:        "remote-file",
	ContextTransport:         "transport",
	ContextRemoteApplication: "remote-application",
}

// String returns the string representation of the context
func (c ErrorContext) String() string {
	if c >= 0 && int(c) < len(errorContextNames) {
		return errorContextNames[c]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (c ErrorContext) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *ErrorContext) UnmarshalText(b []byte) error {
	for ec, name := range errorContextNames {
		if name == string(b) {
			*c = ErrorContext(ec)
			return nil
		}
	}
	return fmt.Errorf("service: unknown error context %q", b)
}

// JobProgress is a job's byte and file counters. TotalBytes is nil while the
// total is still unknown.
type JobProgress struct {
	TotalBytes       *uint64 `json:"total_bytes,omitempty"`
	TransferredBytes uint64  `json:"transferred_bytes"`
	TotalFiles       uint32  `json:"total_files"`
	TransferredFiles uint32  `json:"transferred_files"`
}

// JobTimes records a job's lifecycle timestamps. TransferCompletion is nil
// until the transfer finishes.
type JobTimes struct {
	Creation           time.Time  `json:"creation"`
	Modification       time.Time  `json:"modification"`
	TransferCompletion *time.Time `json:"transfer_completion,omitempty"`
}

// JobError is the structured detail of a job's most recent error.
type JobError struct {
	Context        ErrorContext         `json:"context"`
	ContextMessage string               `json:"context_message,omitempty"`
	Status         notify.StatusMessage `json:"status"`
}

// JobStatus is one point-in-time snapshot of a job.
type JobStatus struct {
	State      JobState    `json:"state"`
	Progress   JobProgress `json:"progress"`
	ErrorCount uint32      `json:"error_count"`
	Error      *JobError   `json:"error,omitempty"`
	Times      JobTimes    `json:"times"`
}

// Error represents a failed call into the transfer service. It carries the
// originating call name and the raw status code.
type Error struct {
	// Call is the binding operation that failed
	Call string
	// Code is the raw status code the service reported
	Code notify.Status
	// Description is the service's message for the code, when available
	Description string
}

// Error returns a formatted error message
func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("service %s: status %#x", e.Call, uint32(e.Code))
	}
	return fmt.Sprintf("service %s: status %#x: %s", e.Call, uint32(e.Code), e.Description)
}

// Binding is the transfer-service entry point.
type Binding interface {
	// CreateJob creates a suspended, empty download job owned by name.
	CreateJob(ctx context.Context, name string) (Job, error)

	// GetJob finds the job with the given id. A job owned by a different
	// name is reported as ErrJobNotFound, not as someone else's job.
	GetJob(ctx context.Context, id JobID, name string) (Job, error)

	// ErrorDescription returns the service's human-readable description for
	// a status code, if it has one.
	ErrorDescription(code notify.Status) (string, bool)
}

// Job is one transfer job tracked by the service.
type Job interface {
	// ID returns the job's 128-bit identifier
	ID() JobID

	// URL returns the job's current source URL, which follows redirects when
	// redirect reporting is enabled
	URL(ctx context.Context) (string, error)

	// AddFile adds a remote file to download to the given local path
	AddFile(ctx context.Context, url, savePath string) error

	// SetPriority sets the job's scheduling priority
	SetPriority(ctx context.Context, p Priority) error

	// SetProxyUsage sets how the job resolves proxies
	SetProxyUsage(ctx context.Context, p ProxyUsage) error

	// SetMinimumRetryDelay sets the delay before retrying transient errors
	SetMinimumRetryDelay(ctx context.Context, d time.Duration) error

	// SetRedirectReporting makes URL report the post-redirect location
	SetRedirectReporting(ctx context.Context, enabled bool) error

	// Suspend pauses the job
	Suspend(ctx context.Context) error

	// Resume starts or restarts the job
	Resume(ctx context.Context) error

	// Complete commits transferred data to its final paths. Partially
	// transferred jobs report ErrPartialComplete.
	Complete(ctx context.Context) error

	// Cancel discards the job and any partially transferred data
	Cancel(ctx context.Context) error

	// Status returns a point-in-time snapshot
	Status(ctx context.Context) (JobStatus, error)

	// RegisterNotifications installs the adapter the service will invoke for
	// this job's events. At most one adapter is active per job; registering
	// a new one implicitly releases the previous one.
	RegisterNotifications(a *notify.Adapter) error
}
