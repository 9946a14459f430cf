// Package local is a pure-Go transfer-service binding that downloads over
// HTTP. Jobs persist as binary records in a state directory, written
// atomically on every visible change, so a binding in another process can
// attach to a job and follow it through record rewrites.
package local

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

// DefaultRetryDelay is the pause before retrying a transient download error
// when the job has not configured one.
const DefaultRetryDelay = 60 * time.Second

// stopGrace is how long a stopping download goroutine gets to finish its
// current chunk.
const stopGrace = time.Second

const recordSuffix = ".job"

// Service is a local transfer service. It implements service.Binding.
type Service struct {
	stateDir string
	httpc    *http.Client
	log      *slog.Logger

	mu      sync.Mutex
	jobs    map[service.JobID]*Job
	remotes map[service.JobID]*remoteJob
}

// Option adjusts service construction.
type Option func(*Service)

// WithHTTPClient sets the base HTTP client downloads derive from. Defaults
// to a plain client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpc = c }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New opens a local service over the given state directory, creating it if
// needed.
func New(stateDir string, opts ...Option) (*Service, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	s := &Service{
		stateDir: stateDir,
		httpc:    &http.Client{},
		log:      slog.Default(),
		jobs:     map[service.JobID]*Job{},
		remotes:  map[service.JobID]*remoteJob{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateJob creates a suspended, empty download job owned by name.
func (s *Service) CreateJob(ctx context.Context, name string) (service.Job, error) {
	now := time.Now()
	j := &Job{
		svc:        s,
		id:         service.NewJobID(),
		retryDelay: DefaultRetryDelay,
		rec: record{
			Owner:        name,
			State:        service.StateSuspended,
			Priority:     service.PriorityNormal,
			Proxy:        service.ProxyPreconfig,
			TotalBytes:   totalBytesUnknown,
			Creation:     now,
			Modification: now,
		},
	}
	j.rec.ID = j.id

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	j.mu.Lock()
	j.persistLocked()
	j.mu.Unlock()

	s.log.Debug("created job", "job", j.id, "owner", name)
	return j, nil
}

// GetJob finds the job with the given id. Jobs owned by a different name
// are reported as ErrJobNotFound. A job found only in the state directory
// belongs to another process; the returned job is a read-only view that
// follows the owning process through record rewrites.
func (s *Service) GetJob(ctx context.Context, id service.JobID, name string) (service.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if ok {
		j.mu.Lock()
		owner := j.rec.Owner
		j.mu.Unlock()
		if owner != name {
			return nil, service.ErrJobNotFound
		}
		return j, nil
	}

	rec, err := s.loadRecord(id)
	if err != nil {
		return nil, service.ErrJobNotFound
	}
	if rec.Owner != name {
		return nil, service.ErrJobNotFound
	}
	return s.attachRemote(rec)
}

// errorDescriptions carries the human-readable text for the status codes
// the local service produces.
var errorDescriptions = map[notify.Status]string{
	notify.StatusOK:              "The operation completed successfully",
	notify.StatusFail:            "Unspecified error",
	notify.StatusNotFound:        "The requested job was not found",
	notify.StatusPartialComplete: "Some files were not transferred before completion",
}

// ErrorDescription returns the description for a status code, if known.
func (s *Service) ErrorDescription(code notify.Status) (string, bool) {
	desc, ok := errorDescriptions[code]
	return desc, ok
}

// Close stops every running download and remote watch. Job records stay on
// disk so another service over the same state directory can resume them.
func (s *Service) Close() error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	remotes := make([]*remoteJob, 0, len(s.remotes))
	for _, j := range s.remotes {
		remotes = append(remotes, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.stopRun()
	}
	for _, j := range remotes {
		j.detach()
	}
	return nil
}

func (s *Service) recordPath(id service.JobID) string {
	return filepath.Join(s.stateDir, id.String()+recordSuffix)
}

func (s *Service) loadRecord(id service.JobID) (record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return record{}, err
	}
	return decodeRecord(data)
}

func writeRecord(s *Service, id service.JobID, raw []byte) error {
	return renameio.WriteFile(s.recordPath(id), raw, 0o600)
}

var _ service.Binding = (*Service)(nil)
