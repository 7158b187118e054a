// Package notify delivers recorded alerts to the caregiver channel.
//
// Delivery is asynchronous and never feeds back into alert evaluation: a job
// that exhausts its attempts is marked Failed while its alert stays in the log.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"procodus.dev/carewatch/internal/alertlog"
)

// Status is the lifecycle state of a notification job.
type Status string

// Job statuses. Pending is the only non-terminal status.
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

var (
	// ErrJobNotFound is returned when updating a job that was never created.
	ErrJobNotFound = errors.New("notification job not found")
	// ErrJobFinal is returned when updating a job that already reached a terminal status.
	ErrJobFinal = errors.New("notification job already finished")
)

// Job tracks the delivery of one alert. It is keyed by the alert ID.
type Job struct {
	NextRetryAt time.Time
	Event       alertlog.Event
	LastError   string
	Status      Status
	Attempt     int
}

// AlertEventID returns the ID of the alert this job delivers.
func (j Job) AlertEventID() uint64 {
	return j.Event.ID
}

// JobStore records job transitions.
type JobStore interface {
	// Create stores a new pending job. It reports false when a job for the
	// same alert already exists.
	Create(ctx context.Context, job Job) (bool, error)
	// Update overwrites a pending job. Terminal jobs are never modified.
	Update(ctx context.Context, job Job) error
	// Get returns the job for an alert.
	Get(ctx context.Context, alertEventID uint64) (Job, bool, error)
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uint64]Job
}

// NewMemoryJobStore creates an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[uint64]Job)}
}

// Create implements JobStore.
func (s *MemoryJobStore) Create(_ context.Context, job Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.AlertEventID()]; ok {
		return false, nil
	}
	s.jobs[job.AlertEventID()] = job
	return true, nil
}

// Update implements JobStore.
func (s *MemoryJobStore) Update(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.AlertEventID()]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Status.Terminal() {
		return ErrJobFinal
	}
	s.jobs[job.AlertEventID()] = job
	return nil
}

// Get implements JobStore.
func (s *MemoryJobStore) Get(_ context.Context, alertEventID uint64) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[alertEventID]
	return job, ok, nil
}

// Count returns the number of jobs with the given status.
func (s *MemoryJobStore) Count(status Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}
