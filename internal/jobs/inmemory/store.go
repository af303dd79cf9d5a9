package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/argos/internal/jobs"
	"github.com/google/uuid"
)

// Store keeps watch-renewal jobs in memory. Jobs are stored and returned
// as copies so the queue's workers never share a job with readers.
type Store struct {
	mu   sync.RWMutex
	byID map[string]jobs.RenewWatchJob
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{byID: make(map[string]jobs.RenewWatchJob)}
}

// SaveJob inserts or replaces a job.
func (s *Store) SaveJob(ctx context.Context, job *jobs.RenewWatchJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	s.mu.Lock()
	s.byID[job.JobID] = *job
	s.mu.Unlock()
	return nil
}

// GetJob returns a job or jobs.ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.RenewWatchJob, error) {
	s.mu.RLock()
	job, ok := s.byID[jobID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("GetJob: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	return &job, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.RenewWatchJob, error) {
	s.mu.RLock()
	matched := make([]*jobs.RenewWatchJob, 0, len(s.byID))
	for _, job := range s.byID {
		if matches(job, filter) {
			job := job
			matched = append(matched, &job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.JobID < b.JobID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	return page(matched, filter.Offset, filter.Limit), nil
}

// UpdateJobStatus sets a job's status, and its error when errorMsg is set.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[jobID]
	if !ok {
		return fmt.Errorf("UpdateJobStatus: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	s.byID[jobID] = job
	return nil
}

func matches(job jobs.RenewWatchJob, f jobs.JobFilter) bool {
	if f.OwnerID != uuid.Nil && job.OwnerID != f.OwnerID {
		return false
	}
	return f.Status == "" || job.Status == f.Status
}

func page(list []*jobs.RenewWatchJob, offset, limit int) []*jobs.RenewWatchJob {
	offset = max(offset, 0)
	if offset >= len(list) {
		return []*jobs.RenewWatchJob{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

var _ jobs.JobStore = (*Store)(nil)
