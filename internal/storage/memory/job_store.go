// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

// JobStore implements harvest.Store with process-local state. Every mutating
// operation holds the store lock for its whole duration, which gives the same
// atomicity guarantees the Postgres store gets from transactions.
type JobStore struct {
	mu          sync.Mutex
	maxAttempts int
	clock       harvest.Clock
	nextID      int64
	jobs        map[int64]*harvest.Job
	byKey       map[harvest.NaturalKey]int64
	sessions    map[string]*harvest.WorkerSession
}

// NewJobStore constructs a JobStore.
func NewJobStore(maxAttempts int, clock harvest.Clock) *JobStore {
	return &JobStore{
		maxAttempts: maxAttempts,
		clock:       clock,
		nextID:      1,
		jobs:        make(map[int64]*harvest.Job),
		byKey:       make(map[harvest.NaturalKey]int64),
		sessions:    make(map[string]*harvest.WorkerSession),
	}
}

// InsertJobs inserts jobs whose natural key is not yet present.
func (s *JobStore) InsertJobs(_ context.Context, jobs []harvest.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	inserted := 0
	for _, job := range jobs {
		if _, exists := s.byKey[job.Key]; exists {
			continue
		}
		stored := job
		stored.ID = s.nextID
		stored.Status = harvest.JobStatusPending
		stored.Attempts = 0
		stored.Owner = ""
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.jobs[stored.ID] = &stored
		s.byKey[stored.Key] = stored.ID
		s.nextID++
		inserted++
	}
	return inserted, nil
}

// Claim assigns the highest-priority claimable job to workerID.
func (s *JobStore) Claim(_ context.Context, workerID string) (*harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*harvest.Job
	for _, job := range s.jobs {
		if job.Status.Claimable() {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	job := candidates[0]
	job.Status = harvest.JobStatusInProgress
	job.Owner = workerID
	job.Attempts++
	job.UpdatedAt = s.clock.Now()

	out := *job
	return &out, nil
}

// Complete marks a job completed iff workerID still owns it.
func (s *JobStore) Complete(_ context.Context, jobID int64, workerID string, result harvest.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Owner != workerID || job.Status != harvest.JobStatusInProgress {
		return false, nil
	}
	now := s.clock.Now()
	job.Status = harvest.JobStatusCompleted
	job.Owner = ""
	job.Result = result.ArtifactURI
	job.UpdatedAt = now
	completed := now
	job.CompletedAt = &completed
	return true, nil
}

// Fail records a failure iff workerID still owns the job.
func (s *JobStore) Fail(_ context.Context, jobID int64, workerID, errMsg string, retryable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Owner != workerID || job.Status != harvest.JobStatusInProgress {
		return false, nil
	}
	job.Owner = ""
	job.LastError = errMsg
	job.UpdatedAt = s.clock.Now()
	if retryable && job.Attempts < s.maxAttempts {
		job.Status = harvest.JobStatusRetry
	} else {
		job.Status = harvest.JobStatusFailed
	}
	return true, nil
}

// Release returns a claimed-but-unworked job to the retry pool iff workerID
// still owns it. Unlike Fail it never terminates the job, no matter how many
// attempts it has used.
func (s *JobStore) Release(_ context.Context, jobID int64, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Owner != workerID || job.Status != harvest.JobStatusInProgress {
		return false, nil
	}
	job.Status = harvest.JobStatusRetry
	job.Owner = ""
	job.LastError = "worker shutdown"
	job.UpdatedAt = s.clock.Now()
	return true, nil
}

// ReapStale returns timed-out in-progress jobs to the retry pool.
func (s *JobStore) ReapStale(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-timeout)
	reaped := 0
	for _, job := range s.jobs {
		if job.Status == harvest.JobStatusInProgress && job.UpdatedAt.Before(cutoff) {
			job.Status = harvest.JobStatusRetry
			job.Owner = ""
			job.LastError = "claim timeout"
			job.UpdatedAt = now
			reaped++
		}
	}
	return reaped, nil
}

// ResetFailed moves failed and retry jobs back to pending.
func (s *JobStore) ResetFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	reset := 0
	for _, job := range s.jobs {
		if job.Status == harvest.JobStatusFailed || job.Status == harvest.JobStatusRetry {
			job.Status = harvest.JobStatusPending
			job.Owner = ""
			job.Attempts = 0
			job.LastError = ""
			job.UpdatedAt = now
			reset++
		}
	}
	return reset, nil
}

// Stats counts jobs per status and active sessions.
func (s *JobStore) Stats(_ context.Context) (harvest.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats harvest.QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case harvest.JobStatusPending:
			stats.Pending++
		case harvest.JobStatusInProgress:
			stats.InProgress++
		case harvest.JobStatusCompleted:
			stats.Completed++
		case harvest.JobStatusFailed:
			stats.Failed++
		case harvest.JobStatusRetry:
			stats.Retry++
		}
	}
	for _, session := range s.sessions {
		if session.Active {
			stats.ActiveWorkers++
		}
	}
	return stats, nil
}

// UpsertSession registers a worker session with fresh counters.
func (s *JobStore) UpsertSession(_ context.Context, session harvest.WorkerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := session
	stored.CompletedCount = 0
	stored.FailedCount = 0
	stored.Active = true
	s.sessions[session.WorkerID] = &stored
	return nil
}

// RecordOutcome bumps a session counter.
func (s *JobStore) RecordOutcome(_ context.Context, workerID string, completed bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workerID]
	if !ok {
		return harvest.ErrNotFound
	}
	if completed {
		session.CompletedCount++
	} else {
		session.FailedCount++
	}
	session.LastActivity = at
	return nil
}

// TouchSession refreshes a session's last-activity timestamp.
func (s *JobStore) TouchSession(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workerID]
	if !ok {
		return harvest.ErrNotFound
	}
	session.LastActivity = at
	return nil
}

// DeactivateSession marks a session inactive.
func (s *JobStore) DeactivateSession(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workerID]
	if !ok {
		return harvest.ErrNotFound
	}
	session.Active = false
	session.LastActivity = at
	return nil
}

// Close is a no-op for the in-memory store.
func (s *JobStore) Close() {}

// Job returns a copy of one job, for tests and the status surface.
func (s *JobStore) Job(id int64) (harvest.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return harvest.Job{}, false
	}
	return *job, true
}

// Session returns a copy of one worker session.
func (s *JobStore) Session(workerID string) (harvest.WorkerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workerID]
	if !ok {
		return harvest.WorkerSession{}, false
	}
	return *session, true
}
