// Package harvest defines core types shared across subsystems.
package harvest

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetry      JobStatus = "retry"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Claimable reports whether a job in this status may be claimed by a worker.
func (s JobStatus) Claimable() bool {
	return s == JobStatusPending || s == JobStatusRetry
}

// NaturalKey identifies a form within the electoral hierarchy. The tuple is
// unique across the jobs table and makes bulk loading idempotent.
type NaturalKey struct {
	Region    string `json:"region"`
	Subregion string `json:"subregion"`
	Zone      string `json:"zone"`
	Station   string `json:"station"`
	Category  string `json:"category"`
}

// String renders the key as a slash-separated path, useful in logs.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Region, k.Subregion, k.Zone, k.Station, k.Category)
}

// Job represents one unit of download work persisted in the store.
type Job struct {
	ID          int64      `json:"id"`
	Key         NaturalKey `json:"key"`
	Priority    int        `json:"priority"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	Owner       string     `json:"owner,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the opaque payload an Executor produces for a completed job,
// typically a reference to the downloaded artifact.
type Result struct {
	ArtifactURI string `json:"artifact_uri"`
}

// QueueStats is a point-in-time snapshot of the queue, used by the monitor
// loop and the status command.
type QueueStats struct {
	Pending       int64 `json:"pending"`
	InProgress    int64 `json:"in_progress"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retry         int64 `json:"retry"`
	ActiveWorkers int64 `json:"active_workers"`
}

// Total returns the number of jobs across all statuses.
func (s QueueStats) Total() int64 {
	return s.Pending + s.InProgress + s.Completed + s.Failed + s.Retry
}

// WorkerSession is the runtime registration of an active worker.
type WorkerSession struct {
	WorkerID       string    `json:"worker_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	CompletedCount int64     `json:"completed_count"`
	FailedCount    int64     `json:"failed_count"`
	Active         bool      `json:"active"`
}
