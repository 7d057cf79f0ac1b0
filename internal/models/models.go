package models

import (
	"fmt"
	"time"
)

// JobStatus represents the current lifecycle state of a conversion job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// ErrorKind categorizes why a job failed
type ErrorKind string

const (
	ErrArchive    ErrorKind = "archive"    // input archive unreadable or corrupt
	ErrConversion ErrorKind = "conversion" // external conversion step reported failure
	ErrTimeout    ErrorKind = "timeout"    // conversion exceeded the configured bound
	ErrClassifier ErrorKind = "classifier" // relevance classifier failed (degrades, never fails a job)
	ErrInternal   ErrorKind = "internal"   // unexpected worker-side failure
)

// JobError is the recorded failure reason for a FAILED job
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job represents one archive's processing lifecycle, tracked end-to-end
type Job struct {
	ID              string    `json:"job_id"`
	SourcePath      string    `json:"source_path"`
	Status          JobStatus `json:"status"`
	Priority        int       `json:"priority,omitempty"`
	AttemptCount    int       `json:"attempt_count,omitempty"`
	LastError       *JobError `json:"last_error,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// allowedTransitions is the job state machine. The zero status covers
// first insertion by the scanner.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	"": {
		StatusPending: true,
	},
	StatusPending: {
		StatusPending: true,
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusPending:   true, // orphan reconciliation after a crashed run
	},
	StatusSucceeded: {
		StatusSucceeded: true,
	},
	StatusFailed: {
		StatusFailed:  true,
		StatusPending: true, // explicit requeue only
	},
}

// CanTransition reports whether a status change is legal.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// StatusUpdate is a completion event sent from a worker to the monitor
type StatusUpdate struct {
	WorkerID int
	JobID    string
	Status   JobStatus
	Error    *JobError
	Duration time.Duration
}

// ThroughputSample is a point-in-time snapshot of completion rate.
// Samples are appended, never mutated.
type ThroughputSample struct {
	Timestamp      time.Time
	Completed      int
	ElapsedSeconds float64
}

// Stats tracks overall batch statistics for one run
type Stats struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	WorkerCount  int
	TotalJobs    int
	Dispatched   int
	Succeeded    int
	Failed       int
	Reconciled   int
	NewlyScanned int
}

// Remaining returns the number of dispatched jobs not yet terminal.
func (s Stats) Remaining() int {
	return s.Dispatched - s.Succeeded - s.Failed
}
