package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusInQueue   JobStatus = "IN_QUEUE"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusTimedOut  JobStatus = "TIMED_OUT"
)

// TerminalJobStatuses lists the states no transition may leave.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusTimedOut,
}

// IsTerminal reports whether s is a final state.
func (s JobStatus) IsTerminal() bool {
	for _, t := range TerminalJobStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusInQueue, JobStatusRunning:
		return true
	}
	return s.IsTerminal()
}

// Job is a unit of work submitted against an endpoint and executed by the
// endpoint's executor. ExecutorID is copied from the endpoint at creation
// and never changes afterwards.
type Job struct {
	ID            uuid.UUID       `db:"id"             json:"id"`
	EndpointID    uuid.UUID       `db:"endpoint_id"    json:"endpoint_id"`
	ExecutorID    uuid.UUID       `db:"executor_id"    json:"executor_id"`
	UserID        uuid.UUID       `db:"user_id"        json:"-"`
	Status        JobStatus       `db:"status"         json:"status"`
	Input         json.RawMessage `db:"input"          json:"input"`
	Output        json.RawMessage `db:"output"         json:"output"`
	DelayTime     int64           `db:"delay_time"     json:"delay_time"`
	ExecutionTime int64           `db:"execution_time" json:"execution_time"`
	StartedAt     *time.Time      `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}

// JobFields carries the executor-writable fields of a job. Nil fields are
// left untouched.
type JobFields struct {
	Status        *JobStatus
	DelayTime     *int64
	ExecutionTime *int64
	Output        json.RawMessage
}
