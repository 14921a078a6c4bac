// Package taskstore persists Task and Job entities in Postgres.
package taskstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the shared Task/Job lifecycle enum. Job never takes the
// RECOVERY or PAUSED values; those are Task-only.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusEnqueued  Status = "ENQUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusRecovery  Status = "RECOVERY"
	StatusPaused    Status = "PAUSED"
)

// IsTerminal reports whether a task/job in this status will not transition
// further without external intervention (reschedule, cancel).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Task is the durable row backing a scheduled unit of work. ExtraFields
// holds the task-type-specific columns (datasource_type/category for
// eventizer, uuids/criteria/... for identity tasks) as a JSON document
// discriminated by TaskType, rather than one table per type.
type Task struct {
	ID            int64           `json:"-"`
	UUID          uuid.UUID       `json:"uuid"`
	TaskType      string          `json:"task_type"`
	Status        Status          `json:"status"`
	Runs          int             `json:"runs"`
	Failures      int             `json:"failures"`
	LastRun       *time.Time      `json:"last_run"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
	JobInterval   int             `json:"job_interval"`
	JobMaxRetries int             `json:"job_max_retries"`
	Burst         bool            `json:"burst"`
	TaskArgs      json.RawMessage `json:"task_args"`
	ExtraFields   json.RawMessage `json:"extra_fields"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Job is a single execution attempt of a Task.
type Job struct {
	ID          int64           `json:"-"`
	UUID        uuid.UUID       `json:"uuid"`
	TaskID      int64           `json:"-"`
	JobNum      int             `json:"job_num"`
	Queue       string          `json:"queue"`
	Status      Status          `json:"status"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
	JobArgs     json.RawMessage `json:"job_args"`
	Progress    json.RawMessage `json:"progress"`
	Logs        string          `json:"logs"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
