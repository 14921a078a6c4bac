package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
)

// Store is a Postgres-backed repository for Task and Job rows.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pgxpool.Pool in a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateTaskParams carries the fields needed to insert a new Task.
type CreateTaskParams struct {
	TaskType      string
	JobInterval   int
	JobMaxRetries int
	Burst         bool
	TaskArgs      json.RawMessage
	ExtraFields   json.RawMessage
}

// CreateTask inserts a new Task in NEW status and returns the full row.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.TaskArgs == nil {
		p.TaskArgs = json.RawMessage("{}")
	}
	if p.ExtraFields == nil {
		p.ExtraFields = json.RawMessage("{}")
	}

	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (uuid, task_type, status, job_interval, job_max_retries, burst, task_args, extra_fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, uuid, task_type, status, runs, failures, last_run, scheduled_at,
		          job_interval, job_max_retries, burst, task_args, extra_fields, created_at, updated_at`,
		uuidToPgUUID(id), p.TaskType, StatusNew, p.JobInterval, p.JobMaxRetries, p.Burst, p.TaskArgs, p.ExtraFields)

	return scanTask(row)
}

// GetTaskByUUID fetches a single Task, returning a NotFound taskerrors.Error
// if absent.
func (s *Store) GetTaskByUUID(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, uuid, task_type, status, runs, failures, last_run, scheduled_at,
		       job_interval, job_max_retries, burst, task_args, extra_fields, created_at, updated_at
		FROM tasks WHERE uuid = $1`, uuidToPgUUID(id))

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerrors.NotFound("task", id.String())
	}
	return t, err
}

// GetTaskByID fetches a single Task by its internal numeric id, used by
// the scheduler when it only has a Job row (which references TaskID, not
// the external UUID) in hand.
func (s *Store) GetTaskByID(ctx context.Context, id int64) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, uuid, task_type, status, runs, failures, last_run, scheduled_at,
		       job_interval, job_max_retries, burst, task_args, extra_fields, created_at, updated_at
		FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerrors.NotFound("task", fmt.Sprintf("id=%d", id))
	}
	return t, err
}

// ListTasksParams filters and paginates ListTasks.
type ListTasksParams struct {
	TaskType string
	Status   Status // empty means "any"
	Page     int    // 1-based
	Size     int
}

// ListTasks returns tasks of a given type, optionally filtered by status,
// newest-created first, alongside the total matching count for pagination.
func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]*Task, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = 25
	}
	offset := (p.Page - 1) * p.Size

	var countRow pgx.Row
	var rows pgx.Rows
	var err error

	if p.Status == "" {
		countRow = s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE task_type = $1`, p.TaskType)
	} else {
		countRow = s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE task_type = $1 AND status = $2`, p.TaskType, p.Status)
	}
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, err
	}

	const selectCols = `id, uuid, task_type, status, runs, failures, last_run, scheduled_at,
		job_interval, job_max_retries, burst, task_args, extra_fields, created_at, updated_at`

	if p.Status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+selectCols+` FROM tasks WHERE task_type = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, p.TaskType, p.Size, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+selectCols+` FROM tasks WHERE task_type = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4`, p.TaskType, p.Status, p.Size, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// DeleteTask removes a Task; the jobs foreign key cascades.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE uuid = $1`, uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return taskerrors.NotFound("task", id.String())
	}
	return nil
}

// CompareAndSetStatus performs a conditional UPDATE of Task.status,
// enforcing "at most one Job RUNNING per Task" without explicit
// locking. It returns taskerrors.Conflict if the current status does
// not match expected.
func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE uuid = $2 AND status = $3`, next, uuidToPgUUID(id), expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return taskerrors.Conflict("task status changed concurrently")
	}
	return nil
}

// SetStatus unconditionally sets Task.status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE uuid = $2`,
		status, uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return taskerrors.NotFound("task", id.String())
	}
	return nil
}

// RecordSuccess applies the on-success Task mutation: runs+=1,
// last_run=now, failures=0, and optionally reschedules.
func (s *Store) RecordSuccess(ctx context.Context, id uuid.UUID, scheduledAt *time.Time, status Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET runs = runs + 1, last_run = now(), failures = 0,
		       scheduled_at = $1, status = $2, updated_at = now()
		WHERE uuid = $3`, scheduledAt, status, uuidToPgUUID(id))
	return err
}

// RecordFailure applies the on-failure Task mutation: failures+=1, and
// a status transition decided by the caller (RECOVERY or FAILED).
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, status Status) (int, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET failures = failures + 1, status = $1, updated_at = now()
		WHERE uuid = $2 RETURNING failures`, status, uuidToPgUUID(id))
	var failures int
	if err := row.Scan(&failures); err != nil {
		return 0, err
	}
	return failures, nil
}

// ResetForReschedule clears failures and sets status back to NEW, used
// when a manual reschedule restarts a FAILED task from scratch.
func (s *Store) ResetForReschedule(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET failures = 0, status = $1, updated_at = now() WHERE uuid = $2`,
		StatusNew, uuidToPgUUID(id))
	return err
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var pgUUID pgtype.UUID
	var taskArgs, extraFields []byte
	err := row.Scan(&t.ID, &pgUUID, &t.TaskType, &t.Status, &t.Runs, &t.Failures,
		&t.LastRun, &t.ScheduledAt, &t.JobInterval, &t.JobMaxRetries, &t.Burst,
		&taskArgs, &extraFields, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.UUID = pgUUIDToUUID(pgUUID)
	t.TaskArgs = pgTextToJSON(taskArgs)
	t.ExtraFields = pgTextToJSON(extraFields)
	return &t, nil
}

// -- Job operations --------------------------------------------------------

// CreateJobParams carries the fields needed to insert the next Job for a
// Task; JobNum must already be computed by the caller (max(existing)+1).
type CreateJobParams struct {
	TaskID      int64
	JobNum      int
	Queue       string
	JobArgs     json.RawMessage
	ScheduledAt *time.Time
}

// CreateJob inserts a new Job row in ENQUEUED status.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (uuid, task_id, job_num, queue, status, job_args, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, uuid, task_id, job_num, queue, status, scheduled_at, started_at,
		          finished_at, job_args, progress, logs, result, created_at, updated_at`,
		uuidToPgUUID(id), p.TaskID, p.JobNum, p.Queue, StatusEnqueued, p.JobArgs, p.ScheduledAt)

	return scanJob(row)
}

// LatestJob returns the Job with the greatest job_num for a Task, or nil
// if the Task has no Jobs yet.
func (s *Store) LatestJob(ctx context.Context, taskID int64) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, uuid, task_id, job_num, queue, status, scheduled_at, started_at,
		       finished_at, job_args, progress, logs, result, created_at, updated_at
		FROM jobs WHERE task_id = $1 ORDER BY job_num DESC LIMIT 1`, taskID)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// GetJobByUUID fetches a single Job by its external identifier.
func (s *Store) GetJobByUUID(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, uuid, task_id, job_num, queue, status, scheduled_at, started_at,
		       finished_at, job_args, progress, logs, result, created_at, updated_at
		FROM jobs WHERE uuid = $1`, uuidToPgUUID(id))

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerrors.NotFound("job", id.String())
	}
	return j, err
}

// ListJobs returns Jobs for a Task ordered by job_num descending (most
// recent first).
func (s *Store) ListJobs(ctx context.Context, taskID int64, page, size int) ([]*Job, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 25
	}
	offset := (page - 1) * size

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE task_id = $1`, taskID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, uuid, task_id, job_num, queue, status, scheduled_at, started_at,
		       finished_at, job_args, progress, logs, result, created_at, updated_at
		FROM jobs WHERE task_id = $1 ORDER BY job_num DESC LIMIT $2 OFFSET $3`, taskID, size, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// MarkRunning transitions a Job to RUNNING and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $1, started_at = now(), updated_at = now() WHERE uuid = $2`,
		StatusRunning, uuidToPgUUID(id))
	return err
}

// UpdateProgress writes the latest progress checkpoint for a Job; this
// is the durable side of the progress channel.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET progress = $1, updated_at = now() WHERE uuid = $2`,
		progress, uuidToPgUUID(id))
	return err
}

// AppendLogs appends to a Job's log text. Logs are only persisted on
// terminal transition, so callers buffer intermediate output and call
// this once at completion or failure.
func (s *Store) AppendLogs(ctx context.Context, id uuid.UUID, logs string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET logs = logs || $1, updated_at = now() WHERE uuid = $2`,
		logs, uuidToPgUUID(id))
	return err
}

// FinishJob marks a Job terminal (COMPLETED, FAILED or CANCELED) and
// records its final progress, logs and result.
func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, status Status, progress json.RawMessage, logs string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, finished_at = now(), progress = $2,
		       logs = logs || $3, result = $4, updated_at = now()
		WHERE uuid = $5`, status, progress, logs, result, uuidToPgUUID(id))
	return err
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var pgUUID pgtype.UUID
	var jobArgs, progress, result []byte
	err := row.Scan(&j.ID, &pgUUID, &j.TaskID, &j.JobNum, &j.Queue, &j.Status,
		&j.ScheduledAt, &j.StartedAt, &j.FinishedAt, &jobArgs, &progress, &j.Logs, &result,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.UUID = pgUUIDToUUID(pgUUID)
	if jobArgs != nil {
		j.JobArgs = jobArgs
	}
	if progress != nil {
		j.Progress = progress
	}
	if result != nil {
		j.Result = result
	}
	return &j, nil
}
