// Package jobrunner implements the job runner over River: one River
// job per GrimoireLab Job, submitted to a named queue, with the
// scheduler's on-success/on-failure callbacks invoked from River's own
// worker goroutine once the job function returns.
//
// River's own attempt-retry machinery is intentionally not used for the
// domain retry budget (failures/job_max_retries): each GrimoireLab Job
// maps to exactly one River job insert with a small, fixed MaxAttempts
// that only absorbs transient infrastructure hiccups (a dropped
// connection mid-fetch), never a job-function failure. Domain retries
// are modeled explicitly as brand-new Jobs with incrementing job_num,
// submitted by the scheduler's on-failure callback.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/chaoss/grimoirelab-core/internal/progress"
	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/taskstore"
)

// Completer is the narrow slice of the Scheduler that the River worker
// calls back into once a job starts, succeeds or fails. It is satisfied
// by *scheduler.Scheduler; the dependency is inverted through this
// interface (jobrunner must not import scheduler) to avoid a
// constructor cycle.
type Completer interface {
	StartJob(ctx context.Context, jobUUID uuid.UUID) error
	HandleSuccess(ctx context.Context, jobUUID uuid.UUID, result, finalProgress json.RawMessage) error
	HandleFailure(ctx context.Context, jobUUID uuid.UUID, cause error) error
}

// EnqueueRequest carries everything needed to submit one Job. The job
// function itself is not passed directly: the worker re-resolves the
// task's JobFunction from the Registry by TaskType, since River jobs
// are durable rows any worker process can pick up, and a Go closure
// cannot survive that round trip through Postgres.
type EnqueueRequest struct {
	Queue    string
	JobUUID  uuid.UUID
	TaskUUID uuid.UUID
	TaskType string
	JobArgs  json.RawMessage
	Timeout  time.Duration
}

// FetchResult is the live view of a job: its status, latest progress
// and logs. Progress comes from the live side channel when one has been
// published, falling back to the task store's last persisted checkpoint
// otherwise.
type FetchResult struct {
	Status   taskstore.Status
	Progress json.RawMessage
	Logs     string
}

// Runner submits jobs to named worker queues, exposes a live view of
// running jobs and cancels them best-effort.
type Runner interface {
	Enqueue(ctx context.Context, req EnqueueRequest) error
	Fetch(ctx context.Context, queue string, jobUUID uuid.UUID) (FetchResult, error)
	Cancel(ctx context.Context, queue string, jobUUID uuid.UUID) error
}

// schedulerJobArgs is the single River job-args type backing every
// GrimoireLab Job, whatever its task type; TaskType carries the registry
// tag the worker dispatches on.
type schedulerJobArgs struct {
	JobUUID  string          `json:"job_uuid"`
	TaskUUID string          `json:"task_uuid"`
	TaskType string          `json:"task_type"`
	JobArgs  json.RawMessage `json:"job_args"`
}

func (schedulerJobArgs) Kind() string { return "grimoirelab_job" }

// ErrCanceled is returned by a job function (via the progress callback)
// when it observes its Job has been marked CANCELED mid-run. The worker
// treats it as a quiet stop, not a failure: the cancellation itself
// already transitioned the Job/Task rows.
var ErrCanceled = errors.New("jobrunner: job canceled")

// RiverRunner implements Runner over github.com/riverqueue/river.
type RiverRunner struct {
	client      *river.Client[pgx.Tx]
	store       *taskstore.Store
	registry    *taskregistry.Registry
	progress    *progress.Channel
	maxAttempts int
	logger      *slog.Logger

	completer Completer

	mu       sync.Mutex
	riverIDs map[uuid.UUID]int64
}

// Options configures a RiverRunner.
type Options struct {
	// Queues lists every named worker queue a registered task type may
	// target, with its concurrency. Gathered by the caller from the
	// Registry after every TaskType has been registered at process
	// start.
	Queues map[string]river.QueueConfig
	// JobTimeout bounds how long River lets a job run before the
	// context it hands the worker is canceled; a timed-out job surfaces
	// as a failure callback.
	JobTimeout time.Duration
	// MaxAttempts is River's own transient-infra retry count, distinct
	// from the domain retry budget (see package doc).
	MaxAttempts int
	Logger      *slog.Logger
}

// NewRiverRunner constructs a RiverRunner. Call SetCompleter before
// Start so the worker can invoke the scheduler once jobs terminate.
func NewRiverRunner(pool *pgxpool.Pool, store *taskstore.Store, registry *taskregistry.Registry, ch *progress.Channel, opts Options) (*RiverRunner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}

	r := &RiverRunner{
		store:       store,
		registry:    registry,
		progress:    ch,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		riverIDs:    make(map[uuid.UUID]int64),
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &jobWorker{runner: r})

	riverConfig := &river.Config{
		Logger:     opts.Logger,
		Queues:     opts.Queues,
		Workers:    workers,
		JobTimeout: opts.JobTimeout,
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: creating river client: %w", err)
	}
	r.client = client
	return r, nil
}

// SetCompleter wires the scheduler in after construction, breaking the
// Runner<->Scheduler constructor cycle.
func (r *RiverRunner) SetCompleter(c Completer) { r.completer = c }

// Start begins River's internal fetch loop.
func (r *RiverRunner) Start(ctx context.Context) error { return r.client.Start(ctx) }

// Stop drains in-flight jobs and stops River's fetch loop.
func (r *RiverRunner) Stop(ctx context.Context) error { return r.client.Stop(ctx) }

// Enqueue implements Runner.
func (r *RiverRunner) Enqueue(ctx context.Context, req EnqueueRequest) error {
	args := schedulerJobArgs{
		JobUUID:  req.JobUUID.String(),
		TaskUUID: req.TaskUUID.String(),
		TaskType: req.TaskType,
		JobArgs:  req.JobArgs,
	}

	res, err := r.client.Insert(ctx, args, &river.InsertOpts{
		Queue:       req.Queue,
		MaxAttempts: r.maxAttempts,
	})
	if err != nil {
		return taskerrors.TransientRunner("enqueue job", err)
	}

	r.mu.Lock()
	r.riverIDs[req.JobUUID] = res.Job.ID
	r.mu.Unlock()
	return nil
}

// Fetch implements Runner: status and logs come from the task store,
// progress from the live side channel when a RUNNING job has published
// one, so the latest checkpoint is visible without waiting for the next
// Postgres write.
func (r *RiverRunner) Fetch(ctx context.Context, queue string, jobUUID uuid.UUID) (FetchResult, error) {
	job, err := r.store.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return FetchResult{}, err
	}

	snapshot, ok, err := r.progress.Read(ctx, jobUUID.String())
	if err != nil {
		return FetchResult{}, taskerrors.TransientRunner("fetch progress", err)
	}
	if !ok {
		snapshot = job.Progress
	}
	return FetchResult{Status: job.Status, Progress: snapshot, Logs: job.Logs}, nil
}

// Cancel implements Runner: best-effort, idempotent. If the
// River job ID isn't known locally (a different worker process enqueued
// it), cancellation is a no-op here; the task still transitions to
// CANCELED in the Task Store and the job is treated as stopped the next
// time anyone observes it.
func (r *RiverRunner) Cancel(ctx context.Context, queue string, jobUUID uuid.UUID) error {
	r.mu.Lock()
	riverID, ok := r.riverIDs[jobUUID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := r.client.JobCancel(ctx, riverID); err != nil {
		if errors.Is(err, rivertype.ErrNotFound) {
			return nil
		}
		return taskerrors.TransientRunner("cancel job", err)
	}
	return nil
}

// jobWorker is the single generic River worker dispatching every
// GrimoireLab Job via the task-type registry.
type jobWorker struct {
	river.WorkerDefaults[schedulerJobArgs]
	runner *RiverRunner
}

// Work implements river.Worker. It never returns the job function's own
// error to River: the domain retry/recovery decision is the scheduler's,
// not River's, so a job-function failure does not cause River to
// re-attempt the same row. Work returns an error only when the job
// cannot be started or when the scheduler's success/failure callback
// itself fails.
func (w *jobWorker) Work(ctx context.Context, job *river.Job[schedulerJobArgs]) error {
	r := w.runner
	args := job.Args

	jobUUID, err := uuid.Parse(args.JobUUID)
	if err != nil {
		return fmt.Errorf("jobrunner: invalid job_uuid %q: %w", args.JobUUID, err)
	}

	if err := r.completer.StartJob(ctx, jobUUID); err != nil {
		r.logger.Error("jobrunner: starting job", "job_uuid", args.JobUUID, "error", err)
		return err
	}

	descriptor, err := r.registry.Lookup(args.TaskType)
	if err != nil {
		r.logger.Error("jobrunner: unknown task type", "task_type", args.TaskType)
		return r.completer.HandleFailure(ctx, jobUUID, taskerrors.BackendNotFound(args.TaskType))
	}

	progressFn := func(snapshot json.RawMessage) error {
		if err := r.store.UpdateProgress(ctx, jobUUID, snapshot); err != nil {
			return err
		}
		if err := r.progress.Publish(ctx, jobUUID.String(), snapshot); err != nil {
			r.logger.Warn("jobrunner: publishing progress", "job_uuid", args.JobUUID, "error", err)
		}

		j, err := r.store.GetJobByUUID(ctx, jobUUID)
		if err == nil && j.Status == taskstore.StatusCanceled {
			return ErrCanceled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	result, finalProgress, err := descriptor.JobFunction(ctx, args.JobArgs, progressFn)
	// River cancels ctx once JobTimeout elapses; the callbacks write to the
	// task store, so they run on a context that outlives the job's own.
	cbCtx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
			r.logger.Info("jobrunner: job observed cancellation", "job_uuid", args.JobUUID)
			return nil
		}
		return r.completer.HandleFailure(cbCtx, jobUUID, err)
	}

	return r.completer.HandleSuccess(cbCtx, jobUUID, result, finalProgress)
}
