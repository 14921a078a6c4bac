// Package scheduler implements the state machine coordinating task
// lifecycle across the task registry, task store, argument generators
// and job runner.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaoss/grimoirelab-core/internal/jobrunner"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/taskstore"
)

// Telemetry fires best-effort lifecycle events; satisfied by
// internal/telemetry.Recorder or a no-op in tests.
type Telemetry interface {
	TaskScheduled(ctx context.Context, taskUUID, taskType string)
	TaskCompleted(ctx context.Context, taskUUID, taskType string)
	TaskFailed(ctx context.Context, taskUUID, taskType string)
	TaskCanceled(ctx context.Context, taskUUID, taskType string)
}

type noopTelemetry struct{}

func (noopTelemetry) TaskScheduled(context.Context, string, string) {}
func (noopTelemetry) TaskCompleted(context.Context, string, string) {}
func (noopTelemetry) TaskFailed(context.Context, string, string)    {}
func (noopTelemetry) TaskCanceled(context.Context, string, string)  {}

// Scheduler exposes the task lifecycle operations (schedule,
// reschedule, cancel) plus the jobrunner.Completer callbacks the queue
// runtime invokes after a job terminates.
type Scheduler struct {
	store     *taskstore.Store
	registry  *taskregistry.Registry
	runner    jobrunner.Runner
	telemetry Telemetry
	logger    *slog.Logger
}

// New builds a Scheduler. telemetry may be nil, in which case lifecycle
// events are silently dropped.
func New(store *taskstore.Store, registry *taskregistry.Registry, runner jobrunner.Runner, telemetry Telemetry, logger *slog.Logger) *Scheduler {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, registry: registry, runner: runner, telemetry: telemetry, logger: logger}
}

// ScheduleTaskParams carries the fields needed to create a task.
type ScheduleTaskParams struct {
	TaskType      string
	TaskArgs      json.RawMessage
	ExtraFields   json.RawMessage
	JobInterval   int
	JobMaxRetries int
	Burst         bool
}

// ScheduleTask creates a Task via the registry, persists it, computes
// the first job's arguments and submits it.
func (s *Scheduler) ScheduleTask(ctx context.Context, p ScheduleTaskParams) (*taskstore.Task, error) {
	descriptor, err := s.registry.Lookup(p.TaskType)
	if err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(ctx, taskstore.CreateTaskParams{
		TaskType:      p.TaskType,
		JobInterval:   p.JobInterval,
		JobMaxRetries: p.JobMaxRetries,
		Burst:         p.Burst,
		TaskArgs:      p.TaskArgs,
		ExtraFields:   p.ExtraFields,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating task: %w", err)
	}

	jobArgs, err := descriptor.Args.Initial(ctx, taskregistry.RunContext{
		TaskArgs:    task.TaskArgs,
		ExtraFields: task.ExtraFields,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: generating initial job args: %w", err)
	}

	if _, err := s.enqueueNewJob(ctx, task, descriptor, jobArgs, nil); err != nil {
		return nil, err
	}

	if err := s.store.SetStatus(ctx, task.UUID, taskstore.StatusEnqueued); err != nil {
		return nil, err
	}
	task.Status = taskstore.StatusEnqueued

	s.telemetry.TaskScheduled(ctx, task.UUID.String(), task.TaskType)
	return task, nil
}

// enqueueNewJob computes the next job_num, persists the Job row and
// submits it to the runner. job_num is strictly monotonic per Task.
func (s *Scheduler) enqueueNewJob(ctx context.Context, task *taskstore.Task, descriptor *taskregistry.Descriptor, jobArgs json.RawMessage, scheduledAt *time.Time) (*taskstore.Job, error) {
	latest, err := s.store.LatestJob(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: reading latest job: %w", err)
	}
	jobNum := 1
	if latest != nil {
		jobNum = latest.JobNum + 1
	}

	queue := descriptor.DefaultQueue
	job, err := s.store.CreateJob(ctx, taskstore.CreateJobParams{
		TaskID:      task.ID,
		JobNum:      jobNum,
		Queue:       queue,
		JobArgs:     jobArgs,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating job: %w", err)
	}

	if err := s.runner.Enqueue(ctx, jobrunner.EnqueueRequest{
		Queue:    queue,
		JobUUID:  job.UUID,
		TaskUUID: task.UUID,
		TaskType: task.TaskType,
		JobArgs:  jobArgs,
	}); err != nil {
		return job, err
	}
	return job, nil
}

// RescheduleTask regenerates job_args using the status-to-strategy
// table and enqueues a new job. A no-op (success) if the task is
// currently RUNNING.
func (s *Scheduler) RescheduleTask(ctx context.Context, taskUUID uuid.UUID) error {
	task, err := s.store.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return err
	}

	if task.Status == taskstore.StatusRunning {
		return nil
	}

	descriptor, err := s.registry.Lookup(task.TaskType)
	if err != nil {
		return err
	}

	latest, err := s.store.LatestJob(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("scheduler: reading latest job: %w", err)
	}

	if task.Status == taskstore.StatusFailed {
		// A manual reschedule from FAILED resets failures and
		// restarts from scratch.
		if err := s.store.ResetForReschedule(ctx, taskUUID); err != nil {
			return err
		}
		task.Failures = 0
		task.Status = taskstore.StatusNew
	}

	jobArgs, err := s.strategyForReschedule(ctx, task, descriptor, latest)
	if err != nil {
		return fmt.Errorf("scheduler: generating reschedule job args: %w", err)
	}

	if _, err := s.enqueueNewJob(ctx, task, descriptor, jobArgs, nil); err != nil {
		return err
	}

	return s.store.SetStatus(ctx, taskUUID, taskstore.StatusEnqueued)
}

// strategyForReschedule picks the argument-generation branch for the
// task's current status.
func (s *Scheduler) strategyForReschedule(ctx context.Context, task *taskstore.Task, descriptor *taskregistry.Descriptor, latest *taskstore.Job) (json.RawMessage, error) {
	rc := taskregistry.RunContext{
		TaskArgs:    task.TaskArgs,
		ExtraFields: task.ExtraFields,
	}
	if latest != nil {
		rc.PrevJobArgs = latest.JobArgs
		rc.PrevProgress = latest.Progress
		rc.PrevStartedAt = latest.StartedAt
	}

	switch task.Status {
	case taskstore.StatusCompleted:
		return descriptor.Args.Resuming(ctx, rc)
	case taskstore.StatusRecovery:
		return descriptor.Args.Recovery(ctx, rc)
	case taskstore.StatusCanceled:
		if latest != nil && latest.Status == taskstore.StatusCanceled {
			// Reuse the previously-submitted job_args verbatim to
			// preserve user intent.
			return latest.JobArgs, nil
		}
		return descriptor.Args.Initial(ctx, rc)
	default: // NEW and anything unanticipated
		return descriptor.Args.Initial(ctx, rc)
	}
}

// CancelTask transitions the task to CANCELED and best-effort cancels
// any in-flight job, preserving its progress so the next reschedule
// resumes from the same job_args.
func (s *Scheduler) CancelTask(ctx context.Context, taskUUID uuid.UUID) error {
	task, err := s.store.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return err
	}

	latest, err := s.store.LatestJob(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("scheduler: reading latest job: %w", err)
	}

	if latest != nil && !latest.Status.IsTerminal() {
		if err := s.runner.Cancel(ctx, latest.Queue, latest.UUID); err != nil {
			s.logger.Warn("scheduler: canceling in-flight job", "job_uuid", latest.UUID, "error", err)
		}
		if err := s.store.FinishJob(ctx, latest.UUID, taskstore.StatusCanceled, latest.Progress, "", nil); err != nil {
			return fmt.Errorf("scheduler: marking job canceled: %w", err)
		}
	}

	if err := s.store.SetStatus(ctx, taskUUID, taskstore.StatusCanceled); err != nil {
		return err
	}

	s.telemetry.TaskCanceled(ctx, taskUUID.String(), task.TaskType)
	return nil
}

// StartJob implements jobrunner.Completer: marks the Job RUNNING and
// moves its Task into RUNNING. At most one Job per Task may be
// non-terminal, enforced twice over: the scheduler never submits a
// second job while the first is non-terminal, and this transition
// additionally goes through the store's transactional compare-and-set
// so two workers racing to start two jobs of the same task cannot both
// succeed.
func (s *Scheduler) StartJob(ctx context.Context, jobUUID uuid.UUID) error {
	job, err := s.store.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTaskByID(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if err := s.store.MarkRunning(ctx, jobUUID); err != nil {
		return err
	}
	return s.store.CompareAndSetStatus(ctx, task.UUID, task.Status, taskstore.StatusRunning)
}

// HandleSuccess implements jobrunner.Completer: records the Job
// COMPLETED, rolls the Task's run counters forward, and, unless burst,
// reschedules with resuming arguments derived from the just-finished
// job's progress.
func (s *Scheduler) HandleSuccess(ctx context.Context, jobUUID uuid.UUID, result, finalProgress json.RawMessage) error {
	job, err := s.store.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTaskByID(ctx, job.TaskID)
	if err != nil {
		return err
	}

	descriptor, err := s.registry.Lookup(task.TaskType)
	if err != nil {
		return err
	}

	if err := s.store.FinishJob(ctx, jobUUID, taskstore.StatusCompleted, finalProgress, "", result); err != nil {
		return err
	}

	if descriptor.OnSuccess != nil {
		if err := descriptor.OnSuccess(ctx, task.UUID.String(), jobUUID.String()); err != nil {
			s.logger.Warn("scheduler: on-success callback", "task_uuid", task.UUID, "error", err)
		}
	}

	if task.Burst {
		if err := s.store.RecordSuccess(ctx, task.UUID, nil, taskstore.StatusCompleted); err != nil {
			return err
		}
		s.telemetry.TaskCompleted(ctx, task.UUID.String(), task.TaskType)
		return nil
	}

	nextArgs, err := descriptor.Args.Resuming(ctx, taskregistry.RunContext{
		TaskArgs:      task.TaskArgs,
		ExtraFields:   task.ExtraFields,
		PrevJobArgs:   job.JobArgs,
		PrevProgress:  finalProgress,
		PrevStartedAt: job.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("scheduler: generating resuming job args: %w", err)
	}

	scheduledAt := time.Now().Add(time.Duration(task.JobInterval) * time.Second)
	if err := s.store.RecordSuccess(ctx, task.UUID, &scheduledAt, taskstore.StatusEnqueued); err != nil {
		return err
	}
	task.Status = taskstore.StatusEnqueued

	if _, err := s.enqueueNewJob(ctx, task, descriptor, nextArgs, &scheduledAt); err != nil {
		return err
	}

	s.telemetry.TaskCompleted(ctx, task.UUID.String(), task.TaskType)
	return nil
}

// HandleFailure implements jobrunner.Completer: records the Job
// FAILED, bumps the Task's consecutive-failure count and either
// exhausts the retry budget (Task FAILED, stop) or immediately enqueues
// a recovery job using recovery arguments.
func (s *Scheduler) HandleFailure(ctx context.Context, jobUUID uuid.UUID, cause error) error {
	job, err := s.store.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTaskByID(ctx, job.TaskID)
	if err != nil {
		return err
	}

	logs := ""
	if cause != nil {
		logs = cause.Error() + "\n"
	}
	if err := s.store.FinishJob(ctx, jobUUID, taskstore.StatusFailed, job.Progress, logs, nil); err != nil {
		return err
	}

	descriptor, err := s.registry.Lookup(task.TaskType)
	if err != nil {
		return err
	}

	if descriptor.OnFailure != nil {
		if err := descriptor.OnFailure(ctx, task.UUID.String(), jobUUID.String()); err != nil {
			s.logger.Warn("scheduler: on-failure callback", "task_uuid", task.UUID, "error", err)
		}
	}

	nextFailures := task.Failures + 1
	exhausted := !descriptor.CanBeRetried || nextFailures > task.JobMaxRetries

	if exhausted {
		if _, err := s.store.RecordFailure(ctx, task.UUID, taskstore.StatusFailed); err != nil {
			return err
		}
		s.telemetry.TaskFailed(ctx, task.UUID.String(), task.TaskType)
		return nil
	}

	if _, err := s.store.RecordFailure(ctx, task.UUID, taskstore.StatusRecovery); err != nil {
		return err
	}
	task.Status = taskstore.StatusRecovery

	recoveryArgs, err := descriptor.Args.Recovery(ctx, taskregistry.RunContext{
		TaskArgs:      task.TaskArgs,
		ExtraFields:   task.ExtraFields,
		PrevJobArgs:   job.JobArgs,
		PrevProgress:  job.Progress,
		PrevStartedAt: job.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("scheduler: generating recovery job args: %w", err)
	}

	if _, err := s.enqueueNewJob(ctx, task, descriptor, recoveryArgs, nil); err != nil {
		return err
	}
	return nil
}

