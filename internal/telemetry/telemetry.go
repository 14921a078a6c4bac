// Package telemetry fires best-effort scheduler lifecycle analytics
// through PostHog. Capture degrades to a silent no-op when no API key
// is configured, so deployments without analytics need no extra wiring.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/posthog/posthog-go"
)

// Recorder implements scheduler.Telemetry over PostHog.
type Recorder struct {
	client posthog.Client
	logger *slog.Logger
}

// New builds a Recorder. If apiKey is empty, analytics capture is a
// silent no-op rather than an error.
func New(apiKey, host string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		logger.Info("telemetry: no PostHog API key, analytics capture disabled")
		return &Recorder{logger: logger}, nil
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: host})
	if err != nil {
		return nil, err
	}
	return &Recorder{client: client, logger: logger}, nil
}

// Close flushes and closes the underlying PostHog client, if any.
func (r *Recorder) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Recorder) capture(taskUUID, event, taskType string) {
	if r.client == nil {
		return
	}
	if err := r.client.Enqueue(posthog.Capture{
		DistinctId: taskUUID,
		Event:      event,
		Properties: posthog.Properties{"task_type": taskType},
	}); err != nil {
		r.logger.Warn("telemetry: capture failed", "event", event, "error", err)
	}
}

// TaskScheduled implements scheduler.Telemetry.
func (r *Recorder) TaskScheduled(ctx context.Context, taskUUID, taskType string) {
	r.capture(taskUUID, "task_scheduled", taskType)
}

// TaskCompleted implements scheduler.Telemetry.
func (r *Recorder) TaskCompleted(ctx context.Context, taskUUID, taskType string) {
	r.capture(taskUUID, "task_completed", taskType)
}

// TaskFailed implements scheduler.Telemetry.
func (r *Recorder) TaskFailed(ctx context.Context, taskUUID, taskType string) {
	r.capture(taskUUID, "task_failed", taskType)
}

// TaskCanceled implements scheduler.Telemetry.
func (r *Recorder) TaskCanceled(ctx context.Context, taskUUID, taskType string) {
	r.capture(taskUUID, "task_canceled", taskType)
}
