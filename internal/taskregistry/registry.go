// Package taskregistry holds the process-wide, write-once-at-init
// mapping from task-type tag to Descriptor, the dispatch table every
// heterogeneous task type registers into.
package taskregistry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
)

// RunContext carries everything an ArgStrategy might need to compute
// the next run's job_args: the task's own configuration, and whatever
// is known about the previous run. Identity tasks ignore PrevProgress
// entirely; import_identities reads PrevStartedAt for its from_date on a
// resuming run, and carries over the from_date in PrevJobArgs on a
// recovery run.
type RunContext struct {
	TaskArgs      json.RawMessage
	ExtraFields   json.RawMessage
	PrevJobArgs   json.RawMessage
	PrevProgress  json.RawMessage
	PrevStartedAt *time.Time
}

// ArgStrategy is the per-task-type argument-generation strategy.
// Identity tasks return the same arguments from all three, except that
// import_identities adds a from_date on resuming and recovery runs; eventizer
// tasks derive different cursors depending on how the previous run
// ended.
type ArgStrategy interface {
	// Initial builds job_args for a task's first-ever run.
	Initial(ctx context.Context, rc RunContext) (json.RawMessage, error)
	// Resuming builds job_args for a periodic run following a completed
	// job, deriving the new lower bound from rc.PrevProgress.
	Resuming(ctx context.Context, rc RunContext) (json.RawMessage, error)
	// Recovery builds job_args after a crash or abort, deriving the new
	// lower bound from the last checkpoint rather than the high-water mark.
	Recovery(ctx context.Context, rc RunContext) (json.RawMessage, error)
}

// Descriptor is the registry's unit of dispatch, one per task type.
// JobFunction is the opaque callable submitted to the job runner; it
// receives the materialized job_args and returns a result plus an
// optional structured progress snapshot.
type Descriptor struct {
	Tag             string
	Args            ArgStrategy
	JobFunction     JobFunction
	DefaultQueue    string
	CanBeRetried    bool
	OnSuccess       Callback
	OnFailure       Callback
}

// JobFunction executes one Job's work. jobArgs is fully materialized;
// implementations report incremental progress through progressFn.
type JobFunction func(ctx context.Context, jobArgs json.RawMessage, progressFn func(json.RawMessage) error) (result json.RawMessage, progress json.RawMessage, err error)

// Callback is invoked by the scheduler after a job terminates.
type Callback func(ctx context.Context, taskUUID string, jobUUID string) error

// Registry is the process-wide tag -> Descriptor map.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]*Descriptor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{descs: make(map[string]*Descriptor)}
}

// Register adds a Descriptor under its Tag. Registering the same tag
// twice fails with taskerrors.Conflict.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descs[d.Tag]; exists {
		return taskerrors.Conflict("task type " + d.Tag + " already registered")
	}
	r.descs[d.Tag] = d
	return nil
}

// Lookup returns the Descriptor for tag, or taskerrors.UnknownTaskType.
func (r *Registry) Lookup(tag string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descs[tag]
	if !ok {
		return nil, taskerrors.UnknownTaskType(tag)
	}
	return d, nil
}

// Names returns every registered tag.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	return names
}
