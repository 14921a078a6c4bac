// Package argsgen holds the per-task-type strategies producing
// job_args for each scheduled run from prior progress.
package argsgen

import (
	"encoding/json"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/chronicler"
)

// BackendStrategy is the per-datasource-type strategy eventizer tasks
// resolve by their datasource_type tag. Most backends only need the
// generic time-based windowing GenericBackend provides; backends that
// page by offset rather than timestamp (e.g. a REST API with a cursor)
// can implement their own.
type BackendStrategy interface {
	// Initial fills defaults for a first-ever run; from_date is absent.
	Initial(taskArgs map[string]interface{}) map[string]interface{}
	// Resuming derives the new lower bound from the high-water mark of
	// the previous run's progress.
	Resuming(prevArgs map[string]interface{}, progress chronicler.Progress) map[string]interface{}
	// Recovery derives the new lower bound from the last checkpoint,
	// guaranteeing re-processing of any partially-emitted batch.
	Recovery(prevArgs map[string]interface{}, progress chronicler.Progress) map[string]interface{}
}

// GenericBackend implements the timestamp-windowed strategy that covers
// every backend driven by an "updated since" cursor (git log dates,
// GitHub updated_at, etc.).
type GenericBackend struct{}

func cloneArgs(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Initial returns a copy of taskArgs with no from_date set.
func (GenericBackend) Initial(taskArgs map[string]interface{}) map[string]interface{} {
	args := cloneArgs(taskArgs)
	delete(args, "from_date")
	delete(args, "offset")
	return args
}

// Resuming sets from_date to the previous run's max_updated_on, the
// high-water mark reached while the job was healthy.
func (GenericBackend) Resuming(prevArgs map[string]interface{}, progress chronicler.Progress) map[string]interface{} {
	args := cloneArgs(prevArgs)
	if progress.Summary.MaxOffset != nil {
		args["offset"] = *progress.Summary.MaxOffset
		delete(args, "from_date")
	} else if progress.Summary.MaxUpdatedOn != nil {
		args["from_date"] = progress.Summary.MaxUpdatedOn.Format(time.RFC3339)
		delete(args, "offset")
	}
	return args
}

// Recovery sets from_date to the last successfully-checkpointed point
// rather than the high-water mark, so a crash mid-batch does not lose
// the tail of that batch.
func (GenericBackend) Recovery(prevArgs map[string]interface{}, progress chronicler.Progress) map[string]interface{} {
	args := cloneArgs(prevArgs)
	if progress.Summary.LastOffset != nil {
		args["offset"] = *progress.Summary.LastOffset
		delete(args, "from_date")
	} else if progress.Summary.LastUpdatedOn != nil {
		args["from_date"] = progress.Summary.LastUpdatedOn.Format(time.RFC3339)
		delete(args, "offset")
	}
	return args
}

// Registry resolves a BackendStrategy by datasource_type tag.
type Registry struct {
	strategies map[string]BackendStrategy
	fallback   BackendStrategy
}

// NewRegistry creates a Registry that falls back to GenericBackend for
// any datasource_type not explicitly registered.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]BackendStrategy), fallback: GenericBackend{}}
}

// Register installs a strategy for a datasource_type tag.
func (r *Registry) Register(datasourceType string, s BackendStrategy) {
	r.strategies[datasourceType] = s
}

// Resolve returns the strategy for datasourceType, or the generic
// fallback if none was registered.
func (r *Registry) Resolve(datasourceType string) BackendStrategy {
	if s, ok := r.strategies[datasourceType]; ok {
		return s
	}
	return r.fallback
}

func toMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func toRaw(m map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
