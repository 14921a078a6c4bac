package argsgen

import (
	"context"
	"encoding/json"

	"github.com/chaoss/grimoirelab-core/internal/chronicler"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
)

// EventizerArgs implements taskregistry.ArgStrategy for the eventizer
// task type, dispatching per datasource_type via a Registry of
// BackendStrategy implementations.
type EventizerArgs struct {
	Backends *Registry
}

// NewEventizerArgs wraps a backend Registry as an ArgStrategy.
func NewEventizerArgs(backends *Registry) *EventizerArgs {
	return &EventizerArgs{Backends: backends}
}

type eventizerExtraFields struct {
	DatasourceType     string `json:"datasource_type"`
	DatasourceCategory string `json:"datasource_category"`
}

// Initial implements taskregistry.ArgStrategy.
func (e *EventizerArgs) Initial(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	var fields eventizerExtraFields
	if err := json.Unmarshal(rc.ExtraFields, &fields); err != nil {
		return nil, err
	}
	strategy := e.Backends.Resolve(fields.DatasourceType)
	args := strategy.Initial(toMap(rc.TaskArgs))
	// The opaque JobFunction only ever receives job_args, so the
	// datasource tag must travel inside job_args itself.
	args["datasource_type"] = fields.DatasourceType
	args["datasource_category"] = fields.DatasourceCategory
	return toRaw(args), nil
}

// Resuming implements taskregistry.ArgStrategy.
func (e *EventizerArgs) Resuming(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	progress, err := chronicler.FromDict(rc.PrevProgress)
	if err != nil {
		return nil, err
	}
	strategy := e.Backends.Resolve(datasourceTypeOf(rc.PrevJobArgs))
	args := strategy.Resuming(toMap(rc.PrevJobArgs), progress)
	return toRaw(args), nil
}

// Recovery implements taskregistry.ArgStrategy.
func (e *EventizerArgs) Recovery(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	progress, err := chronicler.FromDict(rc.PrevProgress)
	if err != nil {
		return nil, err
	}
	strategy := e.Backends.Resolve(datasourceTypeOf(rc.PrevJobArgs))
	args := strategy.Recovery(toMap(rc.PrevJobArgs), progress)
	return toRaw(args), nil
}

func datasourceTypeOf(jobArgs json.RawMessage) string {
	m := toMap(jobArgs)
	if v, ok := m["datasource_type"].(string); ok {
		return v
	}
	return ""
}
