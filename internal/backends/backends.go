// Package backends defines the datasource-backend extension point the
// eventizer job function loads by tag. Concrete backends (git, github,
// ...) are external collaborators; this package only fixes the
// interface and a registry, plus one illustrative implementation (git)
// exercised by the chronicler job function's tests.
package backends

import (
	"context"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
)

// Item is one unit a Backend yields: enough to build one-or-more
// domain events from.
type Item struct {
	UUID      string
	UpdatedOn time.Time
	Offset    *int64
	Payload   map[string]interface{}
}

// FetchParams carries the resuming/recovery cursor a Backend honors:
// from_date or offset bounds taken from job_args.
type FetchParams struct {
	Args map[string]interface{}
}

// Backend is the opaque per-datasource-type collector.
type Backend interface {
	// Category reports the event category this backend's items
	// belong to (e.g. "commit").
	Category() string
	// Fetch iterates items matching params, calling yield for each in
	// order. Iteration stops early if yield returns an error.
	Fetch(ctx context.Context, params FetchParams, yield func(Item) error) error
}

// Registry resolves a Backend by datasource_type tag.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty backend Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register installs a Backend under a datasource_type tag.
func (r *Registry) Register(datasourceType string, b Backend) {
	r.backends[datasourceType] = b
}

// Resolve returns the Backend for datasourceType, or
// taskerrors.BackendNotFound.
func (r *Registry) Resolve(datasourceType string) (Backend, error) {
	b, ok := r.backends[datasourceType]
	if !ok {
		return nil, taskerrors.BackendNotFound(datasourceType)
	}
	return b, nil
}
