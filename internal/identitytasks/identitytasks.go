// Package identitytasks covers the identity-management task family:
// affiliate, unify, genderize, recommend_affiliations,
// recommend_matches, recommend_gender and import_identities. The
// algorithms themselves are external collaborators; Runner is the seam
// a real SortingHat client plugs into.
package identitytasks

import (
	"context"
	"encoding/json"
	"fmt"
)

// Runner executes one identity-management algorithm by name against the
// materialized job_args (which always carry a SortingHatContext under
// "ctx", per argsgen.IdentityArgs). A real deployment wires this to the
// SortingHat service; tests wire in a stub.
type Runner interface {
	Run(ctx context.Context, algorithm string, jobArgs json.RawMessage) (result json.RawMessage, err error)
}

// JobFunction adapts a Runner into taskregistry.JobFunction for a
// fixed algorithm name. Identity tasks carry no structured progress, so
// progressFn is never called.
func JobFunction(runner Runner, algorithm string) func(ctx context.Context, jobArgs json.RawMessage, progressFn func(json.RawMessage) error) (json.RawMessage, json.RawMessage, error) {
	return func(ctx context.Context, jobArgs json.RawMessage, progressFn func(json.RawMessage) error) (json.RawMessage, json.RawMessage, error) {
		result, err := runner.Run(ctx, algorithm, jobArgs)
		if err != nil {
			return nil, nil, fmt.Errorf("identitytasks: running %s: %w", algorithm, err)
		}
		return result, nil, nil
	}
}

// NoopRunner is the stand-in Runner that the scheduler binary wires at
// process start: it fails every algorithm with a plain "no runner
// configured" error naming the algorithm, rather than silently
// pretending to succeed.
type NoopRunner struct{}

func (NoopRunner) Run(ctx context.Context, algorithm string, jobArgs json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("identitytasks: no runner configured for %s", algorithm)
}

// Algorithms lists every registered tag in the BaseIdentitiesTask family,
// including import_identities which additionally needs
// argsgen.ImportIdentitiesArgs rather than plain argsgen.IdentityArgs.
var Algorithms = []string{
	"affiliate",
	"unify",
	"genderize",
	"recommend_affiliations",
	"recommend_matches",
	"recommend_gender",
	"import_identities",
}
