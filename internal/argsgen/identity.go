package argsgen

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
)

// SortingHatContext names the actor on whose behalf an
// identity-management job runs.
type SortingHatContext struct {
	User   string  `json:"user"`
	JobID  *string `json:"job_id"`
	Tenant *string `json:"tenant"`
}

// SystemUser is the bot identity identity-management jobs run as.
const SystemUser = "SortingHat"

// RehydrateContext turns a loosely-serialized [user, job_id, tenant]
// triple back into a SortingHatContext, for runners that serialized ctx
// as a bare list instead of an object.
func RehydrateContext(loose []interface{}) SortingHatContext {
	ctx := SortingHatContext{User: SystemUser}
	if len(loose) > 0 {
		if s, ok := loose[0].(string); ok {
			ctx.User = s
		}
	}
	if len(loose) > 1 {
		if s, ok := loose[1].(string); ok {
			ctx.JobID = &s
		}
	}
	if len(loose) > 2 {
		if s, ok := loose[2].(string); ok {
			ctx.Tenant = &s
		}
	}
	return ctx
}

// IdentityArgs implements taskregistry.ArgStrategy for the
// identity-management task family (affiliate, unify, genderize,
// recommend_affiliations, recommend_matches, recommend_gender): these
// ignore the progress-based generator entirely and always return
// {ctx, ...extraFields}.
type IdentityArgs struct{}

func (IdentityArgs) buildArgs(extraFields json.RawMessage) (json.RawMessage, error) {
	fields := toMap(extraFields)
	fields["ctx"] = SortingHatContext{User: SystemUser}
	return toRaw(fields), nil
}

func (a IdentityArgs) Initial(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return a.buildArgs(rc.ExtraFields)
}

func (a IdentityArgs) Resuming(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return a.buildArgs(rc.ExtraFields)
}

func (a IdentityArgs) Recovery(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return a.buildArgs(rc.ExtraFields)
}

// ImportBackendSpec declares whether a given import_identities backend
// advertises a from_date parameter.
type ImportBackendSpec struct {
	Name            string
	AcceptsFromDate bool
}

// ImportIdentitiesArgs implements taskregistry.ArgStrategy for the
// import_identities task: like IdentityArgs, but additionally injects
// from_date = the previous completed job's started_at when the named
// backend declares a from_date parameter.
type ImportIdentitiesArgs struct {
	Backends map[string]ImportBackendSpec
}

// NewImportIdentitiesArgs builds an ImportIdentitiesArgs from a backend
// spec list.
func NewImportIdentitiesArgs(specs []ImportBackendSpec) *ImportIdentitiesArgs {
	backends := make(map[string]ImportBackendSpec, len(specs))
	for _, s := range specs {
		backends[s.Name] = s
	}
	return &ImportIdentitiesArgs{Backends: backends}
}

type importIdentitiesFields struct {
	BackendName string `json:"backend_name"`
	URL         string `json:"url"`
}

func (a *ImportIdentitiesArgs) buildArgs(extraFields json.RawMessage, prevStartedAt *time.Time) (json.RawMessage, error) {
	fields := toMap(extraFields)
	fields["ctx"] = SortingHatContext{User: SystemUser}

	var parsed importIdentitiesFields
	_ = json.Unmarshal(extraFields, &parsed)

	if spec, ok := a.Backends[parsed.BackendName]; ok && spec.AcceptsFromDate && prevStartedAt != nil {
		fields["from_date"] = prevStartedAt.Format(time.RFC3339)
	}
	return toRaw(fields), nil
}

func (a *ImportIdentitiesArgs) Initial(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return a.buildArgs(rc.ExtraFields, nil)
}

func (a *ImportIdentitiesArgs) Resuming(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return a.buildArgs(rc.ExtraFields, rc.PrevStartedAt)
}

func (a *ImportIdentitiesArgs) Recovery(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	// The previous job failed, so its started_at is not a completed job's;
	// carry over the from_date that the failed job itself was given.
	raw, err := a.buildArgs(rc.ExtraFields, nil)
	if err != nil {
		return nil, err
	}
	fromDate, ok := toMap(rc.PrevJobArgs)["from_date"]
	if !ok {
		return raw, nil
	}
	fields := toMap(raw)
	fields["from_date"] = fromDate
	return toRaw(fields), nil
}
