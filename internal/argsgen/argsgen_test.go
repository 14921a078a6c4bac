package argsgen

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/chronicler"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestGenericBackend_InitialDropsCursorFields(t *testing.T) {
	args := GenericBackend{}.Initial(map[string]interface{}{
		"uri":       "http://example.com/",
		"from_date": "2024-01-01T00:00:00Z",
		"offset":    int64(7),
	})

	assert.Equal(t, "http://example.com/", args["uri"])
	assert.NotContains(t, args, "from_date")
	assert.NotContains(t, args, "offset")
}

func TestGenericBackend_ResumingUsesHighWaterMark(t *testing.T) {
	progress := chronicler.Progress{
		Summary: chronicler.Summary{
			MaxUpdatedOn:  ts("2024-06-01T12:00:00Z"),
			LastUpdatedOn: ts("2024-05-20T12:00:00Z"),
		},
	}

	args := GenericBackend{}.Resuming(map[string]interface{}{"uri": "http://example.com/"}, progress)
	assert.Equal(t, "2024-06-01T12:00:00Z", args["from_date"])
}

func TestGenericBackend_RecoveryUsesLastCheckpointNotHighWaterMark(t *testing.T) {
	// scenario: last_updated_on < max_updated_on, as after a crash
	// mid-batch. Recovery must resume from the checkpoint so the tail
	// of the interrupted batch is re-processed.
	progress := chronicler.Progress{
		Summary: chronicler.Summary{
			MaxUpdatedOn:  ts("2024-06-01T12:00:00Z"),
			LastUpdatedOn: ts("2024-05-20T12:00:00Z"),
		},
	}

	args := GenericBackend{}.Recovery(map[string]interface{}{"uri": "http://example.com/"}, progress)
	assert.Equal(t, "2024-05-20T12:00:00Z", args["from_date"])
}

func TestGenericBackend_OffsetBackendsPreferOffsetOverDate(t *testing.T) {
	maxOffset := int64(500)
	lastOffset := int64(420)
	progress := chronicler.Progress{
		Summary: chronicler.Summary{
			MaxUpdatedOn:  ts("2024-06-01T12:00:00Z"),
			LastUpdatedOn: ts("2024-05-20T12:00:00Z"),
			MaxOffset:     &maxOffset,
			LastOffset:    &lastOffset,
		},
	}

	resuming := GenericBackend{}.Resuming(map[string]interface{}{}, progress)
	assert.Equal(t, int64(500), resuming["offset"])
	assert.NotContains(t, resuming, "from_date")

	recovery := GenericBackend{}.Recovery(map[string]interface{}{}, progress)
	assert.Equal(t, int64(420), recovery["offset"])
	assert.NotContains(t, recovery, "from_date")
}

func TestGenericBackend_NoProgressLeavesArgsUntouched(t *testing.T) {
	args := GenericBackend{}.Resuming(map[string]interface{}{"uri": "u"}, chronicler.Progress{})
	assert.Equal(t, map[string]interface{}{"uri": "u"}, args)
}

func TestBackendRegistry_FallsBackToGeneric(t *testing.T) {
	r := NewRegistry()
	assert.IsType(t, GenericBackend{}, r.Resolve("never-registered"))
}

func TestEventizerArgs_InitialInjectsDatasourceFields(t *testing.T) {
	strategy := NewEventizerArgs(NewRegistry())

	raw, err := strategy.Initial(context.Background(), taskregistry.RunContext{
		TaskArgs:    json.RawMessage(`{"uri":"http://example.com/","gitpath":"log.txt"}`),
		ExtraFields: json.RawMessage(`{"datasource_type":"git","datasource_category":"commit"}`),
	})
	require.NoError(t, err)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &args))
	assert.Equal(t, "git", args["datasource_type"])
	assert.Equal(t, "commit", args["datasource_category"])
	assert.Equal(t, "http://example.com/", args["uri"])
	assert.NotContains(t, args, "from_date")
}

func TestEventizerArgs_ResumingAndRecoveryDeriveDifferentBounds(t *testing.T) {
	strategy := NewEventizerArgs(NewRegistry())
	prevArgs := json.RawMessage(`{"datasource_type":"git","datasource_category":"commit","uri":"http://example.com/"}`)
	prevProgress := json.RawMessage(`{
		"job_id":"j1","backend":"git","category":"commit",
		"summary":{"fetched":10,"max_updated_on":1717243200,"last_updated_on":1716206400}
	}`)

	rc := taskregistry.RunContext{PrevJobArgs: prevArgs, PrevProgress: prevProgress}

	resuming, err := strategy.Resuming(context.Background(), rc)
	require.NoError(t, err)
	recovery, err := strategy.Recovery(context.Background(), rc)
	require.NoError(t, err)

	var r1, r2 map[string]interface{}
	require.NoError(t, json.Unmarshal(resuming, &r1))
	require.NoError(t, json.Unmarshal(recovery, &r2))

	resumingFrom, err := time.Parse(time.RFC3339, r1["from_date"].(string))
	require.NoError(t, err)
	recoveryFrom, err := time.Parse(time.RFC3339, r2["from_date"].(string))
	require.NoError(t, err)

	assert.Equal(t, int64(1717243200), resumingFrom.Unix(), "resuming follows max_updated_on")
	assert.Equal(t, int64(1716206400), recoveryFrom.Unix(), "recovery follows last_updated_on")
	assert.True(t, recoveryFrom.Before(resumingFrom))
}

func TestIdentityArgs_AlwaysReturnsCtxPlusExtraFields(t *testing.T) {
	extra := json.RawMessage(`{"uuids":["u1","u2"],"criteria":["email"]}`)

	for _, build := range []func() (json.RawMessage, error){
		func() (json.RawMessage, error) {
			return IdentityArgs{}.Initial(context.Background(), taskregistry.RunContext{ExtraFields: extra})
		},
		func() (json.RawMessage, error) {
			return IdentityArgs{}.Resuming(context.Background(), taskregistry.RunContext{ExtraFields: extra})
		},
		func() (json.RawMessage, error) {
			return IdentityArgs{}.Recovery(context.Background(), taskregistry.RunContext{ExtraFields: extra})
		},
	} {
		raw, err := build()
		require.NoError(t, err)

		var args map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &args))

		ctxField, ok := args["ctx"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, SystemUser, ctxField["user"])
		assert.Equal(t, []interface{}{"u1", "u2"}, args["uuids"])
		assert.Equal(t, []interface{}{"email"}, args["criteria"])
	}
}

func TestImportIdentitiesArgs_InjectsFromDateWhenBackendDeclaresIt(t *testing.T) {
	strategy := NewImportIdentitiesArgs([]ImportBackendSpec{
		{Name: "gitdm", AcceptsFromDate: true},
		{Name: "plain", AcceptsFromDate: false},
	})
	startedAt := ts("2024-06-15T08:30:00Z")

	raw, err := strategy.Resuming(context.Background(), taskregistry.RunContext{
		ExtraFields:   json.RawMessage(`{"backend_name":"gitdm","url":"http://example.com/map"}`),
		PrevStartedAt: startedAt,
	})
	require.NoError(t, err)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &args))
	assert.Equal(t, "2024-06-15T08:30:00Z", args["from_date"])
}

func TestImportIdentitiesArgs_NoFromDateForBackendsWithoutIt(t *testing.T) {
	strategy := NewImportIdentitiesArgs([]ImportBackendSpec{
		{Name: "plain", AcceptsFromDate: false},
	})

	raw, err := strategy.Resuming(context.Background(), taskregistry.RunContext{
		ExtraFields:   json.RawMessage(`{"backend_name":"plain","url":"http://example.com/map"}`),
		PrevStartedAt: ts("2024-06-15T08:30:00Z"),
	})
	require.NoError(t, err)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &args))
	assert.NotContains(t, args, "from_date")
}

func TestImportIdentitiesArgs_InitialNeverInjectsFromDate(t *testing.T) {
	strategy := NewImportIdentitiesArgs([]ImportBackendSpec{
		{Name: "gitdm", AcceptsFromDate: true},
	})

	raw, err := strategy.Initial(context.Background(), taskregistry.RunContext{
		ExtraFields: json.RawMessage(`{"backend_name":"gitdm","url":"http://example.com/map"}`),
	})
	require.NoError(t, err)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &args))
	assert.NotContains(t, args, "from_date")
}

func TestRehydrateContext_FromLooseList(t *testing.T) {
	ctx := RehydrateContext([]interface{}{"bot", "job-9", "tenant-a"})
	assert.Equal(t, "bot", ctx.User)
	require.NotNil(t, ctx.JobID)
	assert.Equal(t, "job-9", *ctx.JobID)
	require.NotNil(t, ctx.Tenant)
	assert.Equal(t, "tenant-a", *ctx.Tenant)
}

func TestRehydrateContext_PartialListKeepsDefaults(t *testing.T) {
	ctx := RehydrateContext(nil)
	assert.Equal(t, SystemUser, ctx.User)
	assert.Nil(t, ctx.JobID)
	assert.Nil(t, ctx.Tenant)
}
