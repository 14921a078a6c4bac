package identitytasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	gotAlgorithm string
	gotArgs      json.RawMessage
	result       json.RawMessage
	err          error
}

func (s *stubRunner) Run(ctx context.Context, algorithm string, jobArgs json.RawMessage) (json.RawMessage, error) {
	s.gotAlgorithm = algorithm
	s.gotArgs = jobArgs
	return s.result, s.err
}

func TestJobFunction_DelegatesToRunner(t *testing.T) {
	runner := &stubRunner{result: json.RawMessage(`{"merged":3}`)}
	fn := JobFunction(runner, "unify")

	args := json.RawMessage(`{"ctx":{}}`)
	result, progress, err := fn(context.Background(), args, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"merged":3}`, string(result))
	assert.Nil(t, progress)
	assert.Equal(t, "unify", runner.gotAlgorithm)
	assert.Equal(t, args, runner.gotArgs)
}

func TestJobFunction_WrapsRunnerError(t *testing.T) {
	runner := &stubRunner{err: errors.New("sortinghat unreachable")}
	fn := JobFunction(runner, "affiliate")

	_, _, err := fn(context.Background(), json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "affiliate")
	assert.Contains(t, err.Error(), "sortinghat unreachable")
}

func TestNoopRunner_AlwaysFails(t *testing.T) {
	_, err := NoopRunner{}.Run(context.Background(), "genderize", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genderize")
}

func TestAlgorithms_ListsImportIdentities(t *testing.T) {
	assert.Contains(t, Algorithms, "import_identities")
	assert.Len(t, Algorithms, 7)
}
