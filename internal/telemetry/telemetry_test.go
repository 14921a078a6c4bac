package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoAPIKeyDisablesCapture(t *testing.T) {
	recorder, err := New("", "", nil)
	require.NoError(t, err)
	require.NotNil(t, recorder)
	assert.Nil(t, recorder.client)

	// capture must be a silent no-op with no client configured: none of
	// these should panic or block.
	recorder.TaskScheduled(context.Background(), "uuid-1", "eventizer")
	recorder.TaskCompleted(context.Background(), "uuid-1", "eventizer")
	recorder.TaskFailed(context.Background(), "uuid-1", "eventizer")
	recorder.TaskCanceled(context.Background(), "uuid-1", "eventizer")

	assert.NoError(t, recorder.Close())
}
