package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/redistest"
)

func TestChannel_PublishReadClear(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server := redistest.Start(t)
	defer server.Stop(t)
	ctx := t.Context()

	channel := NewChannel(server.Client, time.Minute)

	_, ok, err := channel.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot published yet")

	snapshot := json.RawMessage(`{"items_fetched":42}`)
	require.NoError(t, channel.Publish(ctx, "job-1", snapshot))

	got, ok, err := channel.Read(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(snapshot), string(got))

	require.NoError(t, channel.Clear(ctx, "job-1"))
	_, ok, err = channel.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "snapshot should be gone after Clear")
}

func TestNewChannel_DefaultsTTL(t *testing.T) {
	c := NewChannel(nil, 0)
	assert.Equal(t, 24*time.Hour, c.ttl)
}
