package archivist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/eventstream"
	"github.com/chaoss/grimoirelab-core/internal/redistest"
)

type fakeIndexer struct {
	mu       sync.Mutex
	calls    [][]eventstream.Entry
	failWith map[string]error // StreamID -> error, set to fail a specific entry
	hardErr  error            // if set, every BulkIndex call fails outright
}

func (f *fakeIndexer) BulkIndex(ctx context.Context, entries []eventstream.Entry) (BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entries)

	if f.hardErr != nil {
		return BulkResult{}, f.hardErr
	}

	result := BulkResult{Failed: make(map[string]error)}
	for _, e := range entries {
		if err, bad := f.failWith[e.Event.ID]; bad {
			result.Failed[e.StreamID] = err
		}
	}
	return result, nil
}

func setupStream(t *testing.T) (*redistest.Server, *eventstream.Stream) {
	t.Helper()
	server := redistest.Start(t)
	stream := eventstream.New(server.Client, "events:archivist-test", 1000, "archivist")
	require.NoError(t, stream.EnsureGroup(t.Context()))
	return server, stream
}

func TestWorker_RunOnce_AcksOnlySuccessfulEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server, stream := setupStream(t)
	defer server.Stop(t)
	ctx := t.Context()

	require.NoError(t, stream.Append(ctx, eventstream.Event{ID: "ok-1", Source: "git://r"}))
	require.NoError(t, stream.Append(ctx, eventstream.Event{ID: "bad-1", Source: "git://r"}))

	indexer := &fakeIndexer{failWith: map[string]error{"bad-1": errors.New("mapping error")}}
	worker := NewWorker("w-1", stream, indexer, Config{BulkSize: 10, PollBlock: time.Second}, nil)

	require.NoError(t, worker.runOnce(ctx, 10))

	// the failed entry must still be claimed-but-unacked: a fresh read
	// under a different consumer via XCLAIM-equivalent pending check is
	// out of scope here, so assert indirectly: acking the same IDs again
	// is a no-op either way, so instead confirm via pending count.
	pending, err := server.Client.XPending(ctx, "events:archivist-test", "archivist").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count, "only the failed entry should remain pending")
}

func TestWorker_RunOnce_FallsBackToRecoveryModeOnBulkFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server, stream := setupStream(t)
	defer server.Stop(t)
	ctx := t.Context()

	require.NoError(t, stream.Append(ctx, eventstream.Event{ID: "a", Source: "git://r"}))
	require.NoError(t, stream.Append(ctx, eventstream.Event{ID: "b", Source: "git://r"}))

	calls := 0
	indexer := &recoveringIndexer{failFirstN: 1, onCall: func() { calls++ }}
	worker := NewWorker("w-1", stream, indexer, Config{BulkSize: 10, PollBlock: time.Second}, nil)

	require.NoError(t, worker.runOnce(ctx, 10))

	// one bulk attempt (fails), then one recovery attempt per entry.
	assert.Equal(t, 3, calls)

	pending, err := server.Client.XPending(ctx, "events:archivist-test", "archivist").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count, "every entry should succeed once retried individually")
}

// recoveringIndexer fails the first bulk call (more than one entry) and
// succeeds on every single-entry retry, exercising the recovery-mode
// fallback runOnce drives when a batch write fails outright.
type recoveringIndexer struct {
	mu         sync.Mutex
	failFirstN int
	onCall     func()
}

func (r *recoveringIndexer) BulkIndex(ctx context.Context, entries []eventstream.Entry) (BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onCall != nil {
		r.onCall()
	}
	if len(entries) > 1 && r.failFirstN > 0 {
		r.failFirstN--
		return BulkResult{}, errors.New("bulk write rejected")
	}
	return BulkResult{Failed: map[string]error{}}, nil
}

func TestWorker_RunOnce_EmptyBatchIsNoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server, stream := setupStream(t)
	defer server.Stop(t)

	indexer := &fakeIndexer{}
	worker := NewWorker("w-1", stream, indexer, Config{BulkSize: 10, PollBlock: 100 * time.Millisecond}, nil)

	require.NoError(t, worker.runOnce(t.Context(), 10))
	assert.Empty(t, indexer.calls)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100, cfg.BulkSize)
	assert.Equal(t, 1, cfg.RecoveryBulkSize)
}
