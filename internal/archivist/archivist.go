// Package archivist implements the event archivist consumer: a
// competing-consumer worker pool that drains the event stream in
// batches and bulk-indexes them, acking only the entries that actually
// wrote successfully.
package archivist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/eventstream"
)

// BulkResult reports, per entry, whether its write succeeded, so the
// caller can ack exactly the entries that made it into the index.
type BulkResult struct {
	// Failed maps the stream IDs of entries whose write failed to the
	// error that failed them; everything else in the batch is assumed
	// to have succeeded.
	Failed map[string]error
}

// Indexer is the bulk-write contract the Archivist drives; the actual
// wire protocol (OpenSearch/Elasticsearch bulk HTTP API) lives behind
// this interface in a concrete implementation.
type Indexer interface {
	BulkIndex(ctx context.Context, entries []eventstream.Entry) (BulkResult, error)
}

// QueryParams filters the read-only GET /events surface: Type and
// Source narrow by exact match when set, Page/Size paginate.
type QueryParams struct {
	Type   string
	Source string
	Page   int
	Size   int
}

// Querier is the read side of the events index, backing GET /events.
// Implemented by the same backing store as Indexer, but kept as a
// separate interface since not every Indexer need support querying.
type Querier interface {
	Query(ctx context.Context, params QueryParams) ([]eventstream.Event, int, error)
}

// Config tunes one Pool's batching behavior.
type Config struct {
	BulkSize         int
	RecoveryBulkSize int
	PollBlock        time.Duration
}

// DefaultConfig uses a bulk size of 100, retrying one entry at a time
// in recovery mode.
func DefaultConfig() Config {
	return Config{BulkSize: 100, RecoveryBulkSize: 1, PollBlock: 2 * time.Second}
}

// Worker is one competing consumer draining Stream into Indexer.
type Worker struct {
	id      string
	stream  *eventstream.Stream
	indexer Indexer
	cfg     Config
	logger  *slog.Logger
}

// NewWorker builds a Worker identified by id within the stream's
// consumer group; workers compete for entries and each entry is
// delivered to exactly one of them.
func NewWorker(id string, stream *eventstream.Stream, indexer Indexer, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BulkSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Worker{id: id, stream: stream, indexer: indexer, cfg: cfg, logger: logger}
}

// Run drains the stream until ctx is canceled, one batch at a time.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.runOnce(ctx, w.cfg.BulkSize); err != nil {
			w.logger.Error("archivist: batch failed", "worker", w.id, "error", err)
		}
	}
}

// runOnce pulls and indexes a single batch, retrying in "recovery mode"
// (bulk_size=1) to isolate an offending entry when the whole batch
// fails.
func (w *Worker) runOnce(ctx context.Context, bulkSize int) error {
	entries, err := w.stream.ReadBatch(ctx, w.id, int64(bulkSize), w.cfg.PollBlock)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	result, err := w.indexer.BulkIndex(ctx, entries)
	if err != nil {
		if bulkSize == 1 {
			// Already isolated to a single offending entry; nothing
			// further to narrow down. Leave it unacked for a future
			// pass.
			w.logger.Error("archivist: entry failed in recovery mode", "worker", w.id, "error", err)
			return nil
		}
		w.logger.Warn("archivist: bulk write failed, retrying in recovery mode", "worker", w.id, "batch_size", len(entries), "error", err)
		for _, e := range entries {
			if rerr := w.runSingle(ctx, e); rerr != nil {
				w.logger.Error("archivist: recovery entry failed", "worker", w.id, "stream_id", e.StreamID, "error", rerr)
			}
		}
		return nil
	}

	var toAck []string
	for _, e := range entries {
		if _, failed := result.Failed[e.StreamID]; !failed {
			toAck = append(toAck, e.StreamID)
		}
	}
	return w.stream.Ack(ctx, toAck...)
}

func (w *Worker) runSingle(ctx context.Context, entry eventstream.Entry) error {
	result, err := w.indexer.BulkIndex(ctx, []eventstream.Entry{entry})
	if err != nil {
		return err
	}
	if _, failed := result.Failed[entry.StreamID]; failed {
		return nil
	}
	return w.stream.Ack(ctx, entry.StreamID)
}

// Pool runs a fixed number of competing Workers concurrently.
type Pool struct {
	workers []*Worker
}

// NewPool builds size Workers sharing one Stream and Indexer.
func NewPool(size int, stream *eventstream.Stream, indexer Indexer, cfg Config, logger *slog.Logger) *Pool {
	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = NewWorker(fmt.Sprintf("archivist-%d", i), stream, indexer, cfg, logger)
	}
	return &Pool{workers: workers}
}

// Run starts every Worker and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			_ = w.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range p.workers {
		<-done
	}
}
