// Package eventstream implements the append-only, length-bounded event
// log: a bounded FIFO that the chronicler job function writes to
// (single-producer per stream key) and the archivist pool drains with
// competing-consumer semantics.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the minimal stream entry: a globally-unique id, a URN-like
// type, the origin source URL and a timestamp, plus an opaque Data
// payload.
type Event struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Entry is one stream record: the deserialized Event plus the Redis
// stream ID needed to ack it.
type Entry struct {
	StreamID string
	Event    Event
}

// Stream is a Redis Stream-backed bounded FIFO, one per named event
// stream key: a single producer appends, multiple consumer workers read
// through a consumer group.
type Stream struct {
	client *redis.Client
	key    string
	maxLen int64
	group  string
}

// New wraps a redis.Client as a Stream. maxLen bounds the FIFO (oldest
// entries evicted on overflow); group names the consumer group the
// archivist pool reads through.
func New(client *redis.Client, key string, maxLen int64, group string) *Stream {
	return &Stream{client: client, key: key, maxLen: maxLen, group: group}
}

// EnsureGroup creates the consumer group if it doesn't already exist,
// starting from the beginning of the stream. Idempotent.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("eventstream: creating consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Append writes one event via XADD with MAXLEN ~ <maxLen>, the
// approximate trim River/Redis recommend to avoid an O(n) exact trim on
// every write.
func (s *Stream) Append(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventstream: marshaling event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": body},
	}
	return s.client.XAdd(ctx, args).Err()
}

// ReadBatch reads up to count unclaimed entries for consumer via
// XREADGROUP; each entry is delivered to exactly one consumer in the
// group.
func (s *Stream) ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstream: reading batch: %w", err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			entries = append(entries, Entry{StreamID: msg.ID, Event: ev})
		}
	}
	return entries, nil
}

// Ack acknowledges successfully-processed stream IDs. Entries left
// unacked stay pending and are retried later.
func (s *Stream) Ack(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.key, s.group, streamIDs...).Err()
}
