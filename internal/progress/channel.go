// Package progress implements the live progress channel: a
// write-only-for-the-job, read-only-for-the-scheduler-and-API side
// channel carrying the latest progress snapshot of a RUNNING job,
// independent of the task store so a live fetch need not round-trip
// Postgres.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "grimoirelab:progress:"

// Channel publishes and reads per-job progress snapshots in Redis.
type Channel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewChannel wraps a redis.Client; ttl bounds how long a job's last
// checkpoint survives after it stops being written (defaults to 24h).
func NewChannel(client *redis.Client, ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Channel{client: client, ttl: ttl}
}

func key(jobID string) string { return keyPrefix + jobID }

// Publish writes the latest progress snapshot for jobID. Called by the
// job function as it runs; never called by the scheduler or API.
func (c *Channel) Publish(ctx context.Context, jobID string, snapshot json.RawMessage) error {
	return c.client.Set(ctx, key(jobID), []byte(snapshot), c.ttl).Err()
}

// Read returns the latest snapshot for jobID, or ok=false if nothing has
// been published (or it expired).
func (c *Channel) Read(ctx context.Context, jobID string) (snapshot json.RawMessage, ok bool, err error) {
	v, err := c.client.Get(ctx, key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Clear removes a job's side-channel entry once its terminal progress
// has been persisted to the Task Store.
func (c *Channel) Clear(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, key(jobID)).Err()
}
