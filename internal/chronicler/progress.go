// Package chronicler implements the eventizer job function: it
// converts items pulled from a datasource backend into domain events,
// appends them to the event stream, and tracks a ChroniclerProgress
// checkpoint as it goes.
package chronicler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Summary is the progress body tracked while an eventizer job runs.
// Timestamps serialize as epoch seconds on write and accept either
// epoch seconds or RFC3339 on read.
type Summary struct {
	Fetched      int
	Skipped      int
	LastUUID     string
	MinUpdatedOn *time.Time
	MaxUpdatedOn *time.Time
	LastUpdatedOn *time.Time
	MinOffset    *int64
	MaxOffset    *int64
	LastOffset   *int64
	Extras       map[string]interface{}
}

// Progress is the structured checkpoint an eventizer job writes as it
// runs and reads back when resuming or recovering.
type Progress struct {
	JobID    string
	Backend  string
	Category string
	Summary  Summary
}

type wireSummary struct {
	Fetched       int                    `json:"fetched"`
	Skipped       int                    `json:"skipped"`
	LastUUID      string                 `json:"last_uuid,omitempty"`
	MinUpdatedOn  *int64                 `json:"min_updated_on,omitempty"`
	MaxUpdatedOn  *int64                 `json:"max_updated_on,omitempty"`
	LastUpdatedOn *int64                 `json:"last_updated_on,omitempty"`
	MinOffset     *int64                 `json:"min_offset,omitempty"`
	MaxOffset     *int64                 `json:"max_offset,omitempty"`
	LastOffset    *int64                 `json:"last_offset,omitempty"`
	Extras        map[string]interface{} `json:"extras,omitempty"`
}

type wireProgress struct {
	JobID    string      `json:"job_id"`
	Backend  string      `json:"backend"`
	Category string      `json:"category"`
	Summary  wireSummary `json:"summary"`
}

func toEpoch(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	e := t.Unix()
	return &e
}

func fromEpoch(e *int64) *time.Time {
	if e == nil {
		return nil
	}
	t := time.Unix(*e, 0).UTC()
	return &t
}

// ToDict serializes p to the wire document, with epoch-second timestamps.
func (p Progress) ToDict() ([]byte, error) {
	w := wireProgress{
		JobID:    p.JobID,
		Backend:  p.Backend,
		Category: p.Category,
		Summary: wireSummary{
			Fetched:       p.Summary.Fetched,
			Skipped:       p.Summary.Skipped,
			LastUUID:      p.Summary.LastUUID,
			MinUpdatedOn:  toEpoch(p.Summary.MinUpdatedOn),
			MaxUpdatedOn:  toEpoch(p.Summary.MaxUpdatedOn),
			LastUpdatedOn: toEpoch(p.Summary.LastUpdatedOn),
			MinOffset:     p.Summary.MinOffset,
			MaxOffset:     p.Summary.MaxOffset,
			LastOffset:    p.Summary.LastOffset,
			Extras:        p.Summary.Extras,
		},
	}
	return json.Marshal(w)
}

// looseTimestamp accepts either a JSON number (epoch seconds) or an
// RFC3339/ISO-8601 string.
type looseTimestamp struct {
	*time.Time
}

func (l *looseTimestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var asNumber int64
	if err := json.Unmarshal(b, &asNumber); err == nil {
		t := time.Unix(asNumber, 0).UTC()
		l.Time = &t
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("chronicler: timestamp neither epoch nor string: %w", err)
	}
	t, err := time.Parse(time.RFC3339, asString)
	if err != nil {
		return fmt.Errorf("chronicler: invalid ISO-8601 timestamp %q: %w", asString, err)
	}
	l.Time = &t
	return nil
}

type looseWireSummary struct {
	Fetched       int                    `json:"fetched"`
	Skipped       int                    `json:"skipped"`
	LastUUID      string                 `json:"last_uuid,omitempty"`
	MinUpdatedOn  looseTimestamp         `json:"min_updated_on,omitempty"`
	MaxUpdatedOn  looseTimestamp         `json:"max_updated_on,omitempty"`
	LastUpdatedOn looseTimestamp         `json:"last_updated_on,omitempty"`
	MinOffset     *int64                 `json:"min_offset,omitempty"`
	MaxOffset     *int64                 `json:"max_offset,omitempty"`
	LastOffset    *int64                 `json:"last_offset,omitempty"`
	Extras        map[string]interface{} `json:"extras,omitempty"`
}

type looseWireProgress struct {
	JobID    string           `json:"job_id"`
	Backend  string           `json:"backend"`
	Category string           `json:"category"`
	Summary  looseWireSummary `json:"summary"`
}

// FromDict deserializes a ChroniclerProgress document, accepting legacy
// ISO-8601 timestamps alongside the canonical epoch-second form.
func FromDict(data []byte) (Progress, error) {
	var w looseWireProgress
	if err := json.Unmarshal(data, &w); err != nil {
		return Progress{}, err
	}
	return Progress{
		JobID:    w.JobID,
		Backend:  w.Backend,
		Category: w.Category,
		Summary: Summary{
			Fetched:       w.Summary.Fetched,
			Skipped:       w.Summary.Skipped,
			LastUUID:      w.Summary.LastUUID,
			MinUpdatedOn:  w.Summary.MinUpdatedOn.Time,
			MaxUpdatedOn:  w.Summary.MaxUpdatedOn.Time,
			LastUpdatedOn: w.Summary.LastUpdatedOn.Time,
			MinOffset:     w.Summary.MinOffset,
			MaxOffset:     w.Summary.MaxOffset,
			LastOffset:    w.Summary.LastOffset,
			Extras:        w.Summary.Extras,
		},
	}, nil
}
