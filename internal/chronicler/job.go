package chronicler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/backends"
	"github.com/chaoss/grimoirelab-core/internal/eventstream"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/ulid"
)

// eventTypePrefix is the URN-like prefix every event type carries:
// "org.grimoirelab.events.<datasource>.<kind>".
const eventTypePrefix = "org.grimoirelab.events"

// checkpointEvery bounds how often the fetch loop flushes a progress
// checkpoint to progressFn.
const checkpointEvery = 20

// jobArgsFields is the subset of job_args the chronicler job function
// reads; argsgen.EventizerArgs guarantees datasource_type/category are
// present (see argsgen/eventizer.go).
type jobArgsFields struct {
	DatasourceType     string `json:"datasource_type"`
	DatasourceCategory string `json:"datasource_category"`
	URI                string `json:"uri"`
	Source             string `json:"source"`
}

// eventAppender is the narrow slice of *eventstream.Stream the job
// function needs, the same dependency-inversion shape jobrunner uses
// for its Completer: it lets tests exercise NewJobFunction end-to-end
// against an in-memory recorder instead of a real Redis stream.
type eventAppender interface {
	Append(ctx context.Context, ev eventstream.Event) error
}

// NewJobFunction builds the eventizer JobFunction over a backend
// Registry and event Stream; the stream's max length is fixed at its
// construction.
func NewJobFunction(backendRegistry *backends.Registry, stream eventAppender) taskregistry.JobFunction {
	return func(ctx context.Context, rawArgs json.RawMessage, progressFn func(json.RawMessage) error) (json.RawMessage, json.RawMessage, error) {
		var fields jobArgsFields
		if err := json.Unmarshal(rawArgs, &fields); err != nil {
			return nil, nil, fmt.Errorf("chronicler: parsing job args: %w", err)
		}

		backend, err := backendRegistry.Resolve(fields.DatasourceType)
		if err != nil {
			return nil, nil, err
		}

		var args map[string]interface{}
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, nil, fmt.Errorf("chronicler: parsing job args: %w", err)
		}

		source := fields.Source
		if source == "" {
			source = fields.URI
		}

		summary := Summary{}
		jobID := ulid.NewULID()

		flush := func() error {
			p := Progress{JobID: jobID, Backend: fields.DatasourceType, Category: backend.Category(), Summary: summary}
			doc, err := p.ToDict()
			if err != nil {
				return err
			}
			return progressFn(json.RawMessage(doc))
		}

		sinceLastCheckpoint := 0
		err = backend.Fetch(ctx, backends.FetchParams{Args: args}, func(item backends.Item) error {
			events, err := toEvents(item, fields.DatasourceType, fields.DatasourceCategory, source)
			if err != nil {
				summary.Skipped++
				return nil
			}

			for _, ev := range events {
				if err := stream.Append(ctx, ev); err != nil {
					return fmt.Errorf("chronicler: appending event: %w", err)
				}
			}

			summary.Fetched++
			summary.LastUUID = item.UUID
			touchBound(&summary.MinUpdatedOn, &summary.MaxUpdatedOn, item.UpdatedOn)
			summary.LastUpdatedOn = &item.UpdatedOn
			if item.Offset != nil {
				touchOffsetBound(&summary.MinOffset, &summary.MaxOffset, *item.Offset)
				summary.LastOffset = item.Offset
			}

			sinceLastCheckpoint++
			if sinceLastCheckpoint >= checkpointEvery {
				sinceLastCheckpoint = 0
				if err := flush(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		finalProgress := Progress{JobID: jobID, Backend: fields.DatasourceType, Category: backend.Category(), Summary: summary}
		progressDoc, err := finalProgress.ToDict()
		if err != nil {
			return nil, nil, err
		}

		result, err := json.Marshal(map[string]interface{}{
			"total":   summary.Fetched,
			"skipped": summary.Skipped,
		})
		if err != nil {
			return nil, nil, err
		}

		return result, json.RawMessage(progressDoc), nil
	}
}

func touchBound(min, max **time.Time, t time.Time) {
	tt := t
	if *min == nil || tt.Before(**min) {
		*min = &tt
	}
	if *max == nil || tt.After(**max) {
		*max = &tt
	}
}

func touchOffsetBound(min, max **int64, v int64) {
	vv := v
	if *min == nil || vv < **min {
		*min = &vv
	}
	if *max == nil || vv > **max {
		*max = &vv
	}
}

// toEvents converts one backend Item into one-or-more domain events:
// a base commit event, a merge event when the commit has more than one
// parent, one file.{added,modified,deleted,replaced} event per changed
// file, and commit.authored_by/commit.committed_by events carrying the
// identity fields.
//
// Event.ID is derived from stable content (datasource type/category,
// the item's own UUID, and the event's kind) rather than drawn from a
// random generator, so re-processing the same item during recovery
// produces the same ids and the archivist's upsert-by-id write stays
// idempotent instead of duplicating rows.
func toEvents(item backends.Item, datasourceType, category, source string) ([]eventstream.Event, error) {
	data, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, err
	}

	newEvent := func(kind, disambiguator string, payload json.RawMessage) eventstream.Event {
		return eventstream.Event{
			ID:     eventID(datasourceType, category, item.UUID, kind, disambiguator),
			Type:   fmt.Sprintf("%s.%s.%s", eventTypePrefix, datasourceType, kind),
			Source: source,
			Time:   item.UpdatedOn,
			Data:   payload,
		}
	}

	events := []eventstream.Event{newEvent(category, "", data)}

	if merge, _ := item.Payload["merge"].(bool); merge {
		events = append(events, newEvent("merge", "", data))
	}

	if files, ok := item.Payload["files"].([]interface{}); ok {
		for _, raw := range files {
			fc, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			path, _ := fc["path"].(string)
			status, _ := fc["status"].(string)
			fileData, err := json.Marshal(fc)
			if err != nil {
				return nil, err
			}
			events = append(events, newEvent(fileKind(status), path, fileData))
		}
	}

	if _, ok := item.Payload["author"]; ok {
		events = append(events, newEvent(fmt.Sprintf("%s.authored_by", category), "", data))
	}
	if _, ok := item.Payload["committer"]; ok {
		events = append(events, newEvent(fmt.Sprintf("%s.committed_by", category), "", data))
	}

	return events, nil
}

// fileKind maps a raw-diff status letter to the file.* event suffix
// grimoirelab's eventizer emits for it.
func fileKind(status string) string {
	if status == "" {
		return "file.modified"
	}
	switch status[0] {
	case 'A':
		return "file.added"
	case 'D':
		return "file.deleted"
	case 'R', 'C':
		return "file.replaced"
	default:
		return "file.modified"
	}
}

// eventID derives a deterministic stream entry id from fields that are
// stable across re-processing of the same logical item: the datasource
// type/category, the item's own identifier, the event kind, and (for
// events fanned out per-file) a disambiguator such as the file path.
// sha1 is used purely as a fixed-width content digest, not for any
// cryptographic property.
func eventID(datasourceType, category, itemUUID, kind, disambiguator string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%s:%s:%s:%s", datasourceType, category, itemUUID, kind, disambiguator)
	return hex.EncodeToString(h.Sum(nil))
}
