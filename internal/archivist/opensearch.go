package archivist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chaoss/grimoirelab-core/internal/eventstream"
	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
)

// OpenSearchIndexer bulk-writes entries into the fixed events index,
// speaking the documented OpenSearch/Elasticsearch bulk wire format
// directly over net/http.
type OpenSearchIndexer struct {
	BaseURL    string
	Index      string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// NewOpenSearchIndexer builds an Indexer targeting baseURL/index.
func NewOpenSearchIndexer(baseURL, index, username, password string) *OpenSearchIndexer {
	return &OpenSearchIndexer{
		BaseURL:    baseURL,
		Index:      index,
		Username:   username,
		Password:   password,
		HTTPClient: http.DefaultClient,
	}
}

// IndexMapping is the fixed mapping document for the events index:
// dates accept strict_date_optional_time or epoch (seconds or millis);
// strings default to keyword; data.message is full-text; the git-log
// AuthorDate/CommitDate variants get their own date fields.
var IndexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"dynamic_templates": []interface{}{
			map[string]interface{}{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping": map[string]interface{}{
						"type": "keyword",
					},
				},
			},
		},
		"properties": map[string]interface{}{
			"id":     map[string]interface{}{"type": "keyword"},
			"type":   map[string]interface{}{"type": "keyword"},
			"source": map[string]interface{}{"type": "keyword"},
			"time":   map[string]interface{}{"type": "date", "format": "strict_date_optional_time||epoch_second||epoch_millis"},
			"data": map[string]interface{}{
				"properties": map[string]interface{}{
					"message":     map[string]interface{}{"type": "text"},
					"author_date": map[string]interface{}{"type": "date", "format": "strict_date_optional_time||epoch_second||epoch_millis"},
					"commit_date": map[string]interface{}{"type": "date", "format": "strict_date_optional_time||epoch_second||epoch_millis"},
				},
			},
		},
	},
}

// BulkIndex implements Indexer: one HTTP POST to _bulk, a create-or-
// replace ("index" action) keyed by event.id so re-indexing the same
// event is an idempotent upsert.
func (o *OpenSearchIndexer) BulkIndex(ctx context.Context, entries []eventstream.Entry) (BulkResult, error) {
	if len(entries) == 0 {
		return BulkResult{}, nil
	}

	var body bytes.Buffer
	for _, e := range entries {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": o.Index,
				"_id":    e.Event.ID,
			},
		}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return BulkResult{}, err
		}
		docLine, err := json.Marshal(e.Event)
		if err != nil {
			return BulkResult{}, err
		}
		body.Write(actionLine)
		body.WriteByte('\n')
		body.Write(docLine)
		body.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/_bulk", &body)
	if err != nil {
		return BulkResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if o.Username != "" {
		req.SetBasicAuth(o.Username, o.Password)
	}

	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return BulkResult{}, taskerrors.ExternalWrite("bulk request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return BulkResult{}, taskerrors.ExternalWrite("reading bulk response", err)
	}

	if resp.StatusCode >= 500 {
		// Entire batch rejected: nothing was inserted, so no acks may
		// be issued.
		return BulkResult{}, taskerrors.ExternalWrite(fmt.Sprintf("bulk request status %d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}

	return parseBulkResponse(entries, respBody)
}

// Query implements Querier: a single POST to _search with an optional
// type/source term filter, sorted newest-first and paginated via
// from/size.
func (o *OpenSearchIndexer) Query(ctx context.Context, params QueryParams) ([]eventstream.Event, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.Size < 1 {
		params.Size = 25
	}

	var filters []interface{}
	if params.Type != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"type": params.Type}})
	}
	if params.Source != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"source": params.Source}})
	}
	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	}

	body, err := json.Marshal(map[string]interface{}{
		"query": query,
		"sort":  []interface{}{map[string]interface{}{"time": "desc"}},
		"from":  (params.Page - 1) * params.Size,
		"size":  params.Size,
	})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/"+o.Index+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.Username != "" {
		req.SetBasicAuth(o.Username, o.Password)
	}

	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, taskerrors.ExternalWrite("search request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, taskerrors.ExternalWrite("reading search response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, 0, taskerrors.ExternalWrite(fmt.Sprintf("search status %d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, 0, taskerrors.ExternalWrite("parsing search response", err)
	}

	events := make([]eventstream.Event, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, parsed.Hits.Total.Value, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source eventstream.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type bulkResponse struct {
	Items []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func parseBulkResponse(entries []eventstream.Entry, body []byte) (BulkResult, error) {
	var parsed bulkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return BulkResult{}, taskerrors.ExternalWrite("parsing bulk response", err)
	}

	byID := make(map[string]eventstream.Entry, len(entries))
	for _, e := range entries {
		byID[e.Event.ID] = e
	}

	result := BulkResult{Failed: make(map[string]error)}
	for _, item := range parsed.Items {
		for _, it := range item {
			entry, ok := byID[it.ID]
			if !ok {
				continue
			}
			if it.Error != nil || it.Status >= 300 {
				reason := "unknown error"
				if it.Error != nil {
					reason = it.Error.Reason
				}
				result.Failed[entry.StreamID] = fmt.Errorf("%s", reason)
			}
		}
	}
	return result, nil
}
