package chronicler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress_ToDict_UsesEpochSeconds(t *testing.T) {
	updated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Progress{
		JobID:    "job-1",
		Backend:  "git",
		Category: "commit",
		Summary: Summary{
			Fetched:      3,
			LastUUID:     "abc123",
			MaxUpdatedOn: &updated,
		},
	}

	doc, err := p.ToDict()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"job_id":"job-1","backend":"git","category":"commit",
		"summary":{"fetched":3,"skipped":0,"last_uuid":"abc123","max_updated_on":1704164645}
	}`, string(doc))
}

func TestFromDict_AcceptsEpochSeconds(t *testing.T) {
	doc := []byte(`{"job_id":"job-1","backend":"git","category":"commit","summary":{"fetched":2,"max_updated_on":1704164645}}`)
	p, err := FromDict(doc)
	require.NoError(t, err)
	assert.Equal(t, "job-1", p.JobID)
	require.NotNil(t, p.Summary.MaxUpdatedOn)
	assert.Equal(t, int64(1704164645), p.Summary.MaxUpdatedOn.Unix())
}

func TestFromDict_AcceptsRFC3339(t *testing.T) {
	doc := []byte(`{"job_id":"job-1","backend":"git","category":"commit","summary":{"fetched":1,"max_updated_on":"2024-01-02T03:04:05Z"}}`)
	p, err := FromDict(doc)
	require.NoError(t, err)
	require.NotNil(t, p.Summary.MaxUpdatedOn)
	assert.Equal(t, 2024, p.Summary.MaxUpdatedOn.Year())
}

func TestProgress_RoundTrip(t *testing.T) {
	updated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	offset := int64(42)
	original := Progress{
		JobID:    "job-2",
		Backend:  "git",
		Category: "commit",
		Summary: Summary{
			Fetched:      5,
			Skipped:      1,
			LastUUID:     "deadbeef",
			MinUpdatedOn: &updated,
			MaxUpdatedOn: &updated,
			LastOffset:   &offset,
		},
	}

	doc, err := original.ToDict()
	require.NoError(t, err)

	roundTripped, err := FromDict(doc)
	require.NoError(t, err)
	assert.Equal(t, original.JobID, roundTripped.JobID)
	assert.Equal(t, original.Summary.Fetched, roundTripped.Summary.Fetched)
	assert.Equal(t, original.Summary.LastUUID, roundTripped.Summary.LastUUID)
	require.NotNil(t, roundTripped.Summary.LastOffset)
	assert.Equal(t, *original.Summary.LastOffset, *roundTripped.Summary.LastOffset)
}
