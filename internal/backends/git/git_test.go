package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/backends"
)

const sampleLog = `commit aaa111
Author:     Alice <alice@example.com>
AuthorDate: 2024-01-01T10:00:00Z
Commit:     Alice <alice@example.com>
CommitDate: 2024-01-01T10:00:00Z

    First commit

commit bbb222 aaa111
Author:     Bob <bob@example.com>
AuthorDate: 2024-01-02T10:00:00Z
Commit:     Bob <bob@example.com>
CommitDate: 2024-01-02T10:00:00Z

    Second commit
    with a second line

commit ccc333 bbb222 aaa111
Author:     Carol <carol@example.com>
AuthorDate: 2024-01-03T10:00:00Z
Commit:     Carol <carol@example.com>
CommitDate: 2024-01-03T10:00:00Z

    Merge branch
:100644 100644 1111111 2222222 M	README.md
:000000 100644 0000000 3333333 A	new.txt
`

func writeSampleLog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))
	return path
}

func TestBackend_Fetch_ParsesAllCommits(t *testing.T) {
	b := New(writeSampleLog(t))

	var items []backends.Item
	err := b.Fetch(context.Background(), backends.FetchParams{}, func(item backends.Item) error {
		items = append(items, item)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "aaa111", items[0].UUID)
	assert.Equal(t, "Alice <alice@example.com>", items[0].Payload["author"])
	assert.Equal(t, false, items[0].Payload["merge"])

	assert.Equal(t, "Second commit\nwith a second line", items[1].Payload["message"])

	assert.Equal(t, true, items[2].Payload["merge"])
	assert.Equal(t, []string{"bbb222", "aaa111"}, items[2].Payload["parents"])

	assert.Empty(t, items[0].Payload["files"])

	files, ok := items[2].Payload["files"].([]interface{})
	require.True(t, ok)
	require.Len(t, files, 2)
	assert.Equal(t, map[string]interface{}{"path": "README.md", "status": "M"}, files[0])
	assert.Equal(t, map[string]interface{}{"path": "new.txt", "status": "A"}, files[1])
}

func TestBackend_Fetch_ParsesFileChangeStatuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	log := "commit aaa111\n" +
		"Author:     Alice <alice@example.com>\n" +
		"AuthorDate: 2024-01-01T10:00:00Z\n" +
		"Commit:     Alice <alice@example.com>\n" +
		"CommitDate: 2024-01-01T10:00:00Z\n" +
		"\n" +
		"    A commit\n" +
		":000000 100644 0000000 1111111 A\tadded.txt\n" +
		":100644 100644 1111111 2222222 M\tchanged.txt\n" +
		":100644 000000 2222222 0000000 D\tremoved.txt\n" +
		":100644 100644 2222222 3333333 R100\trenamed.txt\n"
	require.NoError(t, os.WriteFile(path, []byte(log), 0o644))

	b := New(path)
	var items []backends.Item
	err := b.Fetch(context.Background(), backends.FetchParams{}, func(item backends.Item) error {
		items = append(items, item)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, items, 1)

	files, ok := items[0].Payload["files"].([]interface{})
	require.True(t, ok)
	require.Len(t, files, 4)
	assert.Equal(t, map[string]interface{}{"path": "added.txt", "status": "A"}, files[0])
	assert.Equal(t, map[string]interface{}{"path": "changed.txt", "status": "M"}, files[1])
	assert.Equal(t, map[string]interface{}{"path": "removed.txt", "status": "D"}, files[2])
	assert.Equal(t, map[string]interface{}{"path": "renamed.txt", "status": "R100"}, files[3])
}

func TestBackend_Fetch_HonorsFromDate(t *testing.T) {
	b := New(writeSampleLog(t))

	var hashes []string
	err := b.Fetch(context.Background(), backends.FetchParams{
		Args: map[string]interface{}{"from_date": "2024-01-01T10:00:00Z"},
	}, func(item backends.Item) error {
		hashes = append(hashes, item.UUID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bbb222", "ccc333"}, hashes)
}

func TestBackend_Fetch_StopsOnYieldError(t *testing.T) {
	b := New(writeSampleLog(t))

	called := 0
	err := b.Fetch(context.Background(), backends.FetchParams{}, func(item backends.Item) error {
		called++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, called)
}

func TestBackend_Category(t *testing.T) {
	assert.Equal(t, "commit", (&Backend{}).Category())
}

func TestBackend_Fetch_MissingFile(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	err := b.Fetch(context.Background(), backends.FetchParams{}, func(backends.Item) error { return nil })
	assert.Error(t, err)
}
