// Package git is an illustrative datasource backend. It reads a
// pre-generated git log file in `git log` plumbing format rather than
// shelling out to git itself, which keeps the backend hermetic for
// tests.
package git

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/backends"
)

// Commit is one parsed record from a git log file.
type Commit struct {
	Hash       string
	Parents    []string
	Author     string
	AuthorDate time.Time
	Committer  string
	CommitDate time.Time
	Message    string
	Files      []FileChange
}

// FileChange is one line of a commit's raw-diff file list (`git log
// --raw`'s `:<old-mode> <new-mode> <old-sha> <new-sha> <status>\t<path>`),
// carrying just the status/path pair the eventizer fans out into
// file.added/file.modified/file.deleted/file.replaced events.
type FileChange struct {
	Path   string
	Status string
}

// IsMerge reports whether the commit has more than one parent.
func (c Commit) IsMerge() bool { return len(c.Parents) > 1 }

// Backend reads commits from a log file recorded with:
//
//	commit <hash> <parent1> <parent2> ...
//	Author:     <name>
//	AuthorDate: <RFC3339>
//	Commit:     <name>
//	CommitDate: <RFC3339>
//
//	    <message line>
//	    ...
//	:100644 100644 <oldsha> <newsha> <status>	<path>
//	...
//
// one blank line separating records. This mirrors the shape grimoirelab's
// own git backend parses from `git log --raw --numstat`, simplified to
// the fields the eventizer needs.
type Backend struct {
	Path string
}

// New builds a git Backend reading from path (the task's `gitpath`
// argument).
func New(path string) *Backend {
	return &Backend{Path: path}
}

// Category implements backends.Backend.
func (*Backend) Category() string { return "commit" }

// Fetch implements backends.Backend: it reads every commit in the log
// file honoring params.Args["from_date"] as an exclusive lower bound on
// AuthorDate, the cursor resuming and recovery runs pass in.
func (b *Backend) Fetch(ctx context.Context, params backends.FetchParams, yield func(backends.Item) error) error {
	f, err := os.Open(b.Path)
	if err != nil {
		return fmt.Errorf("git: opening %s: %w", b.Path, err)
	}
	defer f.Close()

	var since time.Time
	if raw, ok := params.Args["from_date"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	commits, err := parseLog(f)
	if err != nil {
		return err
	}

	for _, c := range commits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !since.IsZero() && !c.AuthorDate.After(since) {
			continue
		}
		files := make([]interface{}, 0, len(c.Files))
		for _, fc := range c.Files {
			files = append(files, map[string]interface{}{"path": fc.Path, "status": fc.Status})
		}

		item := backends.Item{
			UUID:      c.Hash,
			UpdatedOn: c.AuthorDate,
			Payload: map[string]interface{}{
				"hash":        c.Hash,
				"parents":     c.Parents,
				"author":      c.Author,
				"author_date": c.AuthorDate.Format(time.RFC3339),
				"committer":   c.Committer,
				"commit_date": c.CommitDate.Format(time.RFC3339),
				"message":     c.Message,
				"merge":       c.IsMerge(),
				"files":       files,
			},
		}
		if err := yield(item); err != nil {
			return err
		}
	}
	return nil
}

func parseLog(f *os.File) ([]Commit, error) {
	var commits []Commit
	var cur *Commit
	var msgLines []string

	flush := func() {
		if cur != nil {
			cur.Message = strings.TrimRight(strings.Join(msgLines, "\n"), "\n")
			commits = append(commits, *cur)
		}
		cur = nil
		msgLines = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "commit "):
			flush()
			fields := strings.Fields(strings.TrimPrefix(line, "commit "))
			if len(fields) == 0 {
				continue
			}
			cur = &Commit{Hash: fields[0], Parents: fields[1:]}
		case strings.HasPrefix(line, "Author:"):
			if cur != nil {
				cur.Author = strings.TrimSpace(strings.TrimPrefix(line, "Author:"))
			}
		case strings.HasPrefix(line, "AuthorDate:"):
			if cur != nil {
				cur.AuthorDate = parseTimestamp(strings.TrimSpace(strings.TrimPrefix(line, "AuthorDate:")))
			}
		case strings.HasPrefix(line, "Commit:"):
			if cur != nil {
				cur.Committer = strings.TrimSpace(strings.TrimPrefix(line, "Commit:"))
			}
		case strings.HasPrefix(line, "CommitDate:"):
			if cur != nil {
				cur.CommitDate = parseTimestamp(strings.TrimSpace(strings.TrimPrefix(line, "CommitDate:")))
			}
		case strings.HasPrefix(line, "    "):
			msgLines = append(msgLines, strings.TrimPrefix(line, "    "))
		case strings.HasPrefix(line, ":"):
			if cur != nil {
				if fc, ok := parseRawDiffLine(line); ok {
					cur.Files = append(cur.Files, fc)
				}
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("git: scanning log: %w", err)
	}
	return commits, nil
}

// parseRawDiffLine parses one `git log --raw` file-change line:
// `:<old-mode> <new-mode> <old-sha> <new-sha> <status>\t<path>`.
func parseRawDiffLine(line string) (FileChange, bool) {
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 {
		return FileChange{}, false
	}
	fields := strings.Fields(parts[0])
	if len(fields) < 5 {
		return FileChange{}, false
	}
	return FileChange{Path: parts[1], Status: fields[4]}, true
}

func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC()
	}
	return time.Time{}
}
