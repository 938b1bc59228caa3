// Package repocontext builds the rolling snapshot of the working repository
// that the planner and sub-agents see: file listing, short status, recent
// commit subjects, a top-level directory summary, and a hybrid symbol index.
// Snapshots are immutable values; the orchestrator refreshes explicitly
// after each task batch and after any verification-triggered mutation.
package repocontext

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redsand/rev-sub002/internal/logging"
)

const (
	maxListedFiles = 2000
	maxWalkDepth   = 8
	recentCommits  = 10
)

// Snapshot is an immutable view of the repository at refresh time.
type Snapshot struct {
	Root          string   `json:"root"`
	Files         []string `json:"files"`
	Status        string   `json:"status"`
	RecentCommits []string `json:"recent_commits"`
	DirSummary    []string `json:"dir_summary"`

	index *symbolIndex
}

// Refresher produces snapshots for a repository root.
type Refresher struct {
	root string
}

// NewRefresher creates a refresher rooted at the given directory.
func NewRefresher(root string) *Refresher {
	return &Refresher{root: root}
}

// Refresh walks the repository and rebuilds the snapshot. Git metadata is
// best-effort: a non-git directory still yields a listing and index.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	files, err := listFiles(r.root)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	snap := &Snapshot{
		Root:          r.root,
		Files:         files,
		Status:        gitOutput(ctx, r.root, "status", "--short"),
		RecentCommits: splitLines(gitOutput(ctx, r.root, "log", "--oneline", "-n", fmt.Sprint(recentCommits))),
		DirSummary:    summarizeDirs(files),
		index:         buildIndex(r.root, files),
	}

	logging.RepoDebug("snapshot refreshed: %d files, %d commits", len(snap.Files), len(snap.RecentCommits))
	return snap, nil
}

// HasFile reports whether the snapshot contains the (repo-relative) path.
func (s *Snapshot) HasFile(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, f := range s.Files {
		if f == rel {
			return true
		}
	}
	return false
}

// SameDirFiles returns the snapshot files sharing a directory with rel.
func (s *Snapshot) SameDirFiles(rel string) []string {
	dir := filepath.ToSlash(filepath.Dir(rel))
	var out []string
	for _, f := range s.Files {
		if filepath.ToSlash(filepath.Dir(f)) == dir && f != filepath.ToSlash(rel) {
			out = append(out, f)
		}
	}
	return out
}

// Summary renders the snapshot for inclusion in a prompt.
func (s *Snapshot) Summary() string {
	var b strings.Builder
	b.WriteString("## Repository\n")
	for _, d := range s.DirSummary {
		b.WriteString("- " + d + "\n")
	}
	if s.Status != "" {
		b.WriteString("\n## Status\n" + s.Status + "\n")
	}
	if len(s.RecentCommits) > 0 {
		b.WriteString("\n## Recent commits\n")
		for _, c := range s.RecentCommits {
			b.WriteString("- " + c + "\n")
		}
	}
	return b.String()
}

// listFiles walks the tree to a bounded depth, skipping VCS and cache dirs.
func listFiles(root string) ([]string, error) {
	skip := map[string]bool{
		".git": true, "node_modules": true, ".rev": true,
		".rev_checkpoints": true, "__pycache__": true, ".venv": true,
		"vendor": true, "dist": true, "target": true,
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if skip[d.Name()] || strings.Count(rel, string(filepath.Separator)) >= maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxListedFiles {
			return filepath.SkipAll
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

// summarizeDirs counts files per top-level directory.
func summarizeDirs(files []string) []string {
	counts := make(map[string]int)
	for _, f := range files {
		top := f
		if i := strings.IndexByte(f, '/'); i >= 0 {
			top = f[:i] + "/"
		}
		counts[top]++
	}
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, fmt.Sprintf("%s (%d files)", n, counts[n]))
	}
	return out
}

// gitOutput runs a git subcommand, returning empty output on any failure.
func gitOutput(ctx context.Context, root string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", root}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
