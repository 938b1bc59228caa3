package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/types"
)

const maxReadBytes = 512 * 1024

// FileToolset wires the file tools to the repo root and the file cache.
// Every mutating handler records its pre-state into the active transaction
// and invalidates the cache for each touched path before returning.
type FileToolset struct {
	registry *Registry
	cache    *filecache.Cache
	root     string
}

// RegisterFileTools builds the file toolset and registers its tools.
func RegisterFileTools(reg *Registry, cache *filecache.Cache, root string) (*FileToolset, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	fs := &FileToolset{registry: reg, cache: cache, root: abs}

	reg.MustRegister(&Tool{
		Name:        "read_file",
		Description: "Read the content of a file, relative to the repository root.",
		Category:    CategoryFile,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Repository-relative file path"},
			},
		},
		Execute: fs.readFile,
	})
	reg.MustRegister(&Tool{
		Name:        "write_file",
		Description: "Create or replace a file with the given content.",
		Category:    CategoryFile,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Repository-relative file path"},
				"content": {Type: "string", Description: "Full new file content"},
			},
		},
		Execute: fs.writeFile,
	})
	reg.MustRegister(&Tool{
		Name:        "append_file",
		Description: "Append content to the end of a file, creating it if absent.",
		Category:    CategoryFile,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Repository-relative file path"},
				"content": {Type: "string", Description: "Content to append"},
			},
		},
		Execute: fs.appendFile,
	})
	reg.MustRegister(&Tool{
		Name:        "replace_in_file",
		Description: "Replace an exact substring in a file. The old string must occur exactly once unless replace_all is set.",
		Category:    CategoryFile,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"path", "old_string", "new_string"},
			Properties: map[string]Property{
				"path":        {Type: "string", Description: "Repository-relative file path"},
				"old_string":  {Type: "string", Description: "Exact text to replace"},
				"new_string":  {Type: "string", Description: "Replacement text"},
				"replace_all": {Type: "boolean", Description: "Replace every occurrence"},
			},
		},
		Execute: fs.replaceInFile,
	})
	reg.MustRegister(&Tool{
		Name:        "delete_file",
		Description: "Delete a file.",
		Category:    CategoryFile,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Repository-relative file path"},
			},
		},
		Execute: fs.deleteFile,
	})
	reg.MustRegister(&Tool{
		Name:        "move_file",
		Description: "Move or rename a file.",
		Category:    CategoryFile,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"path", "dest"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Source path, repository-relative"},
				"dest": {Type: "string", Description: "Destination path, repository-relative"},
			},
		},
		Execute: fs.moveFile,
	})
	reg.MustRegister(&Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Category:    CategoryFile,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Repository-relative directory path"},
			},
		},
		Execute: fs.listDir,
	})
	return fs, nil
}

// resolve maps a repo-relative path to an absolute one and rejects any path
// that escapes the root. Symlinked ancestors are normalized first so a link
// pointing outside the tree cannot smuggle a write out.
func (fs *FileToolset) resolve(rel string) (string, error) {
	if rel == "" {
		return "", types.NewFailure(types.FailSchema, true, "empty path")
	}
	abs := filepath.Clean(filepath.Join(fs.root, rel))

	// EvalSymlinks needs an existing path; walk up to the nearest existing
	// ancestor and resolve that.
	probe := abs
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	resolvedProbe, err := filepath.EvalSymlinks(probe)
	if err == nil {
		abs = filepath.Join(resolvedProbe, strings.TrimPrefix(abs, probe))
	}
	resolvedRoot, err := filepath.EvalSymlinks(fs.root)
	if err != nil {
		resolvedRoot = fs.root
	}

	if abs != resolvedRoot && !strings.HasPrefix(abs, resolvedRoot+string(filepath.Separator)) {
		return "", types.NewFailure(types.FailInvariant, false, "%v: %s", ErrPathEscape, rel).
			WithHint("paths must stay inside %s", fs.root).
			Wrap(ErrPathEscape)
	}
	return abs, nil
}

func (fs *FileToolset) readFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := fs.cache.Get(path)
	if err != nil {
		return "", types.NewFailure(types.FailTool, true, "read %s: %v", args["path"], err).Wrap(err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (fs *FileToolset) writeFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := []byte(stringArg(args, "content"))

	prev, _ := fs.cache.Get(path)

	if tx := fs.registry.Transaction(); tx != nil {
		if err := tx.RecordWrite("write_file", path); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", types.NewFailure(types.FailTool, true, "mkdir for %s: %v", args["path"], err).Wrap(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", types.NewFailure(types.FailTool, true, "write %s: %v", args["path"], err).Wrap(err)
	}
	fs.cache.Invalidate(path)
	fs.cache.Put(path, content)

	return fmt.Sprintf("wrote %d bytes to %s (%s)",
		len(content), args["path"], diffSummary(string(prev), string(content))), nil
}

func (fs *FileToolset) appendFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	addition := stringArg(args, "content")

	prev, _ := fs.cache.Get(path)
	next := append(append([]byte{}, prev...), addition...)

	if tx := fs.registry.Transaction(); tx != nil {
		if err := tx.RecordWrite("append_file", path); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", types.NewFailure(types.FailTool, true, "mkdir for %s: %v", args["path"], err).Wrap(err)
	}
	if err := os.WriteFile(path, next, 0o644); err != nil {
		return "", types.NewFailure(types.FailTool, true, "append %s: %v", args["path"], err).Wrap(err)
	}
	fs.cache.Invalidate(path)
	fs.cache.Put(path, next)

	return fmt.Sprintf("appended %d bytes to %s", len(addition), args["path"]), nil
}

func (fs *FileToolset) replaceInFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	oldStr := stringArg(args, "old_string")
	newStr := stringArg(args, "new_string")
	replaceAll, _ := args["replace_all"].(bool)

	data, err := fs.cache.Get(path)
	if err != nil {
		return "", types.NewFailure(types.FailTool, true, "read %s: %v", args["path"], err).Wrap(err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return "", types.NewFailure(types.FailTool, true, "old_string not found in %s", args["path"]).
			WithHint("read the file first and copy the exact text to replace")
	}
	if count > 1 && !replaceAll {
		return "", types.NewFailure(types.FailTool, true,
			"old_string occurs %d times in %s", count, args["path"]).
			WithHint("make old_string unique or set replace_all")
	}

	next := strings.Replace(content, oldStr, newStr, 1)
	if replaceAll {
		next = strings.ReplaceAll(content, oldStr, newStr)
	}

	if tx := fs.registry.Transaction(); tx != nil {
		if err := tx.RecordWrite("replace_in_file", path); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		return "", types.NewFailure(types.FailTool, true, "write %s: %v", args["path"], err).Wrap(err)
	}
	fs.cache.Invalidate(path)
	fs.cache.Put(path, []byte(next))

	return fmt.Sprintf("replaced %d occurrence(s) in %s (%s)",
		map[bool]int{true: count, false: 1}[replaceAll], args["path"], diffSummary(content, next)), nil
}

func (fs *FileToolset) deleteFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	if tx := fs.registry.Transaction(); tx != nil {
		if err := tx.RecordDelete("delete_file", path); err != nil {
			return "", err
		}
	}
	if err := os.Remove(path); err != nil {
		return "", types.NewFailure(types.FailTool, true, "delete %s: %v", args["path"], err).Wrap(err)
	}
	fs.cache.Invalidate(path)
	return fmt.Sprintf("deleted %s", args["path"]), nil
}

func (fs *FileToolset) moveFile(ctx context.Context, args map[string]any) (string, error) {
	src, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	dst, err := fs.resolve(stringArg(args, "dest"))
	if err != nil {
		return "", err
	}
	if tx := fs.registry.Transaction(); tx != nil {
		if err := tx.RecordMove("move_file", src, dst); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", types.NewFailure(types.FailTool, true, "mkdir for %s: %v", args["dest"], err).Wrap(err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", types.NewFailure(types.FailTool, true, "move %s: %v", args["path"], err).Wrap(err)
	}
	fs.cache.Invalidate(src)
	fs.cache.Invalidate(dst)
	return fmt.Sprintf("moved %s to %s", args["path"], args["dest"]), nil
}

func (fs *FileToolset) listDir(ctx context.Context, args map[string]any) (string, error) {
	path, err := fs.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", types.NewFailure(types.FailTool, true, "list %s: %v", args["path"], err).Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, _ := json.Marshal(names)
	return string(out), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// diffSummary reports insertion and deletion counts between two versions.
func diffSummary(before, after string) string {
	if before == "" {
		return "new file"
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return fmt.Sprintf("+%d/-%d bytes", added, removed)
}
