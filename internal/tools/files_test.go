package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/txn"
	"github.com/redsand/rev-sub002/internal/types"
)

func newFileFixture(t *testing.T) (*Registry, *filecache.Cache, string) {
	t.Helper()
	root := t.TempDir()
	reg := NewRegistry()
	cache := filecache.New()
	_, err := RegisterFileTools(reg, cache, root)
	require.NoError(t, err)
	return reg, cache, root
}

func TestWriteThenReadSeesWrittenBytes(t *testing.T) {
	reg, cache, root := newFileFixture(t)
	ctx := context.Background()

	// Warm the cache with the original content.
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	_, err := cache.Get(path)
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "write_file", map[string]any{"path": "a.txt", "content": "new"})
	require.NoError(t, err)

	result, err := reg.Execute(ctx, "read_file", map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "new", result.Output)
}

func TestPathEscapeRejected(t *testing.T) {
	reg, _, _ := newFileFixture(t)

	_, err := reg.Execute(context.Background(), "read_file", map[string]any{"path": "../outside.txt"})
	require.Error(t, err)

	var failure *types.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, types.FailInvariant, failure.Kind)
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestSymlinkEscapeRejected(t *testing.T) {
	reg, _, root := newFileFixture(t)

	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := reg.Execute(context.Background(), "write_file", map[string]any{
		"path": "link/evil.txt", "content": "x",
	})
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestReplaceInFileRequiresUniqueMatch(t *testing.T) {
	reg, _, root := newFileFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("x x"), 0o644))

	_, err := reg.Execute(ctx, "replace_in_file", map[string]any{
		"path": "b.txt", "old_string": "x", "new_string": "y",
	})
	require.Error(t, err)
	var failure *types.Failure
	require.True(t, errors.As(err, &failure))
	assert.Contains(t, failure.Hint, "replace_all")

	result, err := reg.Execute(ctx, "replace_in_file", map[string]any{
		"path": "b.txt", "old_string": "x", "new_string": "y", "replace_all": true,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "replaced 2")

	got, err := os.ReadFile(filepath.Join(root, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "y y", string(got))
}

func TestDeleteRecordsIntoTransaction(t *testing.T) {
	reg, _, root := newFileFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.txt"), []byte("data"), 0o644))

	tx := txn.New("task-1")
	reg.SetTransaction(tx)
	defer reg.SetTransaction(nil)

	_, err := reg.Execute(ctx, "delete_file", map[string]any{"path": "c.txt"})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(root, "c.txt"))
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, tx.Rollback())
	got, err := os.ReadFile(filepath.Join(root, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestMoveInvalidatesBothPaths(t *testing.T) {
	reg, cache, root := newFileFixture(t)
	ctx := context.Background()

	src := filepath.Join(root, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	_, err := cache.Get(src)
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "move_file", map[string]any{"path": "src.txt", "dest": "sub/dst.txt"})
	require.NoError(t, err)

	_, err = cache.Get(src)
	assert.Error(t, err, "source is gone")

	result, err := reg.Execute(ctx, "read_file", map[string]any{"path": "sub/dst.txt"})
	require.NoError(t, err)
	assert.Equal(t, "payload", result.Output)
}

func TestReadMissingFile(t *testing.T) {
	reg, _, _ := newFileFixture(t)

	_, err := reg.Execute(context.Background(), "read_file", map[string]any{"path": "nope.txt"})
	require.Error(t, err)
	var failure *types.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, types.FailTool, failure.Kind)
	assert.True(t, failure.Recoverable)
}
