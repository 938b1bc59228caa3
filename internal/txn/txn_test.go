package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRestoresOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	tx := New("task-1")
	require.NoError(t, tx.RecordWrite("write_file", path))
	require.NoError(t, os.WriteFile(path, []byte("modified"), 0o644))

	require.NoError(t, tx.Rollback())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestRollbackRemovesCreatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")

	tx := New("task-1")
	require.NoError(t, tx.RecordWrite("write_file", path))
	require.NoError(t, os.WriteFile(path, []byte("fresh"), 0o644))

	require.NoError(t, tx.Rollback())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackRestoresDeletedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o600))

	tx := New("task-1")
	require.NoError(t, tx.RecordDelete("delete_file", path))
	require.NoError(t, os.Remove(path))

	require.NoError(t, tx.Rollback())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRollbackUndoesMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	tx := New("task-1")
	require.NoError(t, tx.RecordMove("move_file", src, dst))
	require.NoError(t, os.Rename(src, dst))

	require.NoError(t, tx.Rollback())

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackReverseOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq.txt")

	// Create then overwrite the same file in one transaction. Reverse-order
	// rollback must end with the file gone, not with the intermediate
	// content.
	tx := New("task-1")
	require.NoError(t, tx.RecordWrite("write_file", path))
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	require.NoError(t, tx.RecordWrite("write_file", path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	require.NoError(t, tx.Rollback())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCommandEventsSurviveRollback(t *testing.T) {
	tx := New("task-1")
	require.NoError(t, tx.RecordCommand("run_cmd", "go vet ./..."))
	require.NoError(t, tx.Rollback())

	events := tx.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCommand, events[0].Kind)
}

func TestClosedTransactionRejectsRecords(t *testing.T) {
	tx := New("task-1")
	tx.Commit()
	assert.Error(t, tx.RecordCommand("run_cmd", "ls"))
	assert.Error(t, tx.Rollback())
}
