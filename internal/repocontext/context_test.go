package repocontext

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "auth.go"),
		[]byte("package lib\n\nfunc AuthenticateUser() {}\n\ntype UserSession struct{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	return dir
}

func TestRefreshListsFiles(t *testing.T) {
	dir := seedRepo(t)
	snap, err := NewRefresher(dir).Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.HasFile("main.go"))
	assert.True(t, snap.HasFile("lib/auth.go"))
	assert.NotEmpty(t, snap.DirSummary)
}

func TestRefreshSkipsInternalDirs(t *testing.T) {
	dir := seedRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".rev_checkpoints"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".rev_checkpoints", "x.json"), []byte("{}"), 0o644))

	snap, err := NewRefresher(dir).Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.HasFile(".rev_checkpoints/x.json"))
}

func TestSameDirFiles(t *testing.T) {
	dir := seedRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "db.go"), []byte("package lib\n"), 0o644))

	snap, err := NewRefresher(dir).Refresh(context.Background())
	require.NoError(t, err)

	peers := snap.SameDirFiles("lib/auth.go")
	assert.Equal(t, []string{"lib/db.go"}, peers)
}

func TestSymbolSearch(t *testing.T) {
	dir := seedRepo(t)
	snap, err := NewRefresher(dir).Refresh(context.Background())
	require.NoError(t, err)

	hits := snap.Search("authenticate user", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "lib/auth.go", hits[0].Path)

	// Exact substring of an identifier also ranks.
	hits = snap.Search("UserSession", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "lib/auth.go", hits[0].Path)
}

func TestSearchEmptyQuery(t *testing.T) {
	dir := seedRepo(t)
	snap, err := NewRefresher(dir).Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Search("", 5))
}
