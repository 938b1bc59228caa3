// Package filecache implements the write-through file-state cache. Entries
// are keyed by (absolute path, mtime); a read hits only when the cached mtime
// matches the file on disk, so external edits are observed without any
// explicit invalidation. Mutating file tools must still call Invalidate on
// every path they touch before returning, which is what makes a read
// immediately after a write observe the written bytes even on filesystems
// with coarse mtime granularity.
package filecache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/redsand/rev-sub002/internal/logging"
)

// entry is one cached version of a file's content.
type entry struct {
	mtimeNS int64
	data    []byte
}

// Cache is a process-wide, lock-guarded map of path -> cached versions.
// Lifecycle is owned by the orchestrator: constructed at run start, disposed
// at run end. Tests construct independent instances.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]entry

	hits   int64
	misses int64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string][]entry)}
}

// normalize resolves a path to its absolute, cleaned form so that the same
// file always maps to the same key.
func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// Get returns the file's bytes. It serves from cache only when the on-disk
// mtime equals a cached version's mtime; otherwise it reads from disk and
// refreshes the cache. The returned slice must not be mutated by callers.
func (c *Cache) Get(path string) ([]byte, error) {
	key := normalize(path)

	info, err := os.Stat(key)
	if err != nil {
		// A vanished file invalidates every cached version.
		c.Invalidate(key)
		return nil, err
	}
	mtime := info.ModTime().UnixNano()

	c.mu.Lock()
	for _, e := range c.entries[key] {
		if e.mtimeNS == mtime {
			c.hits++
			c.mu.Unlock()
			return e.data, nil
		}
	}
	c.misses++
	c.mu.Unlock()

	data, err := os.ReadFile(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = append(c.entries[key], entry{mtimeNS: mtime, data: data})
	c.mu.Unlock()

	logging.CacheDebug("filecache miss: %s (%d bytes)", key, len(data))
	return data, nil
}

// Put records content for a path at its current on-disk mtime. Called by
// mutating tools after a successful write so the next Get hits warm.
func (c *Cache) Put(path string, data []byte) {
	key := normalize(path)
	info, err := os.Stat(key)
	if err != nil {
		return
	}
	mtime := info.ModTime().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Replace, don't append: a Put supersedes every older version.
	c.entries[key] = []entry{{mtimeNS: mtime, data: data}}
}

// Invalidate drops every cached version of a path. Happens-before the
// mutating tool handler returns, so a subsequent Get on any worker observes
// a miss or fresh content.
func (c *Cache) Invalidate(path string) {
	key := normalize(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stats returns hit/miss counters for diagnostics.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len reports the number of cached paths.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]entry)
}
