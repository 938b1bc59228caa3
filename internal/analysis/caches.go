// Package analysis holds the wholesale-flushable caches that sit behind the
// planner and the verifier: model responses, parsed ASTs, and per-file
// dependency edges. Unlike the file-state cache these are not invalidated
// per path; a cross-file analysis depends on many file identities, so the
// orchestrator flushes them wholesale at phase boundaries after any task
// batch that mutated the filesystem.
package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/types"
)

const (
	responseCacheSize = 512
	astCacheSize      = 1024
)

// Caches bundles the three analysis caches. Lifecycle-scoped by the
// orchestrator; tests construct independent instances.
type Caches struct {
	responses *lru.Cache[string, string]
	asts      *lru.Cache[string, *FileAST]

	mu       sync.Mutex
	depGraph map[string][]string // file -> files it depends on
}

// New creates empty caches.
func New() *Caches {
	responses, _ := lru.New[string, string](responseCacheSize)
	asts, _ := lru.New[string, *FileAST](astCacheSize)
	return &Caches{
		responses: responses,
		asts:      asts,
		depGraph:  make(map[string][]string),
	}
}

// ResponseKey derives a deterministic cache key from everything that shapes
// a model call. Any change in provider, model, messages, or tool schemas
// produces a different key.
func ResponseKey(provider, model string, messages []types.Message, tools []types.ToolDefinition) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(provider)
	_ = enc.Encode(model)
	_ = enc.Encode(messages)
	_ = enc.Encode(tools)
	return hex.EncodeToString(h.Sum(nil))
}

// GetResponse looks up a cached model response.
func (c *Caches) GetResponse(key string) (string, bool) {
	return c.responses.Get(key)
}

// PutResponse stores a model response.
func (c *Caches) PutResponse(key, response string) {
	c.responses.Add(key, response)
}

// GetAST looks up a parsed file. The key includes the content hash, so a
// stale entry can never be returned for changed content.
func (c *Caches) GetAST(key string) (*FileAST, bool) {
	return c.asts.Get(key)
}

// PutAST stores a parsed file.
func (c *Caches) PutAST(key string, ast *FileAST) {
	c.asts.Add(key, ast)
}

// SetDeps records the dependency edges for a file.
func (c *Caches) SetDeps(file string, deps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depGraph[file] = deps
}

// Deps returns the recorded dependency edges for a file.
func (c *Caches) Deps(file string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depGraph[file]
}

// ClearAll flushes every cache. Idempotent: a second call after the first
// is a no-op on already-empty caches.
func (c *Caches) ClearAll() {
	c.responses.Purge()
	c.asts.Purge()
	c.mu.Lock()
	c.depGraph = make(map[string][]string)
	c.mu.Unlock()
	logging.CacheDebug("analysis caches cleared")
}

// Sizes reports entry counts for diagnostics.
func (c *Caches) Sizes() (responses, asts, deps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses.Len(), c.asts.Len(), len(c.depGraph)
}
