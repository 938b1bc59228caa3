package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redsand/rev-sub002/internal/repocontext"
)

// RevContext is the run-scoped shared state: the request, the current repo
// snapshot, cross-component signals, and the bookkeeping the reevaluation
// gate and the prompts read. All access is lock-guarded; no lock is held
// across an LM call.
type RevContext struct {
	mu sync.Mutex

	userRequest      string
	optimizedRequest string
	snapshot         *repocontext.Snapshot

	// agentRequests is a queue of cross-component signals, e.g.
	// "replan_immediately: <reason>".
	agentRequests []string

	// insights carries durable findings from the learning and research
	// phases into planner prompts.
	insights map[string]string

	// filesInspected is a multiset of read paths, surfaced to agents so the
	// model stops re-reading files it has seen.
	filesInspected map[string]int

	// completedFiles maps path -> last operation, for the reevaluation gate.
	completedFiles map[string]string
}

func newRevContext(request string) *RevContext {
	return &RevContext{
		userRequest:    request,
		insights:       make(map[string]string),
		filesInspected: make(map[string]int),
		completedFiles: make(map[string]string),
	}
}

// Request returns the optimized rewrite when present, else the original.
func (c *RevContext) Request() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.optimizedRequest != "" {
		return c.optimizedRequest
	}
	return c.userRequest
}

func (c *RevContext) SetOptimizedRequest(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optimizedRequest = text
}

func (c *RevContext) SetSnapshot(s *repocontext.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
}

func (c *RevContext) Snapshot() *repocontext.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// PushRequest enqueues a cross-component signal.
func (c *RevContext) PushRequest(signal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentRequests = append(c.agentRequests, signal)
}

// PopRequest dequeues the oldest signal, if any.
func (c *RevContext) PopRequest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agentRequests) == 0 {
		return "", false
	}
	signal := c.agentRequests[0]
	c.agentRequests = c.agentRequests[1:]
	return signal, true
}

func (c *RevContext) AddInsight(topic, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insights[topic] = content
}

func (c *RevContext) NoteInspected(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesInspected[path]++
}

func (c *RevContext) NoteCompleted(path, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedFiles[path] = operation
}

// PromptContext renders the shared state for inclusion in agent prompts.
func (c *RevContext) PromptContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	if c.snapshot != nil {
		b.WriteString(c.snapshot.Summary())
	}
	if len(c.insights) > 0 {
		b.WriteString("\n## Known insights\n")
		for _, topic := range sortedKeys(c.insights) {
			fmt.Fprintf(&b, "- %s: %s\n", topic, c.insights[topic])
		}
	}
	if len(c.filesInspected) > 0 {
		b.WriteString("\n## Files already inspected (avoid re-reading)\n")
		for _, p := range sortedCountKeys(c.filesInspected) {
			fmt.Fprintf(&b, "- %s (read %dx)\n", p, c.filesInspected[p])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 30 {
		keys = keys[:30]
	}
	return keys
}
