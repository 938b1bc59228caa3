package orchestrator

import (
	"encoding/json"
	"sync"
)

const (
	// A path read this many times within one task is treated as looping.
	loopReadLimit = 4
	// The same (tool, args) tuple repeated this many times is looping.
	loopTupleLimit = 3
)

// loopGuard detects a sub-agent spinning its wheels: repeated reads of the
// same path or repeated identical tool-call tuples. A trip forces a replan
// with a hint instead of letting the loop burn the iteration budget.
type loopGuard struct {
	mu      sync.Mutex
	reads   map[string]int
	tuples  map[string]int
	tripped bool
}

func newLoopGuard() *loopGuard {
	return &loopGuard{reads: make(map[string]int), tuples: make(map[string]int)}
}

// Note records one tool call and reports whether the guard tripped.
func (g *loopGuard) Note(tool string, args map[string]any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tool == "read_file" {
		if path, ok := args["path"].(string); ok {
			g.reads[path]++
			if g.reads[path] >= loopReadLimit {
				g.tripped = true
			}
		}
	}

	raw, err := json.Marshal(args) // map marshaling sorts keys, so the tuple is canonical
	if err == nil {
		key := tool + "|" + string(raw)
		g.tuples[key]++
		if g.tuples[key] >= loopTupleLimit {
			g.tripped = true
		}
	}
	return g.tripped
}

// Tripped reports whether looping was detected.
func (g *loopGuard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Reset clears state between tasks.
func (g *loopGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads = make(map[string]int)
	g.tuples = make(map[string]int)
	g.tripped = false
}
