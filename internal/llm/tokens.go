package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/redsand/rev-sub002/internal/types"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoder returns a shared cl100k_base encoder. Model-specific encodings
// differ little for budget accounting, and cl100k works offline.
func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountText estimates the token count of a string. Falls back to a
// bytes/4 heuristic when the encoding data is unavailable.
func CountText(s string) int {
	if e := encoder(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// CountMessages estimates the prompt-side token count of a conversation,
// used for budget accounting when the provider reports no usage.
func CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += CountText(m.Content) + 4 // role and framing overhead
		for _, tc := range m.ToolCalls {
			total += CountText(tc.Name) + 8
		}
	}
	return total
}
