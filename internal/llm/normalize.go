package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/types"
)

// NormalizeArgs parses a JSON-in-string argument payload into a map.
// Near-JSON (trailing commas, single quotes, unquoted keys) is repaired
// before giving up; models produce it often enough that a hard parse
// failure here would waste a whole round trip.
func NormalizeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, types.NewFailure(types.FailSchema, true,
			"tool arguments are not valid JSON: %.120s", raw).
			WithHint("emit arguments as a single JSON object").
			Wrap(err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, types.NewFailure(types.FailSchema, true,
			"tool arguments unparseable after repair: %.120s", raw).
			WithHint("emit arguments as a single JSON object").
			Wrap(err)
	}
	logging.LLMDebug("repaired malformed tool arguments (%d -> %d bytes)", len(raw), len(repaired))
	return args, nil
}

// EnsureCallID returns the given id, or a fresh unique one when the
// provider did not supply any.
func EnsureCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()[:12]
}
