package memory

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/memgate/memgate/pkg/adapter/memengine"
)

// parseObject decodes a JSON object argument. Empty input means no object.
func parseObject(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// isJSONArray reports whether the input is valid JSON whose top-level value
// is an array. Used to distinguish "wrong shape" from "not JSON at all".
func isJSONArray(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return false
	}
	return json.Valid([]byte(trimmed))
}

func isNotFound(err error) bool {
	return errors.Is(err, memengine.ErrNotFound)
}

// isDeletionError recognizes the degraded delete_all envelope produced by the
// resilient client when the engine call failed.
func isDeletionError(msg string) bool {
	return strings.HasPrefix(msg, "Error during deletion:")
}
