// Package repair normalizes raw engine text output into parseable JSON.
// The heuristics guarantee shape validity only, never semantic correctness.
package repair

import (
	"encoding/json"
	"strings"
)

// CanonicalEmpty is the result used when nothing can be salvaged.
const CanonicalEmpty = `{"facts": []}`

// Repair takes raw generation output, which may be empty, fenced in markdown
// delimiters, or partially valid JSON, and returns text guaranteed to parse
// as JSON. It is total: every input yields a valid result, falling back to
// CanonicalEmpty. Already-valid JSON passes through unchanged.
func Repair(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return CanonicalEmpty
	}

	text = stripFence(text)
	if text == "" {
		return CanonicalEmpty
	}

	if json.Valid([]byte(text)) {
		return text
	}

	if strings.HasPrefix(text, "[") {
		// Likely a bare facts array.
		wrapped := `{"facts": ` + text + `}`
		if json.Valid([]byte(wrapped)) {
			return wrapped
		}
		return CanonicalEmpty
	}

	if strings.HasPrefix(text, "{") {
		// Broken object; nothing safe to salvage.
		return CanonicalEmpty
	}

	// Free text: keep it as a single opaque fact.
	escaped, err := json.Marshal(text)
	if err != nil {
		return CanonicalEmpty
	}
	wrapped := `{"facts": [` + string(escaped) + `]}`
	if json.Valid([]byte(wrapped)) {
		return wrapped
	}
	return CanonicalEmpty
}

// stripFence removes one layer of markdown code fence markers.
func stripFence(text string) string {
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
