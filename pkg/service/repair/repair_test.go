package repair_test

import (
	"encoding/json"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/memgate/memgate/pkg/service/repair"
)

func TestRepairValidInputUnchanged(t *testing.T) {
	testCases := []string{
		`{"facts": ["Name is Ana"]}`,
		`{"facts": []}`,
		`{"results": [{"id": "x"}], "relations": {"added_entities": []}}`,
		`[]`,
		`["a", "b"]`,
	}

	for _, tc := range testCases {
		t.Run(tc, func(t *testing.T) {
			gt.Equal(t, repair.Repair(tc), tc)
			// Idempotence on already-valid input
			gt.Equal(t, repair.Repair(repair.Repair(tc)), tc)
		})
	}
}

func TestRepairEmptyInput(t *testing.T) {
	testCases := []string{"", "   ", "\n\t", "```json\n```", "```\n\n```"}

	for _, tc := range testCases {
		gt.Equal(t, repair.Repair(tc), repair.CanonicalEmpty)
	}
}

func TestRepairFencedContent(t *testing.T) {
	inner := `{"facts": ["Likes coffee"]}`
	testCases := []string{
		"```json\n" + inner + "\n```",
		"```\n" + inner + "\n```",
		"```json" + inner + "```",
	}

	for _, tc := range testCases {
		t.Run(tc, func(t *testing.T) {
			gt.Equal(t, repair.Repair(tc), repair.Repair(inner))
			gt.Equal(t, repair.Repair(tc), inner)
		})
	}
}

func TestRepairBareArray(t *testing.T) {
	out := repair.Repair(`["Likes pizza", "Likes coffee"]` + "trailing garbage")
	gt.Equal(t, out, repair.CanonicalEmpty)

	// A fenced bare array inside an invalid envelope gets wrapped
	out = repair.Repair("```json\n" + `["Likes pizza"]` + "\n```")
	gt.Equal(t, out, `["Likes pizza"]`)
}

func TestRepairFreeTextBecomesSingleFact(t *testing.T) {
	out := repair.Repair(`The user's name is "Ana"`)

	var payload struct {
		Facts []string `json:"facts"`
	}
	gt.NoError(t, json.Unmarshal([]byte(out), &payload))
	gt.A(t, payload.Facts).Length(1)
	gt.Equal(t, payload.Facts[0], `The user's name is "Ana"`)
}

func TestRepairBrokenObjectFallsBack(t *testing.T) {
	testCases := []string{
		`{"facts": ["unterminated`,
		`{not json at all}`,
		`{"facts": [}]`,
	}

	for _, tc := range testCases {
		t.Run(tc, func(t *testing.T) {
			gt.Equal(t, repair.Repair(tc), repair.CanonicalEmpty)
		})
	}
}

func TestRepairAlwaysYieldsValidJSON(t *testing.T) {
	inputs := []string{
		"", "garbage", "```", `{"x":`, "[1,2,", "plain sentence",
		"```json\nnot json\n```", `"quoted"`,
	}

	for _, in := range inputs {
		out := repair.Repair(in)
		gt.True(t, json.Valid([]byte(out)))
	}
}
