package resilient

import (
	"errors"
	"strings"

	"github.com/memgate/memgate/pkg/adapter/memengine"
)

// parseFailureSignatures are message fragments that historically identified
// structural parse failures from engines that do not tag their errors. Kept
// as a fallback behind the errors.Is check; the set intentionally matches the
// legacy heuristic even though it may overmatch (e.g. any message mentioning
// "json").
var parseFailureSignatures = []string{
	"Expecting value",
	"JSON",
	"line 1 column 1",
	"Unterminated string",
	"Invalid control character",
	"json",
	"unexpected end of",
	"invalid character",
}

// isParseFailure reports whether an engine error is a structural/parse
// failure eligible for the fallback chain. Tagged errors are checked first;
// untagged errors fall back to message-signature matching.
func isParseFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, memengine.ErrMalformedResponse) {
		return true
	}

	msg := err.Error()
	for _, sig := range parseFailureSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
