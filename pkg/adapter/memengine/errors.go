package memengine

import "github.com/m-mizutani/goerr/v2"

// Closed error kinds at the engine boundary. Engine-specific failures are
// mapped into these once, here, so callers classify with errors.Is instead of
// re-matching message strings at every call site.
var (
	// ErrMalformedResponse marks structural failures: the engine produced
	// output that could not be parsed into the expected shape.
	ErrMalformedResponse = goerr.New("malformed engine response")

	// ErrNotFound marks lookups of memories the engine does not know.
	ErrNotFound = goerr.New("memory not found")

	// ErrUnavailable marks transport-level failures reaching the engine.
	ErrUnavailable = goerr.New("memory engine unavailable")
)
