package espnow

import "errors"

// Facade error kinds. Errors from collaborators are mapped onto these
// before they reach the caller; use errors.Is to classify.
var (
	// ErrInvalidState is returned for calls before Start, double starts,
	// pairing started while active, or a confirm with nothing captured.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArg is returned for malformed addresses, oversized
	// payloads and missing required configuration.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrNotFound is returned when an operation names an unknown node id.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when the TX queue stays full past the
	// submission timeout.
	ErrTimeout = errors.New("timed out")

	// ErrFailed is returned for radio or storage failures that cannot
	// be masked.
	ErrFailed = errors.New("operation failed")
)
