package capability

import "errors"

// Capability errors.
var (
	// ErrValidation is returned when a script fails its compile-check: it
	// defines neither OnMessage nor a periodic job, or a declaration is malformed.
	ErrValidation = errors.New("validation error")

	// ErrCapabilityMisuse is returned when a script calls a capability in a way
	// it is not allowed to (periodic stub called directly, unstorable value, ...).
	ErrCapabilityMisuse = errors.New("capability misuse")

	// errFetchNeeded aborts a run whose Curl missed the fetch cache. It never
	// escapes the sandbox; callers read MissingURL instead.
	errFetchNeeded = errors.New("fetch needed")
)
