package fetch

import "errors"

// Fetch errors.
var (
	// ErrFetchLimitExceeded is returned when a run asks for more distinct
	// URLs than one dispatch may fetch.
	ErrFetchLimitExceeded = errors.New("fetch limit exceeded")

	// ErrFetchProtocol is returned when the cell reports a miss for a URL
	// that is already in the cache it was given.
	ErrFetchProtocol = errors.New("fetch protocol violation")

	// ErrUnsupportedURL is returned for anything but absolute http(s) URLs.
	ErrUnsupportedURL = errors.New("unsupported url")

	// ErrBodyTooLarge is returned when a response body exceeds the size cap.
	ErrBodyTooLarge = errors.New("response body too large")
)
