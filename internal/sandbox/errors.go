package sandbox

import "errors"

// ErrResourceExceeded is returned when a run hits its wall-clock timeout or
// its memory ceiling. Dispatch treats it like any other script error.
var ErrResourceExceeded = errors.New("resource exceeded")
