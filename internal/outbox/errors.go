package outbox

import "fmt"

// FatalLocalError means the action could not be persisted locally. It is
// surfaced to the caller immediately; nothing was queued.
type FatalLocalError struct {
	Err error
}

func (e FatalLocalError) Error() string { return "outbox: " + e.Err.Error() }
func (e FatalLocalError) Unwrap() error { return e.Err }

// TransientError is a delivery failure worth retrying: 5xx, transport,
// or a 401/403/408/429 answer.
type TransientError struct {
	Status int
	Err    error
}

func (e TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient delivery failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// PermanentError is any other 4xx rejection. The envelope is discarded.
type PermanentError struct {
	Status int
	Err    error
}

func (e PermanentError) Error() string {
	return fmt.Sprintf("rejected by server (status %d): %v", e.Status, e.Err)
}

func (e PermanentError) Unwrap() error { return e.Err }

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}
