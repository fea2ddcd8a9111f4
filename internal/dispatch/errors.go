// ABOUTME: Error type returned when consuming an agent stream fails
// ABOUTME: Records whether the user already received an error notice

package dispatch

import "fmt"

// StreamError wraps a failure that aborted an invocation's event loop.
type StreamError struct {
	Err error
	// Notified is true when the error notice reached the destination.
	Notified bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
