package api

import "fmt"

// NetworkError reports a transport-level failure: the request never
// produced an HTTP response. Network errors are transient and retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("api: %s: network failure: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports that the server answered with an unexpected status
// or body shape. It is fatal for the attempt that produced it; the caller's
// retry loop decides whether to try again.
type ProtocolError struct {
	Op      string
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("api: %s: unexpected status %d: %s", e.Op, e.Status, e.Message)
}
