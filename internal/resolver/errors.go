package resolver

import (
	"errors"
	"fmt"
)

// ErrInvalidReference means a room reference is neither a live URL nor a
// numeric id. It is never retried.
var ErrInvalidReference = errors.New("invalid live room link or id")

// TransportError wraps the last underlying error after the bounded retry
// budget for one upstream call is exhausted.
type TransportError struct {
	Last error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream request failed: %v", e.Last)
}

func (e *TransportError) Unwrap() error { return e.Last }

// NoStreamFoundError means every quality tier produced zero usable
// candidates. Last carries the most recent transport error, if any.
type NoStreamFoundError struct {
	Last error
}

func (e *NoStreamFoundError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("no playable stream candidate found (last error: %v)", e.Last)
	}
	return "no playable stream candidate found"
}

func (e *NoStreamFoundError) Unwrap() error { return e.Last }
