package upstream

import (
	"errors"
	"fmt"
)

// The client sorts every failure into one of three buckets, because each
// bucket has a different recovery policy:
//
//   - transient (offline, timeout, 5xx): safe to queue for offline replay
//   - rate limited (429): retried with backoff, then surfaced
//   - rejected (other 4xx with a business reason): surfaced, never retried
var (
	ErrTransient   = errors.New("transient upstream failure")
	ErrRateLimited = errors.New("upstream rate limited")
)

// RejectedError is an application-level rejection (e.g. an invalid coupon).
// Replaying it cannot succeed, so it must never enter the offline queue.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream rejected (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream rejected (%d): %s", e.Status, e.Message)
}

// IsTransient reports whether err may be queued and replayed later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether err is a business rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
