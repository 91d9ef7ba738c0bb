package broker

import (
	"fmt"
	"time"
)

// SubmissionError reports that a request never reached the work channel.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("service temporarily unavailable: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsUnavailable reports that the failure came from the queue, not the request.
func (e *SubmissionError) IsUnavailable() bool { return true }

// TimeoutError reports that no correlated reply arrived before the deadline.
// The request may still be processed later; its reply is then dropped.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for %s within %s", e.CorrelationID, e.Timeout)
}

// RemoteError carries the message of a handler-reported failure.
type RemoteError struct {
	CorrelationID string
	Message       string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}
