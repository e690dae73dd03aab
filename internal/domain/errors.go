package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAttemptNotFound is returned when no attempt matches the lookup.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAssessmentNotFound indicates the assessment content could not be loaded.
	ErrAssessmentNotFound = errors.New("assessment not found")
	// ErrAttemptLimitExceeded is returned when the learner has used every allowed attempt.
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	// ErrAlreadyOpen is returned by stores when an open attempt already exists for the pair.
	ErrAlreadyOpen = errors.New("an attempt is already in progress")
	// ErrOutsideAvailabilityWindow is returned when start is requested outside the open window.
	ErrOutsideAvailabilityWindow = errors.New("assessment is not available at this time")
	// ErrDeadlineElapsed marks a write that arrived after the attempt's deadline.
	ErrDeadlineElapsed = errors.New("deadline elapsed")
	// ErrAlreadyCompleted is returned when writing to a finalized attempt.
	ErrAlreadyCompleted = errors.New("attempt already completed")
	// ErrSubmissionWindowClosed is returned when an assignment's late window has passed.
	ErrSubmissionWindowClosed = errors.New("submission window closed")
	// ErrInvalidAnswer indicates a malformed request payload.
	ErrInvalidAnswer = errors.New("invalid answer payload")
	// ErrForbidden indicates the caller does not own the attempt.
	ErrForbidden = errors.New("attempt belongs to another learner")
	// ErrConcurrentUpdate is returned when optimistic retries are exhausted.
	ErrConcurrentUpdate = errors.New("attempt modified concurrently")
)

// DeadlineElapsedError carries the forced final result produced when a write
// discovers that time ran out.
type DeadlineElapsedError struct {
	Result Result
}

func (e *DeadlineElapsedError) Error() string {
	return fmt.Sprintf("%s: attempt %s was submitted automatically", ErrDeadlineElapsed, e.Result.AttemptID)
}

// Is lets errors.Is match ErrDeadlineElapsed.
func (e *DeadlineElapsedError) Is(target error) bool {
	return target == ErrDeadlineElapsed
}

// Error kinds surfaced to presenters.
const (
	KindAttemptLimitExceeded      = "AttemptLimitExceeded"
	KindAlreadyOpen               = "AlreadyOpen"
	KindOutsideAvailabilityWindow = "OutsideAvailabilityWindow"
	KindDeadlineElapsed           = "DeadlineElapsed"
	KindAlreadyCompleted          = "AlreadyCompleted"
	KindSubmissionWindowClosed    = "SubmissionWindowClosed"
	KindNotFound                  = "NotFound"
	KindInvalidRequest            = "InvalidRequest"
	KindForbidden                 = "Forbidden"
	KindUnavailable               = "Unavailable"
)

// KindOf maps err onto the presenter-facing taxonomy. Unknown errors are
// treated as transient store failures.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAttemptLimitExceeded):
		return KindAttemptLimitExceeded
	case errors.Is(err, ErrAlreadyOpen):
		return KindAlreadyOpen
	case errors.Is(err, ErrOutsideAvailabilityWindow):
		return KindOutsideAvailabilityWindow
	case errors.Is(err, ErrDeadlineElapsed):
		return KindDeadlineElapsed
	case errors.Is(err, ErrAlreadyCompleted):
		return KindAlreadyCompleted
	case errors.Is(err, ErrSubmissionWindowClosed):
		return KindSubmissionWindowClosed
	case errors.Is(err, ErrAttemptNotFound), errors.Is(err, ErrAssessmentNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAnswer):
		return KindInvalidRequest
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindUnavailable
	}
}

// Terminal reports whether err means the attempt can no longer accept writes.
func Terminal(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrDeadlineElapsed)
}
