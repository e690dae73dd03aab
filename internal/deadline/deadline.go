// Package deadline computes remaining time and overdue status for attempts.
// It performs no I/O and keeps no state; callers always pass "now" from a
// trusted server clock.
package deadline

import "time"

// Clock supplies the current time.
type Clock func() time.Time

// System returns the host clock in UTC.
func System() time.Time {
	return time.Now().UTC()
}

// Deadline derives the absolute deadline from a start time and limit.
// ok is false when limit is zero (unlimited).
func Deadline(startedAt time.Time, limit time.Duration) (time.Time, bool) {
	if limit <= 0 {
		return time.Time{}, false
	}
	return startedAt.Add(limit), true
}

// Remaining returns max(0, startedAt+limit-now). ok is false when the attempt
// has no time limit.
func Remaining(startedAt time.Time, limit time.Duration, now time.Time) (time.Duration, bool) {
	end, ok := Deadline(startedAt, limit)
	if !ok {
		return 0, false
	}
	return Until(end, now), true
}

// IsExpired reports whether a limited attempt has no time left.
func IsExpired(startedAt time.Time, limit time.Duration, now time.Time) bool {
	remaining, ok := Remaining(startedAt, limit, now)
	return ok && remaining <= 0
}

// Until clamps end-now at zero.
func Until(end, now time.Time) time.Duration {
	if d := end.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Window classifies an instant against an assignment's due date and late deadline.
type Window int

const (
	OnTime Window = iota
	Late
	Closed
)

// Classify places at within [.., due] OnTime, (due, closes] Late, and after closes Closed.
func Classify(due, closes, at time.Time) Window {
	switch {
	case !at.After(due):
		return OnTime
	case !at.After(closes):
		return Late
	default:
		return Closed
	}
}
