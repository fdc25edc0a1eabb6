package timer

import "errors"

var (
	// ErrInvalidArgument is returned for negative or NaN durations and
	// nil callbacks.
	ErrInvalidArgument = errors.New("timer: invalid argument")

	// ErrInvalidState is returned when an operation is not allowed in the
	// timer's current state (e.g. Cancel on a stopped timer).
	ErrInvalidState = errors.New("timer: invalid state transition")

	// ErrTimedOut is the sentinel returned by WithTimeout when the timer
	// expires before the operation completes. It signals a timeout, not a
	// failure of the operation itself.
	ErrTimedOut = errors.New("timer: timed out")
)
