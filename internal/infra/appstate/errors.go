package appstate

import "errors"

var (
	// ErrInvalidStateTransition is returned when the requested transition is
	// not legal from the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAlreadyTerminated is returned for any state change attempted after
	// the application reached the terminated state.
	ErrAlreadyTerminated = errors.New("application already terminated")
)
