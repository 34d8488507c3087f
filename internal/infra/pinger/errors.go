package pinger

import "errors"

var (
	// ErrPingerNotFound is returned when no pinger is registered under the
	// requested name.
	ErrPingerNotFound = errors.New("pinger not found")

	// ErrPingerAlreadyRegistered is returned when a name is registered twice.
	ErrPingerAlreadyRegistered = errors.New("pinger already registered")
)
