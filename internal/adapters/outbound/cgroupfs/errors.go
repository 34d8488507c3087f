package cgroupfs

import "errors"

var (
	// ErrMalformedLine is returned when a pseudo-file line does not match
	// its expected record format.
	ErrMalformedLine = errors.New("malformed line")

	// ErrEmptyFile is returned when a first-line read finds no content.
	ErrEmptyFile = errors.New("empty file")
)
