package sideloader

import "errors"

var (
	// ErrInvalidJobID is returned for a job id outside [A-Za-z0-9._-].
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrDuplicateJobID aborts loading of the job file that carries it.
	ErrDuplicateJobID = errors.New("duplicate job id")

	// ErrParamsLoad wraps daemon parameter file load failures.
	ErrParamsLoad = errors.New("load params")

	// ErrParamsField is returned for a missing or out-of-range parameter.
	ErrParamsField = errors.New("invalid parameter")

	// ErrSampleSource marks a metrics source read failure. The overload
	// decision must never run on missing data, so this is fatal for the
	// daemon.
	ErrSampleSource = errors.New("metrics source unavailable")
)
