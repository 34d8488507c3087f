package sideloader

import "time"

const (
	// TickInterval is the fixed control loop period.
	TickInterval = 1 * time.Second

	// SvcSuffix is appended to job ids to form transient unit names.
	SvcSuffix = ".service"

	// statusUnknown is reported when the unit manager has no Active line.
	statusUnknown = "<UNKNOWN>"

	// Config invariant checks run often while jobs are active and rarely
	// when the host is idle.
	checkIntervalBusy = 10 * time.Second
	checkIntervalIdle = 60 * time.Second

	percentMax = 100.0
)
