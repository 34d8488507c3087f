package httpserver

import "time"

const (
	defaultPort = "8080"

	// The status payload grows with the number of tracked side jobs, so
	// the write side gets more slack than the read side.
	readTimeout       = 3 * time.Second
	readHeaderTimeout = 3 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 90 * time.Second

	maxHeaderBytes = 1 << 12
)
