package pinger

import "context"

// Pinger is a component liveness probe polled on the service interval.
// The arbitration loop, the metrics server and similar long-lived
// components implement it to report whether they are still making progress.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}
