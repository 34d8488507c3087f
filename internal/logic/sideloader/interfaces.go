package sideloader

import "context"

// UnitManager is the port for the host process lifecycle interface.
// The production implementation shells out to systemd; tests use an
// in-memory fake.
type UnitManager interface {
	StartTransient(ctx context.Context, unit, slice, workingDir string, envs, argv []string) error
	Stop(ctx context.Context, unit string) error
	ResetFailed(ctx context.Context, unit string) error
	ActiveStatus(ctx context.Context, unit string) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	SetProperty(ctx context.Context, unit string, props ...string) error
	DaemonReload(ctx context.Context) error
}

// killer delivers SIGKILL to a pid. Split out so registry tests do not
// shoot real processes.
type killer interface {
	Kill(pid int) error
}

// MetricsRecorder publishes per-tick observability counters.
type MetricsRecorder interface {
	RecordTick()
	RecordState(critical, overloaded bool)
	RecordJobs(total, active, frozen, pending int)
	RecordKill(cause string)
	RecordCPUAvail(pct float64)
	RecordSyscfgWarnings(count int)
}
