package sideloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// TelemetryRecord is one emission of the per-interval counters, mirrored to
// the telemetry file and forwarded as a single line to the forward command.
type TelemetryRecord struct {
	Int    TelemetryInts   `json:"int"`
	Float  TelemetryFloats `json:"float"`
	Normal TelemetryLabels `json:"normal"`
}

type TelemetryInts struct {
	Time          int64 `json:"time"`
	Critical      bool  `json:"critical"`
	Overload      bool  `json:"overload"`
	NrJobs        int   `json:"nr-jobs"`
	NrActiveJobs  int   `json:"nr-active-jobs"`
	NrFrozenJobs  int   `json:"nr-frozen-jobs"`
	NrPendingJobs int   `json:"nr-pending-jobs"`
}

type TelemetryFloats struct {
	CPUCurIdle  float64 `json:"cpu-cur-idle"`
	CPUCurSide  float64 `json:"cpu-cur-side"`
	CPUAvgIdle  float64 `json:"cpu-avg-idle"`
	CPUAvgSide  float64 `json:"cpu-avg-side"`
	CPUAvail    float64 `json:"cpu-avail"`
	MemP1Min    float64 `json:"mempressure-1min"`
	MemP5Min    float64 `json:"mempressure-5min"`
	IOP1Min     float64 `json:"iopressure-1min"`
	IOP5Min     float64 `json:"iopressure-5min"`
	SwapFreePct float64 `json:"swap-free-pct"`
}

type TelemetryLabels struct {
	Hostname string `json:"hostname"`
}

// TelemetrySink rate limits telemetry emission and forwards each record by
// spawning the configured forward command. A forward failure disables
// forwarding for the rest of the process lifetime, the file mirror keeps
// going.
type TelemetrySink struct {
	logger   *slog.Logger
	path     string
	command  []string
	hostname string

	lastAt   time.Time
	inflight atomic.Bool
	disabled bool
}

func NewTelemetrySink(logger *slog.Logger, path string, command []string) *TelemetrySink {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &TelemetrySink{
		logger:   logger,
		path:     path,
		command:  command,
		hostname: hostname,
		disabled: len(command) == 0,
	}
}

// ShouldEmit gates on the configured category and interval, and suppresses
// emission while a previously spawned forward process is still running.
func (t *TelemetrySink) ShouldEmit(now time.Time, category string, interval time.Duration) bool {
	if category == "" || t.path == "" {
		return false
	}

	if now.Unix()-t.lastAt.Unix() < int64(interval/time.Second) {
		return false
	}

	return !t.inflight.Load()
}

// Emit mirrors rec to the telemetry file and forwards it as one JSON line.
func (t *TelemetrySink) Emit(ctx context.Context, now time.Time, category string, rec TelemetryRecord) {
	rec.Normal.Hostname = t.hostname

	if err := writeJSONAtomic(rec, t.path); err != nil {
		t.logger.WarnContext(ctx, "telemetry: failed to write record", "reason", err)
	}

	t.lastAt = now

	if t.disabled {
		return
	}

	line, err := json.Marshal(rec)
	if err != nil {
		t.logger.WarnContext(ctx, "telemetry: failed to marshal record", "reason", err)

		return
	}

	args := make([]string, 0, len(t.command)+1)
	args = append(args, t.command[1:]...)
	args = append(args, category, string(line))

	cmd := exec.Command(t.command[0], args...)
	if err := cmd.Start(); err != nil {
		t.logger.WarnContext(ctx, fmt.Sprintf(
			"telemetry: failed to run %s, disabling forwarding", t.command[0]), "reason", err)
		t.disabled = true

		return
	}

	t.inflight.Store(true)

	go func() {
		_ = cmd.Wait()
		t.inflight.Store(false)
	}()
}
