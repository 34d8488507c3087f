package sideloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OverloadInputs are the per-tick readings the state machine decides on.
type OverloadInputs struct {
	SwapFree   int64
	MemP1Min   float64
	MemP5Min   float64
	IOP5Min    float64
	CPUAvgIdle float64
	CPUAvgSide float64
}

// OverloadOutcome is what the control loop applies after an evaluation.
type OverloadOutcome struct {
	Critical    bool
	CriticalWhy string
	Overloaded  bool
	OverloadWhy string
	// KillAll carries the kill reason for every tracked job on entry to
	// or during the critical state.
	KillAll    bool
	KillReason string
}

// OverloadCtl is the critical/overload hysteresis state machine. Entering
// overload lengthens a hold that must elapse overload-free before side work
// resumes; the hold decays only while not overloaded and is clamped to
// [0, hold_max].
type OverloadCtl struct {
	logger *slog.Logger

	criticalAt  time.Time
	criticalWhy string

	overloadAt  time.Time
	overloadWhy string
	holdFrom    time.Time
	hold        time.Duration
}

func NewOverloadCtl(logger *slog.Logger) *OverloadCtl {
	return &OverloadCtl{logger: logger}
}

// Evaluate runs one tick of the state machine.
func (c *OverloadCtl) Evaluate(ctx context.Context, now time.Time, p *Params, in OverloadInputs) OverloadOutcome {
	var out OverloadOutcome

	critWhy := criticalCause(p, in)

	if critWhy != "" {
		if c.criticalAt.IsZero() {
			c.logger.InfoContext(ctx, "critical condition", "reason", critWhy)
			c.criticalAt = now
		}

		if c.overloadAt.IsZero() {
			c.overloadAt = now
		}

		c.overloadWhy = "resource critical"
		c.hold = p.OvHoldMax
		c.criticalWhy = critWhy

		out.KillAll = true
		out.KillReason = "resource critical " + critWhy
	} else if !c.criticalAt.IsZero() {
		c.logger.InfoContext(ctx, "critical condition ended, resuming normal operation")
		c.criticalAt = time.Time{}
		c.criticalWhy = ""
	}

	ovWhy := overloadCause(p, in)

	if ovWhy != "" {
		if c.overloadAt.IsZero() {
			c.hold = min(p.OvHold+c.hold, p.OvHoldMax)
			c.logger.InfoContext(ctx, "overload condition",
				"reason", ovWhy,
				"hold", c.hold.Truncate(time.Second).String(),
			)
			c.overloadAt = now
		}

		c.holdFrom = now
		c.overloadWhy = ovWhy
	} else {
		c.overloadWhy = ""

		if !c.overloadAt.IsZero() && now.After(c.holdFrom.Add(c.hold)) {
			c.logger.InfoContext(ctx, "overload condition ended, resuming normal operation")
			c.overloadAt = time.Time{}
		}
	}

	if c.overloadAt.IsZero() {
		// decay toward zero only while not overloaded
		c.hold = max(c.hold-p.OvHoldDecay, 0)
	}

	out.Critical = !c.criticalAt.IsZero()
	out.CriticalWhy = critWhy
	out.Overloaded = !c.overloadAt.IsZero()
	out.OverloadWhy = ovWhy

	return out
}

func criticalCause(p *Params, in OverloadInputs) string {
	switch {
	case in.SwapFree <= p.CritSwapFreeThr:
		return fmt.Sprintf("swap-left %dMB is lower than critical threshold %dMB",
			in.SwapFree>>20, p.CritSwapFreeThr>>20)
	case in.MemP5Min >= p.CritMemPThr:
		return fmt.Sprintf("5min memory pressure %.2f is higher than critical threshold %.2f",
			in.MemP5Min, p.CritMemPThr)
	case in.IOP5Min >= p.CritIOPThr:
		return fmt.Sprintf("5min io pressure %.2f is higher than critical threshold %.2f",
			in.IOP5Min, p.CritIOPThr)
	default:
		return ""
	}
}

func overloadCause(p *Params, in OverloadInputs) string {
	sideMargin := max(in.CPUAvgSide+in.CPUAvgIdle-p.CPUHeadroom, 0)

	switch {
	case sideMargin < p.CPUMinAvail:
		return fmt.Sprintf("cpu margin %.2f is too low", sideMargin)
	case in.MemP1Min >= p.OvMemPThr:
		return fmt.Sprintf("1min memory pressure %.2f is over the threshold %.2f",
			in.MemP1Min, p.OvMemPThr)
	default:
		return ""
	}
}

// Overloaded reports whether the controller is holding the overload state.
func (c *OverloadCtl) Overloaded() bool {
	return !c.overloadAt.IsZero()
}

// Critical reports whether the critical condition is in effect.
func (c *OverloadCtl) Critical() bool {
	return !c.criticalAt.IsZero()
}

// Hold returns the current cool-down duration.
func (c *OverloadCtl) Hold() time.Duration {
	return c.hold
}

// CriticalFor returns how long the critical state has been held.
func (c *OverloadCtl) CriticalFor(now time.Time) time.Duration {
	return sinceInterval(c.criticalAt, now)
}

// OverloadFor returns how long the overload state has been held.
func (c *OverloadCtl) OverloadFor(now time.Time) time.Duration {
	return sinceInterval(c.overloadAt, now)
}

// HoldLeft returns how much overload-free time must still pass before the
// overload state can clear.
func (c *OverloadCtl) HoldLeft(now time.Time) time.Duration {
	return max(c.holdFrom.Add(c.hold).Sub(now), 0)
}

// CriticalWhy returns the active critical cause, empty when not critical.
func (c *OverloadCtl) CriticalWhy() string {
	return c.criticalWhy
}

// OverloadWhy returns the active overload cause, empty when not overloaded.
func (c *OverloadCtl) OverloadWhy() string {
	return c.overloadWhy
}
