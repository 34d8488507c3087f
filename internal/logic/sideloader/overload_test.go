package sideloader

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func overloadTestParams() *Params {
	return &Params{
		CPUHeadroom: 20,
		CPUMinAvail: 5,

		OvMemPThr:   50,
		OvHold:      10 * time.Second,
		OvHoldMax:   30 * time.Second,
		OvHoldDecay: time.Second,

		CritSwapFreeThr: 100 << 20,
		CritMemPThr:     75,
		CritIOPThr:      90,
	}
}

func healthyInputs() OverloadInputs {
	return OverloadInputs{
		SwapFree:   4 << 30,
		CPUAvgIdle: 50,
		CPUAvgSide: 10,
	}
}

func newTestOverloadCtl() *OverloadCtl {
	return NewOverloadCtl(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestOverloadCtlHealthy(t *testing.T) {
	t.Parallel()

	ctl := newTestOverloadCtl()
	out := ctl.Evaluate(context.Background(), time.Now(), overloadTestParams(), healthyInputs())

	require.Equal(t, OverloadOutcome{}, out)
	require.False(t, ctl.Overloaded())
	require.False(t, ctl.Critical())
	require.Zero(t, ctl.Hold())
}

func TestOverloadCauses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(in *OverloadInputs)
		why    string
	}{
		{
			name: "cpu margin exhausted",
			mutate: func(in *OverloadInputs) {
				in.CPUAvgIdle = 10
				in.CPUAvgSide = 5
			},
			why: "cpu margin 0.00 is too low",
		},
		{
			name: "cpu margin below minimum",
			mutate: func(in *OverloadInputs) {
				in.CPUAvgIdle = 15
				in.CPUAvgSide = 8
			},
			why: "cpu margin 3.00 is too low",
		},
		{
			name: "memory pressure",
			mutate: func(in *OverloadInputs) {
				in.MemP1Min = 60
			},
			why: "1min memory pressure 60.00 is over the threshold 50.00",
		},
		{
			name: "cpu margin wins over memory pressure",
			mutate: func(in *OverloadInputs) {
				in.CPUAvgIdle = 0
				in.CPUAvgSide = 0
				in.MemP1Min = 60
			},
			why: "cpu margin 0.00 is too low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := healthyInputs()
			tc.mutate(&in)

			ctl := newTestOverloadCtl()
			out := ctl.Evaluate(context.Background(), time.Now(), overloadTestParams(), in)

			require.True(t, out.Overloaded)
			require.Equal(t, tc.why, out.OverloadWhy)
			require.False(t, out.Critical)
			require.False(t, out.KillAll)
		})
	}
}

func TestCriticalCauses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(in *OverloadInputs)
		why    string
	}{
		{
			name: "swap exhausted",
			mutate: func(in *OverloadInputs) {
				in.SwapFree = 50 << 20
			},
			why: "swap-left 50MB is lower than critical threshold 100MB",
		},
		{
			name: "swap at threshold",
			mutate: func(in *OverloadInputs) {
				in.SwapFree = 100 << 20
			},
			why: "swap-left 100MB is lower than critical threshold 100MB",
		},
		{
			name: "memory pressure",
			mutate: func(in *OverloadInputs) {
				in.MemP5Min = 80
			},
			why: "5min memory pressure 80.00 is higher than critical threshold 75.00",
		},
		{
			name: "io pressure",
			mutate: func(in *OverloadInputs) {
				in.IOP5Min = 95
			},
			why: "5min io pressure 95.00 is higher than critical threshold 90.00",
		},
		{
			name: "swap wins over pressure",
			mutate: func(in *OverloadInputs) {
				in.SwapFree = 0
				in.MemP5Min = 99
				in.IOP5Min = 99
			},
			why: "swap-left 0MB is lower than critical threshold 100MB",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := healthyInputs()
			tc.mutate(&in)

			p := overloadTestParams()
			ctl := newTestOverloadCtl()
			out := ctl.Evaluate(context.Background(), time.Now(), p, in)

			require.True(t, out.Critical)
			require.Equal(t, tc.why, out.CriticalWhy)
			require.True(t, out.KillAll)
			require.Equal(t, "resource critical "+tc.why, out.KillReason)
			require.True(t, out.Overloaded)
			require.Equal(t, p.OvHoldMax, ctl.Hold())
		})
	}
}

func TestOverloadExitRequiresQuietHold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := overloadTestParams()
	ctl := newTestOverloadCtl()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	busy := healthyInputs()
	busy.CPUAvgIdle = 0
	busy.CPUAvgSide = 0

	out := ctl.Evaluate(ctx, t0, p, busy)
	require.True(t, out.Overloaded)
	require.Equal(t, 10*time.Second, ctl.Hold())

	// a second overloaded tick refreshes the hold base without growing it
	out = ctl.Evaluate(ctx, t0.Add(5*time.Second), p, busy)
	require.True(t, out.Overloaded)
	require.Equal(t, 10*time.Second, ctl.Hold())

	// quiet but hold not elapsed: state sticks, the cause is gone
	out = ctl.Evaluate(ctx, t0.Add(14*time.Second), p, healthyInputs())
	require.True(t, out.Overloaded)
	require.Empty(t, out.OverloadWhy)
	require.Empty(t, ctl.OverloadWhy())
	require.Equal(t, time.Second, ctl.HoldLeft(t0.Add(14*time.Second)))

	out = ctl.Evaluate(ctx, t0.Add(16*time.Second), p, healthyInputs())
	require.False(t, out.Overloaded)
	require.False(t, ctl.Overloaded())
}

func TestOverloadHoldGrowsAndClamps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := overloadTestParams()
	ctl := newTestOverloadCtl()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	busy := healthyInputs()
	busy.CPUAvgIdle = 0
	busy.CPUAvgSide = 0

	tick := func(in OverloadInputs) OverloadOutcome {
		now = now.Add(TickInterval)

		return ctl.Evaluate(ctx, now, p, in)
	}

	hold := time.Duration(0)

	for range 4 {
		out := tick(busy)
		require.True(t, out.Overloaded)

		hold = min(p.OvHold+hold, p.OvHoldMax)
		require.Equal(t, hold, ctl.Hold())

		// ride out the hold, then one decay tick fires on the tick
		// that clears the state
		for ctl.Overloaded() {
			tick(healthyInputs())
		}

		hold -= p.OvHoldDecay
		require.Equal(t, hold, ctl.Hold())
	}

	require.Equal(t, p.OvHoldMax-p.OvHoldDecay, ctl.Hold())
}

func TestOverloadHoldDecaysToZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := overloadTestParams()
	ctl := newTestOverloadCtl()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	busy := healthyInputs()
	busy.MemP1Min = 90

	ctl.Evaluate(ctx, now, p, busy)
	require.Equal(t, 10*time.Second, ctl.Hold())

	// hold clears after 10 quiet seconds, then decays 1s per tick
	for range 60 {
		now = now.Add(TickInterval)
		ctl.Evaluate(ctx, now, p, healthyInputs())
	}

	require.False(t, ctl.Overloaded())
	require.Zero(t, ctl.Hold())

	// stays clamped at zero
	now = now.Add(TickInterval)
	ctl.Evaluate(ctx, now, p, healthyInputs())
	require.Zero(t, ctl.Hold())
}

func TestCriticalEndKeepsOverloadHold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := overloadTestParams()
	ctl := newTestOverloadCtl()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// overload first so the hold base is anchored, then go critical
	busy := healthyInputs()
	busy.CPUAvgIdle = 0
	busy.CPUAvgSide = 0

	ctl.Evaluate(ctx, t0, p, busy)

	crit := busy
	crit.SwapFree = 0

	out := ctl.Evaluate(ctx, t0.Add(time.Second), p, crit)
	require.True(t, out.Critical)
	require.True(t, out.KillAll)
	require.Equal(t, p.OvHoldMax, ctl.Hold())

	// swap recovers: critical ends immediately, the lengthened hold keeps
	// side work frozen
	out = ctl.Evaluate(ctx, t0.Add(2*time.Second), p, healthyInputs())
	require.False(t, out.Critical)
	require.Empty(t, ctl.CriticalWhy())
	require.True(t, out.Overloaded)
	require.Equal(t, 29*time.Second, ctl.HoldLeft(t0.Add(2*time.Second)))
	require.Equal(t, 2*time.Second, ctl.OverloadFor(t0.Add(2*time.Second)))
}
