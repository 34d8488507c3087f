package pinger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errProbeFailed = errors.New("probe failed")

type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (p probeFunc) Name() string { return p.name }

func (p probeFunc) Ping(ctx context.Context) error {
	if p.fn == nil {
		return nil
	}

	return p.fn(ctx)
}

// relaxedProbe opts out of being critical for both endpoints.
type relaxedProbe struct{ probeFunc }

func (relaxedProbe) PingerReadyCritical() bool { return false }

func (relaxedProbe) PingerCritical() bool { return false }

// timedProbe carries its own ping timeout.
type timedProbe struct {
	probeFunc
	timeout time.Duration
}

func (p timedProbe) PingerTimeout() time.Duration { return p.timeout }

func newTestService(t *testing.T, interval time.Duration) *Service {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return New(logger, interval)
}

func TestServiceName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pinger-service", newTestService(t, time.Second).Name())
}

func TestRegister(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Second)

	require.NoError(t, svc.Register(probeFunc{name: "loop"}))

	err := svc.Register(probeFunc{name: "loop"})
	require.ErrorIs(t, err, ErrPingerAlreadyRegistered)

	require.Error(t, svc.Register(nil))
}

func TestRegisterOptionalInterfaces(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Second)

	require.NoError(t, svc.Register(probeFunc{name: "strict"}))
	require.NoError(t, svc.Register(relaxedProbe{probeFunc{name: "relaxed"}}))
	require.NoError(t, svc.Register(timedProbe{probeFunc: probeFunc{name: "slow"}, timeout: 20 * time.Millisecond}))
	require.NoError(t, svc.Register(timedProbe{probeFunc: probeFunc{name: "zero"}}))

	require.True(t, svc.pingers["strict"].readyCritical)
	require.True(t, svc.pingers["strict"].healthCritical)
	require.False(t, svc.pingers["relaxed"].readyCritical)
	require.False(t, svc.pingers["relaxed"].healthCritical)
	require.Equal(t, 20*time.Millisecond, svc.pingers["slow"].timeout)

	// A non-positive custom timeout falls back to the default.
	require.Equal(t, defaultPingTimeout, svc.pingers["zero"].timeout)
}

func TestGetStatsUnknownPinger(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Second)

	_, err := svc.GetStats("nobody")
	require.ErrorIs(t, err, ErrPingerNotFound)
}

func TestStatsReflectCriticality(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Minute)

	require.NoError(t, svc.Register(probeFunc{name: "strict"}))
	require.NoError(t, svc.Register(relaxedProbe{probeFunc{name: "relaxed"}}))

	svc.updateStats("strict", 5*time.Millisecond, errProbeFailed)
	svc.updateStats("relaxed", 5*time.Millisecond, errProbeFailed)

	strict, err := svc.GetStats("strict")
	require.NoError(t, err)
	require.False(t, strict.IsReady)
	require.False(t, strict.IsHealthy)
	require.ErrorIs(t, strict.LastError, errProbeFailed)
	require.Equal(t, 1, strict.ErrorCount)
	require.NotNil(t, strict.LastErrorSnapshot)
	require.Equal(t, 5*time.Millisecond, strict.LastErrorSnapshot.Latency)

	relaxed, err := svc.GetStats("relaxed")
	require.NoError(t, err)
	require.True(t, relaxed.IsReady)
	require.True(t, relaxed.IsHealthy)
	require.ErrorIs(t, relaxed.LastError, errProbeFailed)
}

func TestStatsRecoverAfterSuccess(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Minute)
	require.NoError(t, svc.Register(probeFunc{name: "loop"}))

	svc.updateStats("loop", 5*time.Millisecond, errProbeFailed)
	svc.updateStats("loop", 2*time.Millisecond, nil)

	stats, err := svc.GetStats("loop")
	require.NoError(t, err)
	require.True(t, stats.IsReady)
	require.True(t, stats.IsHealthy)
	require.NoError(t, stats.LastError)
	require.Equal(t, 1, stats.SuccessCount)
	require.Equal(t, 1, stats.ErrorCount)

	// The last failure stays visible for diagnostics.
	require.NotNil(t, stats.LastErrorSnapshot)
}

func TestGetAllStats(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Minute)

	require.NoError(t, svc.Register(probeFunc{name: "a"}))
	require.NoError(t, svc.Register(probeFunc{name: "b"}))

	svc.updateStats("a", time.Millisecond, nil)
	svc.updateStats("b", time.Millisecond, errProbeFailed)

	all := svc.GetAllStats()
	require.Len(t, all, 2)
	require.True(t, all["a"].IsHealthy)
	require.False(t, all["b"].IsHealthy)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, 10*time.Millisecond)

	var calls atomic.Int32

	require.NoError(t, svc.Register(probeFunc{name: "loop", fn: func(context.Context) error {
		calls.Add(1)

		return nil
	}}))

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, svc.Start(ctx))

	select {
	case <-svc.Ready():
	case <-time.After(time.Second):
		t.Fatal("pinger service did not become ready")
	}

	require.Eventually(t, func() bool {
		stats, err := svc.GetStats("loop")

		return err == nil && stats.SuccessCount >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()

	require.NoError(t, svc.Shutdown(context.Background()))

	// Repeat shutdown is a no-op.
	require.NoError(t, svc.Shutdown(context.Background()))

	require.Positive(t, calls.Load())
}

func TestPingTimeoutIsRecordedAsError(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, 10*time.Millisecond)

	blocked := timedProbe{
		probeFunc: probeFunc{name: "stuck", fn: func(ctx context.Context) error {
			<-ctx.Done()

			return ctx.Err()
		}},
		timeout: 10 * time.Millisecond,
	}
	require.NoError(t, svc.Register(blocked))

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, svc.Start(ctx))

	require.Eventually(t, func() bool {
		stats, err := svc.GetStats("stuck")

		return err == nil && stats.LastError != nil
	}, time.Second, 5*time.Millisecond)

	stats, err := svc.GetStats("stuck")
	require.NoError(t, err)
	require.ErrorIs(t, stats.LastError, context.DeadlineExceeded)

	cancel()
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestStartSkippedDuringShutdown(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, time.Second)
	svc.inShutdown.Store(true)

	require.NoError(t, svc.Start(t.Context()))

	select {
	case <-svc.Ready():
		t.Fatal("service must not become ready after shutdown started")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLatencyBuffer(t *testing.T) {
	t.Parallel()

	lb := NewLatencyBuffer(3)
	require.Nil(t, lb.Snapshot())
	require.Zero(t, lb.Len())

	lb.Add(1 * time.Millisecond)
	lb.Add(2 * time.Millisecond)
	require.Equal(t, []time.Duration{1 * time.Millisecond, 2 * time.Millisecond}, lb.Snapshot())

	lb.Add(3 * time.Millisecond)
	lb.Add(4 * time.Millisecond)
	lb.Add(5 * time.Millisecond)

	// Oldest entries are evicted; snapshot stays in insertion order.
	require.Equal(t, []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}, lb.Snapshot())
	require.Equal(t, 3, lb.Len())
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	sorted := make([]time.Duration, 0, 10)
	for i := 1; i <= 10; i++ {
		sorted = append(sorted, ms(i))
	}

	tests := []struct {
		name   string
		sample []time.Duration
		pct    float64
		want   time.Duration
	}{
		{name: "empty", sample: nil, pct: 90, want: 0},
		{name: "single", sample: []time.Duration{7 * time.Millisecond}, pct: 99, want: 7 * time.Millisecond},
		{name: "p80 of ten", sample: sorted, pct: 80, want: 8 * time.Millisecond},
		{name: "p90 of ten", sample: sorted, pct: 90, want: 9 * time.Millisecond},
		{name: "p99 of ten", sample: sorted, pct: 99, want: 10 * time.Millisecond},
		{name: "p0 clamps to first", sample: sorted, pct: 0, want: 1 * time.Millisecond},
		{name: "p100 clamps to last", sample: sorted, pct: 100, want: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, percentile(tt.sample, tt.pct))
		})
	}
}

func TestMedianAndAverage(t *testing.T) {
	t.Parallel()

	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	require.Zero(t, median(nil))
	require.Zero(t, average(nil))

	require.Equal(t, ms(2), median([]time.Duration{ms(1), ms(2), ms(3)}))
	require.Equal(t, ms(3), median([]time.Duration{ms(1), ms(2), ms(4), ms(8)}))
	require.Equal(t, ms(2), average([]time.Duration{ms(1), ms(2), ms(3)}))
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	require.Equal(t, LatencyMetrics{}, summarize(nil))

	got := summarize([]time.Duration{3 * time.Millisecond, 1 * time.Millisecond, 2 * time.Millisecond})
	require.Equal(t, 3, got.Count)
	require.Equal(t, 2*time.Millisecond, got.Median)
	require.Equal(t, 2*time.Millisecond, got.Average)
	require.Equal(t, 3*time.Millisecond, got.P99)
}
