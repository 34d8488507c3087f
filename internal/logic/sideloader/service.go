package sideloader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
)

const (
	killCauseCritical  = "critical"
	killCauseFrozenExp = "frozen_expiration"
)

// Deps bundles the collaborators of the arbitration service.
type Deps struct {
	Params    *ParamsStore
	Registry  *Registry
	SysInfo   *SysInfo
	Checker   *SysChecker
	Overload  *OverloadCtl
	Telemetry *TelemetrySink
	Units     UnitManager
	Cgroup    *cgroupfs.FS
	Metrics   MetricsRecorder

	StatusPath string
}

// Service runs the once-per-second arbitration loop: it reconciles job
// files, samples system state, drives the overload controller and applies
// the resulting verdicts to the side slice.
type Service struct {
	logger *slog.Logger
	deps   Deps

	nrCPUs        int
	headroomTicks int
	overloadTicks int

	lastQuota string

	ready      chan struct{}
	doneCh     chan struct{}
	fatalCh    chan error
	inShutdown atomic.Bool
	lastStatus atomic.Pointer[Status]

	mu              sync.RWMutex
	lastTickEndTime time.Time
}

func New(logger *slog.Logger, deps Deps) *Service {
	p := deps.Params.Current()

	return &Service{
		logger:        logger,
		deps:          deps,
		nrCPUs:        runtime.NumCPU(),
		headroomTicks: ticksIn(p.CPUHeadroomPeriod),
		overloadTicks: ticksIn(p.OvCPUDuration),
		ready:         make(chan struct{}),
		doneCh:        make(chan struct{}),
		fatalCh:       make(chan error, 1),
	}
}

// ticksIn converts an averaging period to a tick count, rounding up so a
// period shorter than one tick still covers a full tick.
func ticksIn(period time.Duration) int {
	return int(math.Ceil(period.Seconds() / TickInterval.Seconds()))
}

// HistTicks returns the history span the cpu usage buffers must cover for
// the configured averaging periods.
func HistTicks(p *Params) int {
	return max(ticksIn(p.CPUHeadroomPeriod), ticksIn(p.OvCPUDuration))
}

// Name returns the name of the service component.
func (s *Service) Name() string {
	return "sideloader"
}

// Fatal delivers an unrecoverable error. The owner is expected to initiate
// shutdown; running degraded without system state samples is worse than
// restarting.
func (s *Service) Fatal() <-chan error {
	return s.fatalCh
}

// Status returns the most recent status snapshot, nil before the first tick.
func (s *Service) Status() *Status {
	return s.lastStatus.Load()
}

// Startup applies the side-slice resource configuration and reaps stray
// services left over from a previous instance. Must run before Start.
func (s *Service) Startup(ctx context.Context) error {
	p := s.deps.Params.Current()

	s.logger.InfoContext(ctx, "sideloads configured",
		"sideSlice", p.SideSlice,
		"mainSlice", p.MainSlice,
	)

	err := s.deps.Units.SetProperty(ctx, p.SideSlice,
		fmt.Sprintf("CPUWeight=%d", p.SideCPUWeight),
		fmt.Sprintf("MemoryHigh=%d", p.SideMemoryHigh),
		fmt.Sprintf("IOWeight=%d", p.SideIOWeight),
	)
	if err != nil {
		return fmt.Errorf("configure side slice: %w", err)
	}

	_, fresh := s.deps.Registry.Reconcile(ctx)
	s.deps.Registry.QueuePending(fresh)
	s.deps.Registry.ReapStrays(ctx, fresh)

	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.inShutdown.Load() {
		s.logger.InfoContext(ctx, "sideloader service is shutting down, skipping start")

		return nil
	}

	go s.RunCommand(ctx)

	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) Ping(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
		lastTickAge := s.getLastTickAge()
		if lastTickAge > 3*TickInterval {
			return fmt.Errorf("last tick was too long ago: %s", lastTickAge.Round(time.Second).String())
		}

		return nil
	default:
		return fmt.Errorf("sideloader service is not ready")
	}
}

func (s *Service) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		s.logger.ErrorContext(ctx, "sideloader service is already shutting down, skipping shutdown")

		return nil
	}

	defer func() {
		s.logger.InfoContext(ctx, "sideloader service shut downed")
	}()

	s.logger.InfoContext(ctx, "shutting down sideloader service")

	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context done before sideloader loop exited: %w", ctx.Err())
	case <-s.doneCh:
		s.logger.InfoContext(ctx, "sideloader loop exited")
	}

	return nil
}

// RunCommand runs the arbitration loop at the tick interval.
func (s *Service) RunCommand(ctx context.Context) {
	defer close(s.doneCh)

	logger := s.logger.With("sideloader", "RunCommand")

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	close(s.ready)

	for {
		if err := s.TickCommand(ctx, time.Now()); err != nil {
			logger.ErrorContext(ctx, "unrecoverable tick error", "reason", err)

			select {
			case s.fatalCh <- err:
			default:
			}

			return
		}

		s.setLastTickEndTime()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.InfoContext(ctx, "terminating sideloader loop")

			return
		}
	}
}

// TickCommand runs one arbitration pass. The returned error is fatal; all
// recoverable failures are logged and absorbed.
func (s *Service) TickCommand(ctx context.Context, now time.Time) error {
	s.deps.Params.MaybeReload(ctx)
	p := s.deps.Params.Current()

	// Job starts and stops first so a job removed from its file stops
	// even while overloaded.
	toStop, fresh := s.deps.Registry.Reconcile(ctx)
	for _, job := range toStop {
		s.deps.Registry.StopJob(ctx, job)
	}

	s.deps.Registry.QueuePending(fresh)

	if !s.deps.Overload.Overloaded() {
		if len(s.deps.Registry.Pending()) > 0 {
			s.deps.Checker.UpdateActive(ctx, true)
		}

		s.deps.Registry.StartPending(ctx)
	}

	if err := s.deps.SysInfo.Update(); err != nil {
		return fmt.Errorf("sample system state: %w", err)
	}

	if len(s.deps.Registry.Jobs()) > 0 {
		s.deps.Checker.PeriodicCheck(ctx, checkIntervalBusy, now, p)
	} else {
		s.deps.Checker.PeriodicCheck(ctx, checkIntervalIdle, now, p)
	}

	// The short single-tick average keeps sudden main-workload demand from
	// hiding behind a still-rosy long average.
	cpuCurIdle := min(s.deps.SysInfo.AvgIdle(s.headroomTicks), s.deps.SysInfo.AvgIdle(1))
	cpuCurSide := min(s.deps.SysInfo.AvgSide(s.headroomTicks), s.deps.SysInfo.AvgSide(1))
	cpuAvail := max(cpuCurSide+cpuCurIdle-p.CPUHeadroom, p.CPUFloor)

	out := s.deps.Overload.Evaluate(ctx, now, p, OverloadInputs{
		SwapFree:   s.deps.SysInfo.SwapFree,
		MemP1Min:   s.deps.SysInfo.MemP1Min,
		MemP5Min:   s.deps.SysInfo.MemP5Min,
		IOP5Min:    s.deps.SysInfo.IOP5Min,
		CPUAvgIdle: s.deps.SysInfo.AvgIdle(s.overloadTicks),
		CPUAvgSide: s.deps.SysInfo.AvgSide(s.overloadTicks),
	})

	if out.KillAll {
		for _, job := range s.deps.Registry.Jobs() {
			s.deps.Registry.Kill(ctx, job, out.KillReason)
			s.deps.Metrics.RecordKill(killCauseCritical)
		}
	}

	if s.deps.Overload.Overloaded() {
		for _, job := range s.deps.Registry.Jobs() {
			s.deps.Registry.UpdateFrozen(ctx, job, true, now)

			if job.FrozenExpired(now) {
				s.deps.Registry.Kill(ctx, job, "frozen for too long")
				s.deps.Metrics.RecordKill(killCauseFrozenExp)
			}
		}
	} else {
		for _, job := range s.deps.Registry.Jobs() {
			s.deps.Registry.UpdateFrozen(ctx, job, false, now)
		}
	}

	// Frozen timeouts and pending kill reasons
	for _, job := range s.deps.Registry.Jobs() {
		s.deps.Registry.MaybeKill(ctx, job)
	}

	nrActive := s.deps.Registry.ActiveCount()
	if nrActive > 0 {
		s.configCPUMax(ctx, p, cpuAvail)
	}

	s.deps.Checker.UpdateActive(ctx, nrActive > 0)

	s.deps.Registry.RefreshStatus(ctx)

	status := s.buildStatus(now, p, cpuCurIdle, cpuCurSide, cpuAvail)
	s.lastStatus.Store(&status)

	if err := writeJSONAtomic(statusDoc{Status: status}, s.deps.StatusPath); err != nil {
		s.logger.WarnContext(ctx, "failed to write status", "reason", err)
	}

	if s.deps.Telemetry.ShouldEmit(now, p.TelemetryCategory, p.TelemetryInterval) {
		s.deps.Telemetry.Emit(ctx, now, p.TelemetryCategory, s.buildTelemetry(now, status, nrActive))
	}

	s.deps.Metrics.RecordTick()
	s.deps.Metrics.RecordState(s.deps.Overload.Critical(), s.deps.Overload.Overloaded())
	s.deps.Metrics.RecordJobs(
		len(s.deps.Registry.Jobs()),
		nrActive,
		s.deps.Registry.FrozenCount(),
		len(s.deps.Registry.Pending()),
	)
	s.deps.Metrics.RecordCPUAvail(cpuAvail)
	s.deps.Metrics.RecordSyscfgWarnings(len(s.deps.Checker.Warns()))

	return nil
}

// configCPUMax throttles the side slice to the available cpu budget. The
// knob is only rewritten when the computed values changed.
func (s *Service) configCPUMax(ctx context.Context, p *Params, pct float64) {
	rel := p.SideSlice + "/cpu.max"
	period := p.CPUThrottlePeriod.Microseconds()
	quota := int64(float64(s.nrCPUs) * float64(period) * pct / percentMax)

	want := strconv.FormatInt(quota, 10) + " " + strconv.FormatInt(period, 10)
	if want == s.lastQuota {
		return
	}

	line, err := s.deps.Cgroup.ReadFirstLine(rel)
	if err == nil && strings.TrimSpace(line) == want {
		s.lastQuota = want

		return
	}

	if err := s.deps.Cgroup.WriteString(rel, want); err != nil {
		s.logger.WarnContext(ctx, "failed to configure side cpu.max", "reason", err)

		return
	}

	s.lastQuota = want
}

func (s *Service) buildStatus(now time.Time, p *Params, cpuCurIdle, cpuCurSide, cpuAvail float64) Status {
	jobs := s.deps.Registry.Jobs()

	jobStatuses := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		jobStatuses = append(jobStatuses, JobStatus{
			ID:        job.ID,
			Path:      job.File.Path,
			SvcName:   job.SvcName,
			SvcStatus: job.SvcStatus,
			FrozenFor: wholeSeconds(job.FrozenFor(now)),
			IsKilled:  boolToInt(job.Killed),
			IsDone:    boolToInt(job.Done),
			KillWhy:   job.KillWhy,
		})
	}

	pending := s.deps.Registry.Pending()

	pendingStatuses := make([]PendingJob, 0, len(pending))
	for _, job := range pending {
		pendingStatuses = append(pendingStatuses, PendingJob{ID: job.ID, Path: job.File.Path})
	}

	return Status{
		Now:              statusTime(now),
		SysconfigWarnsAt: statusTime(s.deps.Checker.LastCheckAt()),
		SysconfigWarns:   s.deps.Checker.Warns(),
		Jobs:             jobStatuses,
		JobsPending:      pendingStatuses,
		SysInfo: SysStatus{
			CPUCurIdle:  cpuCurIdle,
			CPUCurSide:  cpuCurSide,
			CPUAvgIdle:  s.deps.SysInfo.AvgIdle(s.overloadTicks),
			CPUAvgSide:  s.deps.SysInfo.AvgSide(s.overloadTicks),
			CPUAvail:    cpuAvail,
			MemP1Min:    s.deps.SysInfo.MemP1Min,
			MemP5Min:    s.deps.SysInfo.MemP5Min,
			IOP1Min:     s.deps.SysInfo.IOP1Min,
			IOP5Min:     s.deps.SysInfo.IOP5Min,
			SwapAvailGB: float64(s.deps.SysInfo.SwapAvail) / float64(1<<30),
			SwapFreePct: s.deps.SysInfo.SwapFreePct,
		},
		Overload: OvStatus{
			CriticalFor:  wholeSeconds(s.deps.Overload.CriticalFor(now)),
			OverloadFor:  wholeSeconds(s.deps.Overload.OverloadFor(now)),
			OverloadHold: wholeSeconds(s.deps.Overload.HoldLeft(now)),
			CriticalWhy:  s.deps.Overload.CriticalWhy(),
			OverloadWhy:  s.deps.Overload.OverloadWhy(),
		},
	}
}

func (s *Service) buildTelemetry(now time.Time, status Status, nrActive int) TelemetryRecord {
	return TelemetryRecord{
		Int: TelemetryInts{
			Time:          now.Unix(),
			Critical:      s.deps.Overload.Critical(),
			Overload:      s.deps.Overload.Overloaded(),
			NrJobs:        len(status.Jobs),
			NrActiveJobs:  nrActive,
			NrFrozenJobs:  s.deps.Registry.FrozenCount(),
			NrPendingJobs: len(status.JobsPending),
		},
		Float: TelemetryFloats{
			CPUCurIdle:  status.SysInfo.CPUCurIdle,
			CPUCurSide:  status.SysInfo.CPUCurSide,
			CPUAvgIdle:  status.SysInfo.CPUAvgIdle,
			CPUAvgSide:  status.SysInfo.CPUAvgSide,
			CPUAvail:    status.SysInfo.CPUAvail,
			MemP1Min:    status.SysInfo.MemP1Min,
			MemP5Min:    status.SysInfo.MemP5Min,
			IOP1Min:     status.SysInfo.IOP1Min,
			IOP5Min:     status.SysInfo.IOP5Min,
			SwapFreePct: status.SysInfo.SwapFreePct,
		},
	}
}

func (s *Service) getLastTickAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return time.Since(s.lastTickEndTime)
}

func (s *Service) setLastTickEndTime() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTickEndTime = time.Now()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
