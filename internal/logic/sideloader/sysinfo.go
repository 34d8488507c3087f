package sideloader

import (
	"fmt"
	"strconv"

	"github.com/prometheus/procfs"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
)

const (
	kib            = 1024
	usecPerSecond  = 1e6
	pressureAvg60  = "avg60"
	pressureAvg300 = "avg300"
	pressureFull   = "full"
)

// MemTotals is the host-wide memory/swap accounting read from /proc/meminfo.
type MemTotals struct {
	MemTotal  int64
	Hugetlb   int64
	SwapTotal int64
	SwapFree  int64
}

// ReadMemTotals reads the meminfo figures the daemon needs. Hugetlb is
// approximated from the persistent huge page pool.
func ReadMemTotals(proc procfs.FS) (MemTotals, error) {
	mi, err := proc.Meminfo()
	if err != nil {
		return MemTotals{}, fmt.Errorf("meminfo: %w", err)
	}

	kb := func(v *uint64) int64 {
		if v == nil {
			return 0
		}

		return int64(*v) * kib
	}

	var hugetlb int64
	if mi.HugePagesTotal != nil && mi.Hugepagesize != nil {
		hugetlb = int64(*mi.HugePagesTotal) * int64(*mi.Hugepagesize) * kib
	}

	return MemTotals{
		MemTotal:  kb(mi.MemTotal),
		Hugetlb:   hugetlb,
		SwapTotal: kb(mi.SwapTotal),
		SwapFree:  kb(mi.SwapFree),
	}, nil
}

// SysInfo samples host CPU accounting, the side slice's CPU usage, memory/io
// pressure and swap availability once per tick, and answers windowed queries
// over the CPU history.
type SysInfo struct {
	proc      procfs.FS
	cgroup    *cgroupfs.FS
	sideSlice string
	hist      *cpuHistory

	// last successful sample
	MemP1Min    float64
	MemP5Min    float64
	IOP1Min     float64
	IOP5Min     float64
	MemTotal    int64
	Hugetlb     int64
	SwapAvail   int64
	SwapFree    int64
	SwapFreePct float64
}

// NewSysInfo creates a sampler whose history spans the longest of the
// configured observation windows.
func NewSysInfo(
	proc procfs.FS,
	cgroup *cgroupfs.FS,
	sideSlice string,
	spanTicks int,
) *SysInfo {
	return &SysInfo{
		proc:        proc,
		cgroup:      cgroup,
		sideSlice:   sideSlice,
		hist:        newCPUHistory(spanTicks),
		SwapFreePct: percentMax,
	}
}

// Update takes one fresh reading of every source. Any single source failing
// is surfaced as ErrSampleSource: the caller must treat the tick as fatal
// rather than decide on stale data.
func (s *SysInfo) Update() error {
	total, idle, err := s.readHostCPU()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSampleSource, err)
	}

	side, err := s.readSideCPU()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSampleSource, err)
	}

	s.hist.Push(total, idle, side)

	if err := s.readPressures(); err != nil {
		return fmt.Errorf("%w: %w", ErrSampleSource, err)
	}

	if err := s.readMemSwap(); err != nil {
		return fmt.Errorf("%w: %w", ErrSampleSource, err)
	}

	return nil
}

// readHostCPU returns cumulative total and idle CPU time in microseconds.
// Idle includes iowait.
func (s *SysInfo) readHostCPU() (total, idle float64, err error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("proc stat: %w", err)
	}

	c := stat.CPUTotal
	idle = (c.Idle + c.Iowait) * usecPerSecond
	total = (c.User + c.Nice + c.System + c.Idle + c.Iowait +
		c.IRQ + c.SoftIRQ + c.Steal + c.Guest + c.GuestNice) * usecPerSecond

	return total, idle, nil
}

func (s *SysInfo) readSideCPU() (float64, error) {
	stat, err := s.cgroup.ReadKeyed(s.sideSlice + "/cpu.stat")
	if err != nil {
		return 0, err
	}

	usage, err := strconv.ParseFloat(stat["usage_usec"], 64)
	if err != nil {
		return 0, fmt.Errorf("parse usage_usec %q: %w", stat["usage_usec"], err)
	}

	return usage, nil
}

func (s *SysInfo) readPressures() error {
	memP, err := s.readPressureFile("memory.pressure")
	if err != nil {
		return err
	}

	ioP, err := s.readPressureFile("io.pressure")
	if err != nil {
		return err
	}

	s.MemP1Min, s.MemP5Min = memP[0], memP[1]
	s.IOP1Min, s.IOP5Min = ioP[0], ioP[1]

	return nil
}

// readPressureFile returns the full-stall decayed averages [avg60, avg300]
// of the side slice's pressure file.
func (s *SysInfo) readPressureFile(name string) ([2]float64, error) {
	rel := s.sideSlice + "/" + name

	parsed, err := s.cgroup.ReadNestedKeyed(rel)
	if err != nil {
		return [2]float64{}, err
	}

	full, ok := parsed[pressureFull]
	if !ok {
		return [2]float64{}, fmt.Errorf("%s: no full record: %w", rel, cgroupfs.ErrMalformedLine)
	}

	var out [2]float64

	for i, key := range []string{pressureAvg60, pressureAvg300} {
		v, err := strconv.ParseFloat(full[key], 64)
		if err != nil {
			return [2]float64{}, fmt.Errorf("%s: parse %s %q: %w", rel, key, full[key], err)
		}

		out[i] = v
	}

	return out, nil
}

// readMemSwap derives swap availability for side work: the host swap capped
// by the side slice's swap ceiling, minus what the slice already consumed.
func (s *SysInfo) readMemSwap() error {
	totals, err := ReadMemTotals(s.proc)
	if err != nil {
		return err
	}

	maxLine, err := s.cgroup.ReadFirstLine(s.sideSlice + "/memory.swap.max")
	if err != nil {
		return err
	}

	swapMax, err := cgroupfs.ParseIntOrMax(maxLine, totals.SwapTotal)
	if err != nil {
		return fmt.Errorf("memory.swap.max: %w", err)
	}

	curLine, err := s.cgroup.ReadFirstLine(s.sideSlice + "/memory.swap.current")
	if err != nil {
		return err
	}

	swapCur, err := strconv.ParseInt(curLine, 10, 64)
	if err != nil {
		return fmt.Errorf("memory.swap.current %q: %w", curLine, err)
	}

	s.MemTotal = totals.MemTotal
	s.Hugetlb = totals.Hugetlb
	s.SwapAvail = min(totals.SwapTotal, swapMax)
	s.SwapFree = max(min(s.SwapAvail-swapCur, totals.SwapFree), 0)

	s.SwapFreePct = percentMax
	if s.SwapAvail > 0 {
		s.SwapFreePct = float64(s.SwapFree) / float64(s.SwapAvail) * percentMax
	}

	return nil
}

func (s *SysInfo) AvgIdle(n int) float64 { return s.hist.AvgIdle(n) }
func (s *SysInfo) AvgSide(n int) float64 { return s.hist.AvgSide(n) }

func (s *SysInfo) MinMaxIdle(n int) (float64, float64) { return s.hist.MinMaxIdle(n) }
func (s *SysInfo) MinMaxSide(n int) (float64, float64) { return s.hist.MinMaxSide(n) }
