package sideloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
)

const (
	defaultMountsPath     = "/proc/mounts"
	defaultSwappinessPath = "/proc/sys/vm/swappiness"
	defaultDevDir         = "/dev"

	// Dropped into the systemd unit tree while side jobs are active so the
	// root slice keeps all controllers delegated.
	defaultRootOverridePath = "/etc/systemd/system/-.slice.d/zz-sideloaderd-disable-controller-override.conf"
	rootOverrideContent     = "[Slice]\nDisableControllers=\n"

	defaultSwappiness = 60

	// available swap below 90% of a target counts as violating it
	swapSlack = 0.9

	memLowDivisor = 3
)

var (
	sdPartPattern   = regexp.MustCompile(`^(sd[^0-9]*)[0-9]*$`)
	nvmePartPattern = regexp.MustCompile(`^(nvme[^p]*)(p[0-9])?$`)
)

// SysCheckerOpts carries the host paths the checker touches, overridable for
// tests.
type SysCheckerOpts struct {
	Fix              bool
	DevOverride      string
	MountsPath       string
	SwappinessPath   string
	DevDir           string
	RootOverridePath string
}

func (o *SysCheckerOpts) applyDefaults() {
	if o.MountsPath == "" {
		o.MountsPath = defaultMountsPath
	}

	if o.SwappinessPath == "" {
		o.SwappinessPath = defaultSwappinessPath
	}

	if o.DevDir == "" {
		o.DevDir = defaultDevDir
	}

	if o.RootOverridePath == "" {
		o.RootOverridePath = defaultRootOverridePath
	}
}

// SysChecker verifies and optionally repairs the resource-controller
// invariants the arbiter depends on. It is rate limited by PeriodicCheck and
// logs only when the warning set changes.
type SysChecker struct {
	logger *slog.Logger
	cgroup *cgroupfs.FS
	units  UnitManager
	proc   procfs.FS
	opts   SysCheckerOpts

	rootPart  string
	rootDev   string
	rootDevnr string

	active      bool
	lastCheckAt time.Time
	lastWarns   []string
	warns       []string
	fixed       bool

	memTotal   int64
	hugetlb    int64
	swapAvail  int64
	swapFree   int64
	swappiness int
}

func NewSysChecker(
	logger *slog.Logger,
	cgroup *cgroupfs.FS,
	units UnitManager,
	proc procfs.FS,
	opts SysCheckerOpts,
) *SysChecker {
	opts.applyDefaults()

	c := &SysChecker{
		logger: logger,
		cgroup: cgroup,
		units:  units,
		proc:   proc,
		opts:   opts,
	}

	c.discoverRootDev()

	return c
}

// discoverRootDev finds the block device backing the root filesystem and its
// major:minor number, used to key the io.cost tables.
func (c *SysChecker) discoverRootDev() {
	if c.opts.DevOverride != "" {
		c.rootDev = c.opts.DevOverride
	} else {
		mount, err := c.rootMount()
		if err != nil {
			c.logger.Warn("syscfg: failed to find root mount", "reason", err)

			return
		}

		c.rootPart = strings.TrimPrefix(mount.device, "/dev/")

		switch {
		case strings.HasPrefix(c.rootPart, "sd"):
			c.rootDev = sdPartPattern.ReplaceAllString(c.rootPart, "$1")
		case strings.HasPrefix(c.rootPart, "nvme"):
			c.rootDev = nvmePartPattern.ReplaceAllString(c.rootPart, "$1")
		default:
			c.logger.Warn("syscfg: unknown root device", "partition", c.rootPart)

			return
		}
	}

	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(c.opts.DevDir, c.rootDev), &st); err != nil {
		c.logger.Warn("syscfg: failed to stat root device", "dev", c.rootDev, "reason", err)

		return
	}

	c.rootDevnr = fmt.Sprintf("%d:%d", unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)))
}

type mountEntry struct {
	device string
	point  string
	fstype string
	opts   string
}

func (c *SysChecker) rootMount() (mountEntry, error) {
	data, err := os.ReadFile(c.opts.MountsPath)
	if err != nil {
		return mountEntry{}, fmt.Errorf("read mounts: %w", err)
	}

	for line := range strings.Lines(string(data)) {
		toks := strings.Fields(line)
		if len(toks) >= 4 && toks[1] == "/" {
			return mountEntry{device: toks[0], point: toks[1], fstype: toks[2], opts: toks[3]}, nil
		}
	}

	return mountEntry{}, fmt.Errorf("no root entry in %s", c.opts.MountsPath)
}

// Warns returns the warning set of the last completed check.
func (c *SysChecker) Warns() []string {
	return c.warns
}

// LastCheckAt returns when the last check ran.
func (c *SysChecker) LastCheckAt() time.Time {
	return c.lastCheckAt
}

// PeriodicCheck runs the battery only when the gate interval has elapsed.
func (c *SysChecker) PeriodicCheck(ctx context.Context, interval time.Duration, now time.Time, p *Params) {
	if now.Sub(c.lastCheckAt) >= interval {
		c.Check(ctx, now, p)
	}
}

// Check runs the full battery once, and once more if any fix was applied, so
// repairs are verified within the same invocation. The retry is capped at
// one pass to avoid oscillation.
func (c *SysChecker) Check(ctx context.Context, now time.Time, p *Params) {
	c.fixed = false
	c.runBattery(ctx, now, p)

	if c.fixed {
		c.runBattery(ctx, now, p)
	}
}

func (c *SysChecker) runBattery(ctx context.Context, now time.Time, p *Params) {
	c.lastCheckAt = now
	c.lastWarns = c.warns
	c.warns = nil

	c.warns = append(c.warns, c.checkAndFixRootfs(ctx)...)
	c.warns = append(c.warns, c.checkMemswap(p)...)
	c.warns = append(c.warns, c.checkFreezer(p)...)
	c.warns = append(c.warns, c.checkAndFixIOLatency()...)
	c.warns = append(c.warns, c.checkAndFixMainMemoryLow(p)...)
	c.warns = append(c.warns, c.checkAndFixSideMemoryHigh(ctx, p)...)

	// Enabling the CPU controller carries measurable overhead, so it is
	// repaired only while side jobs are active.
	cpuWarns := c.checkCPUWeights(p)
	if c.opts.Fix && len(cpuWarns) > 0 && c.active {
		cpuWarns = append(cpuWarns, "fixing cpu weights")
		cpuWarns = append(cpuWarns, c.fixCPUWeights(ctx, p)...)
	}

	c.warns = append(c.warns, cpuWarns...)

	ioWarns := c.checkIOWeights(p)
	if c.opts.Fix && len(ioWarns) > 0 {
		ioWarns = append(ioWarns, "fixing io weights")
		ioWarns = append(ioWarns, c.fixIOWeights(ctx, p)...)
	}

	c.warns = append(c.warns, ioWarns...)

	if slices.Equal(c.warns, c.lastWarns) {
		return
	}

	if len(c.warns) == 0 {
		c.logger.InfoContext(ctx, "syscfg: all good")

		return
	}

	for i, w := range c.warns {
		c.logger.WarnContext(ctx, "syscfg", "index", i, "warning", w)
	}
}

func (c *SysChecker) checkAndFixRootfs(ctx context.Context) []string {
	mount, err := c.rootMount()
	if err != nil {
		return []string{"failed to find root fs mount entry"}
	}

	if mount.fstype != "btrfs" {
		return []string{"root filesystem is not btrfs"}
	}

	if strings.Contains(mount.opts, "discard=async") {
		return nil
	}

	fixed := ""

	if c.opts.Fix {
		cmd := exec.CommandContext(ctx, "mount", "-o", "remount,discard=async", "/")
		if err := cmd.Run(); err != nil {
			return []string{fmt.Sprintf("failed to enable async discard on root fs (%v)", err)}
		}

		c.fixed = true
		fixed = ", enabled"
	}

	return []string{"async discard disabled on root fs" + fixed}
}

func (c *SysChecker) checkMemswap(p *Params) []string {
	var warns []string

	totals, err := ReadMemTotals(c.proc)
	if err != nil {
		return []string{fmt.Sprintf("failed to read meminfo (%v)", err)}
	}

	c.memTotal = totals.MemTotal
	c.hugetlb = totals.Hugetlb

	maxLine, err := c.cgroup.ReadFirstLine(p.SideSlice + "/memory.swap.max")
	if err != nil {
		return []string{fmt.Sprintf("failed to read %s memory.swap.max (%v)", p.SideSlice, err)}
	}

	swapMax, err := cgroupfs.ParseIntOrMax(maxLine, totals.SwapTotal)
	if err != nil {
		return []string{fmt.Sprintf("failed to parse %s memory.swap.max (%v)", p.SideSlice, err)}
	}

	c.swapAvail = min(totals.SwapTotal, swapMax)
	c.swapFree = totals.SwapFree

	quarterMem := float64(totals.MemTotal) / 4

	if float64(c.swapAvail) < swapSlack*quarterMem {
		warns = append(warns, fmt.Sprintf(
			"available swap (%.2fG) is smaller than 1/4 of physical memory",
			float64(c.swapAvail)/float64(1<<30)))
	}

	if float64(c.swapAvail) < swapSlack*float64(p.SideSwapMax) {
		warns = append(warns, fmt.Sprintf(
			"available swap (%.2fG) is smaller than side-swap-max",
			float64(c.swapAvail)/float64(1<<30)))
	}

	data, err := os.ReadFile(c.opts.SwappinessPath)
	if err != nil {
		warns = append(warns, fmt.Sprintf("failed to read swappiness (%v)", err))

		return warns
	}

	c.swappiness, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		warns = append(warns, fmt.Sprintf("failed to parse swappiness (%v)", err))

		return warns
	}

	if c.swappiness < defaultSwappiness {
		warns = append(warns, fmt.Sprintf(
			"swappiness (%d) is lower than default %d", c.swappiness, defaultSwappiness))
	}

	return warns
}

func (c *SysChecker) checkFreezer(p *Params) []string {
	if !c.cgroup.Exists(p.SideSlice + "/cgroup.freeze") {
		return []string{"freezer is not available"}
	}

	return nil
}

// checkAndFixIOLatency hunts for stray per-cgroup io.latency overrides on
// the detection root device; they would fight the io.cost arbitration.
func (c *SysChecker) checkAndFixIOLatency() []string {
	if c.rootDevnr == "" {
		return nil
	}

	paths, err := c.cgroup.FindFiles("io.latency")
	if err != nil {
		return []string{fmt.Sprintf("failed to scan io.latency files (%v)", err)}
	}

	var warns []string

	for _, rel := range paths {
		latcfg, err := c.cgroup.ReadNestedKeyed(rel)
		if err != nil {
			warns = append(warns, fmt.Sprintf("failed to check and disable %s (%v)", rel, err))

			continue
		}

		if _, ok := latcfg[c.rootDevnr]; !ok {
			continue
		}

		fixed := ""

		if c.opts.Fix {
			if err := c.cgroup.WriteString(rel, c.rootDevnr+" target=0"); err != nil {
				warns = append(warns, fmt.Sprintf("failed to check and disable %s (%v)", rel, err))

				continue
			}

			c.fixed = true
			fixed = ", disabled"
		}

		warns = append(warns, fmt.Sprintf("%s has non-null config%s", rel, fixed))
	}

	return warns
}

// checkAndFixMainMemoryLow verifies the protected slice keeps a memory.low
// floor of at least a third of reclaimable system memory. A misconfigured
// descendant is repaired from the first adequate value found above it.
func (c *SysChecker) checkAndFixMainMemoryLow(p *Params) []string {
	var warns []string

	sub := cgroupfs.New(c.cgroup.Path(p.MainSlice))

	paths, err := sub.FindFiles("memory.low")
	if err != nil {
		return []string{fmt.Sprintf("failed to check %s/* memory.low (%v)", p.MainSlice, err)}
	}

	slices.Sort(paths)

	floor := (c.memTotal - c.hugetlb) / memLowDivisor

	var goodLow int64 = -1

	for _, rel := range paths {
		line, err := sub.ReadFirstLine(rel)
		if err != nil {
			warns = append(warns, fmt.Sprintf("failed to check %s/%s (%v)", p.MainSlice, rel, err))

			continue
		}

		low, err := cgroupfs.ParseIntOrMax(line, c.memTotal)
		if err != nil {
			warns = append(warns, fmt.Sprintf("failed to parse %s/%s (%v)", p.MainSlice, rel, err))

			continue
		}

		if low >= floor {
			goodLow = low

			continue
		}

		if goodLow < 0 {
			warns = append(warns, fmt.Sprintf(
				"%s/%s is lower than a third of system memory, no idea what to config",
				p.MainSlice, rel))

			continue
		}

		fixed := ""

		if c.opts.Fix {
			if err := sub.WriteString(rel, strconv.FormatInt(goodLow, 10)); err != nil {
				warns = append(warns, fmt.Sprintf("failed to set %s/%s to %d (%v)",
					p.MainSlice, rel, goodLow, err))

				continue
			}

			c.fixed = true
			fixed = fmt.Sprintf(", configured to %d", goodLow)
		}

		warns = append(warns, fmt.Sprintf(
			"%s/%s is lower than a third of system memory%s", p.MainSlice, rel, fixed))
	}

	return warns
}

func (c *SysChecker) checkAndFixSideMemoryHigh(ctx context.Context, p *Params) []string {
	var warns []string

	needFix := false

	line, err := c.cgroup.ReadFirstLine(p.SideSlice + "/memory.high")
	if err != nil {
		warns = append(warns, fmt.Sprintf("failed to check %s memory.high (%v)", p.SideSlice, err))
		needFix = true
	} else {
		high, err := cgroupfs.ParseIntOrMax(line, c.memTotal)
		if err != nil {
			warns = append(warns, fmt.Sprintf("failed to parse %s memory.high (%v)", p.SideSlice, err))
			needFix = true
		} else if high>>20 != p.SideMemoryHigh>>20 {
			warns = append(warns, fmt.Sprintf("%s memory.high is not %d", p.SideSlice, p.SideMemoryHigh))
			needFix = true
		}
	}

	if !c.opts.Fix || !needFix {
		return warns
	}

	err = c.units.SetProperty(ctx, p.SideSlice,
		fmt.Sprintf("MemoryHigh=%d", p.SideMemoryHigh),
		fmt.Sprintf("MemorySwapMax=%d", p.SideSwapMax),
	)
	if err == nil {
		err = c.cgroup.WriteString(p.SideSlice+"/memory.high", strconv.FormatInt(p.SideMemoryHigh, 10))
	}

	if err != nil {
		warns = append(warns, fmt.Sprintf("failed to set %s resource configs (%v)", p.SideSlice, err))

		return warns
	}

	c.fixed = true

	return warns
}

// checkWeight compares a live weight knob against its target. Weighted io
// knobs carry a "default <weight>" prefix form.
func (c *SysChecker) checkWeight(slice, knob string, want int64, prefixed bool) []string {
	line, err := c.cgroup.ReadFirstLine(slice + "/" + knob)
	if err != nil {
		return []string{fmt.Sprintf("failed to check %s/%s (%v)", slice, knob, err)}
	}

	if prefixed {
		toks := strings.Fields(line)
		if len(toks) < 2 {
			return []string{fmt.Sprintf("failed to check %s/%s (short line %q)", slice, knob, line)}
		}

		line = toks[1]
	}

	got, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return []string{fmt.Sprintf("failed to check %s/%s (%v)", slice, knob, err)}
	}

	if got != want {
		return []string{fmt.Sprintf("%s/%s != %d", slice, knob, want)}
	}

	return nil
}

func (c *SysChecker) updateWeight(ctx context.Context, slice, knob string, want int64, systemdKey, prefix string) []string {
	value := strconv.FormatInt(want, 10)
	if prefix != "" {
		value = prefix + " " + value
	}

	if err := c.cgroup.WriteString(slice+"/"+knob, value); err != nil {
		return []string{fmt.Sprintf("failed to set %s/%s to %d (%v)", slice, knob, want, err)}
	}

	if systemdKey != "" {
		if err := c.units.SetProperty(ctx, slice, fmt.Sprintf("%s=%d", systemdKey, want)); err != nil {
			return []string{fmt.Sprintf("failed to set %s %s to %d (%v)", slice, systemdKey, want, err)}
		}
	}

	return nil
}

func (c *SysChecker) checkCPUWeights(p *Params) []string {
	line, err := c.cgroup.ReadFirstLine("cgroup.subtree_control")
	if err != nil || !strings.Contains(line, "cpu") {
		return []string{"cpu controller not enabled at root"}
	}

	var warns []string
	warns = append(warns, c.checkWeight(p.MainSlice, "cpu.weight", p.MainCPUWeight, false)...)
	warns = append(warns, c.checkWeight(p.HostSlice, "cpu.weight", p.HostCPUWeight, false)...)
	warns = append(warns, c.checkWeight(p.SideSlice, "cpu.weight", p.SideCPUWeight, false)...)

	return warns
}

func (c *SysChecker) fixCPUWeights(ctx context.Context, p *Params) []string {
	if err := c.cgroup.WriteString("cgroup.subtree_control", "+cpu"); err != nil {
		return []string{fmt.Sprintf("failed to enable cpu controller in the root cgroup (%v)", err)}
	}

	var warns []string
	warns = append(warns, c.updateWeight(ctx, p.MainSlice, "cpu.weight", p.MainCPUWeight, "CPUWeight", "")...)
	warns = append(warns, c.updateWeight(ctx, p.HostSlice, "cpu.weight", p.HostCPUWeight, "CPUWeight", "")...)
	warns = append(warns, c.updateWeight(ctx, p.SideSlice, "cpu.weight", p.SideCPUWeight, "CPUWeight", "")...)

	if len(warns) == 0 {
		c.fixed = true
	}

	return warns
}

func (c *SysChecker) checkIOWeights(p *Params) []string {
	if c.rootDevnr == "" {
		return []string{fmt.Sprintf("failed to find devnr for %s", c.rootPart)}
	}

	qos, err := c.cgroup.ReadNestedKeyed("io.cost.qos")
	if err != nil {
		return []string{fmt.Sprintf("failed to verify iocost for %s (%v)", c.rootDev, err)}
	}

	if qos[c.rootDevnr]["enable"] != "1" {
		return []string{fmt.Sprintf("iocost not enabled on %s", c.rootDev)}
	}

	var warns []string
	warns = append(warns, c.checkWeight(p.MainSlice, "io.weight", p.MainIOWeight, true)...)
	warns = append(warns, c.checkWeight(p.HostSlice, "io.weight", p.HostIOWeight, true)...)
	warns = append(warns, c.checkWeight(p.SideSlice, "io.weight", p.SideIOWeight, true)...)

	return warns
}

func (c *SysChecker) fixIOWeights(ctx context.Context, p *Params) []string {
	if err := c.cgroup.WriteString("io.cost.qos", c.rootDevnr+" enable=1"); err != nil {
		return []string{fmt.Sprintf("failed to enable iocost for %s (%v)", c.rootDev, err)}
	}

	var warns []string
	warns = append(warns, c.updateWeight(ctx, p.MainSlice, "io.weight", p.MainIOWeight, "IOWeight", "default")...)
	warns = append(warns, c.updateWeight(ctx, p.HostSlice, "io.weight", p.HostIOWeight, "IOWeight", "default")...)
	warns = append(warns, c.updateWeight(ctx, p.SideSlice, "io.weight", p.SideIOWeight, "IOWeight", "default")...)

	if len(warns) == 0 {
		c.fixed = true
	}

	return warns
}

// UpdateActive tracks whether any side job is active and toggles the root
// slice DisableControllers override accordingly.
func (c *SysChecker) UpdateActive(ctx context.Context, active bool) {
	if c.active == active {
		return
	}

	c.active = active

	if !c.opts.Fix {
		return
	}

	if active {
		c.logger.InfoContext(ctx, "syscfg: overriding root slice DisableControllers")

		if err := os.MkdirAll(filepath.Dir(c.opts.RootOverridePath), 0o755); err != nil {
			c.logger.WarnContext(ctx, "syscfg: failed to override root slice DisableControllers", "reason", err)

			return
		}

		if err := os.WriteFile(c.opts.RootOverridePath, []byte(rootOverrideContent), 0o644); err != nil {
			c.logger.WarnContext(ctx, "syscfg: failed to override root slice DisableControllers", "reason", err)

			return
		}
	} else {
		c.logger.InfoContext(ctx, "syscfg: reverting root slice DisableControllers")

		if err := os.Remove(c.opts.RootOverridePath); err != nil && !os.IsNotExist(err) {
			c.logger.WarnContext(ctx, "syscfg: failed to revert root slice DisableControllers", "reason", err)

			return
		}
	}

	if err := c.units.DaemonReload(ctx); err != nil {
		c.logger.WarnContext(ctx, "syscfg: daemon-reload failed", "reason", err)
	}
}
