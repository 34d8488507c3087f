package sideloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// SizeSpec is a memory/swap size taken from the parameter file: either an
// absolute quantity ("1G", "512Mi", 1073741824) or a percentage of a whole
// ("35.7%").
type SizeSpec struct {
	raw string
}

func (s *SizeSpec) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		s.raw = strings.TrimSpace(asString)

		return nil
	}

	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return fmt.Errorf("size spec %s: %w", data, ErrParamsField)
	}

	s.raw = asNumber.String()

	return nil
}

func (s SizeSpec) isZero() bool {
	return s.raw == ""
}

// Resolve converts the spec to bytes; percentages are taken of whole.
func (s SizeSpec) Resolve(whole int64) (int64, error) {
	if s.raw == "" {
		return 0, fmt.Errorf("empty size: %w", ErrParamsField)
	}

	if pct, ok := strings.CutSuffix(s.raw, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("size percentage %q: %w", s.raw, ErrParamsField)
		}

		return int64(float64(whole) * v / percentMax), nil
	}

	qty, err := resource.ParseQuantity(s.raw)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s.raw, ErrParamsField)
	}

	return qty.Value(), nil
}

// rawParams mirrors the parameter file. Required fields are pointers so a
// missing key is detected at load time instead of surfacing as a zero later.
type rawParams struct {
	MainSlice *string `json:"main_slice"`
	HostSlice *string `json:"host_slice"`
	SideSlice *string `json:"side_slice"`

	MainCPUWeight *int64 `json:"main_cpu_weight"`
	HostCPUWeight *int64 `json:"host_cpu_weight"`
	SideCPUWeight *int64 `json:"side_cpu_weight"`
	MainIOWeight  *int64 `json:"main_io_weight"`
	HostIOWeight  *int64 `json:"host_io_weight"`
	SideIOWeight  *int64 `json:"side_io_weight"`

	SideMemoryHigh SizeSpec `json:"side_memory_high"`
	SideSwapMax    SizeSpec `json:"side_swap_max"`

	CPUHeadroomPeriod *float64 `json:"cpu_headroom_period"`
	CPUHeadroom       *float64 `json:"cpu_headroom"`
	CPUMinAvail       *float64 `json:"cpu_min_avail"`
	CPUFloor          *float64 `json:"cpu_floor"`
	CPUThrottlePeriod *float64 `json:"cpu_throttle_period"`

	OvCPUDuration *float64 `json:"overload_cpu_duration"`
	OvMemPThr     *float64 `json:"overload_mempressure_threshold"`
	OvHold        *float64 `json:"overload_hold"`
	OvHoldMax     *float64 `json:"overload_hold_max"`
	OvHoldDecay   *float64 `json:"overload_hold_decay_rate"`

	CritSwapFreeThr SizeSpec `json:"critical_swapfree_threshold"`
	CritMemPThr     *float64 `json:"critical_mempressure_threshold"`
	CritIOPThr      *float64 `json:"critical_iopressure_threshold"`

	TelemetryCategory string   `json:"telemetry_category"`
	TelemetryInterval *float64 `json:"telemetry_interval"`
}

type paramsDoc struct {
	Sideloader *rawParams `json:"sideloader_config"`
}

// Params is the immutable operating parameter snapshot. Only CPUHeadroom may
// change between loads while the daemon runs.
type Params struct {
	MainSlice string
	HostSlice string
	SideSlice string

	MainCPUWeight int64
	HostCPUWeight int64
	SideCPUWeight int64
	MainIOWeight  int64
	HostIOWeight  int64
	SideIOWeight  int64

	SideMemoryHigh int64
	SideSwapMax    int64

	CPUHeadroomPeriod time.Duration
	CPUHeadroom       float64
	CPUMinAvail       float64
	CPUFloor          float64
	CPUThrottlePeriod time.Duration

	OvCPUDuration time.Duration
	OvMemPThr     float64
	OvHold        time.Duration
	OvHoldMax     time.Duration
	OvHoldDecay   time.Duration

	CritSwapFreeThr int64
	CritMemPThr     float64
	CritIOPThr      float64

	TelemetryCategory string
	TelemetryInterval time.Duration
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

//nolint:cyclop // flat field-by-field validation reads better than a loop over reflection
func (r *rawParams) resolve(memTotal, swapTotal int64) (*Params, error) {
	required := map[string]bool{
		"main_slice":                     r.MainSlice != nil,
		"host_slice":                     r.HostSlice != nil,
		"side_slice":                     r.SideSlice != nil,
		"main_cpu_weight":                r.MainCPUWeight != nil,
		"host_cpu_weight":                r.HostCPUWeight != nil,
		"side_cpu_weight":                r.SideCPUWeight != nil,
		"main_io_weight":                 r.MainIOWeight != nil,
		"host_io_weight":                 r.HostIOWeight != nil,
		"side_io_weight":                 r.SideIOWeight != nil,
		"side_memory_high":               !r.SideMemoryHigh.isZero(),
		"side_swap_max":                  !r.SideSwapMax.isZero(),
		"cpu_headroom_period":            r.CPUHeadroomPeriod != nil,
		"cpu_headroom":                   r.CPUHeadroom != nil,
		"cpu_min_avail":                  r.CPUMinAvail != nil,
		"cpu_floor":                      r.CPUFloor != nil,
		"cpu_throttle_period":            r.CPUThrottlePeriod != nil,
		"overload_cpu_duration":          r.OvCPUDuration != nil,
		"overload_mempressure_threshold": r.OvMemPThr != nil,
		"overload_hold":                  r.OvHold != nil,
		"overload_hold_max":              r.OvHoldMax != nil,
		"overload_hold_decay_rate":       r.OvHoldDecay != nil,
		"critical_swapfree_threshold":    !r.CritSwapFreeThr.isZero(),
		"critical_mempressure_threshold": r.CritMemPThr != nil,
		"critical_iopressure_threshold":  r.CritIOPThr != nil,
	}

	for name, present := range required {
		if !present {
			return nil, fmt.Errorf("missing %s: %w", name, ErrParamsField)
		}
	}

	memoryHigh, err := r.SideMemoryHigh.Resolve(memTotal)
	if err != nil {
		return nil, fmt.Errorf("side_memory_high: %w", err)
	}

	swapMax, err := r.SideSwapMax.Resolve(swapTotal)
	if err != nil {
		return nil, fmt.Errorf("side_swap_max: %w", err)
	}

	critSwapFree, err := r.CritSwapFreeThr.Resolve(min(swapMax, swapTotal))
	if err != nil {
		return nil, fmt.Errorf("critical_swapfree_threshold: %w", err)
	}

	p := &Params{
		MainSlice:         *r.MainSlice,
		HostSlice:         *r.HostSlice,
		SideSlice:         *r.SideSlice,
		MainCPUWeight:     *r.MainCPUWeight,
		HostCPUWeight:     *r.HostCPUWeight,
		SideCPUWeight:     *r.SideCPUWeight,
		MainIOWeight:      *r.MainIOWeight,
		HostIOWeight:      *r.HostIOWeight,
		SideIOWeight:      *r.SideIOWeight,
		SideMemoryHigh:    memoryHigh,
		SideSwapMax:       swapMax,
		CPUHeadroomPeriod: secondsToDuration(*r.CPUHeadroomPeriod),
		CPUHeadroom:       *r.CPUHeadroom,
		CPUMinAvail:       *r.CPUMinAvail,
		CPUFloor:          *r.CPUFloor,
		CPUThrottlePeriod: secondsToDuration(*r.CPUThrottlePeriod),
		OvCPUDuration:     secondsToDuration(*r.OvCPUDuration),
		OvMemPThr:         *r.OvMemPThr,
		OvHold:            secondsToDuration(*r.OvHold),
		OvHoldMax:         secondsToDuration(*r.OvHoldMax),
		OvHoldDecay:       secondsToDuration(*r.OvHoldDecay),
		CritSwapFreeThr:   critSwapFree,
		CritMemPThr:       *r.CritMemPThr,
		CritIOPThr:        *r.CritIOPThr,
		TelemetryCategory: r.TelemetryCategory,
		TelemetryInterval: TickInterval,
	}

	if r.TelemetryInterval != nil {
		p.TelemetryInterval = secondsToDuration(*r.TelemetryInterval)
	}

	if p.CPUHeadroomPeriod <= 0 || p.OvCPUDuration <= 0 {
		return nil, fmt.Errorf("observation periods must be positive: %w", ErrParamsField)
	}

	return p, nil
}

// LoadParams reads and validates the daemon parameter file. Unknown keys are
// rejected so typos fail at load time.
func LoadParams(path string, memTotal, swapTotal int64) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParamsLoad, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	var doc paramsDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParamsLoad, path, err)
	}

	if doc.Sideloader == nil {
		return nil, fmt.Errorf("%w: %s: missing sideloader_config: %w", ErrParamsLoad, path, ErrParamsField)
	}

	p, err := doc.Sideloader.resolve(memTotal, swapTotal)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParamsLoad, path, err)
	}

	return p, nil
}

// ParamsStore owns the parameter snapshot and its hot-reload rule: a changed
// file mtime triggers a reload, but only cpu_headroom is carried into the
// running snapshot. Everything else requires a restart.
type ParamsStore struct {
	logger    *slog.Logger
	path      string
	memTotal  int64
	swapTotal int64
	modTime   time.Time
	current   *Params
}

func NewParamsStore(logger *slog.Logger, path string, memTotal, swapTotal int64) (*ParamsStore, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParamsLoad, err)
	}

	params, err := LoadParams(path, memTotal, swapTotal)
	if err != nil {
		return nil, err
	}

	return &ParamsStore{
		logger:    logger,
		path:      path,
		memTotal:  memTotal,
		swapTotal: swapTotal,
		modTime:   fi.ModTime(),
		current:   params,
	}, nil
}

// Current returns the active parameter snapshot.
func (s *ParamsStore) Current() *Params {
	return s.current
}

// MaybeReload checks the file mtime and applies the hot-reloadable subset.
// A reload failure keeps the previous snapshot; the headroom target only
// affects how much slack side work gets, so stale is safe.
func (s *ParamsStore) MaybeReload(ctx context.Context) {
	fi, err := os.Stat(s.path)
	if err != nil {
		s.logger.WarnContext(ctx, "params file stat failed", "path", s.path, "reason", err)

		return
	}

	if fi.ModTime().Equal(s.modTime) {
		return
	}

	s.modTime = fi.ModTime()

	fresh, err := LoadParams(s.path, s.memTotal, s.swapTotal)
	if err != nil {
		s.logger.WarnContext(ctx, "params reload failed, keeping previous", "reason", err)

		return
	}

	if s.current.CPUHeadroom != fresh.CPUHeadroom {
		s.logger.InfoContext(ctx, "cpu headroom changed",
			"from", s.current.CPUHeadroom,
			"to", fresh.CPUHeadroom,
		)

		updated := *s.current
		updated.CPUHeadroom = fresh.CPUHeadroom
		s.current = &updated
	}
}
