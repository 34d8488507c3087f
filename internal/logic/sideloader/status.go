package sideloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the externally visible state of the daemon, written to the
// status file every tick and served over HTTP. Field names are part of the
// on-disk contract consumed by the fleet agent.
type Status struct {
	Now              string       `json:"now"`
	SysconfigWarnsAt string       `json:"sysconfig_warnings_at"`
	SysconfigWarns   []string     `json:"sysconfig_warnings"`
	Jobs             []JobStatus  `json:"jobs"`
	JobsPending      []PendingJob `json:"jobs_pending"`
	SysInfo          SysStatus    `json:"sysinfo"`
	Overload         OvStatus     `json:"overload"`
}

type JobStatus struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	SvcName   string `json:"service_name"`
	SvcStatus string `json:"service_status"`
	FrozenFor int64  `json:"frozen_for"`
	IsKilled  int    `json:"is_killed"`
	IsDone    int    `json:"is_done"`
	KillWhy   string `json:"kill_why"`
}

type PendingJob struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type SysStatus struct {
	CPUCurIdle  float64 `json:"cpu_cur_idle"`
	CPUCurSide  float64 `json:"cpu_cur_side"`
	CPUAvgIdle  float64 `json:"cpu_avg_idle"`
	CPUAvgSide  float64 `json:"cpu_avg_side"`
	CPUAvail    float64 `json:"cpu_avail"`
	MemP1Min    float64 `json:"mempressure_1min"`
	MemP5Min    float64 `json:"mempressure_5min"`
	IOP1Min     float64 `json:"iopressure_1min"`
	IOP5Min     float64 `json:"iopressure_5min"`
	SwapAvailGB float64 `json:"swap_avail_gb"`
	SwapFreePct float64 `json:"swap_free_pct"`
}

type OvStatus struct {
	CriticalFor  int64  `json:"critical_for"`
	OverloadFor  int64  `json:"overload_for"`
	OverloadHold int64  `json:"overload_hold"`
	CriticalWhy  string `json:"critical_why"`
	OverloadWhy  string `json:"overload_why"`
}

type statusDoc struct {
	Status Status `json:"sideloader_status"`
}

const statusTimeLayout = "2006-01-02 15:04:05.000000"

func statusTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(statusTimeLayout)
}

func wholeSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// writeJSONAtomic writes doc to path through a pid-tagged temp file in the
// same directory so readers never observe a partial document.
func writeJSONAtomic(doc any, path string) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, fmt.Sprintf("P%d-%s.tmp", os.Getpid(), base))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	return nil
}
