package sideloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.json")
	doc := statusDoc{Status: Status{Now: "2026-08-25 10:00:00.000000"}}

	require.NoError(t, writeJSONAtomic(doc, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got statusDoc
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, doc.Status.Now, got.Status.Now)

	// no temp file left behind
	_, err = os.Stat(path + ".tmp")
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(filepath.Dir(path), fmt.Sprintf("P%d-status.json.tmp", os.Getpid())))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteJSONAtomicReplaces(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))
	require.NoError(t, writeJSONAtomic(statusDoc{}, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "stale")
}

func TestStatusJSONContract(t *testing.T) {
	t.Parallel()

	doc := statusDoc{Status: Status{
		Now:            "2026-08-25 10:00:00.000000",
		SysconfigWarns: []string{},
		Jobs: []JobStatus{{
			ID:        "compress",
			Path:      "/etc/sideloaderd/jobs.d/batch.json",
			SvcName:   "sideload-compress.service",
			SvcStatus: "active (running)",
			FrozenFor: 12,
			IsKilled:  1,
			KillWhy:   "frozen for too long",
		}},
		JobsPending: []PendingJob{{ID: "transcode", Path: "/etc/sideloaderd/jobs.d/batch.json"}},
		SysInfo:     SysStatus{CPUCurIdle: 42.5, SwapAvailGB: 4, SwapFreePct: 75},
		Overload:    OvStatus{OverloadFor: 8, OverloadHold: 30, OverloadWhy: "cpu margin 0.00 is too low"},
	}}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	// the on-disk key names are consumed by the fleet agent
	for _, key := range []string{
		`"sideloader_status"`,
		`"sysconfig_warnings_at"`, `"sysconfig_warnings"`,
		`"jobs_pending"`, `"sysinfo"`, `"overload"`,
		`"service_name"`, `"service_status"`, `"frozen_for"`,
		`"is_killed"`, `"is_done"`, `"kill_why"`,
		`"cpu_cur_idle"`, `"cpu_avail"`, `"mempressure_1min"`,
		`"iopressure_5min"`, `"swap_avail_gb"`, `"swap_free_pct"`,
		`"critical_for"`, `"overload_for"`, `"overload_hold"`,
		`"critical_why"`, `"overload_why"`,
	} {
		require.Contains(t, string(data), key)
	}
}

func TestStatusTime(t *testing.T) {
	t.Parallel()

	require.Empty(t, statusTime(time.Time{}))

	at := time.Date(2026, 8, 25, 10, 30, 15, 250_000_000, time.UTC)
	require.Equal(t, "2026-08-25 10:30:15.250000", statusTime(at))
}

func TestWholeSeconds(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(0), wholeSeconds(900*time.Millisecond))
	require.Equal(t, int64(1), wholeSeconds(1900*time.Millisecond))
	require.Equal(t, int64(90), wholeSeconds(90*time.Second))
}
