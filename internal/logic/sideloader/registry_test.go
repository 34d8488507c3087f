package sideloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
)

type fakeUnits struct {
	started     []string
	stopped     []string
	resetFailed []string
	props       map[string][]string
	active      map[string]string
	listUnits   []string
	startErr    error
	listErr     error
	activeErr   error
}

func newFakeUnits() *fakeUnits {
	return &fakeUnits{
		props:  make(map[string][]string),
		active: make(map[string]string),
	}
}

func (f *fakeUnits) StartTransient(_ context.Context, unit, _, _ string, _, _ []string) error {
	f.started = append(f.started, unit)

	return f.startErr
}

func (f *fakeUnits) Stop(_ context.Context, unit string) error {
	f.stopped = append(f.stopped, unit)

	return nil
}

func (f *fakeUnits) ResetFailed(_ context.Context, unit string) error {
	f.resetFailed = append(f.resetFailed, unit)

	return nil
}

func (f *fakeUnits) ActiveStatus(_ context.Context, unit string) (string, error) {
	return f.active[unit], f.activeErr
}

func (f *fakeUnits) List(_ context.Context, _ string) ([]string, error) {
	return f.listUnits, f.listErr
}

func (f *fakeUnits) SetProperty(_ context.Context, unit string, props ...string) error {
	f.props[unit] = append(f.props[unit], props...)

	return nil
}

func (f *fakeUnits) DaemonReload(_ context.Context) error {
	return nil
}

type fakeKiller struct {
	pids []int
	err  error
}

func (f *fakeKiller) Kill(pid int) error {
	f.pids = append(f.pids, pid)

	return f.err
}

type registryFixture struct {
	reg    *Registry
	units  *fakeUnits
	killer *fakeKiller
	jobDir string
	cgRoot string
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	jobDir := t.TempDir()
	cgRoot := t.TempDir()
	units := newFakeUnits()

	reg := NewRegistry(logger, units, cgroupfs.New(cgRoot), jobDir, "sideload-", "sideload.slice")

	k := &fakeKiller{}
	reg.killer = k

	return &registryFixture{reg: reg, units: units, killer: k, jobDir: jobDir, cgRoot: cgRoot}
}

func (fx *registryFixture) writeJobFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(fx.jobDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// makeUnitCgroup creates the unit's cgroup directory with the given control
// file contents.
func (fx *registryFixture) makeUnitCgroup(t *testing.T, unit string, files map[string]string) {
	t.Helper()

	dir := filepath.Join(fx.cgRoot, "sideload.slice", unit)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func jobFileJSON(ids ...string) string {
	doc := `{"sideloader_jobs": [`

	for i, id := range ids {
		if i > 0 {
			doc += ","
		}

		doc += fmt.Sprintf(`{"id": %q, "args": ["/bin/true"]}`, id)
	}

	return doc + `]}`
}

func TestRegistryReconcileAddsAndRemoves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "batch.json", jobFileJSON("compress", "transcode"))

	toStop, fresh := fx.reg.Reconcile(ctx)
	require.Empty(t, toStop)
	require.Len(t, fresh, 2)
	require.Equal(t, "compress", fresh[0].ID)
	require.Equal(t, "sideload-compress.service", fresh[0].SvcName)

	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)
	require.Equal(t, []string{"sideload-compress.service", "sideload-transcode.service"}, fx.units.started)
	require.Len(t, fx.reg.Jobs(), 2)
	require.Empty(t, fx.reg.Pending())

	// same inode: a later scan is a no-op
	toStop, fresh = fx.reg.Reconcile(ctx)
	require.Empty(t, toStop)
	require.Empty(t, fresh)

	// removing the file marks its jobs for stopping
	require.NoError(t, os.Remove(filepath.Join(fx.jobDir, "batch.json")))

	toStop, fresh = fx.reg.Reconcile(ctx)
	require.Empty(t, fresh)
	require.Len(t, toStop, 2)

	for _, job := range toStop {
		fx.reg.StopJob(ctx, job)
	}

	require.Equal(t, []string{"sideload-compress.service", "sideload-transcode.service"}, fx.units.stopped)
	require.Empty(t, fx.reg.Jobs())
}

func TestRegistryReconcileReplacedFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	path := fx.writeJobFile(t, "batch.json", jobFileJSON("compress"))

	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	// atomic replace: same path, new inode, new job set
	tmp := fx.writeJobFile(t, "batch.json.tmp", jobFileJSON("transcode"))
	require.NoError(t, os.Rename(tmp, path))

	toStop, fresh := fx.reg.Reconcile(ctx)
	require.Len(t, toStop, 1)
	require.Equal(t, "compress", toStop[0].ID)
	require.Len(t, fresh, 1)
	require.Equal(t, "transcode", fresh[0].ID)
}

func TestRegistryDuplicateIDAbortsFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json", jobFileJSON("compress"))
	fx.writeJobFile(t, "b.json", jobFileJSON("indexer", "compress"))

	// b.json carries a duplicate of a.json's id, so the whole of b.json
	// is rejected while a.json loads
	_, fresh := fx.reg.Reconcile(ctx)
	require.Len(t, fresh, 1)
	require.Equal(t, "compress", fresh[0].ID)

	// the rejected file was never registered, so an in-place fix is
	// picked up on the next scan
	fx.writeJobFile(t, "b.json", jobFileJSON("indexer"))

	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	_, fresh = fx.reg.Reconcile(ctx)
	require.Len(t, fresh, 1)
	require.Equal(t, "indexer", fresh[0].ID)
}

func TestRegistryDuplicateIDWithinFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json", jobFileJSON("compress", "compress"))

	_, fresh := fx.reg.Reconcile(ctx)
	require.Empty(t, fresh)
}

func TestRegistryInvalidJobsRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "bad id", content: jobFileJSON("no/slashes")},
		{name: "empty id", content: jobFileJSON("")},
		{name: "no args", content: `{"sideloader_jobs": [{"id": "x", "args": []}]}`},
		{name: "not json", content: `sideloader_jobs=`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newRegistryFixture(t)
			fx.writeJobFile(t, "a.json", tc.content)

			_, fresh := fx.reg.Reconcile(context.Background())
			require.Empty(t, fresh)
		})
	}
}

func TestRegistryReconcileIgnoresNonRegular(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t)
	require.NoError(t, os.Mkdir(filepath.Join(fx.jobDir, "subdir"), 0o755))

	toStop, fresh := fx.reg.Reconcile(context.Background())
	require.Empty(t, toStop)
	require.Empty(t, fresh)
}

func TestRegistryStartFailureKeepsJobTracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.units.startErr = fmt.Errorf("unit start refused")
	fx.writeJobFile(t, "a.json", jobFileJSON("compress"))

	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	// still tracked so RefreshStatus reports the failed unit
	require.Len(t, fx.reg.Jobs(), 1)
	require.Empty(t, fx.reg.Pending())
}

func TestRegistryKillFirstReasonSticks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.makeUnitCgroup(t, "sideload-compress.service", map[string]string{
		"cgroup.procs": "101\n102\n",
	})

	fx.writeJobFile(t, "a.json", jobFileJSON("compress"))
	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	job := fx.reg.Jobs()[0]
	fx.reg.Kill(ctx, job, "frozen for too long")
	fx.reg.Kill(ctx, job, "resource critical swap depleted")

	require.True(t, job.Killed)
	require.Equal(t, "frozen for too long", job.KillWhy)
	// both calls retried delivery to the live pids
	require.Equal(t, []int{101, 102, 101, 102}, fx.killer.pids)
}

func TestRegistryMaybeKill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json", jobFileJSON("compress"))

	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	job := fx.reg.Jobs()[0]

	// no kill reason: nothing happens
	fx.reg.MaybeKill(ctx, job)
	require.Empty(t, fx.killer.pids)

	// reason set but cgroup already gone: silent no-op
	fx.reg.Kill(ctx, job, "resource critical")
	require.Empty(t, fx.killer.pids)

	// processes appear again (restart race): retried next tick
	fx.makeUnitCgroup(t, "sideload-compress.service", map[string]string{
		"cgroup.procs": "55\n",
	})
	fx.reg.MaybeKill(ctx, job)
	require.Equal(t, []int{55}, fx.killer.pids)
}

func TestRegistryUpdateFrozen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.makeUnitCgroup(t, "sideload-compress.service", map[string]string{
		"cgroup.freeze": "0\n",
	})

	fx.writeJobFile(t, "a.json", jobFileJSON("compress"))
	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	job := fx.reg.Jobs()[0]
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fx.reg.UpdateFrozen(ctx, job, true, now)
	require.True(t, job.Frozen())
	require.Equal(t, now, job.FrozenAt)

	freezePath := filepath.Join(fx.cgRoot, "sideload.slice", "sideload-compress.service", "cgroup.freeze")
	data, err := os.ReadFile(freezePath)
	require.NoError(t, err)
	require.Equal(t, "1", string(data))

	// re-freezing keeps the original freeze timestamp
	fx.reg.UpdateFrozen(ctx, job, true, now.Add(10*time.Second))
	require.Equal(t, now, job.FrozenAt)

	fx.reg.UpdateFrozen(ctx, job, false, now.Add(20*time.Second))
	require.False(t, job.Frozen())

	data, err = os.ReadFile(freezePath)
	require.NoError(t, err)
	require.Equal(t, "0", string(data))
}

func TestRegistryFrozenExpiry(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json",
		`{"sideloader_jobs": [
			{"id": "bounded", "args": ["/bin/true"], "frozen_expiration": 30},
			{"id": "unbounded", "args": ["/bin/true"]}
		]}`)

	_, fresh := fx.reg.Reconcile(context.Background())
	require.Len(t, fresh, 2)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bounded, unbounded := fresh[0], fresh[1]

	bounded.FrozenAt = now
	unbounded.FrozenAt = now

	require.False(t, bounded.FrozenExpired(now.Add(29*time.Second)))
	require.True(t, bounded.FrozenExpired(now.Add(30*time.Second)))

	// no expiration configured: frozen forever is fine
	require.False(t, unbounded.FrozenExpired(now.Add(24*time.Hour)))
}

func TestRegistryRefreshStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json", jobFileJSON("running", "finished", "crashed", "silent"))

	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	fx.units.active["sideload-running.service"] = "active (running) since Tue 2026-08-25"
	fx.units.active["sideload-finished.service"] = "active (exited) since Tue 2026-08-25"
	fx.units.active["sideload-crashed.service"] = "failed (Result: exit-code)"

	fx.reg.RefreshStatus(ctx)

	byID := make(map[string]*Job)
	for _, job := range fx.reg.Jobs() {
		byID[job.ID] = job
	}

	require.False(t, byID["running"].Done)
	require.False(t, byID["running"].Killed)

	require.True(t, byID["finished"].Done)
	require.False(t, byID["finished"].Killed)

	require.True(t, byID["crashed"].Done)
	require.True(t, byID["crashed"].Killed)

	require.Equal(t, "<UNKNOWN>", byID["silent"].SvcStatus)
}

func TestRegistryCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.writeJobFile(t, "a.json", jobFileJSON("one", "two", "three"))

	_, fresh := fx.reg.Reconcile(ctx)
	fx.reg.QueuePending(fresh)
	fx.reg.StartPending(ctx)

	require.Equal(t, 3, fx.reg.ActiveCount())
	require.Zero(t, fx.reg.FrozenCount())

	jobs := fx.reg.Jobs()
	jobs[0].FrozenAt = time.Now()
	jobs[1].Done = true

	require.Equal(t, 1, fx.reg.ActiveCount())
	require.Equal(t, 1, fx.reg.FrozenCount())
}

func TestRegistryReapStrays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newRegistryFixture(t)
	fx.units.listUnits = []string{
		"sideload-fresh.service",
		"sideload-leftover.service",
	}

	fx.writeJobFile(t, "a.json", jobFileJSON("fresh"))
	_, fresh := fx.reg.Reconcile(ctx)

	fx.reg.ReapStrays(ctx, fresh)
	require.Equal(t, []string{"sideload-leftover.service"}, fx.units.stopped)
	require.Equal(t, []string{"sideload-leftover.service"}, fx.units.resetFailed)
}
