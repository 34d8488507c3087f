package sideloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
)

// unixKiller is the production signal delivery.
type unixKiller struct{}

func (unixKiller) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}

	return nil
}

// Registry tracks job files by inode and owns every job state transition:
// start, stop, freeze, kill and status refresh.
type Registry struct {
	logger    *slog.Logger
	units     UnitManager
	cgroup    *cgroupfs.FS
	killer    killer
	jobDir    string
	svcPrefix string
	sideSlice string

	files   map[uint64]*JobFile
	jobs    map[string]*Job
	pending map[string]*Job
}

func NewRegistry(
	logger *slog.Logger,
	units UnitManager,
	cgroup *cgroupfs.FS,
	jobDir,
	svcPrefix,
	sideSlice string,
) *Registry {
	return &Registry{
		logger:    logger,
		units:     units,
		cgroup:    cgroup,
		killer:    unixKiller{},
		jobDir:    jobDir,
		svcPrefix: svcPrefix,
		sideSlice: sideSlice,
		files:     make(map[uint64]*JobFile),
		jobs:      make(map[string]*Job),
		pending:   make(map[string]*Job),
	}
}

// Reconcile scans the job directory and diffs it against the known file set.
// It returns the jobs whose file disappeared (to stop) and freshly parsed
// jobs (to queue). A file that fails to parse is not registered, so an
// in-place fix is picked up on a later tick.
func (r *Registry) Reconcile(ctx context.Context) (toStop, fresh []*Job) {
	input := r.scanDir(ctx)

	for ino := range r.files {
		if _, ok := input[ino]; !ok {
			r.logger.DebugContext(ctx, "job file gone", "file", r.files[ino].String())
			delete(r.files, ino)
		}
	}

	// jobs whose owning file vanished become to-stop
	activeIDs := make(map[string]bool, len(r.jobs))

	for _, job := range r.sortedJobs(r.jobs) {
		if _, ok := r.files[job.File.Ino]; ok {
			activeIDs[job.ID] = true
		} else {
			toStop = append(toStop, job)
		}
	}

	for _, jf := range r.sortedFiles(input) {
		if _, known := r.files[jf.Ino]; known {
			continue
		}

		jobs, err := r.parseJobFile(jf, activeIDs)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to load job file", "path", jf.Path, "reason", err)

			continue
		}

		r.files[jf.Ino] = jf

		for _, job := range jobs {
			activeIDs[job.ID] = true

			fresh = append(fresh, job)
		}
	}

	return toStop, fresh
}

// scanDir opens every regular file in the job directory keyed by inode.
func (r *Registry) scanDir(ctx context.Context) map[uint64]*JobFile {
	entries, err := os.ReadDir(r.jobDir)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read job dir", "dir", r.jobDir, "reason", err)

		return nil
	}

	input := make(map[uint64]*JobFile, len(entries))

	for _, ent := range entries {
		path := filepath.Join(r.jobDir, ent.Name())

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			r.logger.WarnContext(ctx, "failed to stat job file", "path", path, "reason", err)

			continue
		}

		if st.Mode&unix.S_IFMT != unix.S_IFREG {
			r.logger.WarnContext(ctx, "ignoring non-regular job file", "path", path)

			continue
		}

		input[st.Ino] = &JobFile{Ino: st.Ino, Path: path}
	}

	return input
}

// parseJobFile loads every job in one file. A duplicate id anywhere aborts
// the whole file; already-loaded jobs from other files are untouched.
func (r *Registry) parseJobFile(jf *JobFile, activeIDs map[string]bool) ([]*Job, error) {
	data, err := os.ReadFile(jf.Path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var doc jobFileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	fileIDs := make(map[string]bool, len(doc.Jobs))
	jobs := make([]*Job, 0, len(doc.Jobs))

	for _, spec := range doc.Jobs {
		job, err := newJob(spec, jf, r.svcPrefix)
		if err != nil {
			return nil, err
		}

		if activeIDs[job.ID] || fileIDs[job.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
		}

		fileIDs[job.ID] = true

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// QueuePending adds freshly parsed jobs to the pending set. They stay queued
// while the system is overloaded.
func (r *Registry) QueuePending(fresh []*Job) {
	for _, job := range fresh {
		r.pending[job.ID] = job
	}
}

// StartPending launches every queued job and drains the queue. A failed
// launch is a per-job error; status refresh reports the unit as failed.
func (r *Registry) StartPending(ctx context.Context) {
	for _, job := range r.sortedJobs(r.pending) {
		r.logger.InfoContext(ctx, "starting job", "unit", job.SvcName)

		r.jobs[job.ID] = job

		err := r.units.StartTransient(ctx, job.SvcName, r.sideSlice, job.WorkingDir, job.Envs, job.Args)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to start job", "unit", job.SvcName, "reason", err)
		}
	}

	r.pending = make(map[string]*Job)
}

// StopJob terminates a job's unit and forgets it.
func (r *Registry) StopJob(ctx context.Context, job *Job) {
	r.logger.InfoContext(ctx, "stopping job", "unit", job.SvcName)

	if err := r.units.Stop(ctx, job.SvcName); err != nil {
		r.logger.WarnContext(ctx, "failed to stop job", "unit", job.SvcName, "reason", err)
	}

	if err := r.units.ResetFailed(ctx, job.SvcName); err != nil {
		r.logger.DebugContext(ctx, "reset-failed", "unit", job.SvcName, "reason", err)
	}

	delete(r.jobs, job.ID)
}

// ReapStrays stops every unit carrying the service prefix that has no job
// definition backing it. Used at startup to clean up after a previous run.
func (r *Registry) ReapStrays(ctx context.Context, fresh []*Job) {
	units, err := r.units.List(ctx, r.svcPrefix)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to list units", "reason", err)

		return
	}

	wanted := make(map[string]bool, len(fresh))
	for _, job := range fresh {
		wanted[job.SvcName] = true
	}

	for _, unit := range units {
		if wanted[unit] {
			continue
		}

		r.logger.InfoContext(ctx, "stopping stray unit", "unit", unit)

		if err := r.units.Stop(ctx, unit); err != nil {
			r.logger.WarnContext(ctx, "failed to stop stray unit", "unit", unit, "reason", err)
		}

		if err := r.units.ResetFailed(ctx, unit); err != nil {
			r.logger.DebugContext(ctx, "reset-failed stray", "unit", unit, "reason", err)
		}
	}
}

// UpdateFrozen toggles the job's freeze state. The cgroup write happens only
// when the live value differs, so re-issuing the same state is a no-op.
func (r *Registry) UpdateFrozen(ctx context.Context, job *Job, freeze bool, now time.Time) {
	changed := false

	switch {
	case !job.Frozen() && freeze:
		job.FrozenAt = now
		changed = true
	case job.Frozen() && !freeze:
		job.FrozenAt = time.Time{}
		changed = true
	}

	rel := r.sideSlice + "/" + job.SvcName + "/cgroup.freeze"
	if !r.cgroup.Exists(rel) {
		if changed {
			r.logger.WarnContext(ctx, "failed to freeze job", "job", job.ID, "reason", "no freezer file")
		}

		return
	}

	want := "0"
	if freeze {
		want = "1"
	}

	cur, err := r.cgroup.ReadFirstLine(rel)
	if err == nil && cur == want {
		return
	}

	if err := r.cgroup.WriteString(rel, want); err != nil {
		r.logger.WarnContext(ctx, "failed to write freeze state", "job", job.ID, "reason", err)
	}
}

// Kill requests termination. Only the first reason sticks; every call
// retries termination of whatever is live in the job's cgroup.
func (r *Registry) Kill(ctx context.Context, job *Job, why string) {
	r.logger.DebugContext(ctx, "kill requested", "job", job.ID, "why", why, "current", job.KillWhy)

	if job.KillWhy == "" {
		job.KillWhy = why
	}

	job.Killed = true

	r.MaybeKill(ctx, job)
}

// MaybeKill terminates all live processes of a job that has a kill reason.
// Failures are retried on the next tick.
func (r *Registry) MaybeKill(ctx context.Context, job *Job) {
	if job.KillWhy == "" {
		return
	}

	rel := r.sideSlice + "/" + job.SvcName + "/cgroup.procs"
	if !r.cgroup.Exists(rel) {
		return
	}

	pids, err := r.cgroup.ReadLines(rel)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read cgroup procs", "job", job.ID, "reason", err)

		return
	}

	if len(pids) == 0 {
		return
	}

	for _, line := range pids {
		pid, err := strconv.Atoi(line)
		if err != nil {
			r.logger.WarnContext(ctx, "bad pid line", "job", job.ID, "line", line)

			continue
		}

		if err := r.killer.Kill(pid); err != nil {
			r.logger.WarnContext(ctx, "failed to kill pid", "job", job.ID, "pid", pid, "reason", err)
		}
	}

	r.logger.InfoContext(ctx, "attempted to kill job", "job", job.ID, "processes", len(pids))
}

// RefreshStatus polls each job's unit status and classifies it.
func (r *Registry) RefreshStatus(ctx context.Context) {
	for _, job := range r.jobs {
		status, err := r.units.ActiveStatus(ctx, job.SvcName)
		if err != nil || status == "" {
			job.SvcStatus = statusUnknown

			continue
		}

		job.SvcStatus = status

		if strings.Contains(status, "(exited)") {
			job.Done = true
		}

		if strings.Contains(status, "failed") {
			job.Done = true
			job.Killed = true
		}
	}
}

// ActiveCount is the number of jobs that are neither frozen nor done.
func (r *Registry) ActiveCount() int {
	count := 0

	for _, job := range r.jobs {
		if !job.Frozen() && !job.Done {
			count++
		}
	}

	return count
}

// FrozenCount is the number of currently frozen jobs.
func (r *Registry) FrozenCount() int {
	count := 0

	for _, job := range r.jobs {
		if job.Frozen() {
			count++
		}
	}

	return count
}

// Jobs returns the tracked jobs in stable id order.
func (r *Registry) Jobs() []*Job {
	return r.sortedJobs(r.jobs)
}

// Pending returns the queued jobs in stable id order.
func (r *Registry) Pending() []*Job {
	return r.sortedJobs(r.pending)
}

func (r *Registry) sortedJobs(m map[string]*Job) []*Job {
	jobs := make([]*Job, 0, len(m))
	for _, job := range m {
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	return jobs
}

func (r *Registry) sortedFiles(m map[uint64]*JobFile) []*JobFile {
	files := make([]*JobFile, 0, len(m))
	for _, jf := range m {
		files = append(files, jf)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return files
}
