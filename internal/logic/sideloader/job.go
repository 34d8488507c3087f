package sideloader

import (
	"fmt"
	"regexp"
	"time"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// JobSpec is one element of a job file's "sideloader_jobs" array.
type JobSpec struct {
	ID         string   `json:"id"`
	Args       []string `json:"args"`
	Envs       []string `json:"envs"`
	WorkingDir string   `json:"working_dir,omitempty"`
	// FrozenExpiration is how long the job may stay frozen before it is
	// killed, in seconds. Absent means the job never expires while frozen.
	FrozenExpiration *float64 `json:"frozen_expiration,omitempty"`
}

type jobFileDoc struct {
	Jobs []JobSpec `json:"sideloader_jobs"`
}

// JobFile is a watched job definition file, identified by inode so renames
// and atomic replaces read as remove-plus-add.
type JobFile struct {
	Ino  uint64
	Path string
}

func (f *JobFile) String() string {
	return fmt.Sprintf("%d:%s", f.Ino, f.Path)
}

// Job is one managed unit of side work.
type Job struct {
	File       *JobFile
	ID         string
	Args       []string
	Envs       []string
	WorkingDir string

	FrozenExp    time.Duration
	HasFrozenExp bool

	SvcName   string
	SvcStatus string

	FrozenAt time.Time
	Done     bool
	Killed   bool
	KillWhy  string
}

func newJob(spec JobSpec, file *JobFile, svcPrefix string) (*Job, error) {
	if !jobIDPattern.MatchString(spec.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, spec.ID)
	}

	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("%w: job %s has no args", ErrInvalidJobID, spec.ID)
	}

	j := &Job{
		File:       file,
		ID:         spec.ID,
		Args:       spec.Args,
		Envs:       spec.Envs,
		WorkingDir: spec.WorkingDir,
		SvcName:    svcPrefix + spec.ID + SvcSuffix,
		SvcStatus:  statusUnknown,
	}

	if spec.FrozenExpiration != nil {
		j.FrozenExp = secondsToDuration(*spec.FrozenExpiration)
		j.HasFrozenExp = true
	}

	return j, nil
}

// Frozen reports whether the job is currently frozen.
func (j *Job) Frozen() bool {
	return !j.FrozenAt.IsZero()
}

// FrozenFor returns how long the job has been frozen, zero when it is not.
func (j *Job) FrozenFor(now time.Time) time.Duration {
	return sinceInterval(j.FrozenAt, now)
}

// FrozenExpired reports whether the job has used up its freeze grace period.
func (j *Job) FrozenExpired(now time.Time) bool {
	if !j.Frozen() || !j.HasFrozenExp {
		return false
	}

	return now.Sub(j.FrozenAt) >= j.FrozenExp
}

// sinceInterval mirrors the status file convention: zero when unset,
// otherwise at least one second.
func sinceInterval(at, now time.Time) time.Duration {
	if at.IsZero() {
		return 0
	}

	return max(now.Sub(at).Truncate(time.Second), time.Second)
}
