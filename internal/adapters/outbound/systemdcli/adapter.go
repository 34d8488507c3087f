// Package systemdcli drives transient side-job units by shelling out to
// systemd-run and systemctl.
package systemdcli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/skillcoder/sideloaderd/internal/logic/sideloader"
)

const (
	systemctlBin  = "systemctl"
	systemdRunBin = "systemd-run"

	// side jobs get a short stop grace period; the arbiter kills by pid anyway
	stopTimeoutProp = "TimeoutStopSec=5"
	ioAcctProp      = "IOAccounting=true"
)

type Runner struct {
	logger *slog.Logger
}

// New creates a unit manager backed by the systemd command line tools.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

var _ sideloader.UnitManager = (*Runner)(nil)

// CheckTools verifies that the required external binaries are present.
// A missing tool is a fatal startup error for the daemon.
func CheckTools() error {
	for _, bin := range []string{systemctlBin, systemdRunBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s", ErrToolMissing, bin)
		}
	}

	return nil
}

func (r *Runner) StartTransient(
	ctx context.Context,
	unit,
	slice,
	workingDir string,
	envs,
	argv []string,
) error {
	args := []string{
		"-r",
		"-p", stopTimeoutProp,
		"-p", ioAcctProp,
		"--slice", slice,
		"--unit", unit,
	}

	if workingDir != "" {
		args = append(args, "--working-directory", workingDir)
	}

	for _, env := range envs {
		args = append(args, "-E", env)
	}

	args = append(args, argv...)

	if err := r.run(ctx, systemdRunBin, args...); err != nil {
		return fmt.Errorf("start transient %s: %w", unit, err)
	}

	return nil
}

func (r *Runner) Stop(ctx context.Context, unit string) error {
	if err := r.run(ctx, systemctlBin, "stop", unit); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}

	return nil
}

func (r *Runner) ResetFailed(ctx context.Context, unit string) error {
	if err := r.run(ctx, systemctlBin, "reset-failed", unit); err != nil {
		return fmt.Errorf("reset-failed %s: %w", unit, err)
	}

	return nil
}

// ActiveStatus returns the value of the "Active:" line from systemctl status,
// or an empty string when the line is absent.
func (r *Runner) ActiveStatus(ctx context.Context, unit string) (string, error) {
	// systemctl status exits non-zero for inactive units; the output is
	// still what we want, so the exit code is ignored.
	out, _ := r.output(ctx, systemctlBin, "status", unit)

	return parseActiveStatus(out), nil
}

func parseActiveStatus(out string) string {
	for line := range strings.Lines(out) {
		toks := strings.Fields(line)
		if len(toks) >= 2 && toks[0] == "Active:" {
			return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Active:"))
		}
	}

	return ""
}

// List returns the names of loaded units whose name starts with prefix.
func (r *Runner) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := r.output(ctx, systemctlBin, "list-units", "-l", prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list units %s*: %w", prefix, err)
	}

	return parseUnitList(out, prefix), nil
}

func parseUnitList(out, prefix string) []string {
	var units []string

	for line := range strings.Lines(out) {
		// failed units carry a leading state marker
		line = strings.TrimLeft(line, "●×○* ")

		toks := strings.Fields(line)
		if len(toks) > 0 && strings.HasPrefix(toks[0], prefix) {
			units = append(units, toks[0])
		}
	}

	return units
}

func (r *Runner) SetProperty(ctx context.Context, unit string, props ...string) error {
	args := append([]string{"set-property", unit}, props...)

	if err := r.run(ctx, systemctlBin, args...); err != nil {
		return fmt.Errorf("set-property %s: %w", unit, err)
	}

	return nil
}

func (r *Runner) DaemonReload(ctx context.Context) error {
	if err := r.run(ctx, systemctlBin, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	return nil
}

func (r *Runner) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.DebugContext(ctx, "command failed",
			"bin", bin,
			"args", args,
			"stderr", strings.TrimSpace(stderr.String()),
			"reason", err,
		)

		return fmt.Errorf("%s %s: %w", bin, strings.Join(args, " "), err)
	}

	return nil
}

func (r *Runner) output(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()

	return stdout.String(), err
}
