package appstate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/skillcoder/sideloaderd/internal/infra/pinger"
	"github.com/skillcoder/sideloaderd/internal/infra/shutdown"
)

// State is the coarse lifecycle phase of the daemon.
type State string

const (
	// StateInit is the phase before startup begins.
	StateInit State = "init"

	// StateStarting covers component wiring and server startup.
	StateStarting State = "starting"

	// StateRunning means the arbitration loop and servers are up.
	StateRunning State = "running"

	// StateTerminating means graceful shutdown is in progress.
	StateTerminating State = "terminating"

	// StateTerminated is the final phase; no further transitions are legal.
	StateTerminated State = "terminated"
)

const defaultShutdownersCount = 10

// AppState tracks the daemon lifecycle and owns the registered pingers
// and shutdowners.
type AppState struct {
	mu                  sync.RWMutex
	logger              *slog.Logger
	startedAt           time.Time
	readyAt             *time.Time
	terminatingAt       *time.Time
	state               State
	quit                <-chan os.Signal
	terminationFilePath string
	pinger              pingerServer
	shutdowners         []shutdown.Shutdowner
}

// New creates an AppState in the init phase.
func New(
	logger *slog.Logger,
	appStart time.Time,
	terminationFilePath string,
	quit <-chan os.Signal,
	pinger pingerServer,
) *AppState {
	return &AppState{
		logger:              logger,
		startedAt:           appStart,
		state:               StateInit,
		quit:                quit,
		terminationFilePath: terminationFilePath,
		pinger:              pinger,
		shutdowners:         make([]shutdown.Shutdowner, 0, defaultShutdownersCount),
	}
}

func (s *AppState) RegisterPinger(pinger pinger.Pinger) error {
	return s.pinger.Register(pinger)
}

func (s *AppState) RegisterShutdowner(shutdowner shutdown.Shutdowner) error {
	s.shutdowners = append(s.shutdowners, shutdowner)

	return nil
}

// StartPinger starts the health pinger service and registers it for shutdown.
func (s *AppState) StartPinger(ctx context.Context) error {
	if err := s.pinger.Start(ctx); err != nil {
		return fmt.Errorf("start pinger: %w", err)
	}

	return s.RegisterShutdowner(s.pinger)
}

func (s *AppState) GetAllStats() map[string]*pinger.Statistics {
	return s.pinger.GetAllStats()
}

// SetStarting transitions from init to starting.
func (s *AppState) SetStarting(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInit {
		return fmt.Errorf("set starting: %w", ErrInvalidStateTransition)
	}

	return s.setState(StateStarting)
}

// SetRunning transitions from starting to running and records the ready
// timestamp. A termination file left behind by the environment requests an
// immediate graceful exit.
func (s *AppState) SetRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if shutdown.CheckTerminationFile(ctx, s.logger, s.terminationFilePath) {
			pid := os.Getpid()
			s.logger.InfoContext(ctx, "termination file found after initialization, sending SIGTERM",
				"pid", pid,
			)

			killErr := syscall.Kill(pid, syscall.SIGTERM)
			if killErr != nil {
				s.logger.ErrorContext(ctx, "failed to send SIGTERM",
					"error", killErr,
					"pid", pid,
				)
			}
		}
	}()

	if s.state != StateStarting {
		return fmt.Errorf("set running: %w", ErrInvalidStateTransition)
	}

	now := time.Now()
	s.readyAt = &now

	return s.setState(StateRunning)
}

// SetTerminating marks the beginning of graceful shutdown.
func (s *AppState) SetTerminating(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return fmt.Errorf("set terminating: %w", ErrAlreadyTerminated)
	}

	now := time.Now()
	s.terminatingAt = &now

	return s.setState(StateTerminating)
}

// setState applies a transition; callers hold the lock.
func (s *AppState) setState(newState State) error {
	if s.state == StateTerminated {
		return fmt.Errorf("set state: %w", ErrAlreadyTerminated)
	}

	s.state = newState

	return nil
}

// GetState returns the current lifecycle phase.
func (s *AppState) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// GetStartTime returns the process start timestamp.
func (s *AppState) GetStartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.startedAt
}

// GetUptime returns the elapsed time since process start.
func (s *AppState) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return time.Since(s.startedAt)
}

// IsHealthy reports whether the daemon is in the running phase.
func (s *AppState) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state == StateRunning
}

// IsReady reports whether startup completed and the daemon is running.
func (s *AppState) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state == StateRunning && s.readyAt != nil
}

// Quit returns the channel carrying the termination signal.
func (s *AppState) Quit() <-chan os.Signal {
	return s.quit
}

// Shutdown runs graceful shutdown of all registered components and moves
// the daemon to the terminated phase. It is idempotent.
func (s *AppState) Shutdown(ctx context.Context) error {
	if s.GetState() == StateTerminated {
		return nil
	}

	if err := s.SetTerminating(ctx); err != nil {
		return fmt.Errorf("set terminating application state: %w", err)
	}

	err := shutdown.GracefulShutdown(ctx, s.logger, s.shutdowners)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return nil
	}

	s.state = StateTerminated

	return nil
}
