// Package pinger polls registered component probes on a fixed interval and
// keeps per-probe latency and failure statistics for the health endpoints.
package pinger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skillcoder/sideloaderd/internal/infra/shutdown"
)

const (
	// defaultPingTimeout bounds a single probe invocation unless the pinger
	// asks for its own timeout.
	defaultPingTimeout = 1 * time.Second
)

// Optional capability interfaces a pinger may implement to tune how its
// failures affect readiness and health, and how long a probe may run.
type readyCriticalPinger interface {
	PingerReadyCritical() bool
}

type healthCriticalPinger interface {
	PingerCritical() bool
}

type timeoutPinger interface {
	PingerTimeout() time.Duration
}

// pingerInfo holds a registered pinger together with its resolved options.
type pingerInfo struct {
	pinger         Pinger
	readyCritical  bool
	healthCritical bool
	timeout        time.Duration
}

// Service polls registered pingers and tracks their statistics.
type Service struct {
	logger     *slog.Logger
	interval   time.Duration
	pingers    map[string]*pingerInfo
	stats      map[string]*Stats
	mu         sync.RWMutex
	ready      chan struct{}
	inShutdown atomic.Bool
	doneCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a pinger service polling at the given interval.
func New(
	logger *slog.Logger,
	interval time.Duration,
) *Service {
	return &Service{
		logger:   logger,
		interval: interval,
		pingers:  make(map[string]*pingerInfo),
		stats:    make(map[string]*Stats),
		ready:    make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

var _ shutdown.Shutdowner = (*Service)(nil)

// Name returns the name of the pinger service component
func (s *Service) Name() string {
	return "pinger-service"
}

// Register adds a pinger under the name it reports.
func (s *Service) Register(pinger Pinger) error {
	if pinger == nil {
		return fmt.Errorf("register pinger: pinger cannot be nil")
	}

	name := pinger.Name()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pingers[name]; exists {
		return fmt.Errorf("register pinger %s: %w", name, ErrPingerAlreadyRegistered)
	}

	// Both criticality knobs default to on; a probe has to opt out.
	readyCritical := true

	if rc, ok := pinger.(readyCriticalPinger); ok {
		readyCritical = rc.PingerReadyCritical()
	}

	healthCritical := true

	if hc, ok := pinger.(healthCriticalPinger); ok {
		healthCritical = hc.PingerCritical()
	}

	timeout := defaultPingTimeout

	if tp, ok := pinger.(timeoutPinger); ok {
		customTimeout := tp.PingerTimeout()
		if customTimeout > 0 {
			timeout = customTimeout
		}
	}

	info := &pingerInfo{
		pinger:         pinger,
		readyCritical:  readyCritical,
		healthCritical: healthCritical,
		timeout:        timeout,
	}

	s.pingers[name] = info
	s.stats[name] = NewPingerStats(name)

	logFields := []any{"name", name}

	if readyCritical {
		logFields = append(logFields, "readyCritical", true)
	}

	if healthCritical {
		logFields = append(logFields, "healthCritical", true)
	}

	if timeout != defaultPingTimeout {
		logFields = append(logFields, "timeout", timeout)
	}

	s.logger.Info("pinger registered", logFields...)

	return nil
}

// Start launches the polling loop in a goroutine.
func (s *Service) Start(ctx context.Context) error {
	if s.inShutdown.Load() {
		s.logger.InfoContext(ctx, "pinger service is shutting down, skipping start")

		return nil
	}

	go s.run(ctx)

	return nil
}

// Ready returns a channel closed once the first polling round completed.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown stops the polling loop and waits for in-flight probes.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		s.logger.ErrorContext(ctx, "pinger service is already shutting down, skipping shutdown")

		return nil
	}

	defer func() {
		s.logger.InfoContext(ctx, "pinger service shut downed")
	}()

	s.logger.InfoContext(ctx, "shutting down pinger service")

	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context done before pinger loop exited: %w", ctx.Err())
	case <-s.doneCh:
		s.logger.InfoContext(ctx, "pinger loop exited")
	}

	s.wg.Wait()

	return nil
}

// GetStats returns the computed statistics for one pinger.
func (s *Service) GetStats(name string) (*Statistics, error) {
	s.mu.RLock()
	info, infoExists := s.pingers[name]
	stats, statsExists := s.stats[name]
	s.mu.RUnlock()

	if !infoExists || !statsExists {
		return nil, fmt.Errorf("get stats: %w: %s", ErrPingerNotFound, name)
	}

	return GetStatistics(stats, info), nil
}

// GetAllStats returns computed statistics for every registered pinger.
func (s *Service) GetAllStats() map[string]*Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Statistics, len(s.stats))
	for name, stats := range s.stats {
		info, exists := s.pingers[name]
		if !exists {
			s.logger.Warn("get all stats: pinger not found", "name", name)

			continue
		}

		result[name] = GetStatistics(stats, info)
	}

	return result
}

// run is the polling loop.
func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	logger := s.logger.With("component", "pinger-run")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First round runs immediately so the health endpoints have data.
	s.runPingers(ctx, logger)

	close(s.ready)

	for {
		if s.inShutdown.Load() {
			logger.InfoContext(ctx, "terminating pinger loop")

			return
		}

		select {
		case <-ticker.C:
			s.runPingers(ctx, logger)
		case <-ctx.Done():
			logger.InfoContext(ctx, "terminating pinger loop")

			return
		}
	}
}

// runPingers probes all registered pingers concurrently and waits for the
// round to finish.
func (s *Service) runPingers(ctx context.Context, logger *slog.Logger) {
	s.mu.RLock()
	pingers := make(map[string]*pingerInfo, len(s.pingers))
	maps.Copy(pingers, s.pingers)
	s.mu.RUnlock()

	if len(pingers) == 0 {
		return
	}

	var wg sync.WaitGroup

	for name, info := range pingers {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wg.Add(1)
		s.wg.Add(1)

		go func() {
			defer wg.Done()
			defer s.wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, info.timeout)
			defer cancel()

			start := time.Now()
			err := info.pinger.Ping(pingCtx)
			latency := time.Since(start)

			s.updateStats(name, latency, err)

			if err != nil {
				logger.DebugContext(ctx, "pinger error",
					"name", name,
					"latency", latency,
					"reason", err,
				)
			} else {
				logger.DebugContext(ctx, "pinger success",
					"name", name,
					"latency", latency,
				)
			}
		}()
	}

	// Do not block the tick loop past cancellation even if a probe is stuck.
	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return
	case <-done:
	}
}

// updateStats folds one probe outcome into the pinger's accumulator.
func (s *Service) updateStats(name string, latency time.Duration, err error) {
	s.mu.RLock()
	stats, exists := s.stats[name]
	s.mu.RUnlock()

	if !exists {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now()
	stats.LastRun = now

	if err != nil {
		stats.LastError = err
		stats.LastErrorSnapshot = &ErrorSnapshot{
			Timestamp: now,
			Latency:   latency,
			Error:     err,
		}
		stats.ErrorLatencies.Add(latency)
	} else {
		stats.LastError = nil
		stats.SuccessLatencies.Add(latency)
	}
}
