package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/procfs"

	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/cgroupfs"
	"github.com/skillcoder/sideloaderd/internal/adapters/outbound/systemdcli"
	"github.com/skillcoder/sideloaderd/internal/config"
	"github.com/skillcoder/sideloaderd/internal/httpserver"
	"github.com/skillcoder/sideloaderd/internal/infra/metrics"
	"github.com/skillcoder/sideloaderd/internal/logic/sideloader"
)

type App struct {
	logger   *slog.Logger
	appState appstater
	service  *sideloader.Service
	servers  []appServer
}

// New creates a new application instance with all dependencies wired.
func New(logger *slog.Logger, cfg *config.Config, appState appstater) (*App, error) {
	if err := systemdcli.CheckTools(); err != nil {
		return nil, fmt.Errorf("check host tools: %w", err)
	}

	units := systemdcli.New(logger)
	cgroup := cgroupfs.New(cfg.CgroupRoot)

	proc, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	totals, err := sideloader.ReadMemTotals(proc)
	if err != nil {
		return nil, fmt.Errorf("read memory totals: %w", err)
	}

	params, err := sideloader.NewParamsStore(logger, cfg.ConfigPath, totals.MemTotal, totals.SwapTotal)
	if err != nil {
		return nil, fmt.Errorf("load parameters: %w", err)
	}

	p := params.Current()

	service := sideloader.New(logger, sideloader.Deps{
		Params:   params,
		Registry: sideloader.NewRegistry(logger, units, cgroup, cfg.JobDir, cfg.SvcPrefix, p.SideSlice),
		SysInfo:  sideloader.NewSysInfo(proc, cgroup, p.SideSlice, sideloader.HistTicks(p)),
		Checker: sideloader.NewSysChecker(logger, cgroup, units, proc, sideloader.SysCheckerOpts{
			Fix:         !cfg.DontFix,
			DevOverride: cfg.Dev,
		}),
		Overload:   sideloader.NewOverloadCtl(logger),
		Telemetry:  sideloader.NewTelemetrySink(logger, cfg.TelemetryPath, cfg.TelemetryCommand),
		Units:      units,
		Cgroup:     cgroup,
		Metrics:    metrics.NewRecorder(),
		StatusPath: cfg.StatusPath,
	})

	httpServer := httpserver.New(logger, appState, service, cfg.HTTPPort)
	metricsServer := httpserver.NewMetricsServer(logger, cfg.MetricsPort)

	return &App{
		logger:   logger,
		appState: appState,
		service:  service,
		servers:  []appServer{service, httpServer, metricsServer},
	}, nil
}

// Run starts the application and blocks until a termination signal arrives
// or the arbitration service reports a fatal error.
func (a *App) Run(originCtx context.Context) error {
	ctx, cancel := context.WithCancel(originCtx)
	defer cancel()

	if err := a.appState.SetStarting(ctx); err != nil {
		return fmt.Errorf("set starting application state: %w", err)
	}

	if err := a.appState.StartPinger(ctx); err != nil {
		return fmt.Errorf("start pinger service: %w", err)
	}

	if err := a.service.Startup(ctx); err != nil {
		return fmt.Errorf("sideloader startup: %w", err)
	}

	readyChans := make([]<-chan struct{}, 0, len(a.servers))

	for _, server := range a.servers {
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", server.Name(), err)
		}

		if err := a.appState.RegisterPinger(server); err != nil {
			return fmt.Errorf("register pinger %s: %w", server.Name(), err)
		}

		if err := a.appState.RegisterShutdowner(server); err != nil {
			return fmt.Errorf("register shutdowner %s: %w", server.Name(), err)
		}

		readyChans = append(readyChans, server.Ready())
	}

	select {
	case <-allChannelsClose(ctx, a.logger, readyChans...):
	case <-ctx.Done():
		return fmt.Errorf("context done before servers became ready: %w", ctx.Err())
	}

	if err := a.appState.SetRunning(ctx); err != nil {
		return fmt.Errorf("set running application state: %w", err)
	}

	a.logger.InfoContext(ctx, "application is running")

	select {
	case <-a.appState.Quit():
		a.logger.InfoContext(ctx, "received termination signal, terminating")
	case err := <-a.service.Fatal():
		a.logger.ErrorContext(ctx, "fatal sideloader error, terminating", "reason", err)
	case <-ctx.Done():
		a.logger.InfoContext(ctx, "context done, terminating")
	}

	cancel()

	if err := a.appState.Shutdown(context.WithoutCancel(originCtx)); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

// allChannelsClose returns a channel that closes once every input channel has
// closed or the context is cancelled.
func allChannelsClose(ctx context.Context, logger *slog.Logger, chans ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})

	go func() {
		defer close(out)

		for _, ch := range chans {
			select {
			case <-ch:
			case <-ctx.Done():
				logger.DebugContext(ctx, "context done while waiting for readiness")
			}
		}
	}()

	return out
}
