// Package kernel assembles every subsystem into one running agentkerneld
// process: it builds the dependency graph dispatch.Dispatcher needs, starts
// the transport.Server, and runs the periodic maintenance jobs (state sweep,
// system metrics sampling) that keep the kernel's own bookkeeping current
// between requests. The Run/Shutdown shape follows arkeep's cmd/server
// run() — bounded shutdown timeout.
package kernel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/asyncresult"
	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/dispatch"
	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/ipc"
	"github.com/agentkernel/kernel/internal/metrics"
	"github.com/agentkernel/kernel/internal/ops"
	"github.com/agentkernel/kernel/internal/permission"
	"github.com/agentkernel/kernel/internal/recorder"
	"github.com/agentkernel/kernel/internal/registry"
	"github.com/agentkernel/kernel/internal/statestore"
	"github.com/agentkernel/kernel/internal/supervisor"
	"github.com/agentkernel/kernel/internal/transport"
	"github.com/agentkernel/kernel/internal/tunnel"
)

// sweepInterval bounds the staleness of expired state-store entries between
// background sweeps — independent of (and in addition to) the lazy expiry
// Store.Fetch already performs on access.
const sweepInterval = 10 * time.Second

// metricsInterval controls how often the kernel samples host-wide CPU and
// memory usage into the collector's Prometheus gauges.
const metricsInterval = 15 * time.Second

// Kernel owns every long-lived subsystem and the scheduler that drives their
// periodic maintenance work.
type Kernel struct {
	cfg        *config.Config
	logger     *zap.Logger
	Registry   *registry.Registry
	Perms      *permission.Engine
	Bus        *eventbus.Bus
	Store      *statestore.Store
	Audit      *audit.Log
	Supervisor *supervisor.Supervisor
	IPC        *ipc.Hub
	Recorder   *recorder.Recorder
	Async      *asyncresult.Store
	Metrics    *metrics.Collector
	Tunnel     *tunnel.Bridge
	Dispatcher *dispatch.Dispatcher
	Transport  *transport.Server

	cron gocron.Scheduler
}

// New wires every subsystem from cfg. auditIndex may be nil (ring-only
// audit trail); metricsRegisterer is normally prometheus.DefaultRegisterer,
// but tests pass a fresh prometheus.NewRegistry() to avoid collisions.
func New(cfg *config.Config, logger *zap.Logger, auditIndex audit.Index, metricsRegisterer prometheus.Registerer) (*Kernel, error) {
	reg := registry.New(logger)
	perms := permission.New()
	bus := eventbus.New()
	store := statestore.New(bus, logger)
	auditLog := audit.New(cfg.Audit.MaxEntries, auditIndex, logger)
	sup := supervisor.New(reg, bus, logger)
	ipcHub := ipc.New(reg, bus, logger)
	rec := recorder.New()
	async := asyncresult.New()
	bridge := tunnel.New(cfg.Tunnel.HelperPath, reg, bus, logger)

	collector, err := metrics.NewCollector(metricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("kernel: building metrics collector: %w", err)
	}

	fsOps := ops.NewFS(perms)
	execOps := ops.NewExec(perms, async)
	httpOps := ops.NewHTTP(perms)

	d := dispatch.New(reg, perms, sup, ipcHub, store, bus, auditLog, rec, async, collector, bridge,
		fsOps, execOps, httpOps, logger)

	srv := transport.New(cfg.Socket.Path, os.FileMode(cfg.Socket.Mode), transport.DefaultWorkerPoolSize,
		d, reg, bus, logger)

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("kernel: building scheduler: %w", err)
	}

	return &Kernel{
		cfg: cfg, logger: logger.Named("kernel"),
		Registry: reg, Perms: perms, Bus: bus, Store: store, Audit: auditLog,
		Supervisor: sup, IPC: ipcHub, Recorder: rec, Async: async, Metrics: collector,
		Tunnel: bridge, Dispatcher: d, Transport: srv, cron: cron,
	}, nil
}

// Run starts the periodic maintenance jobs and blocks on the transport
// server until ctx is cancelled, then drains in-flight syscalls and stops
// the scheduler before returning.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.scheduleMaintenance(ctx); err != nil {
		return err
	}
	k.cron.Start()

	srvErr := make(chan error, 1)
	go func() { srvErr <- k.Transport.ListenAndServe(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			k.logger.Error("transport server exited", zap.Error(err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting connections, drains in-flight work, and stops the
// scheduler. Safe to call even if Run's own ctx cancellation already
// triggered the transport server's shutdown path.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if err := k.cron.Shutdown(); err != nil {
		k.logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	if err := k.Transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("kernel: transport shutdown: %w", err)
	}
	k.logger.Info("kernel stopped")
	return nil
}

// scheduleMaintenance registers the background jobs that keep state-store
// expiry and the host metrics gauges current between requests, independent
// of any agent ever calling STATE_KEYS or METRICS_SYSTEM.
func (k *Kernel) scheduleMaintenance(ctx context.Context) error {
	_, err := k.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			if n := k.Store.Sweep(); n > 0 {
				k.logger.Debug("swept expired state entries", zap.Int("count", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("kernel: scheduling state sweep: %w", err)
	}

	_, err = k.cron.NewJob(
		gocron.DurationJob(metricsInterval),
		gocron.NewTask(func() {
			if _, err := k.Metrics.CollectSystem(ctx); err != nil {
				k.logger.Warn("system metrics sample failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("kernel: scheduling metrics sampling: %w", err)
	}
	return nil
}
