// Package hostapp wires every session-host component into a single
// runnable process: shared memory, the supervisor, the device-session
// coordinator, the frame pump, the capability dispatcher, and metrics.
// It is the only package cmd/sessionhost depends on.
package hostapp

import (
	"context"
	"fmt"
	"time"

	"github.com/altairalabs/sessionhost/internal/capability"
	"github.com/altairalabs/sessionhost/internal/config"
	"github.com/altairalabs/sessionhost/internal/events"
	"github.com/altairalabs/sessionhost/internal/framepump"
	"github.com/altairalabs/sessionhost/internal/hostproc"
	"github.com/altairalabs/sessionhost/internal/logger"
	"github.com/altairalabs/sessionhost/internal/messages"
	"github.com/altairalabs/sessionhost/internal/metrics"
	"github.com/altairalabs/sessionhost/internal/plugin"
	"github.com/altairalabs/sessionhost/internal/session"
	"github.com/altairalabs/sessionhost/internal/shm"
	"github.com/altairalabs/sessionhost/internal/telemetry"
)

const mapName = "sessionhost"

// App is the HostApp: the process entry point that composes C1-C13
// and C14-C16 (plus C18) and exposes Dispatch as the sole external
// call surface. An embedding process (a GUI shell, an integration
// test harness) never talks to the shared memory manager, supervisor,
// or coordinator directly.
type App struct {
	cfg config.Config

	bus         *events.Bus
	mem         *shm.SharedMemoryManager
	msgs        *messages.Service
	pump        *framepump.Pump
	supervisor  *hostproc.Supervisor
	coordinator *session.Coordinator
	dispatcher  *capability.Dispatcher
	metrics     *metrics.Registry

	log *logger.Logger

	watchdogDone chan struct{}
}

// New wires every component from cfg and reads the plugin manifests in
// cfg.PluginManifestDir; no shared mapping is created until Run.
func New(cfg config.Config) (*App, error) {
	logger.SetModuleConfig(moduleConfigFrom(cfg))

	descriptors, err := plugin.DiscoverManifests(cfg.PluginManifestDir)
	if err != nil {
		return nil, fmt.Errorf("discover plugin manifests: %w", err)
	}

	bus := events.NewBus()
	msgs := messages.NewService(cfg.Messages.MaxMessagesPerSession)
	mem := shm.NewSharedMemoryManager(shm.ManagerConfig{
		MaxTotalBytes:       cfg.SharedMemory.MaxTotalBytes,
		DefaultSegmentBytes: cfg.SharedMemory.DefaultSegmentBytes,
		MinSegmentBytes:     cfg.SharedMemory.MinSegmentBytes,
		WarningThreshold:    cfg.SharedMemory.WarningThreshold,
		CriticalThreshold:   cfg.SharedMemory.CriticalThreshold,
		WatchdogInterval:    cfg.SharedMemory.WatchdogInterval,
	}, bus, shm.NewMapFactory())

	supervisor := hostproc.NewSupervisor(cfg.Supervisor.MaxConcurrentSpawns)
	coordinator := session.NewCoordinator(supervisor, mem, bus)

	pump := framepump.NewPump(bus, msgs)
	coordinator.SetFramePump(pump)

	registry := capability.NewRegistry(descriptors)
	dispatcher := capability.NewDispatcher(coordinator, supervisor, registry)

	metricsRegistry := metrics.NewRegistry()
	pump.SetMetrics(metricsRegistry)
	bus.SubscribeAll(metrics.NewListener(metricsRegistry).Handle)
	bus.SubscribeAll(telemetry.NewListener(nil).Handle)

	return &App{
		cfg:         cfg,
		bus:         bus,
		mem:         mem,
		msgs:        msgs,
		pump:        pump,
		supervisor:  supervisor,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		metrics:     metricsRegistry,
		log:         logger.New("hostapp"),
	}, nil
}

func moduleConfigFrom(cfg config.Config) *logger.ModuleConfig {
	mc := logger.NewModuleConfig(config.ParseLevel(cfg.DefaultLogLevel))
	for module, level := range cfg.ModuleLogLevels {
		mc.SetModuleLevel(module, config.ParseLevel(level))
	}
	return mc
}

// Dispatch is the CapabilityDispatcher's single external call surface.
func (a *App) Dispatch(ctx context.Context, req capability.DispatchRequest) (any, error) {
	return a.dispatcher.Dispatch(ctx, req)
}

// Metrics returns the Prometheus registry backing the app's metrics,
// for an embedding process that wants to expose a /metrics endpoint.
func (a *App) Metrics() *metrics.Registry {
	return a.metrics
}

// Messages returns the MessageStreamService, the read surface a UI
// polls or pages through independently of Dispatch (which only
// carries plugin actions, not message history).
func (a *App) Messages() *messages.Service {
	return a.msgs
}

// Events returns the event bus, for an embedding process that wants
// to subscribe to SessionCreated/SessionClosed/BackpressureDetected
// directly rather than polling.
func (a *App) Events() *events.Bus {
	return a.bus
}

// Run creates the shared mapping, starts the shared-memory watchdog
// and the host-process-count poller, and blocks until ctx is
// cancelled. On return, every supervised host process has been shut
// down.
func (a *App) Run(ctx context.Context) error {
	if err := a.mem.Initialize(ctx, shm.MapOptions{
		Name:                mapName,
		CapacityBytes:       a.cfg.SharedMemory.MaxTotalBytes,
		UseFileBackedOnUnix: true,
	}); err != nil {
		return fmt.Errorf("initialize shared memory: %w", err)
	}

	a.watchdogDone = make(chan struct{})
	go a.pollHostProcessCount(ctx)

	a.log.Info("session-host started", "plugin_manifest_dir", a.cfg.PluginManifestDir)
	<-ctx.Done()
	a.log.Info("session-host stopping")

	return a.Shutdown(context.Background())
}

// pollHostProcessCount feeds host_processes_alive on the same cadence
// as the shared-memory watchdog, since both are reading liveness state
// that only changes at the speed of process spawns/exits.
func (a *App) pollHostProcessCount(ctx context.Context) {
	defer close(a.watchdogDone)

	interval := a.cfg.SharedMemory.WatchdogInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.SetHostProcessesAlive(a.supervisor.AliveGroupCount())
		}
	}
}

// Shutdown stops the frame pump, tears down every host process group,
// and releases the shared mapping. Safe to call after Run has already
// returned via context cancellation; Run calls it automatically.
func (a *App) Shutdown(ctx context.Context) error {
	if a.watchdogDone != nil {
		<-a.watchdogDone
	}

	a.pump.Shutdown()

	shutdownTimeout := a.cfg.Pipe.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = time.Second
	}
	supervisorErr := a.supervisor.ShutdownAll(ctx, shutdownTimeout)

	memErr := a.mem.Shutdown()

	if supervisorErr != nil {
		return fmt.Errorf("shut down host processes: %w", supervisorErr)
	}
	if memErr != nil {
		return fmt.Errorf("shut down shared memory: %w", memErr)
	}
	return nil
}
