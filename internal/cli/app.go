package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/internal/logger"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/lanequeue"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/sandbox"
	"github.com/harun/hive/pkg/storage"
	"github.com/harun/hive/pkg/swarm"
	"github.com/harun/hive/pkg/toolrunner"
)

// app is the composition root: every component is built once here and
// injected into the ones that depend on it.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	store      storage.KeyValueStore
	locker     *filelock.Locker
	lockOpts   filelock.Options
	bus        *events.Bus
	queue      *lanequeue.Queue
	health     *providers.HealthTracker
	router     *providers.Router
	approvals  *toolrunner.ApprovalManager
	runner     *toolrunner.Runner
	loop       *agent.Loop
	supervisor *swarm.Supervisor

	reportsMu sync.Mutex
	reports   []swarm.Report

	closers []func() error
}

// appOptions relax construction for commands that do not talk to a model.
type appOptions struct {
	needProviders bool
}

// loadConfig reads the config named by --config. An explicit --log-level
// overrides the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, log: lg, logger: lg.Logger}
	a.closers = append(a.closers, lg.Close)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error { return tracing.ShutdownOpenTelemetry(context.Background()) })
	}

	a.lockOpts = filelock.Options{Timeout: cfg.Lock.LockTimeout(), Stale: cfg.Lock.StaleAfter()}
	lockOpts := a.lockOpts
	a.store = storage.NewFileStore("")
	a.locker = filelock.New(filelock.Config{Store: a.store, Logger: logger.Component(a.logger, "filelock")})
	a.closers = append(a.closers, func() error { a.locker.ReleaseAll(); return nil })

	a.bus = events.NewBus()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	a.queue = lanequeue.New(lanequeue.Config{
		Logger:    logger.Component(a.logger, "lanequeue"),
		WarnAfter: cfg.Queue.WarnAfter(),
		Lanes:     cfg.Queue.Lanes,
	})
	a.closers = append(a.closers, a.queue.Close)

	a.health = providers.NewHealthTrackerFromConfig(cfg, providers.HealthConfig{Logger: logger.Component(a.logger, "health")})
	if opts.needProviders {
		a.router, err = providers.NewRouterFromConfig(cfg, a.health, providers.RouterConfig{Logger: logger.Component(a.logger, "router")})
		if err != nil {
			return nil, err
		}
	}

	allowlist, err := toolrunner.NewAllowlist(ctx, toolrunner.AllowlistConfig{
		Store:  a.store,
		Locker: a.locker,
		Path:   cfg.Tools.AllowlistPath,
		Lock:   lockOpts,
		Logger: logger.Component(a.logger, "allowlist"),
	})
	if err != nil {
		return nil, err
	}
	forwarders := []toolrunner.ApprovalForwarder{toolrunner.EventForwarder{Publisher: a.bus}}
	if cfg.Approval.ForwardURL != "" {
		forwarders = append(forwarders, toolrunner.WebhookForwarder{
			URL:         cfg.Approval.ForwardURL,
			Secret:      cfg.Approval.WebhookSecret,
			CallbackURL: "http://" + cfg.Server.Addr + cfg.Server.ApprovalPath,
		})
	}
	a.approvals = toolrunner.NewApprovalManager(toolrunner.ApprovalConfig{
		Timeout:    cfg.Approval.Timeout(),
		Forwarders: forwarders,
		Allowlist:  allowlist,
		Publisher:  a.bus,
		Logger:     logger.Component(a.logger, "approvals"),
	})

	box := sandbox.DefaultConfig()
	box.Timeout = cfg.Tools.CommandTimeout()
	box.Docker.Image = cfg.Tools.Image
	box.Docker.Network = cfg.Tools.Network
	box.ResourceLimits.MaxCPU = cfg.Tools.MaxCPU
	box.ResourceLimits.MaxMemoryMB = cfg.Tools.MaxMemoryMB

	registry := toolrunner.NewRegistry()
	a.runner, err = toolrunner.New(toolrunner.Config{
		Registry:        registry,
		Store:           a.store,
		Locker:          a.locker,
		Lock:            lockOpts,
		Approvals:       a.approvals,
		Allowlist:       allowlist,
		Sandbox:         box,
		CommandTimeout:  cfg.Tools.CommandTimeout(),
		ScriptThreshold: cfg.Tools.ScriptThreshold,
		SpawnAttempts:   cfg.Tools.SpawnAttempts,
		Publisher:       a.bus,
		Logger:          logger.Component(a.logger, "toolrunner"),
	})
	if err != nil {
		return nil, err
	}

	if a.router == nil {
		return a, nil
	}

	defaults := agent.OptionsFromConfig(cfg.Agent)
	defaults.Exec.Mode = cfg.Tools.Mode
	defaults.Exec.AllowedCommands = cfg.Tools.AllowedCommands
	var hooks []agent.FinishHook
	if cfg.Agent.FlushMemory {
		hooks = append(hooks, agent.MemoryFlush(a.runner.Memory, logger.Component(a.logger, "memory")))
	}
	a.loop, err = agent.New(agent.Config{
		Client:    a.router,
		Tools:     a.runner,
		Queue:     a.queue,
		Publisher: a.bus,
		Defaults:  defaults,
		OnFinish:  hooks,
		Logger:    logger.Component(a.logger, "agent"),
	})
	if err != nil {
		return nil, err
	}

	if err := a.buildSupervisor(defaults); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildSupervisor(defaults agent.RunOptions) error {
	cfg := a.cfg
	isolation, err := swarm.ParseIsolation(cfg.Swarm.Isolation)
	if err != nil {
		return err
	}
	registry, err := a.workerRegistry()
	if err != nil {
		return err
	}

	a.supervisor, err = swarm.New(swarm.Config{
		Runner:         a.loop,
		Queue:          a.queue,
		Registry:       registry,
		Tasks:          a.runner.Tasks,
		Isolator:       swarm.NewIsolator(isolation, logger.Component(a.logger, "workspace")),
		StaggerStep:    cfg.Swarm.Stagger(),
		WorkerMaxSteps: cfg.Swarm.WorkerMaxSteps,
		WorkerOptions:  defaults,
		OnComplete:     a.recordReport,
		Publisher:      a.bus,
		Logger:         logger.Component(a.logger, "swarm"),
	})
	if err != nil {
		return err
	}
	// Close the supervisor before the queue it enqueues into.
	a.closers = append(a.closers, a.supervisor.Close)
	return swarm.RegisterTools(a.runner.Registry(), a.supervisor)
}

func (a *app) recordReport(r swarm.Report) {
	a.reportsMu.Lock()
	defer a.reportsMu.Unlock()
	a.reports = append(a.reports, r)
}

// swarmReports returns the reports of swarms finished so far.
func (a *app) swarmReports() []swarm.Report {
	a.reportsMu.Lock()
	defer a.reportsMu.Unlock()
	return append([]swarm.Report(nil), a.reports...)
}

// workerRegistry opens the persisted worker registry named by the config.
func (a *app) workerRegistry() (swarm.Registry, error) {
	cfg := a.cfg.Swarm
	if cfg.RegistryPath == "" {
		return swarm.NewMemoryRegistry(), nil
	}
	regCfg := swarm.StoreRegistryConfig{
		Store:    a.store,
		Key:      cfg.RegistryPath,
		Locker:   a.locker,
		LockPath: cfg.RegistryPath,
		Lock:     a.lockOpts,
	}
	if cfg.RegistryBackend == "sqlite" {
		db, err := storage.OpenSQLite(cfg.RegistryPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		regCfg.Store = db
		regCfg.Key = "workers"
	}
	return swarm.NewStoreRegistry(regCfg)
}

// projectRoot resolves a --root flag against the configured workspace.
func (a *app) projectRoot(flag string) (string, error) {
	root := flag
	if root == "" {
		root = a.cfg.Workspace
	}
	return filepath.Abs(root)
}

// Close releases everything in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
