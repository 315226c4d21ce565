package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harun/hive/internal/logger"
	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/maintenance"
	"github.com/harun/hive/pkg/memory"
	"github.com/harun/hive/pkg/toolrunner"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the event stream, approval callbacks and metrics",
	Long: `Serve exposes the engine over HTTP: a websocket event stream, the
approval callback endpoint used by webhook forwarders and Prometheus
metrics. Housekeeping jobs run on their configured schedules.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	log := logger.Component(a.logger, "server")

	hub := events.NewHub(events.HubConfig{Bus: a.bus, Logger: logger.Component(a.logger, "hub")})
	defer hub.Close()

	observability.EnsureRegistered()
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.EventsPath, hub)
	mux.Handle(cfg.Server.ApprovalPath, &toolrunner.CallbackHandler{
		Manager: a.approvals,
		Secret:  cfg.Approval.WebhookSecret,
		Logger:  logger.Component(a.logger, "callback"),
	})
	mux.Handle(cfg.Server.MetricsPath, observability.MetricsHandler())
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	root, err := a.projectRoot("")
	if err != nil {
		return err
	}
	watcher, err := memory.NewWatcher(a.runner.Memory(root).Path(), a.bus, logger.Component(a.logger, "memory"))
	if err != nil {
		return fmt.Errorf("failed to watch memory log: %w", err)
	}
	defer watcher.Stop()

	var sched *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		sched, err = maintenance.FromConfig(cfg.Maintenance, maintenance.Deps{
			Locker:     a.locker,
			LockPrefix: root,
			LockStale:  cfg.Lock.StaleAfter(),
			Health:     a.health,
			Approvals:  a.approvals,
			Logger:     logger.Component(a.logger, "maintenance"),
		})
		if err != nil {
			return err
		}
		sched.Start()
	}

	stopSignals := a.locker.HandleSignals(ctx, func(sig os.Signal) {
		log.Warn().Str("signal", sig.String()).Msg("Released locks on signal")
	})
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sched != nil {
			if err := sched.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Maintenance jobs did not stop in time")
			}
		}
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
