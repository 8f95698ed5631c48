/**
 * CONTEXT:   `capacitord serve` — wires every component and runs until signalled
 * INPUT:     The loaded Config
 * OUTPUT:    A live daemon: Event Store, Snapshot Store, Reducer, Aggregator, IPC, Supervisor
 * BUSINESS:  Startup order follows spec.md §4.7 exactly: stores open, recovery replays, then accept
 * CHANGE:    New command; the teacher's daemon.go equivalent is split across several binaries
 * RISK:      High - wrong construction order here breaks the crash-recovery invariant
 */
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/aggregator"
	"github.com/claude-monitor/capacitor/internal/config"
	"github.com/claude-monitor/capacitor/internal/eventstore"
	"github.com/claude-monitor/capacitor/internal/heartbeat"
	"github.com/claude-monitor/capacitor/internal/identity"
	"github.com/claude-monitor/capacitor/internal/ipc"
	"github.com/claude-monitor/capacitor/internal/liveness"
	"github.com/claude-monitor/capacitor/internal/logging"
	"github.com/claude-monitor/capacitor/internal/reducer"
	"github.com/claude-monitor/capacitor/internal/snapshotstore"
	"github.com/claude-monitor/capacitor/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("capacitord", logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting capacitord", "version", version, "socket", cfg.SocketPath, "data_dir", cfg.DataDir)

	evStore, err := eventstore.Open(cfg.EventLogPath())
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer evStore.Close()

	snapStore, err := snapshotstore.Open(cfg.SnapshotPath())
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer snapStore.Close()

	toucher := heartbeat.NewToucher(evStore, cfg.HeartbeatPath(), log.With("heartbeat"))

	resolver := identity.NewForRuntime()
	activity := activityindex.New()

	red := reducer.New(reducer.Config{TombstoneGrace: cfg.TombstoneGrace}, resolver, activity, snapStore, toucher, log.With("reducer"))

	prober := liveness.NewUnixProber()
	pool := liveness.NewPool(prober, 2)
	defer pool.Close()

	agg := aggregator.New(aggregator.Config{
		ActiveStaleAfter: cfg.ActiveStaleAfter,
		ReadyStaleAfter:  cfg.ReadyStaleAfter,
		ShellStaleAfter:  cfg.ShellStaleAfter,
		ActivityWindow:   cfg.ActivityWindow,
	}, snapStore, activity, resolver, prober)

	server := ipc.New(cfg, red, agg, activity, resolver, log.With("ipc"))

	sup := supervisor.New(cfg, log.With("supervisor"), evStore, snapStore, red, activity, prober, pool, server)

	server.StartIngestLoop(ctx)

	if err := sup.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	go sup.Run(ctx)

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		handlers := ipc.NewHTTPHandlers(server, log.With("http"))
		httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: handlers.Router()}
		go func() {
			log.Info("http diagnostics surface listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("http server exited", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("ipc server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return sup.Shutdown(shutdownCtx)
}
