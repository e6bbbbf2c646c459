package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/pbsched/internal/cluster"
	"github.com/me/pbsched/internal/config"
	"github.com/me/pbsched/internal/logging"
	"github.com/me/pbsched/internal/metrics"
	"github.com/me/pbsched/internal/server"
	"github.com/me/pbsched/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML server config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbPath := flag.String("db", "", "SQLite database path")
	agentKeys := flag.String("agent-keys", "", "Path to agent keys JSON file")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg := config.DefaultServerConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *agentKeys != "" {
		cfg.Agents.KeysFile = *agentKeys
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	var mc *metrics.Collector
	if cfg.Metrics.Enabled {
		mc = metrics.NewCollector()
	}

	opts := cluster.DefaultOptions()
	opts.Scheduler.PollInterval = cfg.Scheduler.PollInterval
	opts.Scheduler.HeartbeatTimeout = cfg.Nodes.HeartbeatTimeout
	opts.Scheduler.PeriodicInterval = cfg.Scheduler.PeriodicInterval
	opts.Scheduler.PurgeInterval = cfg.Jobs.PurgeInterval
	opts.MaxCycleRestarts = cfg.Scheduler.MaxCycleRestarts
	opts.MaxParallelHosts = cfg.Hooks.MaxParallelHosts
	opts.DefaultAlarm = cfg.Hooks.DefaultAlarm

	c, err := cluster.New(st, mc, opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init cluster: %v\n", err)
		os.Exit(1)
	}
	if err := c.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recover state: %v\n", err)
		os.Exit(1)
	}

	var serverOpts []server.Option
	keys := server.LoadAgentKeyConfig(cfg.Agents.KeysFile)
	if keys.IsEnabled() {
		serverOpts = append(serverOpts, server.WithAgentKeys(keys))
		logger.Info("agent key authentication enabled", "keys", len(keys.Keys))
	}

	srv := server.New(cfg, c, logger, serverOpts...)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := c.Start(context.Background()); err != nil {
			logger.Error("scheduler exited", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop scheduling before the API.
	if err := c.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
