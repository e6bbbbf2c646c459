package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/pbsched/internal/agent"
	"github.com/me/pbsched/internal/logging"
)

// attrFlag collects repeated -attr name=value flags.
type attrFlag map[string]string

func (a attrFlag) String() string { return fmt.Sprint(map[string]string(a)) }

func (a attrFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	a[k] = v
	return nil
}

func main() {
	var cfg agent.Config
	attrs := attrFlag{}

	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "pbsched server URL")
	flag.StringVar(&cfg.Host, "host", "", "Host name to report for (default: hostname)")
	flag.IntVar(&cfg.Vnodes, "vnodes", 1, "Vnodes to create when the host is not yet known")
	flag.Var(attrs, "attr", "Vnode attribute name=value applied at creation (repeatable)")
	flag.DurationVar(&cfg.Interval, "interval", 10*time.Second, "Heartbeat interval")
	flag.StringVar(&cfg.AgentKey, "agent-key", os.Getenv("PBSCHED_AGENT_KEY"), "Shared agent key (or PBSCHED_AGENT_KEY env)")
	flag.StringVar(&cfg.TLS.CACertPath, "ca-cert", "", "Path to CA certificate PEM file")
	flag.BoolVar(&cfg.TLS.InsecureSkipVerify, "insecure", false, "Skip TLS verification (testing only)")

	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	if cfg.Host == "" {
		h, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine hostname: %v\n", err)
			os.Exit(1)
		}
		cfg.Host = h
	}
	cfg.Attrs = attrs

	a, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"server", cfg.ServerURL,
		"host", cfg.Host,
		"instance", a.Instance(),
		"interval", cfg.Interval,
	)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}
}
