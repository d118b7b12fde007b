package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"spool/internal/config"
	"spool/internal/daemon"
	"spool/internal/logging"
	"spool/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	bind := flag.String("bind", "", "API listen address (overrides config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if addr := strings.TrimSpace(*bind); addr != "" {
		cfg.Paths.APIBind = addr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("ensure directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ledger, err := queue.Open(cfg)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer ledger.Close()

	d, err := daemon.New(cfg, ledger, logger)
	if err != nil {
		log.Fatalf("create daemon: %v", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	logger.Info("spoold listening", logging.String("addr", d.Addr()))

	select {
	case <-ctx.Done():
	case <-d.ShutdownRequested():
	}

	logger.Info("spoold shutting down")
	d.Stop()
}
