package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"filmarchive/internal/cli"
	"filmarchive/internal/config"
	"filmarchive/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setup logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log).ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
