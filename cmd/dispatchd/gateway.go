package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/engine"
)

// drainTimeout bounds how long shutdown waits for Engine.Run to return
// after Stop; on timeout the process exits. Run does not wait for queued
// jobs, so in-flight queue work is not drained.
const drainTimeout = 15 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the dispatcher gateway (ingress, agent runner, cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	dir := resolveConfigDir()
	eng, err := engine.New(dir)
	if err != nil {
		slog.Error("dispatchd: failed to build engine", "error", err)
		os.Exit(1)
	}

	if eng.Telegram == nil {
		slog.Error("dispatchd: no transport configured (GOCLAW_DISPATCH_TELEGRAM_TOKEN unset)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	slog.Info("dispatchd: gateway started", "config", dir)

	select {
	case sig := <-sigCh:
		slog.Info("dispatchd: graceful shutdown initiated", "signal", sig)
		eng.Stop()
		cancel()
		select {
		case <-runDone:
		case <-time.After(drainTimeout):
			slog.Warn("dispatchd: drain timeout exceeded, forcing exit")
			os.Exit(0)
		}
		return nil
	case err := <-runDone:
		cancel()
		if err != nil {
			return fmt.Errorf("dispatchd: gateway exited: %w", err)
		}
		return nil
	}
}
