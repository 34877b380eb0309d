package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/probehub/probehub"
)

func runServe(f *ServeFlags) error {
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	if err := probehub.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub, err := probehub.New(f.ConfigPath, probehub.Options{
		LockDir:    f.LockDir,
		StagingDir: f.StagingDir,
		HistoryDSN: f.HistoryDSN,
		LogDir:     f.LogDir,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = hub.Close() }()

	srv := hub.Serve(f.Addr)
	slog.Info("probehubd serving", "addr", f.Addr, "config", f.ConfigPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("probehubd shutting down")
	return probehub.Shutdown(srv)
}
