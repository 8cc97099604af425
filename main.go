// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/partshub/go-offsync/config"
	"github.com/partshub/go-offsync/internal/app"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	engine, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)

	if engine.Monitor.Online() {
		if err := engine.Syncer.FullSync(ctx); err != nil {
			logger.Warn("initial sync failed", "err", err)
		}
	}

	usage, err := engine.Store.StorageUsage(ctx)
	if err == nil {
		logger.Info("local storage",
			"used_bytes", usage.UsedBytes, "soft_limit_bytes", usage.SoftLimitBytes)
	}

	logger.Info("offline engine running", "db", cfg.DatabasePath, "remote", cfg.RemoteBaseURL)
	<-ctx.Done()
}
