// Command bpmd opens a buffer pool manager from a config file and keeps it
// running until interrupted, for manual smoke-testing and as a reference
// entrypoint for anything that wants to embed the pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tuannm99/bpm/internal/bufferpool"
	"github.com/tuannm99/bpm/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a bpm yaml config file (optional, defaults applied otherwise)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg); err != nil {
		slog.Error("bpmd exited with error", "err", err)
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	m, err := bufferpool.Open(cfg.BufferPoolConfig())
	if err != nil {
		return fmt.Errorf("open buffer pool: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Error("close buffer pool", "err", err)
		}
	}()

	slog.Info("bpmd ready", "num_frames", m.NumFrames())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("bpmd shutting down")
	return nil
}
