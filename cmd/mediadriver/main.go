// Package main implements the entry point for the media driver: a UDP
// message transport daemon moving publication streams between processes
// with NAK-based reliability and receiver-paced flow control.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/control"
	"github.com/c360/mediadriver/driver"
)

const (
	Version = "0.1.0"
	appName = "mediadriver"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("media driver failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
		validate    = flag.Bool("validate", false, "validate the configuration and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting media driver", "version", Version, "config", cfg.String())

	d, err := driver.NewMediaDriver(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Control.Enabled {
		bridge, err := control.NewBridge(cfg.Control, d.Conductor(), logger)
		if err != nil {
			return err
		}
		d.Conductor().SetEventListener(bridge.PublishEvent)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		// Fan logs out to <prefix>.logs.<level> for remote tailing.
		logger = slog.New(control.NewLogHandler(logger.Handler(), bridge.Conn(), cfg.Control.SubjectPrefix))
		slog.SetDefault(logger)
		defer func() {
			if err := bridge.Stop(5 * time.Second); err != nil {
				logger.Warn("control bridge shutdown", "error", err)
			}
		}()
	}

	return d.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
