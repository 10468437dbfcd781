// Forcedaqd is the acquisition daemon for force/torque sensors.
//
// It loads configuration, opens every sensor, starts the HTTP/WebSocket
// server and, in demo mode, cycles recording trials on its own. Shutdown is
// handled gracefully on SIGINT or SIGTERM: buffered samples are written and
// the open log is closed before exit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/large-farva/forcedaq/internal/app"
	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/logging"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Path to config TOML (defaults are used when empty)")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides server.bind)")
		demo       = pflag.Bool("demo", false, "Cycle recording trials automatically")
	)
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logging.New("forcedaqd", logging.Options{}).Fatalw("config load failed", "path", *configPath, "error", err)
		}
	}
	if *demo {
		cfg.Demo.Enabled = true
	}

	logger := logging.New("forcedaqd", logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{
		Logger:     logger,
		Cfg:        cfg,
		Bind:       *bind,
		ConfigPath: *configPath,
	})
	if err != nil {
		logger.Fatalw("startup failed", "error", err)
	}
	logger.Infow("forcedaqd starting", "version", app.Version, "sensors", len(cfg.Sensors), "data_root", cfg.Data.Root)

	if err := a.Run(ctx); err != nil {
		logger.Errorw("forcedaqd failed", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}
