// Package server implements the `gridgate server` subcommand.
package server

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gridgate/internal/config"
	"gridgate/internal/daemon"
	"gridgate/internal/logging"
	"gridgate/internal/version"
)

// Run parses flags, loads the configuration, and runs the daemon until
// a signal or listener failure ends it.
func Run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var configPath string
	var logLevel string
	var showVersion bool
	fs.StringVar(&configPath, "config", "", "path to gridgate.yaml")
	fs.StringVar(&logLevel, "log-level", "", "override log level: debug|info|warning|error")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("gridgate server %s\n", version.Version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if strings.TrimSpace(logLevel) != "" {
		level = logLevel
	}
	lg, _, err := logging.New(logging.Options{
		Level:       level,
		JSON:        cfg.Log.JSON,
		AddSource:   cfg.Log.AddSource,
		DefaultSlog: true,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("starting gridgate", "version", version.Version)
	return daemon.Run(ctx, daemon.Options{Config: &cfg, Logger: lg})
}
