// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Conmand is the console multiplexing daemon. It manages a set of
// consoles (serial lines, processes on a pseudo-terminal, telnet
// streams, and IPMI serial-over-LAN sessions), logs their output, and
// serves them to conman clients over TCP.
//
// Signals:
//
//	SIGINT, SIGTERM  shut down: every console is closed and the IPMI
//	                 engine is stopped
//	SIGHUP           reopen console logfiles after external rotation
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bureau-foundation/conman/console"
	"github.com/bureau-foundation/conman/lib/config"
	"github.com/bureau-foundation/conman/lib/process"
	"github.com/bureau-foundation/conman/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("conmand", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration (default: $CONMAN_CONFIG)")
	flagSet.StringVarP(&listen, "listen", "l", "", "override server.listen")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(os.Stdout, "conmand")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logWriter, err := newLogger(cfg.Server, verbose)
	if err != nil {
		return err
	}
	if logWriter != nil {
		defer logWriter.Close()
	}
	logger.Info("conmand starting", version.Attr(), "config", configPath)

	server, err := console.New(console.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := server.LoadConsoles(); err != nil {
		logger.Warn("some consoles were not created", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go func() {
		for {
			select {
			case <-hangup:
				logger.Info("SIGHUP received, reopening logfiles")
				server.ReopenLogs()
				if logWriter != nil {
					if err := logWriter.Rotate(); err != nil {
						logger.Warn("unable to rotate daemon log", "error", err)
					}
				}
			case <-server.Done():
				return
			}
		}
	}()

	return server.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the daemon's JSON logger. With server.log_file set
// the log goes to a size-rotated file, otherwise to stderr.
func newLogger(server config.ServerConfig, verbose bool) (*slog.Logger, *lumberjack.Logger, error) {
	level, err := server.Level()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	var output io.Writer = os.Stderr
	var rotating *lumberjack.Logger
	if server.LogFile != "" {
		rotating = &lumberjack.Logger{
			Filename:   server.LogFile,
			MaxSize:    server.LogMaxMB,
			MaxBackups: 4,
		}
		output = rotating
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	return slog.New(handler), rotating, nil
}
