// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Conman is the client for conmand. With no mode flag it attaches
// read-write to one console; the terminal is put in raw mode and every
// keystroke goes to the console. The session ends when the server
// closes the connection or conman receives SIGTERM or SIGHUP.
//
// Usage:
//
//	conman [--server ADDR] CONSOLE                 connect read-write
//	conman --monitor CONSOLE                       connect read-only
//	conman --broadcast CONSOLE...                  write to several consoles
//	conman --query [PATTERN...]                    list consoles
//	conman --break CONSOLE...                      send a serial break
//	conman --reset CONSOLE...                      run the reset command
//
// Console names may be glob patterns.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/conman/console"
	"github.com/bureau-foundation/conman/lib/netutil"
	"github.com/bureau-foundation/conman/lib/process"
	"github.com/bureau-foundation/conman/lib/version"
)

const defaultServer = "127.0.0.1:7890"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		server      string
		user        string
		monitor     bool
		broadcast   bool
		query       bool
		sendBreak   bool
		reset       bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("conman", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "d", envOr("CONMAN_SERVER", defaultServer), "conmand address (default: $CONMAN_SERVER)")
	flagSet.StringVarP(&user, "user", "u", envOr("USER", "unknown"), "user name reported to the server")
	flagSet.BoolVarP(&monitor, "monitor", "m", false, "attach read-only")
	flagSet.BoolVarP(&broadcast, "broadcast", "b", false, "write to every named console")
	flagSet.BoolVarP(&query, "query", "q", false, "list matching consoles")
	flagSet.BoolVar(&sendBreak, "break", false, "send a serial break to the named consoles")
	flagSet.BoolVar(&reset, "reset", false, "run the server's reset command for the named consoles")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(os.Stdout, "conman")
		return nil
	}

	op, err := selectOp(monitor, broadcast, query, sendBreak, reset)
	if err != nil {
		return err
	}
	consoles := flagSet.Args()
	if op != console.OpQuery && len(consoles) == 0 {
		return fmt.Errorf("%s requires at least one console name", op)
	}

	logger := newLogger().With("server", server, "op", string(op))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	conn, response, err := console.Dial(ctx, server, console.Request{Op: op, Consoles: consoles, User: user})
	if err != nil {
		printStatuses(os.Stderr, response.Consoles)
		return err
	}
	logger.Debug("handshake complete", "session", response.Session)

	switch op {
	case console.OpQuery:
		printStatuses(os.Stdout, response.Consoles)
		return nil
	case console.OpBreak, console.OpReset:
		for _, status := range response.Consoles {
			fmt.Printf("%s: %s sent\n", status.Name, op)
		}
		return nil
	}
	return attach(ctx, logger, conn, op)
}

func selectOp(monitor, broadcast, query, sendBreak, reset bool) (console.Op, error) {
	op := console.OpConnect
	count := 0
	for _, candidate := range []struct {
		set bool
		op  console.Op
	}{
		{monitor, console.OpMonitor},
		{broadcast, console.OpBroadcast},
		{query, console.OpQuery},
		{sendBreak, console.OpBreak},
		{reset, console.OpReset},
	} {
		if candidate.set {
			op = candidate.op
			count++
		}
	}
	if count > 1 {
		return "", errors.New("--monitor, --broadcast, --query, --break, and --reset are mutually exclusive")
	}
	return op, nil
}

// attach relays the console stream to the terminal until the server
// hangs up or ctx is cancelled.
func attach(ctx context.Context, logger *slog.Logger, conn net.Conn, op console.Op) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	stdinFd := int(os.Stdin.Fd())
	if op != console.OpMonitor && term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	var err error
	if op == console.OpMonitor {
		_, err = io.Copy(os.Stdout, conn)
		conn.Close()
		if netutil.IsExpectedCloseError(err) {
			err = nil
		}
	} else {
		err = netutil.Pump(conn, os.Stdin, os.Stdout)
	}
	if ctx.Err() != nil {
		logger.Debug("session ended by signal")
		return nil
	}
	return err
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// newLogger writes human-readable records to a terminal and JSON
// otherwise.
func newLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
