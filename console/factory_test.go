// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/conman/lib/config"
	"github.com/bureau-foundation/conman/lib/ipmiconsole"
	"github.com/bureau-foundation/conman/lib/testutil"
)

func TestCreateConsoleSelectsBackend(t *testing.T) {
	t.Parallel()
	script := testutil.Executable(t, "console.sh", consoleScript)
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Global.SerOpts = "115200"
	})

	tests := []struct {
		entry config.ConsoleConfig
		kind  Kind
	}{
		{config.ConsoleConfig{Name: "bmc", Dev: "ipmi:bmc1", IPMIOpts: "admin,pw"}, KindIPMI},
		{config.ConsoleConfig{Name: "pipe", Dev: "|/bin/cat -u"}, KindProcess},
		{config.ConsoleConfig{Name: "script", Dev: script}, KindProcess},
		{config.ConsoleConfig{Name: "args", Dev: "/usr/bin/env cat"}, KindProcess},
		{config.ConsoleConfig{Name: "serial", Dev: "/dev/ttyS0"}, KindSerial},
		{config.ConsoleConfig{Name: "telnet", Dev: "ts1:7001"}, KindTelnet},
		{config.ConsoleConfig{Name: "telnet6", Dev: "[fe80::1]:7001"}, KindTelnet},
	}
	for _, test := range tests {
		object, err := server.CreateConsole(test.entry)
		if err != nil {
			t.Errorf("CreateConsole(%q): %v", test.entry.Dev, err)
			continue
		}
		if object.Kind() != test.kind {
			t.Errorf("CreateConsole(%q) kind = %s, want %s", test.entry.Dev, object.Kind(), test.kind)
		}
	}

	serial := server.registry.FindConsole("serial").aux.(*serialAux)
	if serial.options.BPS != 115200 {
		t.Errorf("serial console ignored global seropts: %s", serial.options)
	}
	bmc := server.registry.FindConsole("bmc").aux.(*ipmiAux)
	if bmc.host != "bmc1" || bmc.config.Username != "admin" || string(bmc.config.Password) != "pw" {
		t.Errorf("ipmi console host=%q config=%+v", bmc.host, bmc.config)
	}
}

func TestCreateConsoleRejects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	tests := []struct {
		entry config.ConsoleConfig
		want  string
	}{
		{config.ConsoleConfig{Name: "bmc", Dev: "ipmi:bmc1"}, "ipmiopt string is empty"},
		{config.ConsoleConfig{Name: "bmc", Dev: "ipmi:bmc1", IPMIOpts: "a,b,c,d"}, "4 fields"},
		{config.ConsoleConfig{Name: "what", Dev: "nonsense"}, "unrecognized dev"},
		{config.ConsoleConfig{Name: "port", Dev: "ts1:no-such-service-name"}, "bad telnet port"},
		{config.ConsoleConfig{Name: "serial", Dev: "/dev/ttyS0", SerOpts: "9600,8z1"}, "parity"},
		{config.ConsoleConfig{Name: "empty", Dev: "|"}, "process command is empty"},
	}
	for _, test := range tests {
		object, err := server.CreateConsole(test.entry)
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("CreateConsole(%q) error = %v, want containing %q", test.entry.Dev, err, test.want)
		}
		if object != nil {
			t.Errorf("CreateConsole(%q) returned an object on error", test.entry.Dev)
		}
	}
	if server.registry.Len() != 0 {
		t.Errorf("rejected consoles left %d objects", server.registry.Len())
	}
}

func TestCreateConsoleGlobalIPMIOptions(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Global.IPMIOpts = "root,0x63616c76696e"
	})
	object, err := server.CreateConsole(config.ConsoleConfig{Name: "bmc", Dev: "ipmi:bmc1"})
	if err != nil {
		t.Fatalf("CreateConsole: %v", err)
	}
	credentials := object.aux.(*ipmiAux).config
	if credentials.Username != "root" || string(credentials.Password) != "calvin" {
		t.Errorf("credentials = %+v, want the global defaults", credentials)
	}

	object, err = server.CreateConsole(config.ConsoleConfig{Name: "bmc2", Dev: "ipmi:bmc2", IPMIOpts: "admin"})
	if err != nil {
		t.Fatalf("CreateConsole: %v", err)
	}
	if credentials := object.aux.(*ipmiAux).config; credentials.Username != "admin" || credentials.Password != nil {
		t.Errorf("per-console ipmiopts merged with the defaults: %+v", credentials)
	}
}

func TestNewRejectsBadGlobalIPMIOptions(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Global.IPMIOpts = strings.Repeat("u", 17)
	_, err := New(Options{Config: cfg, Logger: slog.New(slog.DiscardHandler), Engine: ipmiconsole.NewFakeEngine()})
	if err == nil || !strings.Contains(err.Error(), "global") {
		t.Errorf("New with bad global ipmiopts = %v", err)
	}
}

func TestCreateConsoleWithLogfile(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Global.Log = "&.log"
		cfg.Global.LogOpts = "timestamp"
	})
	object, err := server.CreateConsole(config.ConsoleConfig{Name: "node1", Dev: "|/bin/cat"})
	if err != nil {
		t.Fatalf("CreateConsole: %v", err)
	}
	readers := object.Readers()
	if len(readers) != 1 || readers[0].Kind() != KindLogfile {
		t.Fatalf("console readers = %v, want one logfile", readers)
	}
	if options := readers[0].aux.(*logfileAux).options; !options.Timestamp {
		t.Errorf("logfile options = %+v, want timestamp from the global logopts", options)
	}
}

func TestLoadConsolesJoinsErrors(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Consoles = []config.ConsoleConfig{
			{Name: "good", Dev: "ts1:7001"},
			{Name: "bad1", Dev: "nonsense"},
			{Name: "dup", Dev: "ts1:7001"},
		}
	})
	err := server.LoadConsoles()
	if err == nil {
		t.Fatal("LoadConsoles succeeded")
	}
	if !errors.Is(err, ErrDuplicateAddress) || !strings.Contains(err.Error(), "unrecognized dev") {
		t.Errorf("LoadConsoles error %v should report both failures", err)
	}
	if len(server.registry.Consoles()) != 1 {
		t.Errorf("%d consoles loaded, want 1", len(server.registry.Consoles()))
	}
}
