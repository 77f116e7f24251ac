// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/config"
)

func TestParseLogOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		defaults LogOptions
		want     LogOptions
		err      bool
	}{
		{text: "", want: LogOptions{}},
		{text: "sanitize", want: LogOptions{Sanitize: true}},
		{text: "Timestamp, sanitize", want: LogOptions{Sanitize: true, Timestamp: true}},
		{text: "nosanitize", defaults: LogOptions{Sanitize: true, Timestamp: true}, want: LogOptions{Timestamp: true}},
		{text: "timestamp,notimestamp", want: LogOptions{}},
		{text: "compress", err: true},
	}
	for _, test := range tests {
		got, err := ParseLogOptions(test.text, test.defaults)
		if test.err {
			if err == nil {
				t.Errorf("ParseLogOptions(%q) succeeded, want error", test.text)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("ParseLogOptions(%q) = %+v, %v; want %+v", test.text, got, err, test.want)
		}
	}
}

func TestLogTimestamps(t *testing.T) {
	t.Parallel()
	aux := &logfileAux{options: LogOptions{Timestamp: true}}
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	stamp := "2026-03-01 08:30:00 "

	got := string(aux.process([]byte("boot\r\nok"), now))
	if want := stamp + "boot\r\n" + stamp + "ok"; got != want {
		t.Errorf("first chunk = %q, want %q", got, want)
	}
	// A line continued across reads gets no new stamp.
	got = string(aux.process([]byte(" done\r\n"), now))
	if want := " done\r\n"; got != want {
		t.Errorf("continuation = %q, want %q", got, want)
	}
	got = string(aux.process([]byte("\r\nnext"), now))
	if want := "\r\n" + stamp + "next"; got != want {
		t.Errorf("blank line = %q, want %q", got, want)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"plain text\r\n", "plain text\r\n"},
		{"\x1b[1;31mred\x1b[0m", "red"},
		{"bell\x07\tend", "bell^G\tend"},
		{"\x01\x02", "^A^B"},
	}
	for _, test := range tests {
		if got := string(sanitize([]byte(test.in))); got != test.want {
			t.Errorf("sanitize(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestCreateLogfile(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	console, err := server.CreateProcessConsole("node1", []string{"/bin/cat"})
	if err != nil {
		t.Fatalf("CreateProcessConsole: %v", err)
	}
	logfile, err := server.CreateLogfile(console, "console.&", LogOptions{})
	if err != nil {
		t.Fatalf("CreateLogfile: %v", err)
	}
	path := filepath.Join(server.config.Server.LogDir, "console.node1")
	if logfile.Name() != path {
		t.Errorf("logfile path = %q, want %q", logfile.Name(), path)
	}
	if readers := console.Readers(); len(readers) != 1 || readers[0] != logfile {
		t.Errorf("console readers = %v, want the logfile", readers)
	}
	if pollEvents(logfile)&unix.POLLIN != 0 {
		t.Error("logfile polled for input")
	}

	server.deliver(console, []byte("hello\r\n"))
	server.writeToObject(logfile)
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading logfile: %v", err)
	}
	text := string(contents)
	if !strings.Contains(text, "Console [node1] log opened at 2026-03-01 12:00:00") {
		t.Errorf("logfile %q lacks the open banner", text)
	}
	if !strings.HasSuffix(text, "hello\r\n") {
		t.Errorf("logfile %q does not end with the console data", text)
	}

	other, err := server.CreateProcessConsole("node2", []string{"/bin/cat"})
	if err != nil {
		t.Fatalf("CreateProcessConsole: %v", err)
	}
	if _, err := server.CreateLogfile(other, path, LogOptions{}); err == nil {
		t.Error("two consoles share a logfile")
	}
}

func TestReopenLogfilesAfterRotation(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	console, _ := server.CreateProcessConsole("node1", []string{"/bin/cat"})
	logfile, err := server.CreateLogfile(console, "&.log", LogOptions{})
	if err != nil {
		t.Fatalf("CreateLogfile: %v", err)
	}
	server.writeToObject(logfile)

	rotated := logfile.Name() + ".1"
	if err := os.Rename(logfile.Name(), rotated); err != nil {
		t.Fatal(err)
	}
	server.reopenLogfiles()
	server.deliver(console, []byte("after\r\n"))
	server.writeToObject(logfile)

	contents, err := os.ReadFile(logfile.Name())
	if err != nil {
		t.Fatalf("reopened logfile missing: %v", err)
	}
	if !strings.Contains(string(contents), "after\r\n") {
		t.Errorf("new logfile %q lacks data written after reopen", contents)
	}
}

func TestZeroLogsTruncates(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(cfg *config.Config) { cfg.Server.ZeroLogs = true })
	path := filepath.Join(server.config.Server.LogDir, "node1.log")
	if err := os.WriteFile(path, []byte("stale contents\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	console, _ := server.CreateProcessConsole("node1", []string{"/bin/cat"})
	logfile, err := server.CreateLogfile(console, "&.log", LogOptions{})
	if err != nil {
		t.Fatalf("CreateLogfile: %v", err)
	}
	server.writeToObject(logfile)
	contents, _ := os.ReadFile(path)
	if strings.Contains(string(contents), "stale") {
		t.Errorf("zero_logs left old contents: %q", contents)
	}
}

func TestLogTimestampTimer(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	console, _ := server.CreateProcessConsole("node1", []string{"/bin/cat"})
	logfile, err := server.CreateLogfile(console, "&.log", LogOptions{})
	if err != nil {
		t.Fatalf("CreateLogfile: %v", err)
	}
	server.writeToObject(logfile)

	server.scheduleLogTimestamp(time.Hour)
	if got := server.nextTimerIn(t); got != time.Hour {
		t.Fatalf("first timestamp in %v, want 1h (the epoch is on the hour)", got)
	}
	server.fireTimers(t)
	server.writeToObject(logfile)
	contents, _ := os.ReadFile(logfile.Name())
	if !strings.Contains(string(contents), "Console [node1] log at 2026-03-01 13:00:00") {
		t.Errorf("logfile %q lacks the periodic timestamp", contents)
	}
	if server.mux.Pending() != 1 {
		t.Errorf("timestamp timer not re-armed: %d pending", server.mux.Pending())
	}
}
