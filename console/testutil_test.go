// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/clock"
	"github.com/bureau-foundation/conman/lib/config"
	"github.com/bureau-foundation/conman/lib/ipmiconsole"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// logRecorder collects log output for assertions.
type logRecorder struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (r *logRecorder) Write(p []byte) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.buffer.Write(p)
}

func (r *logRecorder) String() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.buffer.String()
}

type testServer struct {
	*Server
	clock  *clock.FakeClock
	engine *ipmiconsole.FakeEngine
	logs   *logRecorder
}

// newTestServer returns a server on a fake clock and a fake IPMI
// engine, with logfiles under a temporary directory. mutate, if not
// nil, adjusts the configuration first. The server is shut down when
// the test ends.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.LogDir = t.TempDir()
	cfg.Server.BufferSize = 1024
	cfg.Server.HistorySize = 4096
	if mutate != nil {
		mutate(cfg)
	}

	logs := &logRecorder{}
	fakeClock := clock.Fake(testEpoch)
	engine := ipmiconsole.NewFakeEngine()
	server, err := New(Options{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Clock:  fakeClock,
		Engine: engine,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(server.shutdown)
	return &testServer{Server: server, clock: fakeClock, engine: engine, logs: logs}
}

// fireTimers advances the fake clock to the next pending timer and
// runs every timer that is due. It fails the test if none is pending.
func (s *testServer) fireTimers(t *testing.T) {
	t.Helper()
	next, ok := s.mux.Next()
	if !ok {
		t.Fatal("no timer pending")
	}
	s.clock.Set(next)
	s.mux.RunExpired()
}

// nextTimerIn returns how long until the next pending timer.
func (s *testServer) nextTimerIn(t *testing.T) time.Duration {
	t.Helper()
	next, ok := s.mux.Next()
	if !ok {
		t.Fatal("no timer pending")
	}
	return next.Sub(s.clock.Now())
}

// scrollback returns everything a console has produced that is still
// retained.
func scrollback(object *Object) string {
	return string(object.history.ReadFrom(0))
}

func countLines(text, substring string) int {
	return strings.Count(text, substring)
}

// waitFD blocks until fd reports one of events, failing the test after
// five seconds.
func waitFD(t *testing.T, fd int, events int16) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("fd %d not ready for events %#x", fd, events)
		}
		poll := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(poll, int(remaining/time.Millisecond)+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
}
