// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/bureau-foundation/conman/lib/ipmiconsole"
)

// newIPMIConsole creates and opens an IPMI console for host on a
// started engine. The console is left PENDING.
func newIPMIConsole(t *testing.T, server *testServer, host string) *Object {
	t.Helper()
	credentials, err := ParseIPMIOptions("admin,0x41424344", nil)
	if err != nil {
		t.Fatalf("ParseIPMIOptions: %v", err)
	}
	object, err := server.CreateIPMIConsole(host, host, credentials)
	if err != nil {
		t.Fatalf("CreateIPMIConsole: %v", err)
	}
	server.Engine().Init(server.registry.IPMICount())
	if err := server.OpenIPMI(object); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("OpenIPMI error = %v, want ErrNotConnected", err)
	}
	return object
}

func ipmiContext(t *testing.T, object *Object) *ipmiconsole.FakeContext {
	t.Helper()
	ctx := object.aux.(*ipmiAux).ctx
	if ctx == nil {
		t.Fatal("console has no ipmi ctx")
	}
	return ctx.(*ipmiconsole.FakeContext)
}

func requireIPMIState(t *testing.T, object *Object, want IPMIState) {
	t.Helper()
	if state, _ := object.IPMIState(); state != want {
		t.Fatalf("ipmi state = %s, want %s", state, want)
	}
}

func TestIPMIConnect(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")

	requireIPMIState(t, object, IPMIPending)
	if object.FD() < 0 {
		t.Fatal("pending console has no descriptor")
	}
	if server.mux.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", server.mux.Pending())
	}
	if got := server.nextTimerIn(t); got != IPMIStatusCheckInterval {
		t.Fatalf("status check in %v, want %v", got, IPMIStatusCheckInterval)
	}
	context := ipmiContext(t, object)
	if context.Host != "bmc1" || string(context.IPMI.Password) != "ABCD" {
		t.Errorf("context host=%q password=%q", context.Host, context.IPMI.Password)
	}

	// Still negotiating: the poll re-arms.
	server.fireTimers(t)
	requireIPMIState(t, object, IPMIPending)
	if server.mux.Pending() != 1 {
		t.Fatalf("Pending() after wait = %d, want 1", server.mux.Pending())
	}

	context.SetStatus(ipmiconsole.StatusEstablished, nil)
	server.fireTimers(t)
	requireIPMIState(t, object, IPMIUp)
	if server.mux.Pending() != 0 {
		t.Errorf("Pending() after connect = %d, want 0", server.mux.Pending())
	}
	if got := countLines(scrollback(object), "Console [bmc1] connected to <bmc1> via IPMI"); got != 1 {
		t.Errorf("connect notification appears %d times in %q", got, scrollback(object))
	}
	if !object.connected() {
		t.Error("UP console is not polled for data")
	}
}

func TestIPMIConnectFailureReconnects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	first := ipmiContext(t, object)

	first.SetStatus(ipmiconsole.StatusError, errors.New("password invalid"))
	server.fireTimers(t)

	requireIPMIState(t, object, IPMIDown)
	if !first.Destroyed() {
		t.Error("failed context was not destroyed")
	}
	if object.FD() != -1 {
		t.Errorf("descriptor %d left open", object.FD())
	}
	contexts := server.engine.Contexts()
	if len(contexts) != 2 {
		t.Fatalf("engine has %d contexts, want 2", len(contexts))
	}
	if contexts[1].Submitted() || contexts[1] != ipmiContext(t, object) {
		t.Error("console should hold a fresh unsubmitted context")
	}
	if server.mux.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", server.mux.Pending())
	}
	if got := server.nextTimerIn(t); got != IPMIConnectRetryInterval {
		t.Errorf("reconnect in %v, want %v", got, IPMIConnectRetryInterval)
	}
	if strings.Contains(scrollback(object), "disconnected") {
		t.Error("a console that never came up should not report a disconnect")
	}
	if !strings.Contains(server.logs.String(), "password invalid") {
		t.Error("failure cause was not logged")
	}

	// The retry submits the fresh context.
	server.fireTimers(t)
	requireIPMIState(t, object, IPMIPending)
	if !contexts[1].Submitted() {
		t.Error("retry did not submit the fresh context")
	}
}

func TestIPMIDisconnectAfterUp(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	ipmiContext(t, object).SetStatus(ipmiconsole.StatusEstablished, nil)
	server.fireTimers(t)
	requireIPMIState(t, object, IPMIUp)

	server.handleEOF(object, nil)
	requireIPMIState(t, object, IPMIDown)
	if got := countLines(scrollback(object), "Console [bmc1] disconnected from <bmc1> via IPMI"); got != 1 {
		t.Errorf("disconnect notification appears %d times", got)
	}
	if got := server.nextTimerIn(t); got != IPMIConnectRetryInterval {
		t.Errorf("reconnect in %v, want %v", got, IPMIConnectRetryInterval)
	}
}

func TestIPMIReopenWhileUp(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	ipmiContext(t, object).SetStatus(ipmiconsole.StatusEstablished, nil)
	server.fireTimers(t)

	if err := server.OpenIPMI(object); err != nil {
		t.Fatalf("OpenIPMI while up: %v", err)
	}
	requireIPMIState(t, object, IPMIDown)
	if got := server.nextTimerIn(t); got != IPMIConnectRetryInterval {
		t.Errorf("reconnect in %v, want %v", got, IPMIConnectRetryInterval)
	}
}

func TestIPMIBusyDestroyRetries(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	context := ipmiContext(t, object)
	context.RefuseDestroy(2)
	context.SetStatus(ipmiconsole.StatusError, errors.New("timeout"))

	for range 2 {
		server.fireTimers(t)
		if context.Destroyed() {
			t.Fatal("busy context reported destroyed")
		}
		requireIPMIState(t, object, IPMIPending)
		if server.mux.Pending() != 1 {
			t.Fatalf("Pending() = %d, want 1", server.mux.Pending())
		}
		if got := server.nextTimerIn(t); got != IPMIStatusCheckInterval {
			t.Fatalf("destroy retry in %v, want %v", got, IPMIStatusCheckInterval)
		}

		// An open while the old session is still closing is not a
		// connection.
		if err := server.OpenIPMI(object); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("OpenIPMI while closing = %v, want ErrNotConnected", err)
		}
		requireIPMIState(t, object, IPMIPending)
		if server.mux.Pending() != 1 {
			t.Fatalf("Pending() after open while closing = %d, want 1", server.mux.Pending())
		}
	}

	server.fireTimers(t)
	if !context.Destroyed() {
		t.Fatal("context not destroyed once the engine released it")
	}
	requireIPMIState(t, object, IPMIDown)
	if got := server.nextTimerIn(t); got != IPMIConnectRetryInterval {
		t.Errorf("reconnect in %v, want %v", got, IPMIConnectRetryInterval)
	}
}

func TestIPMISubmitFailureStaysDown(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object, err := server.CreateIPMIConsole("bmc1", "bmc1", ipmiconsole.IPMIConfig{Username: "admin"})
	if err != nil {
		t.Fatalf("CreateIPMIConsole: %v", err)
	}
	// The engine was never started, so Submit fails.
	if err := server.OpenIPMI(object); !errors.Is(err, ipmiconsole.ErrEngineNotStarted) {
		t.Fatalf("OpenIPMI error = %v, want ErrEngineNotStarted", err)
	}
	requireIPMIState(t, object, IPMIDown)
	if server.mux.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", server.mux.Pending())
	}
	if !strings.Contains(server.logs.String(), "Unable to submit ipmi ctx to engine for [bmc1]") {
		t.Error("submit failure was not logged")
	}

	server.Engine().Init(1)
	ipmiContext(t, object).FailSubmit(errors.New("queue full"))
	if err := server.OpenIPMI(object); err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("OpenIPMI error = %v, want the submit failure", err)
	}
	requireIPMIState(t, object, IPMIDown)
	if err := server.OpenIPMI(object); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("OpenIPMI after recovery = %v, want ErrNotConnected", err)
	}
}

func TestIPMIStatusQueryFailureDisconnects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	context := ipmiContext(t, object)
	context.FailStatusQuery(errors.New("engine confused"))

	server.fireTimers(t)
	requireIPMIState(t, object, IPMIDown)
	if !context.Destroyed() {
		t.Error("context not destroyed after status query failure")
	}
}

func TestIPMIUnrecognizedStatusDisconnects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object := newIPMIConsole(t, server, "bmc1")
	ipmiContext(t, object).SetStatus(ipmiconsole.Status(99), nil)

	server.fireTimers(t)
	requireIPMIState(t, object, IPMIDown)
	if !strings.Contains(server.logs.String(), "Unrecognized ipmi ctx status value 99") {
		t.Error("unrecognized status not logged")
	}
}

// Random sequences of engine behavior and events never leave a console
// with more than one timer, and UP is only ever entered from PENDING
// with an established session.
func TestIPMIStateMachineProperty(t *testing.T) {
	t.Parallel()
	random := rand.New(rand.NewPCG(3, 5))
	for trial := range 20 {
		server := newTestServer(t, nil)
		object := newIPMIConsole(t, server, "bmc1")
		aux := object.aux.(*ipmiAux)

		for step := range 200 {
			before := aux.state
			var established bool
			if aux.ctx != nil {
				status, err := aux.ctx.Status()
				established = err == nil && status == ipmiconsole.StatusEstablished
			}

			switch random.IntN(7) {
			case 0, 1:
				if aux.ctx != nil {
					aux.ctx.(*ipmiconsole.FakeContext).SetStatus(ipmiconsole.StatusEstablished, nil)
				}
			case 2:
				if aux.ctx != nil {
					aux.ctx.(*ipmiconsole.FakeContext).SetStatus(ipmiconsole.StatusError, errors.New("lost"))
				}
			case 3:
				if aux.ctx != nil {
					aux.ctx.(*ipmiconsole.FakeContext).RefuseDestroy(random.IntN(3))
				}
			case 4:
				server.OpenIPMI(object)
			case 5:
				server.handleEOF(object, nil)
			default:
				if server.mux.Pending() > 0 {
					server.fireTimers(t)
				}
			}

			if server.mux.Pending() > 1 {
				t.Fatalf("trial %d step %d: %d timers pending", trial, step, server.mux.Pending())
			}
			if aux.state == IPMIUp && before != IPMIUp {
				if before != IPMIPending {
					t.Fatalf("trial %d step %d: UP entered from %s", trial, step, before)
				}
				if !established {
					t.Fatalf("trial %d step %d: UP without an established session", trial, step)
				}
			}
			if aux.state == IPMIUp && !aux.closing && object.FD() < 0 {
				t.Fatalf("trial %d step %d: UP console without a descriptor", trial, step)
			}
			if aux.state != IPMIDown && aux.ctx == nil {
				t.Fatalf("trial %d step %d: %s console without a context", trial, step, aux.state)
			}
		}
	}
}

func TestIPMIEngineInit(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.DiscardHandler)

	fake := ipmiconsole.NewFakeEngine()
	engine := NewIPMIEngine(fake, logger)
	engine.Init(0)
	if fake.InitCalls() != 0 || engine.Started() {
		t.Fatal("Init(0) started the engine")
	}
	engine.Init(65)
	engine.Init(65)
	if fake.InitCalls() != 1 {
		t.Errorf("engine initialized %d times, want 1", fake.InitCalls())
	}
	if fake.Workers() != 2 {
		t.Errorf("65 consoles got %d workers, want 2", fake.Workers())
	}
	engine.Teardown()
	engine.Teardown()
	if fake.TeardownCalls() != 1 {
		t.Errorf("engine torn down %d times, want 1", fake.TeardownCalls())
	}

	for consoles, workers := range map[int]int{1: 1, 64: 1, 128: 2, 129: 3} {
		fake := ipmiconsole.NewFakeEngine()
		NewIPMIEngine(fake, logger).Init(consoles)
		if fake.Workers() != workers {
			t.Errorf("%d consoles got %d workers, want %d", consoles, fake.Workers(), workers)
		}
	}
}

func TestIPMIEngineInitFailure(t *testing.T) {
	t.Parallel()
	fake := ipmiconsole.NewFakeEngine()
	fake.InitErr = errors.New("no threads")
	engine := NewIPMIEngine(fake, slog.New(slog.DiscardHandler))
	engine.Init(3)
	engine.Init(3)
	if engine.Started() {
		t.Error("engine reported started after Init failed")
	}
	if fake.InitCalls() != 1 {
		t.Errorf("Init attempted %d times, want 1", fake.InitCalls())
	}
	engine.Teardown()
	if fake.TeardownCalls() != 0 {
		t.Error("Teardown called on an engine that never started")
	}
}

func TestIPMIBreak(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, nil)
	object, err := server.CreateIPMIConsole("bmc1", "bmc1", ipmiconsole.IPMIConfig{Username: "admin"})
	if err != nil {
		t.Fatalf("CreateIPMIConsole: %v", err)
	}
	if err := server.SendBreak(object); !errors.Is(err, ErrNoContext) {
		t.Errorf("SendBreak without context = %v, want ErrNoContext", err)
	}
	requirePanic(t, "no ipmi ctx", func() { sendIPMIBreak(object) })

	server.Engine().Init(1)
	server.OpenIPMI(object)
	context := ipmiContext(t, object)
	context.SetStatus(ipmiconsole.StatusEstablished, nil)
	server.fireTimers(t)
	if err := server.SendBreak(object); err != nil {
		t.Fatalf("SendBreak: %v", err)
	}
	if context.Breaks() != 1 {
		t.Errorf("Breaks() = %d, want 1", context.Breaks())
	}
}
