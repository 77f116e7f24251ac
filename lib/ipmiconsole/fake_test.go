// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmiconsole

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFakeContextSession(t *testing.T) {
	t.Parallel()
	engine := NewFakeEngine()
	if err := engine.Init(3); err != nil {
		t.Fatalf("Init: %v", err)
	}

	context, err := engine.CreateContext("bmc1", IPMIConfig{Username: "admin"}, ProtocolConfig{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	fake := context.(*FakeContext)

	fake.FailSubmit(errors.New("no route"))
	if err := context.Submit(); err == nil {
		t.Fatal("Submit ignored FailSubmit")
	}
	if err := context.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fd, err := context.FD()
	if err != nil {
		t.Fatalf("FD: %v", err)
	}
	defer unix.Close(fd)

	if status, _ := context.Status(); status != StatusNone {
		t.Fatalf("initial status %v", status)
	}
	if err := context.GenerateBreak(); err == nil {
		t.Fatal("GenerateBreak before establishment succeeded")
	}

	fake.SetStatus(StatusEstablished, nil)
	if err := context.GenerateBreak(); err != nil {
		t.Fatalf("GenerateBreak: %v", err)
	}
	if fake.Breaks() != 1 {
		t.Fatalf("Breaks() = %d", fake.Breaks())
	}

	if _, err := unix.Write(fake.Peer(), []byte("boot")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buffer := make([]byte, 16)
	n, err := unix.Read(fd, buffer)
	if err != nil || string(buffer[:n]) != "boot" {
		t.Fatalf("read %q, %v", buffer[:n], err)
	}

	fake.RefuseDestroy(2)
	for range 2 {
		if err := context.Destroy(); !errors.Is(err, ErrBusy) {
			t.Fatalf("Destroy = %v, want ErrBusy", err)
		}
	}
	if err := context.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := context.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if len(engine.Live()) != 0 {
		t.Fatal("destroyed context still live")
	}
}

func TestFakeEngineCounts(t *testing.T) {
	t.Parallel()
	engine := NewFakeEngine()
	engine.InitErr = errors.New("no threads")
	if err := engine.Init(1); err == nil {
		t.Fatal("Init ignored InitErr")
	}
	engine.Teardown()
	if engine.InitCalls() != 1 || engine.TeardownCalls() != 1 {
		t.Fatalf("calls = %d/%d", engine.InitCalls(), engine.TeardownCalls())
	}

	context, _ := engine.CreateContext("bmc", IPMIConfig{}, ProtocolConfig{})
	if err := context.Submit(); !errors.Is(err, ErrEngineNotStarted) {
		t.Fatalf("Submit on stopped engine = %v", err)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	for status, want := range map[Status]string{
		StatusNone:        "none",
		StatusError:       "error",
		StatusEstablished: "established",
		Status(9):         "status(9)",
	} {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}
