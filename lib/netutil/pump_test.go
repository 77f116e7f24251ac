// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestIsExpectedCloseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("reading: %w", io.EOF), true},
		{net.ErrClosed, true},
		{syscall.EPIPE, true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{syscall.ECONNREFUSED, false},
		{errors.New("boom"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestPumpHalfClosesOnInputEOF(t *testing.T) {
	t.Parallel()
	client, server := tcpPair(t)

	// The server echoes what it reads, upper-cased, then hangs up once
	// the client half-closes.
	go func() {
		data, _ := io.ReadAll(server)
		server.Write([]byte(strings.ToUpper(string(data))))
		server.Close()
	}()

	var output bytes.Buffer
	if err := Pump(client, strings.NewReader("hello"), &output); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if output.String() != "HELLO" {
		t.Fatalf("output %q, want HELLO", output.String())
	}
}

func TestPumpReturnsWhenRemoteCloses(t *testing.T) {
	t.Parallel()
	client, server := tcpPair(t)

	go func() {
		server.Write([]byte("bye\r\n"))
		server.Close()
	}()

	// Input never ends; Pump must still return.
	blocked, _ := io.Pipe()
	var output bytes.Buffer
	if err := Pump(client, blocked, &output); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if output.String() != "bye\r\n" {
		t.Fatalf("output %q", output.String())
	}
}
