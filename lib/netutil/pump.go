// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

type pumpResult struct {
	fromRemote bool
	err        error
}

// closeWriter is implemented by *net.TCPConn and *net.UnixConn.
type closeWriter interface {
	CloseWrite() error
}

// Pump copies input to conn and conn to output until the remote side
// closes. When input reaches EOF first the write half of conn is shut
// down (when the connection supports it) and Pump keeps draining
// output, so a monitor or broadcast session still sees everything the
// server sends before it hangs up.
//
// Expected close errors are not reported.
func Pump(conn net.Conn, input io.Reader, output io.Writer) error {
	done := make(chan pumpResult, 2)

	go func() {
		_, err := io.Copy(conn, input)
		done <- pumpResult{fromRemote: false, err: err}
	}()
	go func() {
		_, err := io.Copy(output, conn)
		done <- pumpResult{fromRemote: true, err: err}
	}()

	first := <-done
	if !first.fromRemote && first.err == nil {
		if half, ok := conn.(closeWriter); ok {
			half.CloseWrite()
			second := <-done
			conn.Close()
			return filterClose(second.err)
		}
	}

	// The input goroutine may stay blocked reading a terminal; it is
	// abandoned, as the caller is about to exit.
	conn.Close()
	return filterClose(first.err)
}

func filterClose(err error) error {
	if err != nil && !IsExpectedCloseError(err) {
		return err
	}
	return nil
}
