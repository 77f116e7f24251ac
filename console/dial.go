// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Dial connects to a conmand server at address and performs the
// handshake for request. For connect, monitor, and broadcast the
// returned connection carries the raw console stream; for other
// operations it is nil. A refused request returns the server's
// response along with an error carrying its message.
func Dial(ctx context.Context, address string, request Request) (net.Conn, Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Response{}, fmt.Errorf("connecting to %s: %w", address, err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	if err := WriteRequest(conn, request); err != nil {
		conn.Close()
		return nil, Response{}, fmt.Errorf("sending %s request: %w", request.Op, err)
	}
	response, err := ReadResponse(conn)
	if err != nil {
		conn.Close()
		return nil, Response{}, fmt.Errorf("reading %s response: %w", request.Op, err)
	}
	if !response.OK {
		conn.Close()
		message := response.Error
		if message == "" {
			message = "request refused"
		}
		return nil, response, errors.New(message)
	}
	if !request.Op.attaches() {
		conn.Close()
		return nil, response, nil
	}
	conn.SetDeadline(time.Time{})
	return conn, response, nil
}
