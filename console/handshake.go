// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/netutil"
)

// acceptLoop accepts client connections until listener is closed.
// Each connection's handshake runs on its own goroutine; only the
// finished attachment touches the event loop.
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(s.config.Server.TCPKeepalive)
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	session := uuid.NewString()
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("session", session, "remote", remote)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	request, err := ReadRequest(conn)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			logger.Warn("client handshake failed", "error", err)
		}
		conn.Close()
		return
	}
	user := request.User
	if user == "" {
		user = "unknown"
	}
	logger.Debug("client request", "op", string(request.Op), "consoles", request.Consoles, "user", user)

	if !request.Op.attaches() {
		response, ok := call(s, func() Response { return s.handleRequest(request, user, session) })
		if !ok {
			response = Response{Error: "server is shutting down"}
		}
		if err := WriteResponse(conn, response); err != nil {
			logger.Debug("unable to write response", "error", err)
		}
		conn.Close()
		return
	}

	fd, err := dupConn(conn)
	if err != nil {
		logger.Error("unable to take client descriptor", "error", err)
		WriteResponse(conn, Response{Error: "internal error"})
		conn.Close()
		return
	}
	response, ok := call(s, func() Response {
		return s.handleAttach(fd, request, user, remote, session)
	})
	if ok && response.OK {
		// The event loop owns the duplicate; closing conn only drops
		// this goroutine's reference to the socket.
		conn.Close()
		return
	}
	if !ok {
		response = Response{Error: "server is shutting down"}
	}
	unix.Close(fd)
	if err := WriteResponse(conn, response); err != nil {
		logger.Debug("unable to write response", "error", err)
	}
	conn.Close()
}

// dupConn returns a close-on-exec duplicate of conn's descriptor.
func dupConn(conn net.Conn) (int, error) {
	sysConn, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("connection %T has no descriptor", conn)
	}
	raw, err := sysConn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(descriptor uintptr) {
		fd, dupErr = unix.FcntlInt(descriptor, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}

// handleAttach resolves an attaching request and, on success, creates
// the client object, which takes ownership of fd and sends the
// response as its first output.
func (s *Server) handleAttach(fd int, request Request, user, remote, session string) Response {
	consoles, err := s.matchConsoles(request.Consoles)
	if err != nil {
		return Response{Error: err.Error(), Session: session}
	}
	if len(consoles) == 0 {
		return Response{Error: "no consoles configured", Session: session}
	}

	var mode Mode
	switch request.Op {
	case OpConnect:
		mode = ModeReadWrite
	case OpMonitor:
		mode = ModeReadOnly
	default:
		mode = ModeWriteOnly
	}
	if mode != ModeWriteOnly && len(consoles) != 1 {
		return Response{
			Error:    fmt.Sprintf("found %d matching consoles: %s", len(consoles), strings.Join(objectNames(consoles), ", ")),
			Session:  session,
			Consoles: s.statuses(consoles),
		}
	}

	response := Response{OK: true, Session: session, Consoles: s.statuses(consoles)}
	greeting, err := encodeResponse(response)
	if err != nil {
		return Response{Error: err.Error(), Session: session}
	}
	if _, err := s.attachClient(fd, mode, user, remote, session, consoles, greeting); err != nil {
		return Response{Error: err.Error(), Session: session}
	}
	return response
}

// handleRequest serves the operations that do not attach.
func (s *Server) handleRequest(request Request, user, session string) Response {
	consoles, err := s.matchConsoles(request.Consoles)
	if err != nil {
		return Response{Error: err.Error(), Session: session}
	}
	response := Response{OK: true, Session: session, Consoles: s.statuses(consoles)}

	var errs []error
	switch request.Op {
	case OpQuery:
	case OpBreak:
		for _, console := range consoles {
			if err := s.SendBreak(console); err != nil {
				errs = append(errs, err)
				continue
			}
			s.logger.Info("break sent", "console", console.name, "user", user, "session", session)
		}
	case OpReset:
		for _, console := range consoles {
			if err := s.resetConsole(console, user); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		return Response{Error: fmt.Sprintf("unknown operation %q", request.Op), Session: session}
	}
	if err := errors.Join(errs...); err != nil {
		response.OK = false
		response.Error = err.Error()
	}
	return response
}

func (s *Server) statuses(consoles []*Object) []ConsoleStatus {
	statuses := make([]ConsoleStatus, len(consoles))
	for i, console := range consoles {
		statuses[i] = s.status(console)
	}
	return statuses
}

func (s *Server) status(console *Object) ConsoleStatus {
	state := "down"
	switch aux := console.aux.(type) {
	case *ipmiAux:
		state = aux.state.String()
	case *telnetAux:
		state = aux.state.String()
	default:
		if console.fd >= 0 {
			state = "up"
		}
	}
	return ConsoleStatus{
		Name:   console.name,
		Kind:   console.Kind(),
		State:  state,
		Output: console.output,
	}
}
