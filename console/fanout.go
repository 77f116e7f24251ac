// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"

	"golang.org/x/sys/unix"
)

// readFromObject reads what is available on object's descriptor and
// delivers it to object's readers. End-of-file and read errors go to
// the backend's EOF handling.
func (s *Server) readFromObject(object *Object) {
	n, err := unix.Read(object.fd, s.scratch)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return
	}
	if n <= 0 || err != nil {
		s.handleEOF(object, err)
		return
	}
	data := s.scratch[:n]

	switch aux := object.aux.(type) {
	case *clientAux:
		aux.lastRead = s.mux.Now()
		if aux.mode == ModeReadOnly {
			return
		}
	case *telnetAux:
		data = s.filterTelnet(object, aux, data)
		if len(data) == 0 {
			return
		}
	}
	s.deliver(object, data)
}

// deliver appends data to every reader of source, transformed for the
// reader's kind, and to source's scrollback.
func (s *Server) deliver(source *Object, data []byte) {
	source.output += uint64(len(data))
	source.history.Write(data)
	for _, reader := range source.readers {
		switch aux := reader.aux.(type) {
		case *logfileAux:
			reader.buf.Write(aux.process(data, s.clock.Now()))
		case *telnetAux:
			reader.buf.Write(escapeTelnet(data))
		default:
			reader.buf.Write(data)
		}
	}
}

// writeToObject drains object's buffer to its descriptor until the
// buffer is empty or the descriptor stops accepting data. A short
// write is normal; the rest goes out on the next writable event.
func (s *Server) writeToObject(object *Object) {
	for object.fd >= 0 {
		chunk := object.buf.peek()
		if len(chunk) == 0 {
			return
		}
		n, err := unix.Write(object.fd, chunk)
		if n > 0 {
			object.buf.consume(n)
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return
		case err != nil:
			s.handleWriteError(object, err)
			return
		}
		if n < len(chunk) {
			return
		}
	}
}

// handleEOF runs the backend's teardown or reconnect path for object.
func (s *Server) handleEOF(object *Object, err error) {
	object.gotEOF = true
	switch aux := object.aux.(type) {
	case *clientAux:
		s.logger.Debug("client closed", "client", object.name, "session", aux.session, "error", err)
		// The client is destroyed once its remaining output has been
		// flushed; see sweep.
	case *ipmiAux:
		s.tickIPMI(object, ipmiEventEOF)
	case *processAux:
		s.disconnectProcess(object)
		s.openProcess(object)
	case *serialAux:
		s.disconnectSerial(object, err)
	case *telnetAux:
		s.disconnectTelnet(object)
	case *logfileAux:
		object.closeFD()
	}
}

func (s *Server) handleWriteError(object *Object, err error) {
	switch object.aux.(type) {
	case *clientAux:
		s.destroyObject(object)
	case *logfileAux:
		s.logger.Warn("unable to write logfile", "logfile", object.name, "error", err)
		object.closeFD()
	default:
		s.handleEOF(object, err)
	}
}
