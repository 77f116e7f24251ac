// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/tpoll"
)

const (
	// TelnetMinTimeout is the first reconnect delay after a telnet
	// connection drops or fails.
	TelnetMinTimeout = 15 * time.Second

	// TelnetMaxTimeout caps the doubling reconnect delay.
	TelnetMaxTimeout = 1800 * time.Second

	// ResolveRetryTimeout is the delay before retrying a host name that
	// failed to resolve.
	ResolveRetryTimeout = 1800 * time.Second

	// resolveTimeout bounds one lookup.
	resolveTimeout = 30 * time.Second
)

// TelnetState is a telnet console's connection state.
type TelnetState int

const (
	TelnetDown TelnetState = iota
	// TelnetPending means a nonblocking connect is in flight.
	TelnetPending
	TelnetUp
)

func (s TelnetState) String() string {
	switch s {
	case TelnetDown:
		return "down"
	case TelnetPending:
		return "pending"
	case TelnetUp:
		return "up"
	}
	return fmt.Sprintf("telnet-state(%d)", int(s))
}

// Telnet protocol bytes (RFC 854, 856, 857, 858).
const (
	telnetSE   byte = 240
	telnetBRK  byte = 243
	telnetSB   byte = 250
	telnetWILL byte = 251
	telnetWONT byte = 252
	telnetDO   byte = 253
	telnetDONT byte = 254
	telnetIAC  byte = 255

	telnetOptionEcho byte = 1
	telnetOptionSGA  byte = 3
)

// telnetParse is the receive-side IAC parser state. It persists across
// reads because a command may be split between them.
type telnetParse int

const (
	telnetParseData telnetParse = iota
	telnetParseIAC
	telnetParseOption
	telnetParseSub
	telnetParseSubIAC
)

type telnetAux struct {
	host string
	port int

	state     TelnetState
	resolving bool
	delay     time.Duration
	timer     tpoll.ID

	parse   telnetParse
	command byte
}

func (*telnetAux) kind() Kind { return KindTelnet }

// CreateTelnetConsole adds a console reached over telnet at host:port.
func (s *Server) CreateTelnetConsole(name, host string, port int) (*Object, error) {
	if host == "" {
		return nil, fmt.Errorf("console [%s]: telnet host is empty", name)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("console [%s]: telnet port %d out of range", name, port)
	}
	address := net.JoinHostPort(host, fmt.Sprint(port))
	if err := s.checkDuplicate(name, func(object *Object) bool {
		aux, ok := object.aux.(*telnetAux)
		return ok && aux.host == host && aux.port == port
	}, address); err != nil {
		return nil, err
	}

	aux := &telnetAux{host: host, port: port, delay: TelnetMinTimeout}
	object := newObject(name, -1, s.bufferSize, aux)
	object.history = NewHistory(s.historySize)
	s.registry.add(object)
	return object, nil
}

// TelnetState returns a telnet console's connection state.
func (o *Object) TelnetState() (TelnetState, bool) {
	aux, ok := o.aux.(*telnetAux)
	if !ok {
		return TelnetDown, false
	}
	return aux.state, true
}

// OpenTelnet (re)connects a telnet console. The connection completes
// asynchronously, so a successful start returns ErrNotConnected.
func (s *Server) OpenTelnet(object *Object) error {
	aux := object.aux.(*telnetAux)
	if aux.state != TelnetDown {
		s.dropTelnet(object, aux)
	}
	aux.delay = TelnetMinTimeout
	return s.connectTelnet(object, aux)
}

func (s *Server) connectTelnet(object *Object, aux *telnetAux) error {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	if aux.resolving {
		return ErrNotConnected
	}
	aux.resolving = true

	host := aux.host
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		addresses, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		s.post(func() {
			aux.resolving = false
			if object.destroyed {
				return
			}
			s.dialTelnet(object, aux, addresses, err)
		})
	}()
	return ErrNotConnected
}

func (s *Server) dialTelnet(object *Object, aux *telnetAux, addresses []net.IPAddr, err error) {
	if err == nil && len(addresses) == 0 {
		err = errors.New("no addresses")
	}
	if err != nil {
		s.log(severityWarning, fmt.Sprintf("Unable to resolve host \"%s\" for [%s]: %v", aux.host, object.name, err),
			"console", object.name)
		s.armTelnet(object, aux, ResolveRetryTimeout)
		return
	}

	family, address := telnetSockaddr(addresses[0].IP, aux.port)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		s.log(severityError, fmt.Sprintf("Unable to create socket for [%s]: %v", object.name, err), "console", object.name)
		s.armTelnet(object, aux, s.nextTelnetDelay(aux))
		return
	}
	if s.config.Server.TCPKeepalive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			s.logger.Warn("unable to enable keepalive", "console", object.name, "error", err)
		}
	}

	object.fd = fd
	object.gotEOF = false
	aux.parse = telnetParseData

	err = unix.Connect(fd, address)
	switch {
	case err == nil:
		s.telnetConnected(object, aux)
	case errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR):
		aux.state = TelnetPending
	default:
		s.telnetConnectFailed(object, aux, err)
	}
}

func telnetSockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		address := &unix.SockaddrInet4{Port: port}
		copy(address.Addr[:], ip4)
		return unix.AF_INET, address
	}
	address := &unix.SockaddrInet6{Port: port}
	copy(address.Addr[:], ip.To16())
	return unix.AF_INET6, address
}

// finishTelnetConnect completes a pending connect once the socket
// reports writable.
func (s *Server) finishTelnetConnect(object *Object) {
	aux := object.aux.(*telnetAux)
	status, err := unix.GetsockoptInt(object.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && status != 0 {
		err = unix.Errno(status)
	}
	if err != nil {
		s.telnetConnectFailed(object, aux, err)
		return
	}
	s.telnetConnected(object, aux)
}

func (s *Server) telnetConnected(object *Object, aux *telnetAux) {
	aux.state = TelnetUp
	aux.delay = TelnetMinTimeout
	s.notify(object, severityInfo, "Console [%s] connected to <%s:%d>", object.name, aux.host, aux.port)
}

func (s *Server) telnetConnectFailed(object *Object, aux *telnetAux, err error) {
	s.log(severityWarning, fmt.Sprintf("Unable to connect to <%s:%d> for [%s]: %v", aux.host, aux.port, object.name, err),
		"console", object.name)
	object.closeFD()
	aux.state = TelnetDown
	s.armTelnet(object, aux, s.nextTelnetDelay(aux))
}

// nextTelnetDelay returns the current reconnect delay and doubles the
// next one up to TelnetMaxTimeout.
func (s *Server) nextTelnetDelay(aux *telnetAux) time.Duration {
	delay := aux.delay
	aux.delay = min(aux.delay*2, TelnetMaxTimeout)
	return delay
}

func (s *Server) armTelnet(object *Object, aux *telnetAux, d time.Duration) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	id, err := s.mux.Schedule(d, func() {
		aux.timer = 0
		s.connectTelnet(object, aux)
	})
	if err != nil {
		s.logger.Warn("unable to schedule telnet reconnect", "console", object.name, "error", err)
		s.later(func() {
			if !object.destroyed && aux.timer == 0 {
				s.armTelnet(object, aux, d)
			}
		})
		return
	}
	aux.timer = id
}

// dropTelnet closes the connection without scheduling a reconnect.
func (s *Server) dropTelnet(object *Object, aux *telnetAux) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	object.closeFD()
	if aux.state == TelnetUp {
		s.notify(object, severityNotice, "Console [%s] disconnected from <%s:%d>", object.name, aux.host, aux.port)
	}
	aux.state = TelnetDown
}

// disconnectTelnet closes the connection and schedules a reconnect.
func (s *Server) disconnectTelnet(object *Object) {
	aux := object.aux.(*telnetAux)
	s.dropTelnet(object, aux)
	s.armTelnet(object, aux, s.nextTelnetDelay(aux))
}

// filterTelnet removes telnet commands from data read off the
// connection and queues replies to option negotiation. SGA and ECHO
// offered by the server are accepted; every other option is refused.
// The filtered bytes are written back into data's storage.
func (s *Server) filterTelnet(object *Object, aux *telnetAux, data []byte) []byte {
	out := data[:0]
	for _, b := range data {
		switch aux.parse {
		case telnetParseData:
			if b == telnetIAC {
				aux.parse = telnetParseIAC
				continue
			}
			out = append(out, b)

		case telnetParseIAC:
			switch b {
			case telnetIAC:
				out = append(out, telnetIAC)
				aux.parse = telnetParseData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				aux.command = b
				aux.parse = telnetParseOption
			case telnetSB:
				aux.parse = telnetParseSub
			default:
				aux.parse = telnetParseData
			}

		case telnetParseOption:
			s.answerTelnetOption(object, aux.command, b)
			aux.parse = telnetParseData

		case telnetParseSub:
			if b == telnetIAC {
				aux.parse = telnetParseSubIAC
			}

		case telnetParseSubIAC:
			if b == telnetSE {
				aux.parse = telnetParseData
			} else {
				aux.parse = telnetParseSub
			}
		}
	}
	return out
}

func (s *Server) answerTelnetOption(object *Object, command, option byte) {
	var reply byte
	switch command {
	case telnetWILL:
		if option == telnetOptionSGA || option == telnetOptionEcho {
			reply = telnetDO
		} else {
			reply = telnetDONT
		}
	case telnetDO:
		reply = telnetWONT
	default:
		return
	}
	s.logger.Debug("telnet option", "console", object.name, "command", command, "option", option, "reply", reply)
	object.buf.Write([]byte{telnetIAC, reply, option})
}

// escapeTelnet doubles IAC bytes bound for a telnet connection.
func escapeTelnet(data []byte) []byte {
	count := 0
	for _, b := range data {
		if b == telnetIAC {
			count++
		}
	}
	if count == 0 {
		return data
	}
	escaped := make([]byte, 0, len(data)+count)
	for _, b := range data {
		escaped = append(escaped, b)
		if b == telnetIAC {
			escaped = append(escaped, telnetIAC)
		}
	}
	return escaped
}

func sendTelnetBreak(object *Object) error {
	aux := object.aux.(*telnetAux)
	if aux.state != TelnetUp {
		return fmt.Errorf("console [%s] is not connected", object.name)
	}
	object.buf.Write([]byte{telnetIAC, telnetBRK})
	return nil
}
