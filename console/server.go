// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/clock"
	"github.com/bureau-foundation/conman/lib/config"
	"github.com/bureau-foundation/conman/lib/ipmiconsole"
	"github.com/bureau-foundation/conman/lib/tpoll"
)

// handshakeTimeout bounds how long a new connection may take to send
// its request.
const handshakeTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Config is the validated server configuration. Required.
	Config *config.Config

	// Logger receives the server's structured log. Required.
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Engine runs IPMI sessions. Defaults to an ipmitool engine.
	Engine ipmiconsole.Engine

	// IPMIProtocol tunes IPMI session timing.
	IPMIProtocol ipmiconsole.ProtocolConfig

	// Poller replaces poll(2) in the event loop.
	Poller tpoll.Poller
}

// Server owns every console, client, and logfile. All of its state is
// confined to the event loop; other goroutines reach it only through
// post.
type Server struct {
	config *config.Config
	logger *slog.Logger
	clock  clock.Clock
	mux    *tpoll.Mux

	registry *Registry
	engine   *IPMIEngine

	ipmiDefaults *ipmiconsole.IPMIConfig
	ipmiProtocol ipmiconsole.ProtocolConfig

	bufferSize  int
	historySize int
	scratch     []byte
	logTimer    tpoll.ID

	pollFDs     []unix.PollFd
	pollObjects []*Object

	// calls carries closures from other goroutines; a byte on the wake
	// pipe interrupts the poll so they run promptly.
	calls      chan func()
	wakeRead   int
	wakeWrite  int
	wakeMu     sync.RWMutex
	wakeClosed bool
	deferred   []func()

	served   bool
	stopping bool
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a server with no consoles. LoadConsoles or the Create
// functions populate it; Serve runs it.
func New(options Options) (*Server, error) {
	if options.Config == nil {
		return nil, errors.New("console: Options.Config is required")
	}
	if options.Logger == nil {
		return nil, errors.New("console: Options.Logger is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Engine == nil {
		options.Engine = ipmiconsole.NewToolEngine(options.Logger)
	}

	var ipmiDefaults *ipmiconsole.IPMIConfig
	if text := options.Config.Global.IPMIOpts; text != "" {
		parsed, err := ParseIPMIOptions(text, nil)
		if err != nil {
			return nil, fmt.Errorf("global: %w", err)
		}
		ipmiDefaults = &parsed
	}

	muxOptions := []tpoll.Option{tpoll.WithClock(options.Clock)}
	if options.Poller != nil {
		muxOptions = append(muxOptions, tpoll.WithPoller(options.Poller))
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating wake pipe: %w", err)
	}

	return &Server{
		config:       options.Config,
		logger:       options.Logger,
		clock:        options.Clock,
		mux:          tpoll.New(muxOptions...),
		registry:     NewRegistry(),
		engine:       NewIPMIEngine(options.Engine, options.Logger),
		ipmiDefaults: ipmiDefaults,
		ipmiProtocol: options.IPMIProtocol,
		bufferSize:   options.Config.Server.BufferSize,
		historySize:  options.Config.Server.HistorySize,
		scratch:      make([]byte, options.Config.Server.BufferSize),
		calls:        make(chan func(), 64),
		wakeRead:     pipe[0],
		wakeWrite:    pipe[1],
		done:         make(chan struct{}),
	}, nil
}

// Registry returns the server's object registry. It may only be used
// from the event loop, or before Serve.
func (s *Server) Registry() *Registry { return s.registry }

// Engine returns the IPMI engine lifecycle.
func (s *Server) Engine() *IPMIEngine { return s.engine }

// Done is closed when the event loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Run listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve opens every console, accepts clients from listener, and runs
// the event loop until ctx is cancelled. On return every object has
// been destroyed, the IPMI engine torn down, and listener closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.served {
		listener.Close()
		return errors.New("console: server already served")
	}
	s.served = true

	var accepting sync.WaitGroup
	accepting.Add(1)
	go func() {
		defer accepting.Done()
		s.acceptLoop(listener)
	}()
	stop := context.AfterFunc(ctx, func() {
		s.post(func() { s.stopping = true })
	})
	defer stop()

	s.logger.Info("conmand listening",
		"address", listener.Addr().String(),
		"consoles", len(s.registry.Consoles()),
	)
	s.openConsoles()
	if interval, err := s.config.Server.Interval(); err == nil && interval > 0 {
		s.scheduleLogTimestamp(interval)
	}

	var loopErr error
	for !s.stopping {
		if err := s.step(); err != nil {
			loopErr = err
			break
		}
	}

	s.doneOnce.Do(func() { close(s.done) })
	listener.Close()
	accepting.Wait()
	s.shutdown()
	s.logger.Info("conmand stopped")
	return loopErr
}

// ReopenLogs asks the event loop to reopen every logfile. It is safe
// to call from any goroutine and reports whether the request was
// queued.
func (s *Server) ReopenLogs() bool {
	return s.post(s.reopenLogfiles)
}

// post queues fn to run on the event loop. It returns false once the
// loop has exited.
func (s *Server) post(fn func()) bool {
	s.wakeMu.RLock()
	defer s.wakeMu.RUnlock()
	if s.wakeClosed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.calls <- fn:
	case <-s.done:
		return false
	}
	if _, err := unix.Write(s.wakeWrite, []byte{0}); err != nil && !errors.Is(err, unix.EAGAIN) {
		s.logger.Warn("unable to wake event loop", "error", err)
	}
	return true
}

// call runs fn on the event loop and returns its result. ok is false
// when the loop exited first.
func call[T any](s *Server, fn func() T) (result T, ok bool) {
	results := make(chan T, 1)
	if !s.post(func() { results <- fn() }) {
		return result, false
	}
	select {
	case result = <-results:
		return result, true
	case <-s.done:
		return result, false
	}
}

// later defers fn until after the next wake of the event loop.
func (s *Server) later(fn func()) {
	s.deferred = append(s.deferred, fn)
}

// step runs one cycle of the event loop: wait for readiness or a
// timer, then service every ready descriptor.
func (s *Server) step() error {
	fds := append(s.pollFDs[:0], unix.PollFd{Fd: int32(s.wakeRead), Events: unix.POLLIN})
	objects := s.pollObjects[:0]
	for _, object := range s.registry.objects {
		if events := pollEvents(object); events != 0 {
			fds = append(fds, unix.PollFd{Fd: int32(object.fd), Events: events})
			objects = append(objects, object)
		}
	}
	s.pollFDs, s.pollObjects = fds, objects

	ready, err := s.mux.Wait(fds)
	if err != nil {
		return err
	}

	deferred := s.deferred
	s.deferred = nil
	for _, fn := range deferred {
		fn()
	}

	if ready > 0 {
		if fds[0].Revents != 0 {
			s.drainWake()
		}
		for index, pollFD := range fds[1:] {
			s.dispatch(objects[index], pollFD)
		}
	}
	s.runCalls()
	s.sweep()
	return nil
}

// pollEvents returns the events to poll for on object's descriptor.
func pollEvents(object *Object) int16 {
	if object.fd < 0 || object.destroyed {
		return 0
	}
	if aux, ok := object.aux.(*telnetAux); ok && aux.state == TelnetPending {
		return unix.POLLOUT
	}
	if !object.connected() {
		return 0
	}
	var events int16
	if !object.gotEOF && object.Kind() != KindLogfile {
		events |= unix.POLLIN
	}
	if object.buf.Len() > 0 {
		events |= unix.POLLOUT
	}
	return events
}

func (s *Server) dispatch(object *Object, pollFD unix.PollFd) {
	if pollFD.Revents == 0 || object.destroyed || object.fd != int(pollFD.Fd) {
		return
	}
	if aux, ok := object.aux.(*telnetAux); ok && aux.state == TelnetPending {
		s.finishTelnetConnect(object)
		return
	}
	if pollFD.Revents&unix.POLLNVAL != 0 {
		s.logger.Error("polled an invalid descriptor", "object", object.String(), "fd", object.fd)
		object.fd = -1
		s.handleEOF(object, unix.EBADF)
		return
	}
	if pollFD.Events&unix.POLLIN != 0 && pollFD.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.readFromObject(object)
	}
	if object.destroyed || object.fd != int(pollFD.Fd) {
		return
	}
	if pollFD.Revents&(unix.POLLOUT|unix.POLLERR) != 0 && object.buf.Len() > 0 {
		s.writeToObject(object)
	}
}

func (s *Server) drainWake() {
	var buffer [64]byte
	for {
		n, err := unix.Read(s.wakeRead, buffer[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Server) runCalls() {
	for {
		select {
		case fn := <-s.calls:
			fn()
		default:
			return
		}
	}
}

// sweep destroys clients that have hung up once their remaining output
// is flushed.
func (s *Server) sweep() {
	for _, object := range s.registry.Objects() {
		if _, ok := object.aux.(*clientAux); ok && object.gotEOF && (object.buf.Len() == 0 || object.fd < 0) {
			s.destroyObject(object)
		}
	}
}

// destroyObject releases an object's timers, links, and descriptor and
// removes it from the registry.
func (s *Server) destroyObject(object *Object) {
	if object.destroyed {
		return
	}
	switch aux := object.aux.(type) {
	case *ipmiAux:
		s.destroyIPMI(object, aux)
	case *telnetAux:
		s.mux.Cancel(aux.timer)
		aux.timer = 0
	case *serialAux:
		s.mux.Cancel(aux.timer)
		aux.timer = 0
		s.closeSerial(object, aux)
	case *processAux:
		s.mux.Cancel(aux.timer)
		aux.timer = 0
		if aux.cmd != nil {
			aux.cmd.Process.Kill()
			aux.cmd = nil
		}
	case *clientAux:
		s.logger.Info("client detached", "client", object.name, "session", aux.session)
	case *logfileAux:
		s.writeToObject(object)
	}
	UnlinkAll(object)
	object.closeFD()
	object.destroyed = true
	s.registry.remove(object)
}

// shutdown destroys every object and stops the IPMI engine. Clients go
// first so that console teardown notifications are not queued to them.
func (s *Server) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	s.mux.Cancel(s.logTimer)
	s.logTimer = 0
	for _, object := range s.registry.Objects() {
		if object.Kind() == KindClient {
			s.destroyObject(object)
		}
	}
	for _, object := range s.registry.Objects() {
		s.destroyObject(object)
	}
	s.engine.Teardown()
	s.doneOnce.Do(func() { close(s.done) })

	s.wakeMu.Lock()
	s.wakeClosed = true
	closeQuietly(s.wakeRead)
	closeQuietly(s.wakeWrite)
	s.wakeMu.Unlock()
}

// closeQuietly closes fd. On Linux the descriptor is released even
// when close reports an error, so there is nothing to retry.
func closeQuietly(fd int) {
	unix.Close(fd)
}
