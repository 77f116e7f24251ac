// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/conman/lib/ipmiconsole"
	"github.com/bureau-foundation/conman/lib/tpoll"
)

const (
	// IPMIConsolesPerWorker is how many sessions one engine worker
	// serves.
	IPMIConsolesPerWorker = 64

	// IPMIStatusCheckInterval paces status polls of a pending session
	// and retries of a busy context destroy.
	IPMIStatusCheckInterval = 5 * time.Second

	// IPMIConnectRetryInterval paces reconnection after a session is
	// torn down.
	IPMIConnectRetryInterval = 30 * time.Second
)

var (
	// ErrNotConnected is returned by an open whose connection completes
	// asynchronously. The outcome is reported through notifications.
	ErrNotConnected = errors.New("console not yet connected")

	// ErrNoContext is returned by SendBreak on an IPMI console with no
	// session context.
	ErrNoContext = errors.New("ipmi console has no session context")
)

// IPMIEngine holds the process-wide session engine and its lifecycle.
// Init and Teardown are idempotent.
type IPMIEngine struct {
	engine ipmiconsole.Engine
	logger *slog.Logger

	attempted bool
	started   bool
}

// NewIPMIEngine wraps engine. Nothing is started until Init.
func NewIPMIEngine(engine ipmiconsole.Engine, logger *slog.Logger) *IPMIEngine {
	return &IPMIEngine{engine: engine, logger: logger}
}

// Init starts the engine sized for consoles sessions. Only the first
// call does anything, and zero consoles does nothing at all. A start
// failure is logged; IPMI consoles then never come up.
func (e *IPMIEngine) Init(consoles int) {
	if e.attempted || consoles <= 0 {
		return
	}
	e.attempted = true

	workers := (consoles-1)/IPMIConsolesPerWorker + 1
	if err := e.engine.Init(workers); err != nil {
		e.logger.Error("unable to start IPMI engine", "error", err)
		return
	}
	e.started = true
	e.logger.Info(fmt.Sprintf("IPMI engine started with %d thread%s for %d console%s",
		workers, plural(workers), consoles, plural(consoles)))
}

// Started reports whether the engine is running.
func (e *IPMIEngine) Started() bool { return e.started }

// Teardown stops a running engine. After Teardown, Init may start it
// again.
func (e *IPMIEngine) Teardown() {
	if e.started {
		e.engine.Teardown()
		e.logger.Info("IPMI engine stopped")
	}
	e.started = false
	e.attempted = false
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

type ipmiAux struct {
	host     string
	config   ipmiconsole.IPMIConfig
	protocol ipmiconsole.ProtocolConfig

	// ctx is owned by this console. It is non-nil whenever state is
	// PENDING or UP.
	ctx   ipmiconsole.Context
	state IPMIState

	// closing is set while a refused context destroy is being retried.
	// Only the disconnect retry advances the console until it clears.
	closing bool

	// timer is the console's only outstanding timer, or zero.
	timer tpoll.ID
}

func (*ipmiAux) kind() Kind { return KindIPMI }

// IPMIState returns an IPMI console's connection state.
func (o *Object) IPMIState() (IPMIState, bool) {
	aux, ok := o.aux.(*ipmiAux)
	if !ok {
		return IPMIDown, false
	}
	return aux.state, true
}

// CreateIPMIConsole adds an IPMI console for host. The console starts
// DOWN without a context; OpenIPMI connects it.
func (s *Server) CreateIPMIConsole(name, host string, config ipmiconsole.IPMIConfig) (*Object, error) {
	if host == "" {
		return nil, fmt.Errorf("console [%s]: ipmi hostname is empty", name)
	}
	if err := s.checkDuplicate(name, func(object *Object) bool {
		aux, ok := object.aux.(*ipmiAux)
		return ok && aux.host == host
	}, host); err != nil {
		return nil, err
	}

	aux := &ipmiAux{
		host:     host,
		config:   config,
		protocol: s.ipmiProtocol,
		state:    IPMIDown,
	}
	object := newObject(name, -1, s.bufferSize, aux)
	object.history = NewHistory(s.historySize)
	s.registry.add(object)
	return object, nil
}

// OpenIPMI (re)opens an IPMI console. An UP console is disconnected
// and reconnects on its retry timer. Otherwise a context is created if
// needed and submitted; the result is ErrNotConnected while the
// session negotiates.
func (s *Server) OpenIPMI(object *Object) error {
	aux := object.aux.(*ipmiAux)
	if aux.state != IPMIUp {
		if err := s.createIPMIContext(object, aux); err != nil {
			return err
		}
	}
	return s.tickIPMI(object, ipmiEventOpen)
}

// tickIPMI applies one event to an IPMI console through the state
// table.
func (s *Server) tickIPMI(object *Object, event ipmiEvent) error {
	aux := object.aux.(*ipmiAux)
	if aux.closing && event != ipmiEventDisconnect {
		s.logger.Debug("ipmi ctx still closing", "console", object.name, "event", event.String())
		return ErrNotConnected
	}
	step := ipmiTransition(aux.state, event)
	s.logger.Debug("ipmi tick",
		"console", object.name,
		"state", aux.state.String(),
		"event", event.String(),
	)
	switch step {
	case ipmiStepSubmit:
		return s.submitIPMI(object, aux)
	case ipmiStepPoll:
		return s.pollIPMI(object, aux)
	case ipmiStepDisconnect:
		s.disconnectIPMI(object, aux)
	}
	return nil
}

func (s *Server) createIPMIContext(object *Object, aux *ipmiAux) error {
	if aux.ctx != nil {
		return nil
	}
	ctx, err := s.engine.engine.CreateContext(aux.host, aux.config, aux.protocol)
	if err != nil {
		return fmt.Errorf("creating ipmi ctx for [%s]: %w", object.name, err)
	}
	aux.ctx = ctx
	aux.state = IPMIDown
	return nil
}

// armIPMI replaces the console's timer with one firing event after d.
func (s *Server) armIPMI(object *Object, aux *ipmiAux, d time.Duration, event ipmiEvent) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	id, err := s.mux.Schedule(d, func() {
		aux.timer = 0
		s.tickIPMI(object, event)
	})
	if err != nil {
		s.logger.Warn("unable to schedule ipmi timer", "console", object.name, "error", err)
		s.later(func() {
			if !object.destroyed && aux.timer == 0 {
				s.armIPMI(object, aux, d, event)
			}
		})
		return
	}
	aux.timer = id
}

func (s *Server) submitIPMI(object *Object, aux *ipmiAux) error {
	s.mux.Cancel(aux.timer)
	aux.timer = 0

	if err := s.createIPMIContext(object, aux); err != nil {
		s.log(severityWarning, err.Error(), "console", object.name)
		return err
	}
	if err := aux.ctx.Submit(); err != nil {
		s.log(severityWarning, fmt.Sprintf("Unable to submit ipmi ctx to engine for [%s]: %s", object.name, err),
			"console", object.name)
		return fmt.Errorf("submitting ipmi ctx for [%s]: %w", object.name, err)
	}
	fd, err := aux.ctx.FD()
	if err != nil {
		s.log(severityWarning, fmt.Sprintf("Unable to retrieve ipmi ctx fd for [%s]: %s", object.name, err),
			"console", object.name)
		s.disconnectIPMI(object, aux)
		return fmt.Errorf("retrieving ipmi ctx fd for [%s]: %w", object.name, err)
	}
	object.fd = fd
	object.gotEOF = false
	aux.state = IPMIPending
	s.armIPMI(object, aux, IPMIStatusCheckInterval, ipmiEventConnect)
	return ErrNotConnected
}

func (s *Server) pollIPMI(object *Object, aux *ipmiAux) error {
	s.mux.Cancel(aux.timer)
	aux.timer = 0

	status, err := aux.ctx.Status()
	switch ipmiPollResult(status, err) {
	case ipmiPollQueryFailed:
		s.log(severityWarning, fmt.Sprintf("Error retrieving ipmi ctx status from engine for [%s]: %s", object.name, err),
			"console", object.name)
		s.disconnectIPMI(object, aux)
		return fmt.Errorf("querying ipmi ctx status for [%s]: %w", object.name, err)

	case ipmiPollFailed:
		cause := aux.ctx.Err()
		s.log(severityWarning, fmt.Sprintf("Error establishing ipmi link for [%s]: %v", object.name, cause),
			"console", object.name)
		object.closeFD()
		s.disconnectIPMI(object, aux)
		return fmt.Errorf("establishing ipmi link for [%s]: %v", object.name, cause)

	case ipmiPollWait:
		s.armIPMI(object, aux, IPMIStatusCheckInterval, ipmiEventConnect)
		return ErrNotConnected

	case ipmiPollUp:
		aux.state = IPMIUp
		s.notify(object, severityInfo, "Console [%s] connected to <%s> via IPMI", object.name, aux.host)
		return nil
	}

	s.log(severityWarning, fmt.Sprintf("Unrecognized ipmi ctx status value %d for [%s]", int(status), object.name),
		"console", object.name)
	s.disconnectIPMI(object, aux)
	return fmt.Errorf("unrecognized ipmi ctx status %d for [%s]", int(status), object.name)
}

// disconnectIPMI tears the session down and schedules the reconnect.
// A context that cannot be destroyed yet is retried on the poll
// interval; the console stays in its current state until then.
func (s *Server) disconnectIPMI(object *Object, aux *ipmiAux) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	object.closeFD()

	if aux.ctx != nil {
		if err := aux.ctx.Destroy(); err != nil {
			if !errors.Is(err, ipmiconsole.ErrBusy) {
				s.logger.Warn("unable to destroy ipmi ctx", "console", object.name, "error", err)
			}
			aux.closing = true
			s.armIPMI(object, aux, IPMIStatusCheckInterval, ipmiEventDisconnect)
			return
		}
		aux.ctx = nil
	}
	aux.closing = false

	if aux.state == IPMIUp {
		s.notify(object, severityNotice, "Console [%s] disconnected from <%s> via IPMI", object.name, aux.host)
	}
	aux.state = IPMIDown
	if err := s.createIPMIContext(object, aux); err != nil {
		s.log(severityError, err.Error(), "console", object.name)
	}
	s.armIPMI(object, aux, IPMIConnectRetryInterval, ipmiEventConnect)
}

// sendIPMIBreak forwards a break to the session. The console must have
// a context.
func sendIPMIBreak(object *Object) error {
	aux := object.aux.(*ipmiAux)
	if aux.ctx == nil {
		panic(fmt.Sprintf("console: break on %s with no ipmi ctx", object))
	}
	return aux.ctx.GenerateBreak()
}

// destroyIPMI releases the console's timer and context at shutdown.
// A context that stays busy is left to the engine's teardown.
func (s *Server) destroyIPMI(object *Object, aux *ipmiAux) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	object.closeFD()
	if aux.ctx != nil {
		if err := aux.ctx.Destroy(); err != nil {
			s.logger.Debug("ipmi ctx busy at destroy", "console", object.name, "error", err)
		}
		aux.ctx = nil
	}
	aux.closing = false
	aux.state = IPMIDown
}
