// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmiconsole

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// establishedMarker is printed by ipmitool once the SOL payload is
// active. Everything after the marker line is console data.
const establishedMarker = "SOL Session operational"

const (
	defaultEstablishTimeout = 60 * time.Second

	// tailSize bounds the pre-establishment output kept for error
	// messages.
	tailSize = 512

	// sessionsPerWorker sizes the submission queue.
	sessionsPerWorker = 64
)

// ToolEngine runs SOL sessions with ipmitool.
type ToolEngine struct {
	// Program is the ipmitool executable, looked up on PATH when it
	// has no slash.
	Program string

	// EstablishTimeout bounds how long a session may negotiate before
	// it is reported as failed.
	EstablishTimeout time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	path     string
	queue    chan *toolContext
	sessions map[*toolContext]struct{}
	workers  sync.WaitGroup
}

// NewToolEngine returns an unstarted engine that runs "ipmitool".
func NewToolEngine(logger *slog.Logger) *ToolEngine {
	return &ToolEngine{
		Program:          "ipmitool",
		EstablishTimeout: defaultEstablishTimeout,
		logger:           logger,
	}
}

// Init locates the program and starts workers goroutines that launch
// submitted sessions.
func (e *ToolEngine) Init(workers int) error {
	if workers < 1 {
		return fmt.Errorf("ipmiconsole: worker count must be positive, got %d", workers)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("ipmiconsole: engine already started")
	}
	path, err := exec.LookPath(e.Program)
	if err != nil {
		return fmt.Errorf("locating %s: %w", e.Program, err)
	}

	e.path = path
	e.queue = make(chan *toolContext, workers*sessionsPerWorker)
	e.sessions = make(map[*toolContext]struct{})
	e.started = true
	for range workers {
		e.workers.Add(1)
		go e.work(e.queue)
	}
	e.logger.Debug("ipmitool engine started", "program", path, "workers", workers)
	return nil
}

func (e *ToolEngine) work(queue <-chan *toolContext) {
	defer e.workers.Done()
	for session := range queue {
		session.start()
	}
}

// Teardown stops the workers and kills every running session. It is a
// no-op on an engine that is not running.
func (e *ToolEngine) Teardown() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.queue)
	sessions := make([]*toolContext, 0, len(e.sessions))
	for session := range e.sessions {
		sessions = append(sessions, session)
	}
	e.mu.Unlock()

	e.workers.Wait()
	for _, session := range sessions {
		session.kill()
	}
}

func (e *ToolEngine) enqueue(session *toolContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrEngineNotStarted
	}
	select {
	case e.queue <- session:
		e.sessions[session] = struct{}{}
		return nil
	default:
		return fmt.Errorf("ipmiconsole: submission queue full (%d sessions)", cap(e.queue))
	}
}

func (e *ToolEngine) forget(session *toolContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, session)
}

func (e *ToolEngine) establishTimeout() time.Duration {
	if e.EstablishTimeout > 0 {
		return e.EstablishTimeout
	}
	return defaultEstablishTimeout
}

// CreateContext validates the credentials and returns an unsubmitted
// session for host.
func (e *ToolEngine) CreateContext(host string, ipmi IPMIConfig, protocol ProtocolConfig) (Context, error) {
	if host == "" {
		return nil, fmt.Errorf("ipmiconsole: empty hostname")
	}
	if len(ipmi.Username) > MaxUsernameLen {
		return nil, fmt.Errorf("ipmiconsole: username exceeds %d-byte max length", MaxUsernameLen)
	}
	if len(ipmi.Password) > MaxPasswordLen {
		return nil, fmt.Errorf("ipmiconsole: password exceeds %d-byte max length", MaxPasswordLen)
	}
	if len(ipmi.Kg) > MaxKgLen {
		return nil, fmt.Errorf("ipmiconsole: k_g exceeds %d-byte max length", MaxKgLen)
	}
	// The password travels in the environment, which cannot carry NUL.
	if bytes.IndexByte(ipmi.Password, 0) >= 0 {
		return nil, fmt.Errorf("ipmiconsole: password with embedded zero bytes is not supported by ipmitool")
	}
	return &toolContext{
		engine:   e,
		host:     host,
		ipmi:     ipmi,
		protocol: protocol,
		userFD:   -1,
	}, nil
}

type phase int

const (
	phaseIdle phase = iota
	phaseQueued
	phaseRunning
	phaseFinished
	phaseDestroyed
)

type toolContext struct {
	engine   *ToolEngine
	host     string
	ipmi     IPMIConfig
	protocol ProtocolConfig

	mu          sync.Mutex
	phase       phase
	status      Status
	err         error
	userFD      int
	local       *os.File
	terminal    *os.File
	cmd         *exec.Cmd
	terminating bool
	tail        []byte
}

func (c *toolContext) Submit() error {
	c.mu.Lock()
	switch c.phase {
	case phaseIdle:
	case phaseDestroyed:
		c.mu.Unlock()
		return ErrDestroyed
	default:
		c.mu.Unlock()
		return ErrAlreadySubmitted
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("creating session socketpair: %w", err)
	}
	c.userFD = fds[0]
	c.local = os.NewFile(uintptr(fds[1]), "ipmi-sol-"+c.host)
	c.status = StatusNone
	c.err = nil
	c.phase = phaseQueued
	c.mu.Unlock()

	if err := c.engine.enqueue(c); err != nil {
		c.mu.Lock()
		unix.Close(c.userFD)
		c.local.Close()
		c.userFD = -1
		c.local = nil
		c.phase = phaseIdle
		c.mu.Unlock()
		return err
	}
	return nil
}

// start runs on an engine worker.
func (c *toolContext) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseQueued {
		return
	}

	cmd := exec.Command(c.engine.path, c.arguments()...)
	cmd.Env = c.environment()
	terminal, err := pty.Start(cmd)
	if err != nil {
		c.status = StatusError
		c.err = fmt.Errorf("starting %s: %w", c.engine.path, err)
		c.phase = phaseFinished
		return
	}
	c.cmd = cmd
	c.terminal = terminal
	c.phase = phaseRunning

	outputDone := make(chan struct{})
	timer := time.AfterFunc(c.engine.establishTimeout(), c.expire)
	go c.relayOutput(terminal, outputDone)
	go c.reap(timer, outputDone)
}

// relayOutput copies ipmitool's terminal output to the session stream
// once the session is established, and keeps a tail of everything
// before that for error reporting.
func (c *toolContext) relayOutput(terminal *os.File, done chan<- struct{}) {
	defer close(done)

	buffer := make([]byte, 4096)
	var pending []byte
	established := false
	for {
		n, err := terminal.Read(buffer)
		if n > 0 {
			if established {
				c.local.Write(buffer[:n])
			} else {
				pending = append(pending, buffer[:n]...)
				if index := bytes.Index(pending, []byte(establishedMarker)); index >= 0 {
					rest := pending[index+len(establishedMarker):]
					if newline := bytes.IndexByte(rest, '\n'); newline >= 0 {
						rest = rest[newline+1:]
					} else {
						rest = nil
					}
					established = c.establish()
					if established && len(rest) > 0 {
						c.local.Write(rest)
					}
					pending = nil
				} else if len(pending) > 2*tailSize {
					pending = append([]byte(nil), pending[len(pending)-tailSize:]...)
				}
			}
		}
		if err != nil {
			c.mu.Lock()
			c.tail = pending
			c.mu.Unlock()
			return
		}
	}
}

// establish moves a negotiating session to established and starts the
// input relay. It reports false when the session had already failed.
func (c *toolContext) establish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusNone {
		return false
	}
	c.status = StatusEstablished
	go io.Copy(c.terminal, c.local)
	return true
}

func (c *toolContext) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusNone {
		return
	}
	c.status = StatusError
	c.err = fmt.Errorf("session to %s not established within %s", c.host, c.engine.establishTimeout())
	if c.phase == phaseRunning {
		c.cmd.Process.Signal(syscall.SIGTERM)
		c.terminating = true
	}
}

func (c *toolContext) reap(timer *time.Timer, outputDone <-chan struct{}) {
	waitErr := c.cmd.Wait()
	timer.Stop()
	<-outputDone

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusNone {
		c.status = StatusError
		detail := strings.TrimSpace(string(c.tail))
		if detail == "" {
			c.err = fmt.Errorf("ipmitool exited: %v", waitErr)
		} else {
			c.err = fmt.Errorf("ipmitool exited: %v: %s", waitErr, lastLine(detail))
		}
	}
	c.terminal.Close()
	// Closing the engine side gives the caller EOF on an established
	// session that ended on its own.
	c.local.Close()
	if c.phase == phaseRunning {
		c.phase = phaseFinished
	}
}

func (c *toolContext) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseRunning {
		c.cmd.Process.Kill()
		c.terminating = true
	}
}

func (c *toolContext) FD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseIdle:
		return -1, ErrNotSubmitted
	case phaseDestroyed:
		return -1, ErrDestroyed
	}
	return c.userFD, nil
}

func (c *toolContext) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseIdle:
		return StatusNone, ErrNotSubmitted
	case phaseDestroyed:
		return StatusNone, ErrDestroyed
	}
	return c.status, nil
}

func (c *toolContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// GenerateBreak sends ipmitool's break escape. The escape is only
// recognized at the start of a line, hence the leading carriage return.
func (c *toolContext) GenerateBreak() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseRunning || c.status != StatusEstablished {
		return fmt.Errorf("ipmiconsole: break on %s: session not established", c.host)
	}
	if _, err := c.terminal.Write([]byte("\r~B")); err != nil {
		return fmt.Errorf("ipmiconsole: break on %s: %w", c.host, err)
	}
	return nil
}

// Destroy terminates a running session and reports ErrBusy until the
// child has been reaped. The first call sends SIGTERM, later calls
// SIGKILL.
func (c *toolContext) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseDestroyed:
		return nil
	case phaseRunning:
		signal := syscall.SIGTERM
		if c.terminating {
			signal = syscall.SIGKILL
		}
		c.terminating = true
		if err := c.cmd.Process.Signal(signal); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("ipmiconsole: signalling session for %s: %w", c.host, err)
		}
		return ErrBusy
	}

	if c.local != nil {
		c.local.Close()
	}
	c.phase = phaseDestroyed
	c.engine.forget(c)
	return nil
}

func (c *toolContext) arguments() []string {
	args := []string{"-I", "lanplus", "-H", c.host}
	if c.ipmi.Username != "" {
		args = append(args, "-U", c.ipmi.Username)
	}
	if len(c.ipmi.Password) > 0 {
		args = append(args, "-E")
	}
	if len(c.ipmi.Kg) > 0 {
		if bytes.IndexByte(c.ipmi.Kg, 0) >= 0 {
			args = append(args, "-y", hex.EncodeToString(c.ipmi.Kg))
		} else {
			args = append(args, "-K")
		}
	}
	if timeout := c.protocol.RetransmissionTimeout; timeout > 0 {
		seconds := max(int((timeout+time.Second-1)/time.Second), 1)
		args = append(args, "-N", strconv.Itoa(seconds))
	}
	if c.protocol.MaximumRetransmissionCount > 0 {
		args = append(args, "-R", strconv.Itoa(c.protocol.MaximumRetransmissionCount))
	}
	return append(args, "sol", "activate")
}

func (c *toolContext) environment() []string {
	environment := os.Environ()
	if len(c.ipmi.Password) > 0 {
		environment = append(environment, "IPMI_PASSWORD="+string(c.ipmi.Password))
	}
	if len(c.ipmi.Kg) > 0 && bytes.IndexByte(c.ipmi.Kg, 0) < 0 {
		environment = append(environment, "IPMI_KGKEY="+string(c.ipmi.Kg))
	}
	return environment
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\r\n")
	if index := strings.LastIndexAny(text, "\r\n"); index >= 0 {
		return text[index+1:]
	}
	return text
}
