// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmiconsole

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FakeEngine is an in-process Engine whose sessions never touch the
// network. Tests drive each FakeContext's status by hand.
type FakeEngine struct {
	// InitErr, when set, is returned by Init.
	InitErr error

	// CreateErr, when set, is returned by CreateContext.
	CreateErr error

	mu            sync.Mutex
	initCalls     int
	teardownCalls int
	workers       int
	running       bool
	contexts      []*FakeContext
}

// NewFakeEngine returns an unstarted fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (e *FakeEngine) Init(workers int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	if e.InitErr != nil {
		return e.InitErr
	}
	e.workers = workers
	e.running = true
	return nil
}

func (e *FakeEngine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownCalls++
	e.running = false
}

func (e *FakeEngine) CreateContext(host string, ipmi IPMIConfig, protocol ProtocolConfig) (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	context := &FakeContext{
		Host:     host,
		IPMI:     ipmi,
		Protocol: protocol,
		engine:   e,
		fd:       -1,
		peer:     -1,
	}
	e.contexts = append(e.contexts, context)
	return context, nil
}

// InitCalls returns how many times Init was called.
func (e *FakeEngine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

// TeardownCalls returns how many times Teardown was called.
func (e *FakeEngine) TeardownCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardownCalls
}

// Workers returns the worker count passed to the last successful Init.
func (e *FakeEngine) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers
}

// Contexts returns every context created so far, oldest first.
func (e *FakeEngine) Contexts() []*FakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeContext(nil), e.contexts...)
}

// Live returns the contexts that have not been destroyed.
func (e *FakeEngine) Live() []*FakeContext {
	var live []*FakeContext
	for _, context := range e.Contexts() {
		if !context.Destroyed() {
			live = append(live, context)
		}
	}
	return live
}

// FakeContext is a session of a FakeEngine. Submit creates a real
// socketpair so the caller can poll and read the descriptor; the test
// plays the BMC through Peer.
type FakeContext struct {
	Host     string
	IPMI     IPMIConfig
	Protocol ProtocolConfig

	engine *FakeEngine

	mu          sync.Mutex
	submitted   bool
	destroyed   bool
	status      Status
	statusErr   error
	err         error
	submitErr   error
	destroyBusy int
	breaks      int
	fd          int
	peer        int
}

// SetStatus sets what Status reports, and err for Err.
func (c *FakeContext) SetStatus(status Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.err = err
}

// FailStatusQuery makes Status itself return err.
func (c *FakeContext) FailStatusQuery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

// FailSubmit makes the next Submit return err.
func (c *FakeContext) FailSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// RefuseDestroy makes the next n Destroy calls return ErrBusy.
func (c *FakeContext) RefuseDestroy(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyBusy = n
}

// Peer returns the BMC side of the session stream, or -1 before
// Submit.
func (c *FakeContext) Peer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Submitted reports whether Submit has succeeded.
func (c *FakeContext) Submitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Destroyed reports whether Destroy has succeeded.
func (c *FakeContext) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Breaks returns how many breaks were generated.
func (c *FakeContext) Breaks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaks
}

func (c *FakeContext) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if c.submitted {
		return ErrAlreadySubmitted
	}
	if c.submitErr != nil {
		err := c.submitErr
		c.submitErr = nil
		return err
	}
	c.engine.mu.Lock()
	running := c.engine.running
	c.engine.mu.Unlock()
	if !running {
		return ErrEngineNotStarted
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating session socketpair: %w", err)
	}
	c.fd, c.peer = fds[0], fds[1]
	c.submitted = true
	c.status = StatusNone
	return nil
}

func (c *FakeContext) FD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return -1, ErrDestroyed
	}
	if !c.submitted {
		return -1, ErrNotSubmitted
	}
	return c.fd, nil
}

func (c *FakeContext) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return StatusNone, c.statusErr
	}
	if c.destroyed {
		return StatusNone, ErrDestroyed
	}
	if !c.submitted {
		return StatusNone, ErrNotSubmitted
	}
	return c.status, nil
}

func (c *FakeContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *FakeContext) GenerateBreak() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || !c.submitted || c.status != StatusEstablished {
		return fmt.Errorf("ipmiconsole: break on %s: session not established", c.Host)
	}
	c.breaks++
	return nil
}

// Destroy closes the BMC side of the stream. The caller's side is the
// caller's to close.
func (c *FakeContext) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	if c.destroyBusy > 0 {
		c.destroyBusy--
		return ErrBusy
	}
	if c.peer >= 0 {
		unix.Close(c.peer)
		c.peer = -1
	}
	c.destroyed = true
	return nil
}
