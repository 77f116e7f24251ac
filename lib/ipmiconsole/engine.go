// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipmiconsole

import (
	"errors"
	"fmt"
	"time"
)

// Status is the negotiation state of a submitted session.
type Status int

const (
	// StatusNone means the session is still being negotiated.
	StatusNone Status = iota

	// StatusError means negotiation failed; Context.Err has the cause.
	StatusError

	// StatusEstablished means the SOL session is up and the context's
	// descriptor carries console data.
	StatusEstablished
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusError:
		return "error"
	case StatusEstablished:
		return "established"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	// ErrBusy is returned by Destroy while the session has not yet
	// terminated.
	ErrBusy = errors.New("ipmiconsole: context busy")

	// ErrNotSubmitted is returned by FD and Status before Submit.
	ErrNotSubmitted = errors.New("ipmiconsole: context not submitted")

	// ErrAlreadySubmitted is returned by a second Submit.
	ErrAlreadySubmitted = errors.New("ipmiconsole: context already submitted")

	// ErrEngineNotStarted is returned by Submit when the engine has not
	// been initialized or has been torn down.
	ErrEngineNotStarted = errors.New("ipmiconsole: engine not started")

	// ErrDestroyed is returned by operations on a destroyed context.
	ErrDestroyed = errors.New("ipmiconsole: context destroyed")
)

// Field bounds for IPMI credentials.
const (
	MaxUsernameLen = 16
	MaxPasswordLen = 20
	MaxKgLen       = 20
)

// IPMIConfig is the authentication material for one BMC. Password and
// Kg are byte slices because either may contain zero bytes.
type IPMIConfig struct {
	Username string
	Password []byte
	Kg       []byte
}

// ProtocolConfig tunes session timing. Zero fields use engine
// defaults.
type ProtocolConfig struct {
	SessionTimeout             time.Duration
	RetransmissionTimeout      time.Duration
	MaximumRetransmissionCount int
}

// Engine runs IPMI SOL sessions.
type Engine interface {
	// Init starts the engine with the given number of workers.
	Init(workers int) error

	// Teardown stops all workers and terminates every running session.
	Teardown()

	// CreateContext returns an unsubmitted context for host.
	CreateContext(host string, ipmi IPMIConfig, protocol ProtocolConfig) (Context, error)
}

// Context is one SOL session. Methods other than Destroy never block.
type Context interface {
	// Submit queues the session for negotiation.
	Submit() error

	// FD returns the caller's end of the session stream.
	FD() (int, error)

	// Status reports negotiation progress.
	Status() (Status, error)

	// Err returns the reason for StatusError.
	Err() error

	// GenerateBreak sends a serial break over an established session.
	GenerateBreak() error

	// Destroy releases the session. It returns ErrBusy while the
	// session is still shutting down.
	Destroy() error
}
