// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"fmt"

	"github.com/bureau-foundation/conman/lib/ipmiconsole"
)

// IPMIState is an IPMI console's connection state.
type IPMIState int

const (
	// IPMIDown means no session is active. A context may exist.
	IPMIDown IPMIState = iota
	// IPMIPending means a session was submitted and is negotiating.
	IPMIPending
	// IPMIUp means the session is established and its descriptor
	// carries console data.
	IPMIUp
)

func (s IPMIState) String() string {
	switch s {
	case IPMIDown:
		return "down"
	case IPMIPending:
		return "pending"
	case IPMIUp:
		return "up"
	}
	return fmt.Sprintf("ipmi-state(%d)", int(s))
}

// ipmiEvent is an input to the IPMI state table.
type ipmiEvent int

const (
	// ipmiEventOpen is an explicit open or reopen request.
	ipmiEventOpen ipmiEvent = iota
	// ipmiEventConnect is the connect timer: submit when down, poll
	// when pending.
	ipmiEventConnect
	// ipmiEventDisconnect is the retry timer for a busy context
	// destroy.
	ipmiEventDisconnect
	// ipmiEventEOF is end-of-file on the session descriptor.
	ipmiEventEOF
)

func (e ipmiEvent) String() string {
	switch e {
	case ipmiEventOpen:
		return "open"
	case ipmiEventConnect:
		return "connect"
	case ipmiEventDisconnect:
		return "disconnect"
	case ipmiEventEOF:
		return "eof"
	}
	return fmt.Sprintf("ipmi-event(%d)", int(e))
}

// ipmiStep is the action the state table selects.
type ipmiStep int

const (
	ipmiStepNone ipmiStep = iota
	// ipmiStepSubmit ensures a context and submits it: DOWN to PENDING.
	ipmiStepSubmit
	// ipmiStepPoll queries the engine: PENDING stays, goes UP, or
	// disconnects.
	ipmiStepPoll
	// ipmiStepDisconnect tears the session down: any state to DOWN,
	// once the context can be destroyed.
	ipmiStepDisconnect
)

// ipmiTransition is the IPMI state table. The timer that re-polls a
// pending session is the (PENDING, connect) self-transition.
func ipmiTransition(state IPMIState, event ipmiEvent) ipmiStep {
	switch event {
	case ipmiEventOpen:
		switch state {
		case IPMIDown:
			return ipmiStepSubmit
		case IPMIPending:
			return ipmiStepPoll
		case IPMIUp:
			// A reopen is a disconnect whose retry timer reconnects.
			return ipmiStepDisconnect
		}
	case ipmiEventConnect:
		switch state {
		case IPMIDown:
			return ipmiStepSubmit
		case IPMIPending:
			return ipmiStepPoll
		}
	case ipmiEventDisconnect:
		return ipmiStepDisconnect
	case ipmiEventEOF:
		if state != IPMIDown {
			return ipmiStepDisconnect
		}
	}
	return ipmiStepNone
}

// ipmiPollOutcome is what a status query means for a pending session.
type ipmiPollOutcome int

const (
	ipmiPollWait ipmiPollOutcome = iota
	ipmiPollUp
	ipmiPollFailed
	ipmiPollQueryFailed
	ipmiPollUnrecognized
)

// ipmiPollResult maps an engine status query onto its outcome. Only
// an established status brings a session up.
func ipmiPollResult(status ipmiconsole.Status, err error) ipmiPollOutcome {
	if err != nil {
		return ipmiPollQueryFailed
	}
	switch status {
	case ipmiconsole.StatusNone:
		return ipmiPollWait
	case ipmiconsole.StatusEstablished:
		return ipmiPollUp
	case ipmiconsole.StatusError:
		return ipmiPollFailed
	}
	return ipmiPollUnrecognized
}
