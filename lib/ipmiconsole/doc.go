// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipmiconsole defines the IPMI serial-over-LAN session engine
// the console server drives, and provides two implementations.
//
// An [Engine] runs sessions on its own worker goroutines. The caller
// creates a [Context] per BMC, submits it without blocking, and then
// polls [Context.Status] from its event loop until the session is
// established or has failed. Once established, the descriptor returned
// by [Context.FD] carries the console byte stream in both directions.
// Nothing in this contract blocks the caller.
//
// [ToolEngine] runs each session as an "ipmitool sol activate" child
// on a pseudo-terminal and relays it through a socketpair. [FakeEngine]
// is a scriptable engine for tests: statuses, submission failures, and
// busy destroys are set by the test.
//
// Descriptor ownership: the descriptor returned by FD belongs to the
// caller, who closes it before calling Destroy. Destroy releases the
// engine's side. Destroy may report [ErrBusy] while the session is
// still shutting down; the caller retries later.
package ipmiconsole
