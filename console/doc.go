// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package console implements the console multiplexing server: a set of
// console endpoints (serial lines, processes on a pseudo-terminal,
// telnet streams, and IPMI serial-over-LAN sessions) whose output fans
// out to attached clients and logfiles, and whose input is fed by
// read-write and broadcast clients.
//
// # Objects and links
//
// Every endpoint is an [Object]: a name, a descriptor, a circular
// outbound [Buffer], and two link sets. Link(src, dst) makes dst a
// reader of src, so bytes read from src's descriptor are appended to
// dst's buffer; the buffer is drained to dst's descriptor when it is
// writable. Buffers never block a producer: when a reader falls behind,
// its oldest unread bytes are discarded.
//
// The link graph has fixed shapes, checked on every Link:
//
//   - a console has at most one logfile reader and any number of
//     client readers
//   - only read-write and write-only clients write into a console
//   - a logfile and a read-only client each read exactly one console
//   - a read-write client reads and writes the same single console
//
// A Link that breaks these shapes is a bug in the caller and panics.
//
// # Event loop
//
// A single goroutine owns every object. [Server.Serve] alternates
// between a tpoll wait over all object descriptors (bounded by the
// nearest timer) and dispatching readiness to the fan-out code and the
// backend state machines. Backends never block the loop; reconnects,
// status polls, and retry pacing are all one-shot timers.
//
// Client connections are accepted and handshaken on their own
// goroutines and handed to the loop as descriptors. The handshake is a
// single framed CBOR request and response (see [Request]); after an
// accepted connect, monitor, or broadcast the connection carries raw
// console bytes.
//
// # IPMI
//
// IPMI consoles are driven by an explicit DOWN/PENDING/UP state table.
// Sessions are submitted to an [ipmiconsole.Engine] without blocking
// and then polled every [IPMIStatusCheckInterval] until established or
// failed; a failed or torn-down session is retried after
// [IPMIConnectRetryInterval]. Each IPMI object has at most one pending
// timer at any moment.
package console
