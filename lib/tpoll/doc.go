// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tpoll multiplexes one-shot timers with poll(2) readiness.
//
// A Mux owns a time-ordered list of pending timers. Wait fires every
// timer whose expiry has passed, then blocks in poll(2) on the supplied
// descriptors for no longer than the time remaining until the soonest
// timer. Callbacks run synchronously on the goroutine that calls Wait
// (or RunExpired); a Mux is not safe for concurrent use and is meant to
// be driven by a single event loop.
//
// Timers are stored in an arena of slots that grows in fixed chunks and
// is recycled through a free list. The ID handed back by Schedule
// carries the slot's generation, so cancelling a timer that has already
// fired or been cancelled is a harmless no-op even after its slot has
// been reused.
//
// Ordering: timers with an earlier expiry fire first, and timers with
// equal expiry fire in the order they were scheduled.
package tpoll
