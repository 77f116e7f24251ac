// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by the timer multiplexer
// and by anything that stamps console output.
//
// The console server never sleeps or arms runtime timers: all waiting
// happens inside the multiplexer's poll, and the multiplexer decides
// what is due by asking a Clock for the current time. Production code
// injects Real(); tests inject Fake() and move time with Advance or Set,
// then ask the multiplexer to dispatch whatever became due.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	mux := tpoll.New(tpoll.WithClock(c))
//	mux.Schedule(5*time.Second, callback)
//	c.Advance(5 * time.Second)
//	mux.RunExpired() // callback runs here, synchronously
//
// This package depends on no other packages in the module.
package clock
