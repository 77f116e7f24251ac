// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tpoll

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/clock"
)

// ID identifies a scheduled timer. The zero ID never refers to a timer
// and is safe to pass to Cancel.
type ID uint64

// ErrTimerLimit is returned by Schedule when the arena has reached the
// limit configured with WithMaxTimers. Callers treat it as transient
// and try again on a later wake.
var ErrTimerLimit = errors.New("tpoll: timer limit reached")

// growChunk is how many slots the arena grows by when the free list is
// empty.
const growChunk = 10

// none marks the end of the active and free lists.
const none = -1

// Poller blocks until one of fds is ready or timeoutMs elapses. A
// negative timeout blocks indefinitely. It has the semantics of
// unix.Poll, which is the default.
type Poller func(fds []unix.PollFd, timeoutMs int) (int, error)

type timer struct {
	generation uint32
	active     bool
	expires    time.Time
	fn         func()
	next       int
}

// Mux is a timer queue plus a poll(2) wait.
type Mux struct {
	clock     clock.Clock
	poll      Poller
	maxTimers int

	slots  []timer
	free   int
	active int
	count  int
}

// Option configures a Mux.
type Option func(*Mux)

// WithClock sets the time source. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(m *Mux) { m.clock = c }
}

// WithPoller replaces unix.Poll. Tests use this to observe the
// computed timeout or to simulate readiness without real descriptors.
func WithPoller(p Poller) Option {
	return func(m *Mux) { m.poll = p }
}

// WithMaxTimers caps the arena size. Zero means unlimited.
func WithMaxTimers(n int) Option {
	return func(m *Mux) { m.maxTimers = n }
}

// New creates an empty Mux.
func New(options ...Option) *Mux {
	m := &Mux{
		clock:  clock.Real(),
		poll:   unix.Poll,
		free:   none,
		active: none,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Now returns the Mux's notion of the current time.
func (m *Mux) Now() time.Time {
	return m.clock.Now()
}

// Schedule arranges for fn to run once, d from now.
func (m *Mux) Schedule(d time.Duration, fn func()) (ID, error) {
	return m.ScheduleAt(m.clock.Now().Add(d), fn)
}

// ScheduleAt arranges for fn to run once at or after t.
func (m *Mux) ScheduleAt(t time.Time, fn func()) (ID, error) {
	if fn == nil {
		return 0, fmt.Errorf("tpoll: schedule with nil callback")
	}
	if m.free == none {
		if err := m.grow(); err != nil {
			return 0, err
		}
	}
	slot := m.free
	m.free = m.slots[slot].next

	entry := &m.slots[slot]
	entry.generation++
	entry.active = true
	entry.expires = t
	entry.fn = fn

	// Insert before the first strictly-later entry so equal expiries
	// keep their scheduling order.
	previous := none
	cursor := m.active
	for cursor != none && !m.slots[cursor].expires.After(t) {
		previous = cursor
		cursor = m.slots[cursor].next
	}
	entry.next = cursor
	if previous == none {
		m.active = slot
	} else {
		m.slots[previous].next = slot
	}
	m.count++

	return makeID(entry.generation, slot), nil
}

func (m *Mux) grow() error {
	current := len(m.slots)
	if m.maxTimers > 0 && current >= m.maxTimers {
		return ErrTimerLimit
	}
	target := current + growChunk
	if m.maxTimers > 0 && target > m.maxTimers {
		target = m.maxTimers
	}
	grown := make([]timer, target)
	copy(grown, m.slots)
	m.slots = grown
	for slot := target - 1; slot >= current; slot-- {
		m.slots[slot].next = m.free
		m.free = slot
	}
	return nil
}

// Cancel removes a pending timer. It reports whether a timer was
// actually removed; cancelling a zero, fired, or already-cancelled ID
// returns false and changes nothing.
func (m *Mux) Cancel(id ID) bool {
	generation, slot, ok := splitID(id)
	if !ok || slot >= len(m.slots) {
		return false
	}
	entry := &m.slots[slot]
	if !entry.active || entry.generation != generation {
		return false
	}

	previous := none
	cursor := m.active
	for cursor != none && cursor != slot {
		previous = cursor
		cursor = m.slots[cursor].next
	}
	if cursor == none {
		// Active flag set but not on the list would be an arena bug.
		panic(fmt.Sprintf("tpoll: timer slot %d marked active but not queued", slot))
	}
	if previous == none {
		m.active = entry.next
	} else {
		m.slots[previous].next = entry.next
	}
	m.release(slot)
	return true
}

// release returns slot to the free list. The generation is left alone
// so stale IDs keep failing the generation check.
func (m *Mux) release(slot int) {
	entry := &m.slots[slot]
	entry.active = false
	entry.fn = nil
	entry.next = m.free
	m.free = slot
	m.count--
}

// RunExpired fires every timer whose expiry is at or before now, in
// order. Each timer is removed from the queue before its callback runs,
// so callbacks may schedule or cancel freely, including rescheduling
// themselves. Timers scheduled by a callback with an expiry that has
// already passed fire in the same call. It returns the number of
// callbacks run.
func (m *Mux) RunExpired() int {
	fired := 0
	for m.active != none {
		now := m.clock.Now()
		slot := m.active
		entry := &m.slots[slot]
		if entry.expires.After(now) {
			break
		}
		m.active = entry.next
		fn := entry.fn
		m.release(slot)
		fn()
		fired++
	}
	return fired
}

// Pending returns the number of queued timers.
func (m *Mux) Pending() int {
	return m.count
}

// Next returns the expiry of the soonest timer, if any.
func (m *Mux) Next() (time.Time, bool) {
	if m.active == none {
		return time.Time{}, false
	}
	return m.slots[m.active].expires, true
}

// Wait fires due timers and then blocks until a descriptor in fds is
// ready or the soonest remaining timer expires. It returns the number
// of ready descriptors, which is zero when the wait ended because a
// timer came due (the next Wait dispatches it) or when there was
// nothing left to wait for: no timers and no descriptors.
//
// Revents in fds are overwritten. Interrupted polls are retried with a
// recomputed timeout.
func (m *Mux) Wait(fds []unix.PollFd) (int, error) {
	for {
		m.RunExpired()

		if m.active == none && len(fds) == 0 {
			return 0, nil
		}

		timeout := -1
		if expires, ok := m.Next(); ok {
			timeout = timeoutMillis(expires.Sub(m.clock.Now()))
		}

		n, err := m.poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		return n, nil
	}
}

// timeoutMillis rounds d up to whole milliseconds so a wait never ends
// just short of a timer's expiry.
func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func makeID(generation uint32, slot int) ID {
	return ID(uint64(generation)<<32 | uint64(slot+1))
}

func splitID(id ID) (generation uint32, slot int, ok bool) {
	low := uint32(id)
	if low == 0 {
		return 0, 0, false
	}
	return uint32(id >> 32), int(low - 1), true
}
