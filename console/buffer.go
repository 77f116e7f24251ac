// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import "sync"

// Buffer is an object's fixed-capacity outbound byte queue.
//
// Writes never fail and never block: when a write does not fit, the
// oldest unread bytes are discarded to make room and the buffer is
// marked as wrapped. Console output favors recency over completeness.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mutex sync.Mutex
	data  []byte
	// readPosition is the next byte to drain; count bytes starting
	// there (circularly) are unread.
	readPosition int
	count        int
	wrapped      bool
}

// NewBuffer returns an empty buffer holding up to capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		panic("console: buffer capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Write appends data and returns how many unread bytes were discarded
// to make room. When data alone exceeds the capacity, only its last
// Cap() bytes are kept.
func (buffer *Buffer) Write(data []byte) (discarded int) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	capacity := len(buffer.data)
	if len(data) > capacity {
		discarded = buffer.count + len(data) - capacity
		data = data[len(data)-capacity:]
		buffer.readPosition = 0
		buffer.count = 0
	} else if overflow := buffer.count + len(data) - capacity; overflow > 0 {
		buffer.readPosition = (buffer.readPosition + overflow) % capacity
		buffer.count -= overflow
		discarded = overflow
	}
	if discarded > 0 {
		buffer.wrapped = true
	}

	writePosition := (buffer.readPosition + buffer.count) % capacity
	for offset := 0; offset < len(data); {
		copyLength := min(len(data)-offset, capacity-writePosition)
		copy(buffer.data[writePosition:writePosition+copyLength], data[offset:offset+copyLength])
		writePosition = (writePosition + copyLength) % capacity
		offset += copyLength
	}
	buffer.count += len(data)
	return discarded
}

// Read drains up to len(p) unread bytes in FIFO order.
func (buffer *Buffer) Read(p []byte) int {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	total := 0
	for total < len(p) && buffer.count > 0 {
		chunk := buffer.chunkLocked()
		n := copy(p[total:], chunk)
		buffer.consumeLocked(n)
		total += n
	}
	return total
}

// peek returns the longest contiguous run of unread bytes starting at
// the read position, without consuming it. The slice aliases the
// buffer and is only valid until the next Write.
func (buffer *Buffer) peek() []byte {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.chunkLocked()
}

// consume discards the first n unread bytes.
func (buffer *Buffer) consume(n int) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	buffer.consumeLocked(min(n, buffer.count))
}

func (buffer *Buffer) chunkLocked() []byte {
	end := min(buffer.readPosition+buffer.count, len(buffer.data))
	return buffer.data[buffer.readPosition:end]
}

func (buffer *Buffer) consumeLocked(n int) {
	buffer.readPosition = (buffer.readPosition + n) % len(buffer.data)
	buffer.count -= n
	if buffer.count == 0 {
		buffer.readPosition = 0
	}
}

// Len returns the number of unread bytes.
func (buffer *Buffer) Len() int {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.count
}

// Free returns how many bytes can be written without discarding.
func (buffer *Buffer) Free() int {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return len(buffer.data) - buffer.count
}

// Cap returns the capacity.
func (buffer *Buffer) Cap() int {
	return len(buffer.data)
}

// Wrapped reports whether any unread bytes have ever been discarded.
func (buffer *Buffer) Wrapped() bool {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.wrapped
}
