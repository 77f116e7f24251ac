// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import "sync"

// History is a console's scrollback: the most recent output, kept
// regardless of who is attached, so a client that attaches later can be
// shown what the console printed before it arrived.
//
// Unlike Buffer, History is never drained. It tracks a monotonically
// increasing byte offset so callers can ask for "everything since
// offset N".
//
// All methods are safe for concurrent use.
type History struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next position to write within data.
	writePosition int
	// totalWritten is the number of bytes ever written. The retained
	// bytes span offsets [totalWritten - min(totalWritten, capacity),
	// totalWritten).
	totalWritten uint64
}

// NewHistory returns a scrollback of capacity bytes, or nil when
// capacity is not positive. A nil *History accepts writes and returns
// nothing.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		return nil
	}
	return &History{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest retained bytes.
func (history *History) Write(data []byte) {
	if history == nil {
		return
	}
	history.mutex.Lock()
	defer history.mutex.Unlock()

	source := data
	if len(source) > history.capacity {
		history.writePosition = (history.writePosition + len(source) - history.capacity) % history.capacity
		source = source[len(source)-history.capacity:]
	}
	for offset := 0; offset < len(source); {
		copyLength := min(len(source)-offset, history.capacity-history.writePosition)
		copy(history.data[history.writePosition:history.writePosition+copyLength], source[offset:offset+copyLength])
		history.writePosition = (history.writePosition + copyLength) % history.capacity
		offset += copyLength
	}
	history.totalWritten += uint64(len(data))
}

// ReadFrom returns the retained bytes written at or after offset. An
// offset older than the oldest retained byte returns everything
// retained.
func (history *History) ReadFrom(offset uint64) []byte {
	if history == nil {
		return nil
	}
	history.mutex.Lock()
	defer history.mutex.Unlock()

	if offset >= history.totalWritten {
		return nil
	}
	storedLength := min(history.totalWritten, uint64(history.capacity))
	oldestOffset := history.totalWritten - storedLength
	readOffset := max(offset, oldestOffset)
	bytesToRead := int(history.totalWritten - readOffset)

	result := make([]byte, bytesToRead)
	readPosition := (history.writePosition - bytesToRead + history.capacity) % history.capacity
	for copied := 0; copied < bytesToRead; {
		copyLength := min(bytesToRead-copied, history.capacity-readPosition)
		copy(result[copied:copied+copyLength], history.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % history.capacity
		copied += copyLength
	}
	return result
}

// Offset returns the total number of bytes ever written.
func (history *History) Offset() uint64 {
	if history == nil {
		return 0
	}
	history.mutex.Lock()
	defer history.mutex.Unlock()
	return history.totalWritten
}
