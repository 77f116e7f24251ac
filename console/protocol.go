// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/conman/lib/codec"
)

// Message type constants for the client handshake. Each message is a
// 5-byte header (1 byte type + 4 byte big-endian payload length)
// followed by a CBOR payload. After a successful connect, monitor, or
// broadcast response the connection carries raw console bytes with no
// further framing.
const (
	// MessageTypeRequest carries a Request. Client to server, once.
	MessageTypeRequest byte = 0x01

	// MessageTypeResponse carries a Response. Server to client, once.
	MessageTypeResponse byte = 0x02
)

const messageHeaderLength = 5

// maxPayloadLength bounds a handshake payload. A query of every
// console on a large cluster stays far below it.
const maxPayloadLength = 16 * 1024 * 1024

// Message is a single handshake message.
type Message struct {
	Type    byte
	Payload []byte
}

// WriteMessage writes a framed message to w.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > maxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(message.Payload), maxPayloadLength)
	}
	frame := make([]byte, messageHeaderLength+len(message.Payload))
	frame[0] = message.Type
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(message.Payload)))
	copy(frame[messageHeaderLength:], message.Payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads a framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("read message header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Message{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read message payload: %w", err)
	}
	return Message{Type: header[0], Payload: payload}, nil
}

// Op is a client request's operation.
type Op string

const (
	// OpConnect attaches read-write to one console.
	OpConnect Op = "connect"
	// OpMonitor attaches read-only to one console.
	OpMonitor Op = "monitor"
	// OpBroadcast attaches write-only to one or more consoles.
	OpBroadcast Op = "broadcast"
	// OpQuery lists consoles matching the patterns (all if none).
	OpQuery Op = "query"
	// OpBreak sends a serial break to each matching console.
	OpBreak Op = "break"
	// OpReset runs the configured reset command for each matching
	// console.
	OpReset Op = "reset"
)

// attaches reports whether a successful response switches the
// connection to the raw console stream.
func (op Op) attaches() bool {
	return op == OpConnect || op == OpMonitor || op == OpBroadcast
}

// Request is the client's handshake.
type Request struct {
	Op Op `cbor:"op"`

	// Consoles are console names or glob patterns.
	Consoles []string `cbor:"consoles,omitempty"`

	// User is the client's claimed user name, used in logs and client
	// object names.
	User string `cbor:"user,omitempty"`
}

// ConsoleStatus describes one console in a Response.
type ConsoleStatus struct {
	Name string `cbor:"name"`
	Kind Kind   `cbor:"kind"`

	// State is "up", "down", or "pending".
	State string `cbor:"state"`

	// Output is the total number of bytes the console has produced.
	Output uint64 `cbor:"output"`
}

// Response is the server's handshake reply. On failure the server
// closes the connection after sending it.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// Session identifies this connection in the server's logs.
	Session string `cbor:"session,omitempty"`

	// Consoles are the consoles the request resolved to.
	Consoles []ConsoleStatus `cbor:"consoles,omitempty"`
}

// WriteRequest encodes and frames request.
func WriteRequest(w io.Writer, request Request) error {
	payload, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return WriteMessage(w, Message{Type: MessageTypeRequest, Payload: payload})
}

// ReadRequest reads and decodes a request.
func ReadRequest(r io.Reader) (Request, error) {
	var request Request
	if err := readTyped(r, MessageTypeRequest, &request); err != nil {
		return Request{}, err
	}
	return request, nil
}

// WriteResponse encodes and frames response.
func WriteResponse(w io.Writer, response Response) error {
	frame, err := encodeResponse(response)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadResponse reads and decodes a response.
func ReadResponse(r io.Reader) (Response, error) {
	var response Response
	if err := readTyped(r, MessageTypeResponse, &response); err != nil {
		return Response{}, err
	}
	return response, nil
}

// encodeResponse returns the complete framed response. The server
// queues it as a client's first output.
func encodeResponse(response Response) ([]byte, error) {
	payload, err := codec.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	frame := make([]byte, messageHeaderLength+len(payload))
	frame[0] = MessageTypeResponse
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[messageHeaderLength:], payload)
	return frame, nil
}

func readTyped(r io.Reader, messageType byte, v any) error {
	message, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if message.Type != messageType {
		return fmt.Errorf("unexpected message type 0x%02x, want 0x%02x", message.Type, messageType)
	}
	if err := codec.Unmarshal(message.Payload, v); err != nil {
		diagnostic, _ := codec.Diagnose(message.Payload)
		return fmt.Errorf("decoding message 0x%02x %s: %w", messageType, diagnostic, err)
	}
	return nil
}
