// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by the console
// server and its client.
//
// Only the client handshake is CBOR: once a connect, monitor, or
// broadcast request is accepted the socket carries raw console bytes.
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so equal
// requests produce equal bytes, which keeps captured handshakes easy
// to compare in tests.
//
//	data, err := codec.Marshal(request)
//	err = codec.Unmarshal(data, &request)
//
// Types carry `cbor` struct tags. Unknown fields are ignored on decode
// so an older server accepts requests from a newer client.
package codec
