// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import "fmt"

// Kind discriminates an Object's auxiliary state.
type Kind int

const (
	KindClient Kind = iota
	KindLogfile
	KindProcess
	KindSerial
	KindIPMI
	KindTelnet
)

var kindNames = [...]string{
	KindClient:  "client",
	KindLogfile: "logfile",
	KindProcess: "process",
	KindSerial:  "serial",
	KindIPMI:    "ipmi",
	KindTelnet:  "telnet",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsConsole reports whether k is one of the console backends.
func (k Kind) IsConsole() bool {
	switch k {
	case KindProcess, KindSerial, KindIPMI, KindTelnet:
		return true
	}
	return false
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("unknown object kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for candidate, name := range kindNames {
		if name == string(text) {
			*k = Kind(candidate)
			return nil
		}
	}
	return fmt.Errorf("unknown object kind %q", text)
}

// auxState is the per-kind state of an Object. The set of
// implementations is closed.
type auxState interface {
	kind() Kind
}

// Object is a node in the link graph: a console, a client, or a
// logfile.
type Object struct {
	name string
	fd   int
	buf  *Buffer

	// readers receive the bytes read from this object's descriptor.
	readers []*Object
	// writers are the objects whose bytes land in this object's buffer.
	writers []*Object

	aux auxState

	// history is the scrollback replayed to newly attached clients.
	// Consoles only.
	history *History

	// output counts the bytes this object has produced.
	output uint64

	gotEOF    bool
	gotReset  bool
	destroyed bool
}

func newObject(name string, fd int, bufferSize int, aux auxState) *Object {
	return &Object{
		name: name,
		fd:   fd,
		buf:  NewBuffer(bufferSize),
		aux:  aux,
	}
}

// Name returns the object's name: the console name, the logfile path,
// or the client's user@address.
func (o *Object) Name() string { return o.name }

// Kind returns the object's kind.
func (o *Object) Kind() Kind { return o.aux.kind() }

// FD returns the object's descriptor, or -1 when it has none.
func (o *Object) FD() int { return o.fd }

// Buffer returns the object's outbound buffer.
func (o *Object) Buffer() *Buffer { return o.buf }

// Readers returns a copy of the reader set.
func (o *Object) Readers() []*Object { return append([]*Object(nil), o.readers...) }

// Writers returns a copy of the writer set.
func (o *Object) Writers() []*Object { return append([]*Object(nil), o.writers...) }

// GotEOF reports whether end-of-file was seen on the descriptor since
// it was last (re)opened.
func (o *Object) GotEOF() bool { return o.gotEOF }

// Output returns the number of bytes read from the object, plus any
// notifications injected into a console's stream.
func (o *Object) Output() uint64 { return o.output }

// GotReset reports whether a reset command is running for the console.
func (o *Object) GotReset() bool { return o.gotReset }

func (o *Object) String() string {
	return fmt.Sprintf("%s [%s]", o.Kind(), o.name)
}

// closeFD closes the descriptor if there is one.
func (o *Object) closeFD() {
	if o.fd >= 0 {
		closeQuietly(o.fd)
		o.fd = -1
	}
}

// connected reports whether the object's descriptor carries data in
// both directions and may be polled for reading and writing.
func (o *Object) connected() bool {
	if o.fd < 0 || o.destroyed {
		return false
	}
	switch aux := o.aux.(type) {
	case *ipmiAux:
		return aux.state == IPMIUp
	case *telnetAux:
		return aux.state == TelnetUp
	}
	return true
}
