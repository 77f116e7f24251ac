// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"path"
	"time"

	"golang.org/x/sys/unix"
)

// Mode is how a client is attached.
type Mode int

const (
	// ModeReadWrite reads and writes one console.
	ModeReadWrite Mode = iota
	// ModeReadOnly reads one console.
	ModeReadOnly
	// ModeWriteOnly writes to one or more consoles (broadcast).
	ModeWriteOnly
)

func (m Mode) String() string {
	switch m {
	case ModeReadWrite:
		return "read-write"
	case ModeReadOnly:
		return "read-only"
	case ModeWriteOnly:
		return "write-only"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type clientAux struct {
	mode     Mode
	user     string
	session  string
	lastRead time.Time
}

func (*clientAux) kind() Kind { return KindClient }

// attachClient writes the handshake response to fd, then creates a
// client object for it, links it to consoles according to mode, and
// queues the read console's scrollback. The object owns fd from here
// on; on error fd still belongs to the caller.
func (s *Server) attachClient(fd int, mode Mode, user, remote, session string, consoles []*Object, greeting []byte) (*Object, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting client descriptor nonblocking: %w", err)
	}
	if err := writeGreeting(fd, greeting); err != nil {
		return nil, err
	}
	aux := &clientAux{
		mode:     mode,
		user:     user,
		session:  session,
		lastRead: s.mux.Now(),
	}
	client := newObject(fmt.Sprintf("%s@%s", user, remote), fd, s.bufferSize, aux)
	s.registry.add(client)

	switch mode {
	case ModeReadWrite:
		Link(consoles[0], client)
		Link(client, consoles[0])
	case ModeReadOnly:
		Link(consoles[0], client)
	case ModeWriteOnly:
		for _, console := range consoles {
			Link(client, console)
		}
	}
	if mode != ModeWriteOnly {
		replay := consoles[0].history.ReadFrom(0)
		if free := client.buf.Free(); len(replay) > free {
			replay = replay[len(replay)-free:]
		}
		client.buf.Write(replay)
	}

	s.logger.Info("client attached",
		"client", client.name,
		"session", session,
		"mode", mode.String(),
		"consoles", objectNames(consoles),
	)
	return client, nil
}

// writeGreeting sends the handshake response ahead of any console
// bytes. It never goes through the client's buffer, where a burst of
// output could wrap over it. The socket is fresh, so a short write
// means the peer is not a well-behaved client.
func writeGreeting(fd int, greeting []byte) error {
	for len(greeting) > 0 {
		n, err := unix.Write(fd, greeting)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("writing handshake response: client socket full")
		}
		if err != nil {
			return fmt.Errorf("writing handshake response: %w", err)
		}
		greeting = greeting[n:]
	}
	return nil
}

// matchConsoles resolves names against the registry. Each name may be a
// glob; a name matching nothing is an error. Duplicates are removed.
func (s *Server) matchConsoles(patterns []string) ([]*Object, error) {
	if len(patterns) == 0 {
		return s.registry.Consoles(), nil
	}
	var matched []*Object
	seen := make(map[*Object]bool)
	for _, pattern := range patterns {
		found := false
		for _, console := range s.registry.Consoles() {
			ok, err := path.Match(pattern, console.name)
			if err != nil {
				return nil, fmt.Errorf("bad console pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
			found = true
			if !seen[console] {
				seen[console] = true
				matched = append(matched, console)
			}
		}
		if !found {
			return nil, fmt.Errorf("console [%s] not found", pattern)
		}
	}
	return matched, nil
}

func objectNames(objects []*Object) []string {
	names := make([]string, len(objects))
	for i, object := range objects {
		names[i] = object.name
	}
	return names
}
