// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/tpoll"
)

const (
	// ProcessMaxCount is how many quick exits in a row are tolerated
	// before restarts are throttled.
	ProcessMaxCount = 3

	// ProcessMinTimeout is both the run time below which an exit
	// counts as quick and the throttled restart delay.
	ProcessMinTimeout = 60 * time.Second
)

type processAux struct {
	argv []string

	// count is the number of starts within ProcessMinTimeout of each
	// other.
	count   int
	started time.Time
	cmd     *exec.Cmd
	timer   tpoll.ID
}

func (*processAux) kind() Kind { return KindProcess }

// CreateProcessConsole adds a console whose data is the terminal of
// a child process.
func (s *Server) CreateProcessConsole(name string, argv []string) (*Object, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("console [%s]: process command is empty", name)
	}
	if err := s.checkDuplicate(name, nil, ""); err != nil {
		return nil, err
	}
	aux := &processAux{argv: append([]string(nil), argv...)}
	object := newObject(name, -1, s.bufferSize, aux)
	object.history = NewHistory(s.historySize)
	s.registry.add(object)
	return object, nil
}

// openProcess (re)starts the console's program on a fresh PTY. A
// program that keeps exiting right after it starts is restarted only
// after ProcessMinTimeout.
func (s *Server) openProcess(object *Object) error {
	aux := object.aux.(*processAux)
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	if object.fd >= 0 || aux.cmd != nil {
		s.disconnectProcess(object)
	}

	now := s.clock.Now()
	if now.Sub(aux.started) >= ProcessMinTimeout {
		aux.count = 0
	}
	if aux.count >= ProcessMaxCount {
		aux.count = 0
		s.log(severityWarning,
			fmt.Sprintf("Console [%s] process is exiting too quickly; restart delayed %d seconds", object.name, int(ProcessMinTimeout.Seconds())),
			"console", object.name)
		s.armProcess(object, aux, ProcessMinTimeout)
		return nil
	}
	aux.count++
	aux.started = now

	cmd := exec.Command(aux.argv[0], aux.argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=vt100")
	terminal, err := pty.Start(cmd)
	if err != nil {
		s.log(severityWarning, fmt.Sprintf("Unable to start \"%s\" for [%s]: %v", aux.argv[0], object.name, err),
			"console", object.name)
		s.armProcess(object, aux, ProcessMinTimeout)
		return fmt.Errorf("console [%s]: starting %q: %w", object.name, aux.argv[0], err)
	}
	fd, err := takeFD(terminal)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		s.armProcess(object, aux, ProcessMinTimeout)
		return fmt.Errorf("console [%s]: %w", object.name, err)
	}

	aux.cmd = cmd
	object.fd = fd
	object.gotEOF = false
	go s.reapProcess(object, aux, cmd)

	s.notify(object, severityInfo, "Console [%s] connected to \"%s\"", object.name, strings.Join(aux.argv, " "))
	return nil
}

// takeFD returns a nonblocking duplicate of file's descriptor and
// closes file. The duplicate is the event loop's to poll and close.
func takeFD(file *os.File) (int, error) {
	defer file.Close()
	raw, err := file.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("accessing terminal descriptor: %w", err)
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(descriptor uintptr) {
		fd, dupErr = unix.FcntlInt(descriptor, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, fmt.Errorf("accessing terminal descriptor: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("duplicating terminal descriptor: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setting terminal nonblocking: %w", err)
	}
	return fd, nil
}

// reapProcess waits for the child and reports its exit to the loop.
// The loop learns of the exit from EOF on the terminal; this only
// releases the process handle.
func (s *Server) reapProcess(object *Object, aux *processAux, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.post(func() {
		if aux.cmd == cmd {
			aux.cmd = nil
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.logger.Warn("waiting for console process", "console", object.name, "error", err)
			return
		}
		s.logger.Debug("console process exited", "console", object.name, "state", cmd.ProcessState.String())
	})
}

// disconnectProcess closes the terminal and kills the child if it is
// still running.
func (s *Server) disconnectProcess(object *Object) {
	aux := object.aux.(*processAux)
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	wasConnected := object.fd >= 0
	object.closeFD()
	if aux.cmd != nil {
		if err := aux.cmd.Process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("unable to kill console process", "console", object.name, "error", err)
		}
		aux.cmd = nil
	}
	if wasConnected {
		s.notify(object, severityNotice, "Console [%s] disconnected from \"%s\"", object.name, strings.Join(aux.argv, " "))
	}
}

func (s *Server) armProcess(object *Object, aux *processAux, d time.Duration) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	id, err := s.mux.Schedule(d, func() {
		aux.timer = 0
		if err := s.openProcess(object); err != nil {
			s.logger.Warn("unable to restart console process", "console", object.name, "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("unable to schedule process restart", "console", object.name, "error", err)
		s.later(func() {
			if !object.destroyed && aux.timer == 0 {
				s.armProcess(object, aux, d)
			}
		})
		return
	}
	aux.timer = id
}

// sendProcessBreak sends a break through the terminal's line
// discipline.
func sendProcessBreak(object *Object) error {
	if object.fd < 0 {
		return fmt.Errorf("console [%s] is not connected", object.name)
	}
	if err := unix.IoctlSetInt(object.fd, unix.TCSBRK, 0); err != nil {
		return fmt.Errorf("console [%s]: sending break: %w", object.name, err)
	}
	return nil
}
