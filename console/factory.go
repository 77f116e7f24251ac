// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/bureau-foundation/conman/lib/config"
	"github.com/bureau-foundation/conman/lib/ipmiconsole"
)

// ipmiDevicePrefix marks an IPMI console's dev string.
const ipmiDevicePrefix = "ipmi:"

// checkDuplicate rejects a console whose name, or whose backend
// address as selected by sameAddress, is already registered.
func (s *Server) checkDuplicate(name string, sameAddress func(*Object) bool, address string) error {
	if name == "" {
		return errors.New("console name is empty")
	}
	if s.registry.FindConsole(name) != nil {
		return fmt.Errorf("console [%s]: %w", name, ErrDuplicateName)
	}
	if sameAddress == nil {
		return nil
	}
	if other := s.registry.Find(sameAddress); other != nil {
		return fmt.Errorf("console [%s]: %w %q (used by console [%s])", name, ErrDuplicateAddress, address, other.name)
	}
	return nil
}

// CreateConsole creates the console described by entry and its
// logfile, if one is configured. Empty option fields take the global
// defaults. The dev string selects the backend:
//
//	ipmi:<host>        IPMI serial-over-LAN
//	|<command> [args]  process
//	/path [args]       process if it has arguments or is executable,
//	                   otherwise a serial device
//	<host>:<port>      telnet
//
// Empty ipmiopts take the global ipmiopts; with neither set an IPMI
// console is rejected. A logfile that cannot be created is logged;
// the console is kept.
func (s *Server) CreateConsole(entry config.ConsoleConfig) (*Object, error) {
	ipmiOptions := entry.IPMIOpts
	entry = s.config.Resolved(entry)
	dev := strings.TrimSpace(entry.Dev)

	var logOptions LogOptions
	if entry.Log != "" {
		var err error
		if logOptions, err = ParseLogOptions(entry.LogOpts, LogOptions{}); err != nil {
			return nil, fmt.Errorf("console [%s]: %w", entry.Name, err)
		}
	}

	var (
		object *Object
		err    error
	)
	switch {
	case strings.HasPrefix(dev, ipmiDevicePrefix):
		var credentials ipmiconsole.IPMIConfig
		credentials, err = ParseIPMIOptions(ipmiOptions, s.ipmiDefaults)
		if err != nil {
			return nil, fmt.Errorf("console [%s]: %w", entry.Name, err)
		}
		object, err = s.CreateIPMIConsole(entry.Name, strings.TrimPrefix(dev, ipmiDevicePrefix), credentials)

	case strings.HasPrefix(dev, "|"):
		object, err = s.CreateProcessConsole(entry.Name, strings.Fields(dev[1:]))

	case strings.HasPrefix(dev, "/"):
		fields := strings.Fields(dev)
		if len(fields) > 1 || isExecutable(fields[0]) {
			object, err = s.CreateProcessConsole(entry.Name, fields)
			break
		}
		var options SerialOptions
		options, err = ParseSerialOptions(entry.SerOpts, DefaultSerialOptions)
		if err != nil {
			return nil, fmt.Errorf("console [%s]: %w", entry.Name, err)
		}
		object, err = s.CreateSerialConsole(entry.Name, fields[0], options)

	default:
		host, portText, splitErr := net.SplitHostPort(dev)
		if splitErr != nil {
			return nil, fmt.Errorf("console [%s]: unrecognized dev %q", entry.Name, dev)
		}
		port, portErr := strconv.Atoi(portText)
		if portErr != nil {
			if port, portErr = net.LookupPort("tcp", portText); portErr != nil {
				return nil, fmt.Errorf("console [%s]: bad telnet port %q", entry.Name, portText)
			}
		}
		object, err = s.CreateTelnetConsole(entry.Name, host, port)
	}
	if err != nil {
		return nil, err
	}

	if entry.Log != "" {
		if _, err := s.CreateLogfile(object, entry.Log, logOptions); err != nil {
			s.logger.Warn("console logfile not created", "console", object.name, "error", err)
		}
	}
	s.logger.Debug("console created", "console", object.name, "kind", object.Kind().String(), "dev", dev)
	return object, nil
}

func isExecutable(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// LoadConsoles creates every configured console. A console that
// cannot be created is logged and skipped; the joined errors are
// returned.
func (s *Server) LoadConsoles() error {
	var errs []error
	for _, entry := range s.config.Consoles {
		if _, err := s.CreateConsole(entry); err != nil {
			s.logger.Error("console skipped", "console", entry.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenConsole (re)opens a console's backend. ErrNotConnected means
// the connection completes asynchronously.
func (s *Server) OpenConsole(object *Object) error {
	switch object.aux.(type) {
	case *ipmiAux:
		return s.OpenIPMI(object)
	case *telnetAux:
		return s.OpenTelnet(object)
	case *serialAux:
		return s.openSerial(object)
	case *processAux:
		return s.openProcess(object)
	}
	return fmt.Errorf("%s is not a console", object)
}

// openConsoles starts the IPMI engine sized for the registered IPMI
// consoles and opens every console.
func (s *Server) openConsoles() {
	s.engine.Init(s.registry.IPMICount())
	for _, console := range s.registry.Consoles() {
		err := s.OpenConsole(console)
		if err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Warn("unable to open console", "console", console.name, "error", err)
		}
	}
}

// SendBreak sends a serial break to a console.
func (s *Server) SendBreak(object *Object) error {
	switch aux := object.aux.(type) {
	case *ipmiAux:
		if aux.ctx == nil {
			return fmt.Errorf("console [%s]: %w", object.name, ErrNoContext)
		}
		return sendIPMIBreak(object)
	case *telnetAux:
		return sendTelnetBreak(object)
	case *serialAux:
		return sendSerialBreak(object)
	case *processAux:
		return sendProcessBreak(object)
	}
	return fmt.Errorf("%s is not a console", object)
}
