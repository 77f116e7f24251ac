// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sys/unix"
)

// LogOptions are a console log's processing options.
type LogOptions struct {
	// Sanitize strips terminal escape sequences and folds remaining
	// control characters into caret notation.
	Sanitize bool

	// Timestamp prefixes each line with the time it began.
	Timestamp bool
}

// ParseLogOptions parses a comma-separated list of "sanitize",
// "nosanitize", "timestamp", and "notimestamp" over defaults.
func ParseLogOptions(text string, defaults LogOptions) (LogOptions, error) {
	options := defaults
	for _, field := range strings.Split(text, ",") {
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "":
		case "sanitize":
			options.Sanitize = true
		case "nosanitize":
			options.Sanitize = false
		case "timestamp":
			options.Timestamp = true
		case "notimestamp":
			options.Timestamp = false
		default:
			return LogOptions{}, fmt.Errorf("logopt %q is not recognized", strings.TrimSpace(field))
		}
	}
	return options, nil
}

// lineState tracks where in a CR/LF-terminated line the log is, so
// timestamps land only at the start of lines.
type lineState int

const (
	lineInit lineState = iota
	lineData
	lineCR
	lineLF
)

const timestampLayout = "2006-01-02 15:04:05 "

type logfileAux struct {
	console   *Object
	format    string
	options   LogOptions
	lineState lineState
}

func (*logfileAux) kind() Kind { return KindLogfile }

// process applies the logfile's options to console output.
func (aux *logfileAux) process(data []byte, now time.Time) []byte {
	if !aux.options.Sanitize && !aux.options.Timestamp {
		return data
	}
	if aux.options.Sanitize {
		data = sanitize(data)
	}
	if !aux.options.Timestamp {
		return data
	}

	output := make([]byte, 0, len(data)+len(timestampLayout))
	for _, b := range data {
		switch b {
		case '\r':
			aux.lineState = lineCR
		case '\n':
			aux.lineState = lineLF
		default:
			if aux.lineState == lineInit || aux.lineState == lineLF {
				output = now.AppendFormat(output, timestampLayout)
			}
			aux.lineState = lineData
		}
		output = append(output, b)
	}
	return output
}

// sanitize removes escape sequences and renders the remaining control
// characters, other than tab, CR, and LF, as ^X.
func sanitize(data []byte) []byte {
	stripped := ansi.Strip(string(data))
	output := make([]byte, 0, len(stripped))
	for i := 0; i < len(stripped); i++ {
		b := stripped[i]
		switch {
		case b == '\t' || b == '\r' || b == '\n':
			output = append(output, b)
		case b < 0x20:
			output = append(output, '^', b+'@')
		case b == 0x7f:
			output = append(output, '^', '?')
		default:
			output = append(output, b)
		}
	}
	return output
}

// logPath expands '&' to the console name and resolves relative names
// under the configured log directory.
func (s *Server) logPath(format, consoleName string) string {
	name := strings.ReplaceAll(format, "&", consoleName)
	if !filepath.IsAbs(name) {
		name = filepath.Join(s.config.Server.LogDir, name)
	}
	return filepath.Clean(name)
}

// CreateLogfile creates the logfile object for console and links it
// as the console's logfile reader. format may contain '&'.
func (s *Server) CreateLogfile(console *Object, format string, options LogOptions) (*Object, error) {
	if !console.Kind().IsConsole() {
		return nil, fmt.Errorf("logfile for %s: not a console", console)
	}
	path := s.logPath(format, console.name)
	if other := s.registry.Find(func(object *Object) bool {
		return object.Kind() == KindLogfile && object.name == path
	}); other != nil {
		return nil, fmt.Errorf("console [%s]: logfile %q already used by console [%s]", console.name, path, other.aux.(*logfileAux).console.name)
	}

	aux := &logfileAux{console: console, format: format, options: options}
	logfile := newObject(path, -1, s.bufferSize, aux)
	if err := s.openLogfile(logfile, s.config.Server.ZeroLogs); err != nil {
		return nil, err
	}
	s.registry.add(logfile)
	Link(console, logfile)
	return logfile, nil
}

func (s *Server) openLogfile(logfile *Object, truncate bool) error {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND | unix.O_NONBLOCK | unix.O_CLOEXEC
	if truncate {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Open(logfile.name, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening logfile %q: %w", logfile.name, err)
	}
	logfile.closeFD()
	logfile.fd = fd
	logfile.gotEOF = false

	aux := logfile.aux.(*logfileAux)
	aux.lineState = lineInit
	logfile.buf.Write([]byte(fmt.Sprintf("%sConsole [%s] log opened at %s%s",
		notifyPrefix, aux.console.name, s.clock.Now().Format(time.DateTime), notifySuffix)))
	return nil
}

// reopenLogfiles closes and reopens every logfile without truncation,
// for use after external log rotation.
func (s *Server) reopenLogfiles() {
	for _, object := range s.registry.Objects() {
		if object.Kind() != KindLogfile {
			continue
		}
		s.writeToObject(object)
		if err := s.openLogfile(object, false); err != nil {
			s.logger.Warn("unable to reopen logfile", "logfile", object.name, "error", err)
		}
	}
	s.logger.Info("reopened console logs")
}

// scheduleLogTimestamp arms the periodic "log at" line for the next
// multiple of interval.
func (s *Server) scheduleLogTimestamp(interval time.Duration) {
	next := s.mux.Now().Truncate(interval).Add(interval)
	id, err := s.mux.ScheduleAt(next, func() {
		s.logTimer = 0
		s.writeLogTimestamps()
		s.scheduleLogTimestamp(interval)
	})
	if err != nil {
		s.logger.Warn("unable to schedule log timestamp", "error", err)
		s.later(func() { s.scheduleLogTimestamp(interval) })
		return
	}
	s.logTimer = id
}

func (s *Server) writeLogTimestamps() {
	now := s.clock.Now().Format(time.DateTime)
	for _, object := range s.registry.Objects() {
		aux, ok := object.aux.(*logfileAux)
		if !ok || object.fd < 0 {
			continue
		}
		object.buf.Write([]byte(fmt.Sprintf("%sConsole [%s] log at %s%s",
			notifyPrefix, aux.console.name, now, notifySuffix)))
		aux.lineState = lineLF
	}
}
