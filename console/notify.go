// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"fmt"
	"log/slog"
)

// severity orders operational notifications. Notice sits between info
// and warning; slog has no such level, so notices log at info with a
// priority attribute.
type severity int

const (
	severityInfo severity = iota
	severityNotice
	severityWarning
	severityError
)

// Notification lines are framed so they stand out inline with console
// output.
const (
	notifyPrefix = "\r\n<ConMan> "
	notifySuffix = ".\r\n"
)

// notify logs an operational event for console and injects it into the
// console's output so attached clients and the logfile see it inline.
func (s *Server) notify(console *Object, level severity, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	s.log(level, message, "console", console.name)
	s.inject(console, []byte(notifyPrefix+message+notifySuffix))
}

func (s *Server) log(level severity, message string, attributes ...any) {
	switch level {
	case severityNotice:
		attributes = append(attributes, "priority", "notice")
		s.logger.Log(context.Background(), slog.LevelInfo, message, attributes...)
	case severityWarning:
		s.logger.Warn(message, attributes...)
	case severityError:
		s.logger.Error(message, attributes...)
	default:
		s.logger.Info(message, attributes...)
	}
}

// inject pushes data into the stream as if object had produced it: a
// console's data goes to its readers and scrollback, anything else's
// into its own outbound buffer.
func (s *Server) inject(object *Object, data []byte) {
	if object.Kind().IsConsole() {
		s.deliver(object, data)
		return
	}
	object.buf.Write(data)
}
