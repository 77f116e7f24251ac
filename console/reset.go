// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ResetCmdTimeout bounds a reset command's run time.
const ResetCmdTimeout = 60 * time.Second

// resetConsole runs the configured reset command for console with '&'
// replaced by the console name. The command runs in the background;
// the console's reset flag is set until it finishes.
func (s *Server) resetConsole(console *Object, user string) error {
	template := s.config.Server.ResetCommand
	if template == "" {
		return fmt.Errorf("console [%s]: no reset command configured", console.name)
	}
	if console.gotReset {
		return fmt.Errorf("console [%s]: reset already in progress", console.name)
	}
	command := strings.ReplaceAll(template, "&", console.name)
	console.gotReset = true
	s.notify(console, severityInfo, "Console [%s] reset by <%s>", console.name, user)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ResetCmdTimeout)
		defer cancel()
		output, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
		s.post(func() {
			console.gotReset = false
			if err != nil {
				s.logger.Warn("reset command failed",
					"console", console.name,
					"command", command,
					"error", err,
					"output", strings.TrimSpace(string(output)),
				)
				return
			}
			s.logger.Info("reset command finished", "console", console.name)
		})
	}()
	return nil
}
