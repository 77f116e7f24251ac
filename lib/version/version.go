// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
)

// Set with -ldflags -X at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Dirty reports whether the binary was built from a tree with
// uncommitted changes.
func Dirty() bool {
	return GitDirty == "true"
}

// Info returns "VERSION (COMMIT[-dirty], BUILDTIME)".
func Info() string {
	commit := GitCommit
	if Dirty() {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Print writes the --version output for program to w: the Info line
// followed by the Go toolchain and platform.
func Print(w io.Writer, program string) {
	fmt.Fprintf(w, "%s %s\n  Go: %s\n  Platform: %s/%s\n",
		program, Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Attr returns the build information as a "build" log group, for the
// startup record conmand writes so that support logs identify the
// binary.
func Attr() slog.Attr {
	return slog.Group("build",
		"version", Version,
		"commit", GitCommit,
		"dirty", Dirty(),
		"built", BuildTime,
		"go", runtime.Version(),
	)
}
