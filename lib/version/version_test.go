// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInfoIncludesVersionAndCommit(t *testing.T) {
	info := Info()
	if !strings.HasPrefix(info, Version+" (") {
		t.Errorf("Info() = %q, want prefix %q", info, Version+" (")
	}
	if !strings.Contains(info, GitCommit) {
		t.Errorf("Info() = %q, want it to contain commit %q", info, GitCommit)
	}
}

func TestPrint(t *testing.T) {
	var output bytes.Buffer
	Print(&output, "conmand")
	got := output.String()
	if !strings.HasPrefix(got, "conmand "+Info()+"\n") {
		t.Errorf("Print output = %q, want prefix %q", got, "conmand "+Info())
	}
	if !strings.Contains(got, "  Go: ") {
		t.Errorf("Print output = %q, want Go version line", got)
	}
}

func TestAttrGroup(t *testing.T) {
	var output bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&output, nil))
	logger.Info("starting", Attr())
	line := output.String()
	for _, want := range []string{"build.version=" + Version, "build.commit=" + GitCommit, "build.dirty=false"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}
