// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bureau-foundation/conman/console"
)

func TestPrintStatusesPlainWhenPiped(t *testing.T) {
	t.Parallel()
	var output bytes.Buffer
	printStatuses(&output, []console.ConsoleStatus{
		{Name: "node1", Kind: console.KindIPMI, State: "up", Output: 12},
		{Name: "node10", Kind: console.KindSerial, State: "down"},
	})

	lines := strings.Split(strings.TrimRight(output.String(), "\n"), "\n")
	want := []string{
		"CONSOLE  KIND    OUTPUT  STATE",
		"node1    ipmi    12      up",
		"node10   serial  0       down",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), output.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if strings.Contains(output.String(), "\x1b[") {
		t.Errorf("piped output contains escape sequences: %q", output.String())
	}
}

func TestPrintStatusesEmpty(t *testing.T) {
	t.Parallel()
	var output bytes.Buffer
	printStatuses(&output, nil)
	if output.Len() != 0 {
		t.Errorf("empty status list wrote %q", output.String())
	}
}

func TestSelectOp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                                        string
		monitor, broadcast, query, sendBreak, reset bool
		want                                        console.Op
		wantErr                                     bool
	}{
		{name: "default connect", want: console.OpConnect},
		{name: "monitor", monitor: true, want: console.OpMonitor},
		{name: "query", query: true, want: console.OpQuery},
		{name: "reset", reset: true, want: console.OpReset},
		{name: "conflict", monitor: true, broadcast: true, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := selectOp(test.monitor, test.broadcast, test.query, test.sendBreak, test.reset)
			if test.wantErr {
				if err == nil {
					t.Fatalf("selectOp succeeded with %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectOp: %v", err)
			}
			if got != test.want {
				t.Errorf("selectOp = %q, want %q", got, test.want)
			}
		})
	}
}
