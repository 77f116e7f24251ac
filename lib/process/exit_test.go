// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"testing"
)

func TestReport(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	report(&buffer, "conmand", errors.New("listen tcp: address in use"))
	if got, want := buffer.String(), "conmand: error: listen tcp: address in use\n"; got != want {
		t.Fatalf("report wrote %q, want %q", got, want)
	}
}
