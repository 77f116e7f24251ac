// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared by the module's tests:
// bounded channel waits, nonblocking descriptor pairs that are closed
// by t.Cleanup, and stand-in executables for backends that spawn
// programs.
//
// Channel helpers take a timeout and fail the test instead of hanging
// when the expected event never happens.
package testutil
