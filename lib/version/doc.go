// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports how a conman binary was built. The
// variables are injected with -ldflags -X and keep their development
// defaults in test runs:
//
//	go build -ldflags "-X github.com/bureau-foundation/conman/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
