// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper for conmand and conman:
// reporting a fatal error to stderr before or after the structured
// logger exists, then exiting.
package process
