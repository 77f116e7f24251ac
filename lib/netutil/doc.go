// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds the small socket helpers shared by the console
// server and the conman client: recognizing ordinary connection
// teardown, and pumping a terminal through a client connection.
package netutil
