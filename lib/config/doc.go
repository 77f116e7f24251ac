// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the console server's YAML configuration.
//
// Configuration comes from a single file named either by the
// CONMAN_CONFIG environment variable (via [Load]) or by a --config flag
// (via [LoadFile]). There is no search path and no ~/.config discovery.
//
// The file has three sections:
//
//	server:
//	  listen: 127.0.0.1:7890
//	  log_dir: /var/log/conman
//	  reset_command: "powerman -r &"
//	  timestamp_interval: 1h
//	global:
//	  log: console.&
//	  seropts: 115200,8n1
//	  ipmiopts: admin,secret
//	consoles:
//	  - name: node1
//	    dev: ipmi:node1-bmc
//	  - name: node2
//	    dev: /dev/ttyS1
//	    seropts: 9600,8n1
//
// Per-console option strings are carried as text; their grammar
// belongs to the backend that consumes them and is checked when the
// console is created. [Config.Validate] checks only what this package
// can judge on its own: required fields, unique names, and well-formed
// server values.
//
// ${VAR} and ${VAR:-default} are expanded in path fields. ${LOG_DIR}
// refers to server.log_dir.
//
// This package depends on no other packages in the module.
package config
