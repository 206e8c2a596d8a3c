// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes a node's PAFTP stack to applications: a REST agent
// for inspection and one-shot sends, and a WebSocket agent streaming
// delivered messages.
package agent

// Agent is anything which surfaces the stack to applications.
type Agent interface {
	// Close signals this Agent to shut down.
	Close() error
}
