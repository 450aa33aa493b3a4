// Package mcp speaks the Model Context Protocol to a single tool server
// subprocess: JSON-RPC 2.0 messages, newline-delimited, over the
// subprocess's stdin/stdout. Stderr is not part of the protocol and is
// captured into a bounded ring for diagnostics.
//
// The package is transport and protocol only. Process lifecycle policy
// (restart on crash, state reporting) lives in internal/runner.
package mcp
