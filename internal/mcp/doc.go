// Package mcp implements the client side of the MCP (Model Context
// Protocol) tool discovery handshake used by devkit.
//
// A server is described by a [ServerDescriptor] (command, arguments and
// an environment overlay). [Open] launches the server as a subprocess,
// speaks newline-delimited JSON-RPC 2.0 over its stdin/stdout, and
// performs the initialize handshake. [Session.ListToolNames] issues a
// single tools/list request. [Discover] runs the whole sequence and tears
// the subprocess down before returning, whatever the outcome.
//
// Discovered names are exposed to the agent in namespaced form, see
// [ToolName]. Tool invocation (tools/call) is not implemented.
package mcp
