package mcp

import "context"

// Transport carries JSON-RPC messages between the client and one MCP
// server. The stdio implementation owns the server subprocess.
type Transport interface {
	// Send writes a request and blocks until the response with the
	// matching ID arrives, the stream closes, or ctx is done.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify writes a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio this terminates the
	// subprocess and waits for it to exit.
	Close() error
}
