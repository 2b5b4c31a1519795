package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/devkit/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise.
const protocolVersion = "2024-11-05"

// ToolDefinition is one entry of a tools/list result. Only Name is used
// for discovery; the rest is kept for logging.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Client speaks the MCP handshake and discovery requests over a
// [Transport].
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
}

// NewClient returns a client for the server identified by name.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the server identifier given to NewClient.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// initialize. Both are empty before a successful Initialize.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize sends initialize, waits for the reply, then sends
// notifications/initialized. Error envelopes and unusable results wrap
// [ErrHandshakeRejected]; stream failures keep the transport's
// [ErrTransportClosed].
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "devkit",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: initialize: %w", ErrHandshakeRejected, err)
		}
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: decode initialize result: %w", ErrHandshakeRejected, err)
	}
	if result.ProtocolVersion == "" {
		return fmt.Errorf("%w: initialize result has no protocolVersion", ErrHandshakeRejected)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// ListTools issues one tools/list request. Pagination is not followed.
// Every error wraps [ErrDiscoveryFailed].
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	ready := c.initialized
	c.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("%w: session is not initialized", ErrDiscoveryFailed)
	}

	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tools/list: %w", ErrDiscoveryFailed, err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode tools/list result: %w", ErrDiscoveryFailed, err)
	}
	if result.NextCursor != "" {
		c.logger.Warn("tools/list is paginated, only the first page is used",
			"next_cursor", result.NextCursor,
		)
	}

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Close closes the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a request and turns an error envelope into a returned
// *RPCError.
func (c *Client) send(ctx context.Context, method string, params map[string]any) (*Response, error) {
	id := c.nextID.Add(1)

	var p any
	if params = withTraceMeta(ctx, params); params != nil {
		p = params
	}

	resp, err := c.transport.Send(ctx, NewRequest(id, method, p))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}
