package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ServerDescriptor describes how to launch one MCP server. A resolver
// producing no descriptor means the server is not configured.
type ServerDescriptor struct {
	// ID is the server identifier used in namespaced tool names.
	ID string

	// Command and Args launch the server.
	Command string
	Args    []string

	// Env is overlaid on the current process environment. It usually
	// carries credentials and must never be logged.
	Env map[string]string
}

// String renders the command line for logs. Env is left out.
func (d ServerDescriptor) String() string {
	if len(d.Args) == 0 {
		return d.Command
	}
	return d.Command + " " + strings.Join(d.Args, " ")
}

// Options tunes Open and Discover.
type Options struct {
	// HandshakeTimeout bounds spawn plus initialize. Zero means no
	// timeout beyond ctx.
	HandshakeTimeout time.Duration

	// DiscoveryTimeout bounds the tools/list exchange. Zero means no
	// timeout beyond ctx.
	DiscoveryTimeout time.Duration

	// CloseTimeout is passed to the stdio transport.
	CloseTimeout time.Duration

	Logger *slog.Logger
}

// Session is an initialized connection to a running server. It owns the
// subprocess; Close must be called on every path.
type Session struct {
	client    *Client
	transport *StdioTransport
	opts      Options
}

// Open launches the server described by desc and completes the
// initialize handshake. On failure nothing is left running.
func Open(ctx context.Context, desc ServerDescriptor, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	transport := NewStdioTransport(StdioConfig{
		Command:      desc.Command,
		Args:         desc.Args,
		Env:          desc.Env,
		CloseTimeout: opts.CloseTimeout,
		Logger:       logger.With("mcp_server", desc.ID),
	})
	if err := transport.Start(ctx); err != nil {
		return nil, err
	}

	client := NewClient(desc.ID, transport, logger)
	if err := client.Initialize(ctx); err != nil {
		if closeErr := transport.Close(); closeErr != nil {
			logger.Debug("MCP subprocess exit after failed handshake",
				"mcp_server", desc.ID,
				"error", closeErr,
			)
		}
		return nil, err
	}

	return &Session{client: client, transport: transport, opts: opts}, nil
}

// ListToolNames runs tools/list and returns the raw tool names in the
// order the server listed them.
func (s *Session) ListToolNames(ctx context.Context) ([]string, error) {
	if s.opts.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
		defer cancel()
	}

	defs, err := s.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names, nil
}

// Close ends the session and waits for the subprocess to exit.
func (s *Session) Close() error {
	return s.client.Close()
}

// Discover opens a session to desc, lists its tools and closes the
// session before returning. The returned error wraps one of the package
// failure sentinels. An unclean subprocess exit after a successful
// tools/list is logged, not returned.
func Discover(ctx context.Context, desc ServerDescriptor, opts Options) ([]string, error) {
	session, err := Open(ctx, desc, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			session.client.logger.Debug("MCP subprocess exit", "error", closeErr)
		}
	}()

	return session.ListToolNames(ctx)
}
