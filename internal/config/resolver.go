package config

import (
	"os"
	"slices"

	"github.com/nugget/devkit/internal/mcp"
)

// EnvResolver produces the MCP server descriptor from the environment.
// It is consulted on every tool lookup, so it only reads variables.
type EnvResolver struct {
	MCP MCPConfig

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Resolver returns an EnvResolver for the configured MCP server.
func (c *Config) Resolver() *EnvResolver {
	return &EnvResolver{MCP: c.MCP}
}

// Resolve returns the server descriptor, or nil when the host or token
// variable is unset or empty.
func (r *EnvResolver) Resolve() *mcp.ServerDescriptor {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	host := getenv(r.MCP.HostEnv)
	token := getenv(r.MCP.TokenEnv)
	if host == "" || token == "" {
		return nil
	}

	return &mcp.ServerDescriptor{
		ID:      r.MCP.ServerID,
		Command: r.MCP.Command,
		Args:    slices.Clone(r.MCP.Args),
		Env: map[string]string{
			r.MCP.HostEnv:  host,
			r.MCP.TokenEnv: token,
		},
	}
}
