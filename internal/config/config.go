// Package config handles devkit configuration loading and resolves the
// MCP server connection from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/devkit/config.yaml,
// /etc/devkit/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "devkit", "config.yaml"))
	}

	paths = append(paths, "/etc/devkit/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the search paths exist.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. An explicit path must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all devkit configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir"`
	SkillsDir string          `yaml:"skills_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`

	// EnvFile is a dotenv file loaded before the MCP server is resolved.
	// Variables already present in the environment are not overridden.
	EnvFile string `yaml:"env_file"`
}

// ListenConfig defines the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// MCPConfig describes the MCP server whose tools are discovered, and the
// two environment variables that gate it.
type MCPConfig struct {
	ServerID string   `yaml:"server_id"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`

	// HostEnv and TokenEnv name the variables holding the workspace host
	// and access token. Both must be non-empty for the server to count as
	// configured. They are forwarded to the server under the same names.
	HostEnv  string `yaml:"host_env"`
	TokenEnv string `yaml:"token_env"`

	// Timeouts for the discovery sequence. Zero disables the timeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// TelemetryConfig enables OpenTelemetry trace export.
type TelemetryConfig struct {
	// OTLPEndpoint is an OTLP/HTTP endpoint such as
	// "localhost:4318". Empty disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		DataDir:   "./data",
		SkillsDir: "./skills",
		LogLevel:  "info",
		LogFormat: "text",
		EnvFile:   ".env",
		MCP: MCPConfig{
			ServerID:         "databricks",
			Command:          "python",
			Args:             []string{"-m", "databricks_mcp_server.server"},
			HostEnv:          "DATABRICKS_HOST",
			TokenEnv:         "DATABRICKS_TOKEN",
			HandshakeTimeout: 30 * time.Second,
			DiscoveryTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "devkit"},
	}
}

// Load reads a YAML config file on top of Default. ${VAR} references
// are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if strings.TrimSpace(c.MCP.ServerID) == "" {
		return errors.New("mcp.server_id is required")
	}
	if strings.Contains(c.MCP.ServerID, "__") {
		return fmt.Errorf("mcp.server_id %q must not contain \"__\"", c.MCP.ServerID)
	}
	if strings.TrimSpace(c.MCP.Command) == "" {
		return errors.New("mcp.command is required")
	}
	if c.MCP.HostEnv == "" || c.MCP.TokenEnv == "" {
		return errors.New("mcp.host_env and mcp.token_env are required")
	}
	if c.MCP.HandshakeTimeout < 0 || c.MCP.DiscoveryTimeout < 0 {
		return errors.New("mcp timeouts must not be negative")
	}
	return nil
}

// LoadEnvFile loads the configured dotenv file into the process
// environment. A missing file is not an error unless the path was set
// explicitly to something other than the default.
func (c *Config) LoadEnvFile() error {
	path := c.EnvFile
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if path == Default().EnvFile {
			return nil
		}
		return fmt.Errorf("env file not found: %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
