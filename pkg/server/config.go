package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/aeolun/ttbridge/pkg/link"
)

// TOMLConfig represents the structure of the bridge config file. The env tags
// let TTBRIDGE_SECTION_KEY variables override file values.
type TOMLConfig struct {
	Server ServerSection `toml:"server" envPrefix:"TTBRIDGE_SERVER_"`
	Remote RemoteSection `toml:"remote" envPrefix:"TTBRIDGE_REMOTE_"`
}

type ServerSection struct {
	BindAddress         string   `toml:"bind_address" env:"BIND_ADDRESS"`
	HTTPPort            int      `toml:"http_port" env:"HTTP_PORT"`
	MetricsPort         int      `toml:"metrics_port" env:"METRICS_PORT"`
	DatabasePath        string   `toml:"database_path" env:"DATABASE_PATH"`
	AuditRetentionHours int      `toml:"audit_retention_hours" env:"AUDIT_RETENTION_HOURS"`
	AllowedOrigins      []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageBytes     int      `toml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

type RemoteSection struct {
	DefaultPort        int    `toml:"default_port" env:"DEFAULT_PORT"`
	ClientName         string `toml:"client_name" env:"CLIENT_NAME"`
	ProtocolVersion    string `toml:"protocol_version" env:"PROTOCOL_VERSION"`
	KeepaliveSeconds   int    `toml:"keepalive_seconds" env:"KEEPALIVE_SECONDS"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds" env:"DIAL_TIMEOUT_SECONDS"`
	EchoSender         string `toml:"echo_sender" env:"ECHO_SENDER"`
}

// hostedEnv holds variables set by hosting platforms rather than operators
type hostedEnv struct {
	Port int `env:"PORT"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:            8080,
			MetricsPort:         9090,
			DatabasePath:        "",
			AuditRetentionHours: 168, // 7 days
			AllowedOrigins:      []string{},
			MaxMessageBytes:     64 * 1024,
		},
		Remote: RemoteSection{
			DefaultPort:        10333,
			ClientName:         "ConnectingWorlds",
			ProtocolVersion:    "5.14",
			KeepaliveSeconds:   30,
			DialTimeoutSeconds: 10,
			EchoSender:         "admin",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a documented default
// if none exists, and applies environment variable overrides. Values missing from
// the file keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Failing to write the default is not fatal; we can still run on defaults
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config)
}

// applyEnvOverrides applies environment variable overrides to the config.
// PORT (set by most hosting platforms) overrides server.http_port, and
// TTBRIDGE_SERVER_HTTP_PORT overrides both.
func applyEnvOverrides(config TOMLConfig) (TOMLConfig, error) {
	var hosted hostedEnv
	if err := parseEnv(&hosted); err != nil {
		return TOMLConfig{}, err
	}
	if hosted.Port != 0 {
		config.Server.HTTPPort = hosted.Port
	}

	if err := parseEnv(&config); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# ttbridge configuration
# This file was auto-generated with default values
# Restart the bridge for changes to take effect
#
# Environment variables override these settings:
# TTBRIDGE_SECTION_KEY (e.g., TTBRIDGE_SERVER_HTTP_PORT=8080)
# PORT is also honoured for the public HTTP port.

[server]
# Address to bind listeners to (empty = all interfaces)
# bind_address = "127.0.0.1"

# Port for the public WebSocket endpoint (/ and /ws)
http_port = 8080

# Port for internal endpoints (/metrics, /health, /links.json)
# Never expose this publicly. Set to 0 to disable.
metrics_port = 9090

# SQLite file for the remote link audit log (empty = disabled)
# database_path = "~/.ttbridge/links.db"

# How long audit log entries are kept, in hours (0 = keep everything)
audit_retention_hours = 168

# Browser origins allowed to connect (empty = any origin)
# allowed_origins = ["https://example.com"]

# Largest accepted client message in bytes
max_message_bytes = 65536

[remote]
# Port used when a connect request does not name one
default_port = 10333

# Client name announced at login
client_name = "ConnectingWorlds"

# Protocol version announced at login
protocol_version = "5.14"

# Seconds between keepalive pings on an idle link
keepalive_seconds = 30

# Seconds to wait for the remote TCP connection
dial_timeout_seconds = 10

# Sender name on the local echo of chat sent to the remote server
echo_sender = "admin"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Invalid values fall back
// to defaults.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.HTTPPort > 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort >= 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if c.Server.AuditRetentionHours >= 0 {
		cfg.AuditRetention = time.Duration(c.Server.AuditRetentionHours) * time.Hour
	}
	if c.Server.MaxMessageBytes > 0 {
		cfg.MaxMessageBytes = int64(c.Server.MaxMessageBytes)
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	dbPath, err := c.GetDatabasePath()
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.DatabasePath = dbPath

	if c.Remote.DefaultPort > 0 {
		cfg.Link.DefaultPort = c.Remote.DefaultPort
	}
	if strings.TrimSpace(c.Remote.ClientName) != "" {
		cfg.Link.ClientName = c.Remote.ClientName
	}
	if strings.TrimSpace(c.Remote.ProtocolVersion) != "" {
		cfg.Link.Protocol = c.Remote.ProtocolVersion
	}
	if c.Remote.KeepaliveSeconds > 0 {
		cfg.Link.KeepaliveInterval = time.Duration(c.Remote.KeepaliveSeconds) * time.Second
	}
	if c.Remote.DialTimeoutSeconds > 0 {
		cfg.Link.DialTimeout = time.Duration(c.Remote.DialTimeoutSeconds) * time.Second
	}
	if strings.TrimSpace(c.Remote.EchoSender) != "" {
		cfg.Link.EchoSender = c.Remote.EchoSender
	}

	return cfg, nil
}

// GetDatabasePath returns the audit database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(strings.TrimSpace(c.Server.DatabasePath))
}

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	BindAddress     string
	HTTPPort        int // Public WebSocket port (0 = pick a free port)
	MetricsPort     int // Internal HTTP port (0 = disabled)
	DatabasePath    string
	AuditRetention  time.Duration
	AllowedOrigins  []string
	MaxMessageBytes int64
	Link            link.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9090,
		AuditRetention:  7 * 24 * time.Hour,
		MaxMessageBytes: 64 * 1024,
		Link:            link.DefaultConfig(),
	}
}
