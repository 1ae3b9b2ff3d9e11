package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/sealchat/pkg/crypto"
	"github.com/aeolun/sealchat/pkg/protocol"
)

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	ListenAddress    string
	TCPPort          int
	WebSocketPort    int // 0 = disabled
	MetricsPort      int // 0 = disabled
	StorageDir       string
	DatabasePath     string
	SharedKey        string // base64
	MaxFileBytes     int64
	MaxEnvelopeBytes int64
	SessionTimeout   time.Duration // 0 = no idle timeout
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:    "0.0.0.0",
		TCPPort:          6475,
		WebSocketPort:    0,
		MetricsPort:      0,
		StorageDir:       "~/.sealchat/server_storage",
		DatabasePath:     "~/.sealchat/uploads.db",
		MaxFileBytes:     protocol.DefaultMaxFileBytes,
		MaxEnvelopeBytes: 192 * 1024 * 1024, // admits a 100 MiB file after base64 expansion
		SessionTimeout:   0,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Security SecuritySection `toml:"security"`
	Limits   LimitsSection   `toml:"limits"`
}

type ServerSection struct {
	ListenAddress string `toml:"listen_address"`
	TCPPort       int    `toml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port"`
	MetricsPort   int    `toml:"metrics_port"`
	StorageDir    string `toml:"storage_dir"`
	DatabasePath  string `toml:"database_path"`
}

type SecuritySection struct {
	SharedKey string `toml:"shared_key"`
}

type LimitsSection struct {
	MaxFileBytes          int64 `toml:"max_file_bytes"`
	MaxEnvelopeBytes      int64 `toml:"max_envelope_bytes"`
	SessionTimeoutSeconds int   `toml:"session_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration with a freshly
// generated shared key. Every client needs a copy of this key.
func DefaultTOMLConfig() (TOMLConfig, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return TOMLConfig{}, err
	}

	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			ListenAddress: defaults.ListenAddress,
			TCPPort:       defaults.TCPPort,
			WebSocketPort: defaults.WebSocketPort,
			MetricsPort:   defaults.MetricsPort,
			StorageDir:    defaults.StorageDir,
			DatabasePath:  defaults.DatabasePath,
		},
		Security: SecuritySection{
			SharedKey: key,
		},
		Limits: LimitsSection{
			MaxFileBytes:          defaults.MaxFileBytes,
			MaxEnvelopeBytes:      defaults.MaxEnvelopeBytes,
			SessionTimeoutSeconds: 0,
		},
	}, nil
}

// LoadConfig loads configuration from a TOML file, creating a default one
// (including a generated shared key) if the file does not exist.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config, err := DefaultTOMLConfig()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to build default config: %w", err)
		}
		if err := writeDefaultConfig(path, config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to write default config: %w", err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# SealChat Server Configuration
# This file was auto-generated with default values.
# The shared_key was generated for this server; distribute it to your clients.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, filling gaps with
// defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.ListenAddress) != "" {
		cfg.ListenAddress = c.Server.ListenAddress
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.WebSocketPort = c.Server.WebSocketPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.StorageDir) != "" {
		cfg.StorageDir = c.Server.StorageDir
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}

	cfg.SharedKey = c.Security.SharedKey

	if c.Limits.MaxFileBytes != 0 {
		cfg.MaxFileBytes = c.Limits.MaxFileBytes
	}
	if c.Limits.MaxEnvelopeBytes != 0 {
		cfg.MaxEnvelopeBytes = c.Limits.MaxEnvelopeBytes
	}
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	}

	return cfg
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
