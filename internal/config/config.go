// Package config loads and validates the flatsync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/state"
)

// Defaults applied by Load when a field is omitted.
const (
	DefaultAppRoot      = "flatsync"
	DefaultSyncInterval = 30 * time.Second
	DefaultCallTimeout  = 30 * time.Second
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Provider selects the storage back end: "google_drive", "dropbox" or "local".
	Provider string `yaml:"provider"`

	// Token is the OAuth access token handed to the provider. Ignored by "local".
	Token string `yaml:"token"`

	// Database names the synced database; it becomes a folder under AppRoot.
	Database string `yaml:"database"`

	// AppRoot is the top-level remote folder. Defaults to "flatsync".
	AppRoot string `yaml:"app_root,omitempty"`

	// SyncInterval controls how often the consistency checker polls the
	// remote. Minimum 5s, maximum 1h. Defaults to 30s if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// AlwaysWaitForSync makes CLI mutations block until replayed.
	AlwaysWaitForSync bool `yaml:"always_wait_for_sync,omitempty"`

	// CallTimeout bounds each remote call. Defaults to 30s.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`

	// StateDB is the SQLite file holding the local copy and the history log.
	// Defaults to ~/.local/share/flatsync/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	// LocalRoot is the folder the "local" provider treats as the remote.
	LocalRoot string `yaml:"local_root,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "flatsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/flatsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "flatsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and stores it at path, creating parent folders. The
// file is readable by the owner only since it carries the token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// ProviderKind returns the validated provider kind.
func (c *Config) ProviderKind() provider.Kind {
	return provider.Kind(c.Provider)
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	kind, err := provider.ParseKind(c.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	switch kind {
	case provider.KindLocal:
		if c.LocalRoot == "" {
			return fmt.Errorf("local_root is required for provider %q", kind)
		}
	default:
		if c.Token == "" {
			return fmt.Errorf("token is required for provider %q", kind)
		}
	}

	if err := model.ValidateSegment(c.Database); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.AppRoot == "" {
		c.AppRoot = DefaultAppRoot
	}
	if err := model.ValidateSegment(c.AppRoot); err != nil {
		return fmt.Errorf("app_root: %w", err)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < 5*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 5s)", c.SyncInterval)
	}
	if c.SyncInterval > time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 1h)", c.SyncInterval)
	}

	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout %v must be positive", c.CallTimeout)
	}

	if c.StateDB == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return err
		}
		c.StateDB = p
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
