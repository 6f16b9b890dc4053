// Package config provides centralized configuration for the wallet daemon.
// Wallet policy values (gap limit, dust, confirmation target) are defined
// here and nowhere else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// =============================================================================
// Wallet Policy
// =============================================================================

const (
	// GapLimit is the maximum distance between the highest derived index
	// and the last index seen with activity.
	GapLimit = 20

	// DustLimit is the smallest output value the wallet creates, in sats.
	DustLimit = 546

	// ConfirmationTarget is the depth at which a transaction leaves the
	// unconfirmed set.
	ConfirmationTarget = 6

	// MaxOpReturnSize is the largest OP_RETURN payload relayed by default.
	MaxOpReturnSize = 80

	// MaxFeeRate is the highest fee rate the wallet accepts, in sat/vB.
	MaxFeeRate = 100_000
)

// WalletPolicy holds wallet policy values. Zero fields fall back to the
// package constants.
type WalletPolicy struct {
	GapLimit           int           `yaml:"gap_limit"`
	DustLimit          int64         `yaml:"dust_limit"`
	ConfirmationTarget int64         `yaml:"confirmation_target"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
}

// DefaultWalletPolicy returns the default wallet policy.
func DefaultWalletPolicy() WalletPolicy {
	return WalletPolicy{
		GapLimit:           GapLimit,
		DustLimit:          DustLimit,
		ConfirmationTarget: ConfirmationTarget,
		ReconcileInterval:  30 * time.Second,
	}
}

// Normalize fills zero fields with defaults.
func (p WalletPolicy) Normalize() WalletPolicy {
	d := DefaultWalletPolicy()
	if p.GapLimit <= 0 {
		p.GapLimit = d.GapLimit
	}
	if p.DustLimit <= 0 {
		p.DustLimit = d.DustLimit
	}
	if p.ConfirmationTarget <= 0 {
		p.ConfirmationTarget = d.ConfirmationTarget
	}
	if p.ReconcileInterval <= 0 {
		p.ReconcileInterval = d.ReconcileInterval
	}
	return p
}

// =============================================================================
// Lightning Service Provider
// =============================================================================

// BlocktankConfig holds LSP settings.
type BlocktankConfig struct {
	URL                string        `yaml:"url"`
	WatchInterval      time.Duration `yaml:"watch_interval"`
	DefaultExpiryWeeks int           `yaml:"default_expiry_weeks"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DefaultBlocktankConfig returns LSP settings for a network.
func DefaultBlocktankConfig(network chain.Network) BlocktankConfig {
	cfg := BlocktankConfig{
		URL:                "https://api1.blocktank.to/api",
		WatchInterval:      15 * time.Second,
		DefaultExpiryWeeks: 6,
		Timeout:            30 * time.Second,
	}
	if network != chain.Mainnet {
		cfg.URL = "https://api.stag0.blocktank.to/blocktank/api/v2"
	}
	return cfg
}

// =============================================================================
// Lightning Node
// =============================================================================

// LightningConfig holds the connection to the Lightning node. An empty Host
// disables Lightning.
type LightningConfig struct {
	Host         string        `yaml:"host"`
	TLSCertPath  string        `yaml:"tls_cert_path"`
	MacaroonPath string        `yaml:"macaroon_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether a Lightning node is configured.
func (c LightningConfig) Enabled() bool {
	return c.Host != ""
}

// =============================================================================
// Daemon Configuration
// =============================================================================

// RPCConfig holds the JSON-RPC listener settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// Config holds all configuration for the wallet daemon.
type Config struct {
	Network     chain.Network     `yaml:"network"`
	DataDir     string            `yaml:"data_dir"`
	AddressType chain.AddressType `yaml:"address_type"`

	Logging   logging.Config  `yaml:"logging"`
	Backend   *backend.Config `yaml:"backend,omitempty"`
	Lightning LightningConfig `yaml:"lightning"`
	Blocktank BlocktankConfig `yaml:"blocktank"`
	RPC       RPCConfig       `yaml:"rpc"`
	Wallet    WalletPolicy    `yaml:"wallet"`
}

// DefaultConfig returns a Config with sensible defaults for a network.
func DefaultConfig(network chain.Network) *Config {
	return &Config{
		Network:     network,
		DataDir:     "~/.klingwallet",
		AddressType: chain.AddressP2WPKH,
		Logging: logging.Config{
			Level:      "info",
			Format:     "text",
			TimeFormat: time.TimeOnly,
		},
		Backend:   backend.DefaultConfig(network),
		Blocktank: DefaultBlocktankConfig(network),
		RPC:       RPCConfig{Listen: "127.0.0.1:8645"},
		Wallet:    DefaultWalletPolicy(),
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, ok := chain.Get(c.Network); !ok {
		return fmt.Errorf("unknown network: %s", c.Network)
	}
	if !c.AddressType.Valid() {
		return fmt.Errorf("unsupported address type: %s", c.AddressType)
	}
	if c.Backend == nil {
		return fmt.Errorf("no indexer backend configured")
	}
	if c.Wallet.GapLimit < 0 || c.Wallet.GapLimit > 1000 {
		return fmt.Errorf("gap limit %d out of range", c.Wallet.GapLimit)
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from the YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string, network chain.Network) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		cfg.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig(network)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A file written for another network keeps its own indexer and LSP
	// defaults unless it sets them explicitly.
	if cfg.Network != network && cfg.Network != "" {
		defaults := DefaultConfig(cfg.Network)
		reparsed := defaults
		if err := yaml.Unmarshal(data, reparsed); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg = reparsed
	}
	cfg.Wallet = cfg.Wallet.Normalize()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# klingwallet daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
