// Package walletconfig loads the daemon's YAML configuration file, in
// the same shape as the teacher's node.Config: a struct with yaml tags,
// a file that is created with defaults on first run, and a Load
// constructor keyed by data directory rather than by file path.
package walletconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NetworkType selects which chaincfg.Params the wallet derives
// addresses against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
	Simnet  NetworkType = "simnet"
)

// Config holds every setting the daemon needs beyond what is already
// inside the persisted wallet file.
type Config struct {
	// Network selects the chain parameters the wallet derives addresses
	// and validates scripts against.
	Network NetworkType `yaml:"network"`

	// Storage holds file-layout settings.
	Storage StorageConfig `yaml:"storage"`

	// Indexer holds the blockchain indexer connection settings.
	Indexer IndexerConfig `yaml:"indexer"`

	// Wallet holds default wallet behavior overridable per-file.
	Wallet WalletDefaults `yaml:"wallet"`

	// Logging holds logger settings.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory the wallet file and config live in.
	DataDir string `yaml:"data_dir"`

	// WalletFile is the wallet file name within DataDir.
	WalletFile string `yaml:"wallet_file"`
}

// IndexerConfig holds blockchain indexer connection settings.
type IndexerConfig struct {
	// Servers is the ordered list of "host:port" indexer servers to try,
	// used by the TCP transport.
	Servers []string `yaml:"servers"`

	// UseTLS selects TLS for the TCP transport.
	UseTLS bool `yaml:"use_tls"`

	// WebsocketURL, if set, selects the websocket transport instead of
	// TCP and dials this ws://  or wss:// endpoint.
	WebsocketURL string `yaml:"websocket_url"`
}

// WalletDefaults holds wallet-core defaults read from the config file.
// walletd does not pass them to the wallet core, which starts from its
// own built-in defaults (walletcore.New).
type WalletDefaults struct {
	// GapLimit is the external-chain gap limit for new accounts.
	GapLimit int `yaml:"gap_limit"`

	// FeePerKB is the default fee rate in satoshis per kilobyte.
	FeePerKB int64 `yaml:"fee_per_kb"`

	// UseChange selects whether change outputs are produced by default.
	UseChange bool `yaml:"use_change"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is a log file path read from the config file; walletd does not
	// use it and always logs to stderr.
	File string `yaml:"file"`
}

// ConfigFileName is the default config file name within a data directory.
const ConfigFileName = "walletd.yaml"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: Mainnet,
		Storage: StorageConfig{
			DataDir:    "~/.btcwallet",
			WalletFile: "wallet.dat",
		},
		Indexer: IndexerConfig{
			Servers: []string{"electrum.blockstream.info:50002"},
			UseTLS:  true,
		},
		Wallet: WalletDefaults{
			GapLimit:  5,
			FeePerKB:  1000,
			UseChange: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads <dataDir>/walletd.yaml, creating it with defaults if it
// does not yet exist.
func Load(dataDir string) (*Config, error) {
	expanded := ExpandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# btcwallet daemon configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	return os.WriteFile(path, data, 0600)
}

// WalletPath returns the full path to the wallet file for this config.
func (c *Config) WalletPath() string {
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Storage.WalletFile)
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
