package config

import (
	"fmt"

	"github.com/pelletier/go-toml"
)

// Config is the pool's complete runtime configuration, loaded from one TOML
// file at startup.
type Config struct {
	RPC      RPCConfig     `toml:"rpc"`
	ZMQ      ZMQConfig     `toml:"zmq"`
	Stratum  StratumConfig `toml:"stratum"`
	Storage  StorageConfig `toml:"storage"`
	Network  string        `toml:"network"` // "main" | "test" | "regtest"
	LogLevel string        `toml:"log_level"`
}

type RPCConfig struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	TimeoutS int    `toml:"timeout_s"`
}

type ZMQConfig struct {
	Endpoint string `toml:"endpoint"`
}

type StratumConfig struct {
	Host                      string  `toml:"host"`
	Port                      int     `toml:"port"`
	MaxConnections            int     `toml:"max_connections"`
	Difficulty                float64 `toml:"difficulty"`
	AcceptSuggestedDifficulty bool    `toml:"accept_suggested_difficulty"`
	VersionRollingMask        string  `toml:"version_rolling_mask"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

// Default returns the configuration this pool ships with when no file
// overrides a setting, mirroring mainnet bitcoind/ckpool defaults.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			URL:      "http://127.0.0.1:8332",
			TimeoutS: 10,
		},
		ZMQ: ZMQConfig{
			Endpoint: "tcp://127.0.0.1:28332",
		},
		Stratum: StratumConfig{
			Host:                      "0.0.0.0",
			Port:                      3333,
			MaxConnections:            4096,
			Difficulty:                1.0,
			AcceptSuggestedDifficulty: true,
			VersionRollingMask:        "1fffe000",
		},
		Storage: StorageConfig{
			Path: "ckpool.db",
		},
		Network:  "main",
		LogLevel: "info",
	}
}

// Load reads and parses the TOML file at path, starting from Default() so
// an omitted section keeps its default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration that would otherwise fail in a
// confusing way deep inside RPC/Stratum wiring.
func (c *Config) Validate() error {
	if c.Stratum.Port < 1 || c.Stratum.Port > 65535 {
		return fmt.Errorf("invalid stratum port: %d", c.Stratum.Port)
	}
	if c.Stratum.Difficulty <= 0 {
		return fmt.Errorf("stratum difficulty must be positive")
	}
	if c.Stratum.MaxConnections < 1 {
		return fmt.Errorf("stratum max_connections must be at least 1")
	}
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required")
	}
	switch c.Network {
	case "main", "test", "regtest":
	default:
		return fmt.Errorf("invalid network: %q (want main, test, or regtest)", c.Network)
	}
	return nil
}
