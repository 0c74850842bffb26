package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for the pool daemon. Pool
// economics are compile-time constants; this file covers deployment
// concerns only.
type Config struct {
	ListenAddress     string `toml:"ListenAddress"`
	DataDir           string `toml:"DataDir"`
	ServiceName       string `toml:"ServiceName"`
	Environment       string `toml:"Environment"`
	PoolAddress       string `toml:"PoolAddress"`
	OracleMaxAgeSecs  int64  `toml:"OracleMaxAgeSecs"`
	InMemoryState     bool   `toml:"InMemoryState"`
	ShutdownGraceSecs int64  `toml:"ShutdownGraceSecs"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./bondmm-data"
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "bondmmd"
	}
	if c.OracleMaxAgeSecs <= 0 {
		c.OracleMaxAgeSecs = 3600
	}
	if c.ShutdownGraceSecs <= 0 {
		c.ShutdownGraceSecs = 10
	}
}

// OracleMaxAge returns the configured oracle freshness window.
func (c *Config) OracleMaxAge() time.Duration {
	return time.Duration(c.OracleMaxAgeSecs) * time.Second
}

// ShutdownGrace returns how long the daemon waits for in-flight requests on
// shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create default file %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode defaults: %w", err)
	}
	return cfg, nil
}
