package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir      string
	DBPath       string
	AbinitBin    string
	PollInterval time.Duration
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("ABIFLOW_DATA_DIR", filepath.Join(homeDir, ".abiflow"))

	c := &Config{
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "abiflow.db"),
		AbinitBin:    getEnv("ABIFLOW_BIN", "abinit"),
		PollInterval: 5 * time.Second,
	}

	if v := os.Getenv("ABIFLOW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.PollInterval = d
		}
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.FlowsDir(), 0755)
}

func (c *Config) FlowsDir() string {
	return filepath.Join(c.DataDir, "flows")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
