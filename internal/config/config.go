// Package config loads the relay's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/astro/buzzrelay/internal/bus"
)

// Config holds all runtime configuration, loaded from a YAML file.
type Config struct {
	Hostname    string      `yaml:"hostname"`
	ListenPort  int         `yaml:"listen_port"`
	PrivKeyFile string      `yaml:"priv_key_file"`
	PubKeyFile  string      `yaml:"pub_key_file"`
	Streams     []string    `yaml:"streams"`
	DB          string      `yaml:"db"`
	Redis       *bus.Config `yaml:"redis"`
}

// Load reads and validates the YAML config file at path. Fatal
// misconfiguration exits the process with a clear message, matching the
// teacher's fail-fast startup convention.
func Load(path string) *Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: cannot read config file %s: %v\n", path, err)
		os.Exit(1)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: invalid config file %s: %v\n", path, err)
		os.Exit(1)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = 8000
	}
	if c.PrivKeyFile == "" {
		c.PrivKeyFile = "private.pem"
	}
	if c.PubKeyFile == "" {
		c.PubKeyFile = "public.pem"
	}
	if c.DB == "" {
		c.DB = "buzzrelay.db"
	}
}

func (c *Config) validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one entry in streams is required")
	}
	return nil
}
