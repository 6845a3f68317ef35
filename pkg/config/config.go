package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/types"
)

// Config holds the fleet configuration loaded at startup
type Config struct {
	// Regions declares the /16 blocks the allocator carves subnets from
	Regions []types.RegionSpec `yaml:"regions"`

	// Strategy names the balancing strategy: round-robin, least-loaded,
	// random, or region-aware
	Strategy string `yaml:"strategy"`

	// Seed drives every randomized choice so runs are reproducible
	Seed int64 `yaml:"seed"`

	// BaseDomain is the DNS suffix for node hostnames
	BaseDomain string `yaml:"base_domain"`

	// FirewallDefault applies when no firewall rule matches: allow or deny
	FirewallDefault string `yaml:"firewall_default"`

	// NodePort is the port bound into every node address
	NodePort int `yaml:"node_port"`

	// SleepScale turns simulated latency into wall-clock sleep; zero keeps
	// processing instantaneous
	SleepScale float64 `yaml:"sleep_scale"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in three-region plan
func Default() *Config {
	return &Config{
		Regions: []types.RegionSpec{
			{Name: "region-central", CIDR: "10.0.0.0/16"},
			{Name: "region-west", CIDR: "10.1.0.0/16"},
			{Name: "region-north", CIDR: "10.2.0.0/16"},
		},
		Strategy:        "least-loaded",
		Seed:            1,
		BaseDomain:      "flotilla.local",
		FirewallDefault: "allow",
		NodePort:        8080,
		Log:             LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file, filling unset fields from Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	if len(c.Regions) == 0 {
		return fmt.Errorf("config: at least one region is required")
	}
	seen := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Name == "" || r.CIDR == "" {
			return fmt.Errorf("config: region entries need both name and cidr")
		}
		if seen[r.Name] {
			return fmt.Errorf("config: duplicate region %s", r.Name)
		}
		seen[r.Name] = true
	}
	switch c.FirewallDefault {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("config: firewall_default must be allow or deny, got %q", c.FirewallDefault)
	}
	if c.NodePort <= 0 || c.NodePort > 65535 {
		return fmt.Errorf("config: node_port %d out of range", c.NodePort)
	}
	return nil
}
