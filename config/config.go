package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/InsAnjara/ProgSys/discovery"
	"github.com/goccy/go-yaml"
)

// Config is the configuration of both the master and the storage nodes.
type Config struct {
	Master    MasterConfig    `yaml:"master"`
	Node      NodeConfig      `yaml:"node"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Network   NetworkConfig   `yaml:"network"`
}

type MasterConfig struct {
	ClientPort int `yaml:"client_port"`
	// StatusAddr enables the HTTP status endpoint, e.g. 127.0.0.1:8080.
	StatusAddr        string `yaml:"status_addr"`
	ReplicationFactor int    `yaml:"replication_factor"`
	TempDir           string `yaml:"temp_dir"`
	RecoverMissing    bool   `yaml:"recover_missing"`
}

type NodeConfig struct {
	CommandPort int    `yaml:"command_port"`
	StorageDir  string `yaml:"storage_dir"`
}

type DiscoveryConfig struct {
	BroadcastPort int `yaml:"broadcast_port"`
	ResponsePort  int `yaml:"response_port"`
	// Targets default to the limited broadcast address on BroadcastPort.
	Targets []string      `yaml:"targets"`
	Window  time.Duration `yaml:"window"`
}

type NetworkConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Error lists everything that is wrong with a configuration.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Master: MasterConfig{
			ClientPort:        1233,
			ReplicationFactor: 2,
		},
		Node: NodeConfig{
			CommandPort: 1236,
			StorageDir:  "slave_storage",
		},
		Discovery: DiscoveryConfig{
			BroadcastPort: 1234,
			ResponsePort:  1235,
			Window:        5 * time.Second,
		},
		Network: NetworkConfig{
			DialTimeout: 5 * time.Second,
			IdleTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file on top of the defaults. A missing file
// is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("parsing %q: %w", path, err)
	}

	return cfg, nil
}

// Validate returns *Error if the configuration can not be used.
func (c Config) Validate() error {
	var problems []string

	checkPort := func(name string, port int) {
		if port <= 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s must be between 1 and 65535, got %d", name, port))
		}
	}

	checkPositive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}

	checkPort("master.client_port", c.Master.ClientPort)
	checkPort("node.command_port", c.Node.CommandPort)
	checkPort("discovery.broadcast_port", c.Discovery.BroadcastPort)
	checkPort("discovery.response_port", c.Discovery.ResponsePort)

	if c.Discovery.BroadcastPort == c.Discovery.ResponsePort {
		problems = append(problems, "discovery.broadcast_port and discovery.response_port must differ")
	}

	if c.Master.ReplicationFactor < 1 {
		problems = append(problems, fmt.Sprintf("master.replication_factor must be at least 1, got %d", c.Master.ReplicationFactor))
	}

	if c.Node.StorageDir == "" {
		problems = append(problems, "node.storage_dir must not be empty")
	}

	checkPositive("discovery.window", c.Discovery.Window)
	checkPositive("network.dial_timeout", c.Network.DialTimeout)
	checkPositive("network.idle_timeout", c.Network.IdleTimeout)

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}

	return nil
}

// BroadcastTargets returns the addresses discovery requests are sent to.
func (c Config) BroadcastTargets() []string {
	if len(c.Discovery.Targets) > 0 {
		return c.Discovery.Targets
	}

	return []string{discovery.BroadcastTarget(c.Discovery.BroadcastPort)}
}

// MasterTempDir returns the directory for the master's temporary files.
func (c Config) MasterTempDir() string {
	if c.Master.TempDir != "" {
		return c.Master.TempDir
	}

	return filepath.Join(os.TempDir(), "progsys-master")
}
