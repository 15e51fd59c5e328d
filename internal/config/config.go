// Package config loads the daemon configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/chaincfg"
)

type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Network string        `yaml:"network" envconfig:"NETWORK"`
	DataDir string        `yaml:"dataDir" envconfig:"DATA_DIR"`
	Store   StoreConfig   `yaml:"store"`
	Rpc     RpcConfig     `yaml:"rpc"`
	P2P     P2PConfig     `yaml:"p2p"`
	Metrics MetricsConfig `yaml:"metrics"`
	Debug   DebugConfig   `yaml:"debug"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"STORE_BACKEND"`
}

type RpcConfig struct {
	Url          string        `yaml:"url"          envconfig:"RPC_URL"`
	User         string        `yaml:"user"         envconfig:"RPC_USER"`
	Password     string        `yaml:"password"     envconfig:"RPC_PASSWORD"`
	Timeout      time.Duration `yaml:"timeout"      envconfig:"RPC_TIMEOUT"`
	PollInterval time.Duration `yaml:"pollInterval" envconfig:"RPC_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batchSize"    envconfig:"RPC_BATCH_SIZE"`
}

type P2PConfig struct {
	Enabled       bool     `yaml:"enabled"   envconfig:"P2P_ENABLED"`
	ListenAddress string   `yaml:"address"   envconfig:"P2P_LISTEN_ADDRESS"`
	ListenPort    uint     `yaml:"port"      envconfig:"P2P_LISTEN_PORT"`
	Mdns          bool     `yaml:"mdns"      envconfig:"P2P_MDNS"`
	Bootnodes     []string `yaml:"bootnodes" envconfig:"P2P_BOOTNODES"`
	LowWater      int      `yaml:"lowWater"  envconfig:"P2P_LOW_WATER"`
	HighWater     int      `yaml:"highWater" envconfig:"P2P_HIGH_WATER"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"address" envconfig:"METRICS_LISTEN_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"METRICS_LISTEN_PORT"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"DEBUG_PORT"`
}

// Default returns a config populated with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Network: chaincfg.MainNetParams.Name,
		DataDir: "./.retargetd",
		Store: StoreConfig{
			Backend: chain.BackendBolt,
		},
		Rpc: RpcConfig{
			Timeout:      30 * time.Second,
			PollInterval: 5 * time.Second,
			BatchSize:    500,
		},
		P2P: P2PConfig{
			Enabled:       true,
			ListenAddress: "0.0.0.0",
			ListenPort:    9555,
			Mdns:          true,
			LowWater:      50,
			HighWater:     100,
		},
		Metrics: MetricsConfig{
			ListenAddress: "",
			ListenPort:    9556,
		},
		Debug: DebugConfig{
			ListenAddress: "localhost",
			ListenPort:    0,
		},
	}
}

// Singleton config instance with default values
var globalConfig = Default()

// Load reads configFile (if set) over the defaults, then applies
// environment overrides.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// "dummy" keeps envconfig from picking up variables we have not
	// explicitly named in the struct tags
	if err := envconfig.Process("dummy", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// GetConfig returns the global config instance
func GetConfig() *Config {
	return globalConfig
}

// Validate checks the values that cannot be caught at parse time.
func (c *Config) Validate() error {
	if _, err := chaincfg.ParamsForNetwork(c.Network); err != nil {
		return err
	}
	switch c.Store.Backend {
	case chain.BackendMemory, chain.BackendBolt, chain.BackendLevelDB:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != chain.BackendMemory && c.DataDir == "" {
		return fmt.Errorf("dataDir is required for the %s store", c.Store.Backend)
	}
	if c.P2P.Enabled && c.DataDir == "" {
		return fmt.Errorf("dataDir is required for the p2p identity")
	}
	if c.Rpc.BatchSize < 0 {
		return fmt.Errorf("rpc batchSize must not be negative")
	}
	return nil
}

// Params returns the consensus parameters of the configured network.
func (c *Config) Params() *chaincfg.Params {
	params, err := chaincfg.ParamsForNetwork(c.Network)
	if err != nil {
		return nil
	}
	return params
}

// P2PListenMultiaddr returns the libp2p listen address.
func (c *Config) P2PListenMultiaddr() string {
	return fmt.Sprintf("/ip4/%s/tcp/%d", c.P2P.ListenAddress, c.P2P.ListenPort)
}
