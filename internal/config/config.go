package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Balancing BalancingConfig `mapstructure:"balancing"`
	API       APIConfig       `mapstructure:"api"`
}

// NodeConfig holds per-node configuration
type NodeConfig struct {
	// Hostname overrides the os hostname used as cluster identity.
	Hostname string `mapstructure:"hostname"`
	DataDir  string `mapstructure:"dataDir"`
	// DryRun replaces the speaker driver with the in-memory one.
	DryRun bool `mapstructure:"dryRun"`
}

// ClusterConfig holds the protocol constants. They must match on every
// member of the cluster.
type ClusterConfig struct {
	App                     int32         `mapstructure:"app"`
	Version                 int32         `mapstructure:"version"`
	Port                    int           `mapstructure:"port"`
	BroadcastAddress        string        `mapstructure:"broadcastAddress"`
	NodeAvailabilityCheck   time.Duration `mapstructure:"nodeAvailabilityCheck"`
	MasterAvailabilityCheck time.Duration `mapstructure:"masterAvailabilityCheck"`
	MasterPingInterval      time.Duration `mapstructure:"masterPingInterval"`
	SlavePingInterval       time.Duration `mapstructure:"slavePingInterval"`
	DialTimeout             time.Duration `mapstructure:"dialTimeout"`
}

// BalancingConfig holds the volume balancing settings
type BalancingConfig struct {
	GracePeriod       time.Duration `mapstructure:"gracePeriod"`
	DiscoveryInterval time.Duration `mapstructure:"discoveryInterval"`
	PowerParam        float64       `mapstructure:"powerParam"`
}

// APIConfig holds the status API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.hostname", "")
	v.SetDefault("node.dataDir", "./data")
	v.SetDefault("node.dryRun", false)
	v.SetDefault("cluster.app", 828369)
	v.SetDefault("cluster.version", 1)
	v.SetDefault("cluster.port", 5605)
	v.SetDefault("cluster.broadcastAddress", "255.255.255.255")
	v.SetDefault("cluster.nodeAvailabilityCheck", 35*time.Second)
	v.SetDefault("cluster.masterAvailabilityCheck", 35*time.Second)
	v.SetDefault("cluster.masterPingInterval", 10*time.Second)
	v.SetDefault("cluster.slavePingInterval", 5*time.Second)
	v.SetDefault("cluster.dialTimeout", 2*time.Second)
	v.SetDefault("balancing.gracePeriod", 3*time.Second)
	v.SetDefault("balancing.discoveryInterval", 15*time.Second)
	v.SetDefault("balancing.powerParam", 1.5)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/realstereo")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REALSTEREO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
