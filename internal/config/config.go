// Package config loads a node's TOML configuration file and applies
// defaults and validation before any subsystem sees it.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
)

// Config is a node's full runtime configuration.
type Config struct {
	MetadataDir       string   `toml:"metadata_dir"`
	RPCBindAddr       string   `toml:"rpc_bind_addr"`
	RPCPublicAddr     string   `toml:"rpc_public_addr"`
	BootstrapPeers    []string `toml:"bootstrap_peers"`
	ReplicationFactor int      `toml:"replication_factor"`
	RPCSecret         string   `toml:"rpc_secret"`

	// MetricsBindAddr, when set, serves prometheus metrics over HTTP
	// at /metrics.
	MetricsBindAddr string `toml:"metrics_bind_addr"`

	// DNSSRVService/Proto/Domain configure the optional DNS-SRV
	// discovery adapter; all peers found under the record are dialed
	// as bootstrap candidates.
	DNSSRVService string `toml:"dns_srv_service"`
	DNSSRVProto   string `toml:"dns_srv_proto"`
	DNSSRVDomain  string `toml:"dns_srv_domain"`

	PingInterval      Duration `toml:"ping_interval"`
	PingTimeout       Duration `toml:"ping_timeout"`
	MaxFailedPings    int      `toml:"max_failed_pings"`
	DiscoveryInterval Duration `toml:"discovery_interval"`
	StatusInterval    Duration `toml:"status_exchange_interval"`
}

// Defaults for the loop tunables: intervals and timeouts in seconds,
// DefaultMaxFailedPings as a count of consecutive failures.
const (
	DefaultPingInterval      = 10
	DefaultPingTimeout       = 2
	DefaultMaxFailedPings    = 3
	DefaultDiscoveryInterval = 60
	DefaultStatusInterval    = 10
)

// Load reads and parses a TOML config file at path, applying defaults
// for any zero-valued duration or count field, and overriding RPCSecret
// from the RPC_SECRET environment variable when set (so the secret
// never needs to be committed to the config file on disk).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "reading config file", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.BadRequest, "parsing config file", err)
	}

	applyDefaults(&cfg)

	if secret := os.Getenv("RPC_SECRET"); secret != "" {
		cfg.RPCSecret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = Duration(DefaultPingInterval)
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = Duration(DefaultPingTimeout)
	}
	if cfg.MaxFailedPings == 0 {
		cfg.MaxFailedPings = DefaultMaxFailedPings
	}
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = Duration(DefaultDiscoveryInterval)
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = Duration(DefaultStatusInterval)
	}
}

func (cfg *Config) validate() error {
	if cfg.MetadataDir == "" {
		return errs.New(errs.BadRequest, "metadata_dir is required")
	}
	if cfg.RPCBindAddr == "" {
		return errs.New(errs.BadRequest, "rpc_bind_addr is required")
	}
	if cfg.ReplicationFactor < 1 {
		return errs.New(errs.BadRequest, "replication_factor must be at least 1")
	}
	if cfg.RPCSecret == "" {
		return errs.New(errs.BadRequest, "rpc_secret is required (set in config or RPC_SECRET env var)")
	}
	return nil
}

// Duration is a whole number of seconds, the unit every interval field
// in the config file is expressed in.
type Duration int

func (d Duration) String() string {
	return fmt.Sprintf("%ds", int(d))
}
