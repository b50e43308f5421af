// Package config loads and validates the YAML configuration of a cache node.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"gopkg.in/yaml.v3"

	"github.com/hyp3rd/distcache/internal/libs/serializer"
	"github.com/hyp3rd/distcache/internal/logging"
	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/consistency"
)

// Transport kinds.
const (
	TransportHTTP      = "http"
	TransportInProcess = "inprocess"
)

// Config is the complete node configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	TTL          TTLConfig          `yaml:"ttl"`
	Consistency  ConsistencyConfig  `yaml:"consistency"`
	Transport    TransportConfig    `yaml:"transport"`
	Management   ManagementConfig   `yaml:"management"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Logging      logging.Config     `yaml:"logging"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	// ID is derived from host:port when empty.
	ID                 string            `yaml:"id"`
	Host               string            `yaml:"host"`
	Port               int               `yaml:"port"`
	HeartbeatInterval  time.Duration     `yaml:"heartbeat_interval"`
	HealthCheckTimeout time.Duration     `yaml:"health_check_timeout"`
	Metadata           map[string]string `yaml:"metadata"`
}

// PeerConfig is a statically known peer.
type PeerConfig struct {
	ID   string `json:"id"   yaml:"id"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ClusterConfig controls placement and replication.
type ClusterConfig struct {
	ReplicationFactor int          `yaml:"replication_factor"`
	EnableReplication bool         `yaml:"enable_replication"`
	VirtualNodes      int          `yaml:"virtual_nodes"`
	Peers             []PeerConfig `yaml:"peers"`
}

// TTLConfig controls expiry.
type TTLConfig struct {
	Default         time.Duration `yaml:"default"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ConsistencyConfig controls the default level and the audit loop.
type ConsistencyConfig struct {
	DefaultLevel  consistency.Level `yaml:"default_level"`
	AuditInterval time.Duration     `yaml:"audit_interval"`
	SampleSize    int               `yaml:"sample_size"`
	SkewTolerance time.Duration     `yaml:"skew_tolerance"`
	RepairRate    float64           `yaml:"repair_rate"`
	RepairBurst   int               `yaml:"repair_burst"`
}

// TransportConfig selects the inter-node transport.
type TransportConfig struct {
	Kind       string        `yaml:"kind"`
	Serializer string        `yaml:"serializer"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ManagementConfig controls the admin HTTP endpoint. An empty Addr disables it.
type ManagementConfig struct {
	Addr string `yaml:"addr"`
}

// InvalidationConfig enables the Redis invalidation bus when RedisAddr is set.
type InvalidationConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

// Defaults returns a single node configuration listening on localhost:7946.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			Host:               "127.0.0.1",
			Port:               7946,
			HeartbeatInterval:  5 * time.Second,
			HealthCheckTimeout: 10 * time.Second,
		},
		Cluster: ClusterConfig{
			ReplicationFactor: 3,
			EnableReplication: true,
			VirtualNodes:      150,
		},
		TTL: TTLConfig{
			Default:         300 * time.Second,
			CleanupInterval: 60 * time.Second,
		},
		Consistency: ConsistencyConfig{
			DefaultLevel:  consistency.Quorum,
			AuditInterval: 60 * time.Second,
			SampleSize:    100,
			SkewTolerance: time.Second,
			RepairRate:    50,
			RepairBurst:   10,
		},
		Transport: TransportConfig{
			Kind:       TransportHTTP,
			Serializer: serializer.Msgpack,
			Timeout:    2 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads and validates the file at path on top of Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ewrap.Wrapf(err, "read config %s", path)
	}

	return Parse(data)
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()

	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, ewrap.Wrap(err, "decode config")
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.Host) == "" || !validPort(c.Node.Port) {
		return ewrap.Wrapf(sentinel.ErrInvalidAddress, "node %s:%d", c.Node.Host, c.Node.Port)
	}

	for _, p := range c.Cluster.Peers {
		if strings.TrimSpace(p.Host) == "" || !validPort(p.Port) {
			return ewrap.Wrapf(sentinel.ErrInvalidAddress, "peer %s:%d", p.Host, p.Port)
		}
	}

	if c.Cluster.ReplicationFactor < 1 {
		return ewrap.Wrapf(sentinel.ErrInvalidReplicationFactor, "%d", c.Cluster.ReplicationFactor)
	}

	intervals := map[string]time.Duration{
		"node.heartbeat_interval":    c.Node.HeartbeatInterval,
		"node.health_check_timeout":  c.Node.HealthCheckTimeout,
		"ttl.default":                c.TTL.Default,
		"ttl.cleanup_interval":       c.TTL.CleanupInterval,
		"consistency.audit_interval": c.Consistency.AuditInterval,
		"transport.timeout":          c.Transport.Timeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			return ewrap.Wrap(sentinel.ErrInvalidInterval, name)
		}
	}

	if c.Consistency.DefaultLevel < consistency.One || c.Consistency.DefaultLevel > consistency.All {
		return ewrap.Wrapf(sentinel.ErrInvalidConsistencyLevel, "%d", int(c.Consistency.DefaultLevel))
	}

	switch c.Transport.Kind {
	case TransportHTTP, TransportInProcess:
	default:
		return ewrap.Newf("unknown transport kind %q", c.Transport.Kind)
	}

	_, err := serializer.New(c.Transport.Serializer)
	if err != nil {
		return err
	}

	return nil
}
