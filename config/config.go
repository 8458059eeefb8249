// Package config holds the YAML configuration shared by the KizunaDB
// binaries. Every field has a default, so an empty or absent file yields a
// runnable single-node setup; command-line flags override individual
// fields on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kizunadb/kizunadb/pkg/logger"
	"github.com/kizunadb/kizunadb/pkg/telemetry"
)

// Duration is a time.Duration that reads and writes YAML in the
// "750ms"/"5s" notation instead of raw nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig describes this node's identity and listen endpoints.
type ServerConfig struct {
	// ShardID names this node. It doubles as the raft server id on
	// coordinator nodes.
	ShardID  string `yaml:"shard_id"`
	Keyspace string `yaml:"keyspace"`

	// ListenAddr serves the newline-delimited JSON command protocol.
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is the command address other nodes register for this
	// shard; defaults to ListenAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// AdminAddr serves the HTTP admin and cluster-management surface.
	AdminAddr string `yaml:"admin_addr"`
	// HealthAddr serves the gRPC health protocol.
	HealthAddr string `yaml:"health_addr"`

	// CoordinatorAdminAddr is the admin endpoint of a coordinator node a
	// shard server heartbeats to and registers with. Empty disables it.
	CoordinatorAdminAddr string   `yaml:"coordinator_admin_addr"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
}

// CoordinatorConfig paces the two-phase commit machinery.
type CoordinatorConfig struct {
	// CommitDeadline bounds how long a coordinator may run without a
	// durable decision before aborting itself.
	CommitDeadline Duration `yaml:"commit_deadline"`
	// CommandTimeout bounds one remote command exchange.
	CommandTimeout Duration `yaml:"command_timeout"`
	// ResolveTimeout bounds the wait for a shard address to appear in the
	// topology.
	ResolveTimeout Duration `yaml:"resolve_timeout"`

	RetryInitial Duration `yaml:"retry_initial"`
	RetryMax     Duration `yaml:"retry_max"`
	RetryJitter  float64  `yaml:"retry_jitter"`

	// MaxConnsPerShard caps pooled TCP connections per participant.
	MaxConnsPerShard int      `yaml:"max_conns_per_shard"`
	DialTimeout      Duration `yaml:"dial_timeout"`
}

// TopologyConfig drives the raft-replicated shard map. The raft server id
// comes from ServerConfig.ShardID.
type TopologyConfig struct {
	RaftBindAddr      string `yaml:"raft_bind_addr"`
	RaftAdvertiseAddr string `yaml:"raft_advertise_addr"`
	DataDir           string `yaml:"data_dir"`
	// Bootstrap starts a fresh single-node cluster; restarts with
	// existing state ignore it.
	Bootstrap bool `yaml:"bootstrap"`
	// JoinAddr is the admin endpoint of an existing cluster member to
	// join through instead of bootstrapping.
	JoinAddr string `yaml:"join_addr"`
}

// EventsConfig controls the decision event stream to downstream observers.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	URLPath string `yaml:"url_path"`
	// ServerName overrides the TLS server name when it differs from Addr.
	ServerName string `yaml:"server_name"`
	// CAFile verifies the receiver's certificate. Empty trusts the
	// process-generated development certificate.
	CAFile string `yaml:"ca_file"`

	QueueCapacity      int `yaml:"queue_capacity"`
	NumConnections     int `yaml:"num_connections"`
	EnqueueBytesPerSec int `yaml:"enqueue_bytes_per_sec"`
}

// Config is the root of a node's configuration file.
type Config struct {
	Logging     logger.Config     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Topology    TopologyConfig    `yaml:"topology"`
	Events      EventsConfig      `yaml:"events"`
}

// Default returns the single-node development configuration.
func Default() Config {
	return Config{
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "kizunadb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Server: ServerConfig{
			ShardID:           "node-1",
			Keyspace:          "default",
			ListenAddr:        "127.0.0.1:9001",
			AdminAddr:         "127.0.0.1:9101",
			HealthAddr:        "127.0.0.1:9201",
			HeartbeatInterval: Duration(5 * time.Second),
		},
		Coordinator: CoordinatorConfig{
			CommitDeadline:   Duration(60 * time.Second),
			CommandTimeout:   Duration(10 * time.Second),
			ResolveTimeout:   Duration(20 * time.Second),
			RetryInitial:     Duration(50 * time.Millisecond),
			RetryMax:         Duration(time.Second),
			RetryJitter:      0.2,
			MaxConnsPerShard: 4,
			DialTimeout:      Duration(5 * time.Second),
		},
		Topology: TopologyConfig{
			RaftBindAddr: "127.0.0.1:9301",
			DataDir:      "data",
			Bootstrap:    true,
		},
		Events: EventsConfig{
			Enabled:       false,
			URLPath:       "/events",
			QueueCapacity: 4096,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// untouched; absent keys in the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills fields that default to other fields. Load calls it, and
// callers that override fields afterwards should call it again.
func (c *Config) Normalize() {
	if c.Server.AdvertiseAddr == "" {
		c.Server.AdvertiseAddr = c.Server.ListenAddr
	}
}
