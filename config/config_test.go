package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// --- Test Helpers ---

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kizunadb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

// --- Test Cases ---

// TestLoad_EmptyPathReturnsDefaults verifies the zero-config path yields a
// runnable single-node setup.
func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "node-1", cfg.Server.ShardID)
	require.Equal(t, "default", cfg.Server.Keyspace)
	require.NotEmpty(t, cfg.Server.ListenAddr)
	require.Equal(t, cfg.Server.ListenAddr, cfg.Server.AdvertiseAddr)
	require.True(t, cfg.Topology.Bootstrap)
	require.Equal(t, 60*time.Second, cfg.Coordinator.CommitDeadline.Std())
	require.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval.Std())
	require.False(t, cfg.Events.Enabled)
}

// TestLoad_OverridesKeepUnnamedDefaults verifies a partial file changes
// only the keys it names.
func TestLoad_OverridesKeepUnnamedDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  shard_id: shard-west
  listen_addr: 10.0.0.5:9001
coordinator:
  commit_deadline: 750ms
  retry_jitter: 0.5
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "shard-west", cfg.Server.ShardID)
	require.Equal(t, "10.0.0.5:9001", cfg.Server.ListenAddr)
	require.Equal(t, "10.0.0.5:9001", cfg.Server.AdvertiseAddr, "advertise defaults to listen")
	require.Equal(t, 750*time.Millisecond, cfg.Coordinator.CommitDeadline.Std())
	require.Equal(t, 0.5, cfg.Coordinator.RetryJitter)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Everything unnamed keeps its default.
	require.Equal(t, "default", cfg.Server.Keyspace)
	require.Equal(t, 10*time.Second, cfg.Coordinator.CommandTimeout.Std())
	require.Equal(t, 4, cfg.Coordinator.MaxConnsPerShard)
}

// TestLoad_InvalidDurationReported verifies a malformed duration fails
// loudly with the offending value named.
func TestLoad_InvalidDurationReported(t *testing.T) {
	path := writeConfigFile(t, `
coordinator:
  command_timeout: quickly
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "quickly")
}

// TestLoad_MissingFileReported verifies a named-but-absent file is an
// error rather than a silent fallback to defaults.
func TestLoad_MissingFileReported(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// TestDuration_YAMLRoundTrip verifies durations marshal in the notation
// they parse from.
func TestDuration_YAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)})
	require.NoError(t, err)
	require.Contains(t, string(out), "1m30s")

	var in struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal(out, &in))
	require.Equal(t, 90*time.Second, in.D.Std())
}
