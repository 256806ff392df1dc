package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	yaml := `
root_directory: /var/lib/iggy
metrics_listen_port: "9091"
cache:
  enabled: true
  size: 128MB
segment:
  size: 512MB
  index_interval: 50
  messages_required_to_save: 200
  server_confirmation: no_wait
  compress: "true"
partition:
  deduplicate_messages: "true"
  dedup_window_size: 5000
  validate_checksum: "true"
retention:
  interval: 30s
  message_expiry: 24h
  max_partition_size: 2GB
  sweep_workers: 8
`
	cfg, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/iggy", cfg.RootDirectory)
	assert.Equal(t, "9091", cfg.MetricsListenPort)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, uint64(128*1024*1024), cfg.Cache.SizeBytes)
	assert.Equal(t, uint32(512*1024*1024), cfg.Segment.SizeBytes)
	assert.Equal(t, uint32(50), cfg.Segment.IndexInterval)
	assert.Equal(t, uint32(200), cfg.Segment.MessagesRequiredToSave)
	assert.Equal(t, ConfirmNoWait, cfg.Segment.Confirmation)
	assert.True(t, cfg.Segment.Compress)
	assert.True(t, cfg.Partition.DeduplicateMessages)
	assert.Equal(t, 5000, cfg.Partition.DedupWindowSize)
	assert.True(t, cfg.Partition.ValidateChecksum)
	assert.Equal(t, 30*time.Second, cfg.Retention.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Retention.MessageExpiry)
	assert.Equal(t, uint64(2*1024*1024*1024), cfg.Retention.MaxPartitionSizeBytes)
	assert.Equal(t, 8, cfg.Retention.SweepWorkers)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	require.NoError(t, err)

	defaults := NewDefaultConfig()
	assert.Equal(t, defaults.RootDirectory, cfg.RootDirectory)
	assert.Equal(t, defaults.Cache, cfg.Cache)
	assert.Equal(t, defaults.Segment, cfg.Segment)
	assert.Equal(t, defaults.Partition, cfg.Partition)
	assert.Equal(t, defaults.Retention, cfg.Retention)
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	_, err := ParseConfig([]byte("cache:\n  size: lots\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("segment:\n  server_confirmation: sometimes\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("retention:\n  interval: weekly\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("partition:\n  deduplicate_messages: maybe\n"))
	assert.Error(t, err)
}

func TestParseConfigSegmentSizeBounds(t *testing.T) {
	_, err := ParseConfig([]byte("segment:\n  size: 8GB\n"))
	assert.Error(t, err)

	// Exactly 4GB overflows the uint32 size threshold too.
	_, err = ParseConfig([]byte("segment:\n  size: 4GB\n"))
	assert.Error(t, err)

	cfg, err := ParseConfig([]byte("segment:\n  size: 2GB\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2*1024*1024*1024), cfg.Segment.SizeBytes)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvSystemPath, "/tmp/iggy-data")
	t.Setenv(EnvCacheEnabled, "false")
	t.Setenv(EnvCacheSize, "32MB")
	t.Setenv(EnvServerConfirmation, "no_wait")

	cfg, err := ParseConfig([]byte("root_directory: /ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/iggy-data", cfg.RootDirectory)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, uint64(32*1024*1024), cfg.Cache.SizeBytes)
	assert.Equal(t, ConfirmNoWait, cfg.Segment.Confirmation)
}

func TestParseConfirmation(t *testing.T) {
	c, err := ParseConfirmation("wait")
	require.NoError(t, err)
	assert.Equal(t, ConfirmWait, c)
	c, err = ParseConfirmation("no_wait")
	require.NoError(t, err)
	assert.Equal(t, ConfirmNoWait, c)
	c, err = ParseConfirmation("")
	require.NoError(t, err)
	assert.Equal(t, ConfirmWait, c)
	_, err = ParseConfirmation("later")
	assert.Error(t, err)

	assert.Equal(t, "wait", ConfirmWait.String())
	assert.Equal(t, "no_wait", ConfirmNoWait.String())
}

func TestPathLayout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RootDirectory = "/data"
	assert.Equal(t, "/data/streams", cfg.StreamsPath())
	assert.Equal(t, "/data/streams/1", cfg.StreamPath(1))
	assert.Equal(t, "/data/streams/1/topics/2", cfg.TopicPath(1, 2))
	assert.Equal(t, "/data/streams/1/topics/2/partitions/3", cfg.PartitionPath(1, 2, 3))
}
