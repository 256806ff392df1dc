package utils

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/iggy-rs/iggy/utils/log"
)

// Confirmation controls whether an append blocks until the segment data is
// fsynced to disk (wait) or returns as soon as it is buffered (no_wait).
type Confirmation int

const (
	ConfirmWait Confirmation = iota
	ConfirmNoWait
)

func ParseConfirmation(s string) (Confirmation, error) {
	switch strings.ToLower(s) {
	case "", "wait":
		return ConfirmWait, nil
	case "no_wait", "nowait":
		return ConfirmNoWait, nil
	}
	return ConfirmWait, fmt.Errorf("invalid confirmation mode: %q", s)
}

func (c Confirmation) String() string {
	if c == ConfirmNoWait {
		return "no_wait"
	}
	return "wait"
}

type CacheConfig struct {
	Enabled   bool
	SizeBytes uint64
}

type SegmentConfig struct {
	// SizeBytes is the threshold after which a segment seals and the
	// partition rolls over to a new one.
	SizeBytes uint32
	// IndexInterval is the number of messages between two offset/time
	// index entries. Lookups fall back to a linear scan inside an interval.
	IndexInterval uint32
	// MessagesRequiredToSave is the number of buffered messages that
	// triggers a flush of the segment writer.
	MessagesRequiredToSave uint32
	Confirmation           Confirmation
	// Compress enables snappy compression of message payloads on disk.
	Compress bool
}

type PartitionConfig struct {
	DeduplicateMessages bool
	// DedupWindowSize is the number of recent message IDs remembered per
	// partition when deduplication is enabled.
	DedupWindowSize  int
	ValidateChecksum bool
}

type RetentionConfig struct {
	// Interval between retention sweeps. Zero disables the sweeper.
	Interval time.Duration
	// MessageExpiry is the default expiry for topics that do not set one.
	// Zero means messages never expire.
	MessageExpiry time.Duration
	// MaxPartitionSizeBytes caps the total on-disk size of a partition.
	// Oldest sealed segments are deleted first. Zero means unbounded.
	MaxPartitionSizeBytes uint64
	// SweepWorkers is the number of partitions cleaned concurrently.
	SweepWorkers int
}

// SystemConfig is the explicit configuration object handed to every component
// constructor. There is deliberately no package-level instance.
type SystemConfig struct {
	RootDirectory     string
	MetricsListenPort string
	Cache             CacheConfig
	Segment           SegmentConfig
	Partition         PartitionConfig
	Retention         RetentionConfig
}

func NewDefaultConfig() *SystemConfig {
	return &SystemConfig{
		RootDirectory: "local_data",
		Cache: CacheConfig{
			Enabled:   true,
			SizeBytes: 64 * bytefmt.MEGABYTE,
		},
		Segment: SegmentConfig{
			SizeBytes:              bytefmt.GIGABYTE,
			IndexInterval:          100,
			MessagesRequiredToSave: 1000,
			Confirmation:           ConfirmWait,
		},
		Partition: PartitionConfig{
			DedupWindowSize: 10000,
		},
		Retention: RetentionConfig{
			Interval:     time.Minute,
			SweepWorkers: 4,
		},
	}
}

// ParseConfig parses the YAML server configuration and applies IGGY_* env
// overrides on top of it. Byte sizes accept human-readable strings ("512MB").
func ParseConfig(data []byte) (*SystemConfig, error) {
	var aux struct {
		RootDirectory     string `yaml:"root_directory"`
		LogLevel          string `yaml:"log_level"`
		MetricsListenPort string `yaml:"metrics_listen_port"`
		Cache             struct {
			Enabled *bool  `yaml:"enabled"`
			Size    string `yaml:"size"`
		} `yaml:"cache"`
		Segment struct {
			Size                   string `yaml:"size"`
			IndexInterval          uint32 `yaml:"index_interval"`
			MessagesRequiredToSave uint32 `yaml:"messages_required_to_save"`
			ServerConfirmation     string `yaml:"server_confirmation"`
			Compress               string `yaml:"compress"`
		} `yaml:"segment"`
		Partition struct {
			DeduplicateMessages string `yaml:"deduplicate_messages"`
			DedupWindowSize     int    `yaml:"dedup_window_size"`
			ValidateChecksum    string `yaml:"validate_checksum"`
		} `yaml:"partition"`
		Retention struct {
			Interval         string `yaml:"interval"`
			MessageExpiry    string `yaml:"message_expiry"`
			MaxPartitionSize string `yaml:"max_partition_size"`
			SweepWorkers     int    `yaml:"sweep_workers"`
		} `yaml:"retention"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, err
	}

	m := NewDefaultConfig()
	if aux.RootDirectory != "" {
		m.RootDirectory = aux.RootDirectory
	}
	if aux.LogLevel != "" {
		log.SetLevelFromString(aux.LogLevel)
	}
	m.MetricsListenPort = aux.MetricsListenPort

	if aux.Cache.Enabled != nil {
		m.Cache.Enabled = *aux.Cache.Enabled
	}
	if aux.Cache.Size != "" {
		size, err := bytefmt.ToBytes(aux.Cache.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid cache size %q: %w", aux.Cache.Size, err)
		}
		m.Cache.SizeBytes = size
	}

	if aux.Segment.Size != "" {
		size, err := bytefmt.ToBytes(aux.Segment.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid segment size %q: %w", aux.Segment.Size, err)
		}
		// Segment sizes are tracked as uint32; reject values a silent cast
		// would turn into a zero threshold.
		if size == 0 || size > math.MaxUint32 {
			return nil, fmt.Errorf("segment size %q out of range: must be between 1 byte and 4GB", aux.Segment.Size)
		}
		m.Segment.SizeBytes = uint32(size)
	}
	if aux.Segment.IndexInterval != 0 {
		m.Segment.IndexInterval = aux.Segment.IndexInterval
	}
	if aux.Segment.MessagesRequiredToSave != 0 {
		m.Segment.MessagesRequiredToSave = aux.Segment.MessagesRequiredToSave
	}
	if aux.Segment.ServerConfirmation != "" {
		confirmation, err := ParseConfirmation(aux.Segment.ServerConfirmation)
		if err != nil {
			return nil, err
		}
		m.Segment.Confirmation = confirmation
	}
	if err := parseOptionalBool(aux.Segment.Compress, &m.Segment.Compress, "segment.compress"); err != nil {
		return nil, err
	}

	if err := parseOptionalBool(aux.Partition.DeduplicateMessages,
		&m.Partition.DeduplicateMessages, "partition.deduplicate_messages"); err != nil {
		return nil, err
	}
	if aux.Partition.DedupWindowSize != 0 {
		m.Partition.DedupWindowSize = aux.Partition.DedupWindowSize
	}
	if err := parseOptionalBool(aux.Partition.ValidateChecksum,
		&m.Partition.ValidateChecksum, "partition.validate_checksum"); err != nil {
		return nil, err
	}

	if aux.Retention.Interval != "" {
		interval, err := time.ParseDuration(aux.Retention.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid retention interval %q: %w", aux.Retention.Interval, err)
		}
		m.Retention.Interval = interval
	}
	if aux.Retention.MessageExpiry != "" {
		expiry, err := time.ParseDuration(aux.Retention.MessageExpiry)
		if err != nil {
			return nil, fmt.Errorf("invalid message expiry %q: %w", aux.Retention.MessageExpiry, err)
		}
		m.Retention.MessageExpiry = expiry
	}
	if aux.Retention.MaxPartitionSize != "" {
		size, err := bytefmt.ToBytes(aux.Retention.MaxPartitionSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max partition size %q: %w", aux.Retention.MaxPartitionSize, err)
		}
		m.Retention.MaxPartitionSizeBytes = size
	}
	if aux.Retention.SweepWorkers != 0 {
		m.Retention.SweepWorkers = aux.Retention.SweepWorkers
	}

	if err := m.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return m, nil
}

// Environment variables understood by the engine. These take precedence over
// the YAML file so benchmark harnesses can flip them without editing configs.
const (
	EnvSystemPath         = "IGGY_SYSTEM_PATH"
	EnvConfigPath         = "IGGY_CONFIG_PATH"
	EnvCacheEnabled       = "IGGY_SYSTEM_CACHE_ENABLED"
	EnvCacheSize          = "IGGY_SYSTEM_CACHE_SIZE"
	EnvServerConfirmation = "IGGY_SYSTEM_SEGMENT_SERVER_CONFIRMATION"
)

func (m *SystemConfig) applyEnvOverrides() error {
	if v := os.Getenv(EnvSystemPath); v != "" {
		m.RootDirectory = v
	}
	if v := os.Getenv(EnvCacheEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			log.Error("Invalid value %q for %s, keeping cache_enabled=%v", v, EnvCacheEnabled, m.Cache.Enabled)
		} else {
			m.Cache.Enabled = enabled
		}
	}
	if v := os.Getenv(EnvCacheSize); v != "" {
		size, err := bytefmt.ToBytes(v)
		if err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", v, EnvCacheSize, err)
		}
		m.Cache.SizeBytes = size
	}
	if v := os.Getenv(EnvServerConfirmation); v != "" {
		confirmation, err := ParseConfirmation(v)
		if err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", v, EnvServerConfirmation, err)
		}
		m.Segment.Confirmation = confirmation
	}
	return nil
}

func parseOptionalBool(value string, target *bool, name string) error {
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, name, err)
	}
	*target = parsed
	return nil
}

// Path helpers; the on-disk layout is
// {root}/streams/{stream}/topics/{topic}/partitions/{partition}.

func (m *SystemConfig) StreamsPath() string {
	return m.RootDirectory + "/streams"
}

func (m *SystemConfig) StreamPath(streamID uint32) string {
	return fmt.Sprintf("%s/%d", m.StreamsPath(), streamID)
}

func (m *SystemConfig) TopicsPath(streamID uint32) string {
	return m.StreamPath(streamID) + "/topics"
}

func (m *SystemConfig) TopicPath(streamID, topicID uint32) string {
	return fmt.Sprintf("%s/%d", m.TopicsPath(streamID), topicID)
}

func (m *SystemConfig) PartitionsPath(streamID, topicID uint32) string {
	return m.TopicPath(streamID, topicID) + "/partitions"
}

func (m *SystemConfig) PartitionPath(streamID, topicID, partitionID uint32) string {
	return fmt.Sprintf("%s/%d", m.PartitionsPath(streamID, topicID), partitionID)
}
