package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/partition"
	"github.com/iggy-rs/iggy/storage"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// PartitioningKind selects how appended messages are routed to a partition.
type PartitioningKind uint8

const (
	// PartitioningBalanced spreads batches round-robin across partitions.
	PartitioningBalanced PartitioningKind = iota
	// PartitioningPartitionID routes to an explicitly chosen partition.
	PartitioningPartitionID
	// PartitioningMessageKey hashes a caller-supplied key, so one key always
	// lands on the same partition.
	PartitioningMessageKey
)

// Partitioning pairs a partitioning kind with its argument.
type Partitioning struct {
	Kind        PartitioningKind
	PartitionID uint32
	MessageKey  []byte
}

func PartitionBalanced() Partitioning {
	return Partitioning{Kind: PartitioningBalanced}
}

func PartitionByID(id uint32) Partitioning {
	return Partitioning{Kind: PartitioningPartitionID, PartitionID: id}
}

func PartitionByKey(key []byte) Partitioning {
	return Partitioning{Kind: PartitioningMessageKey, MessageKey: key}
}

// Topic groups a fixed set of partitions under one name. Partition IDs are
// 1-based and stay stable for the topic's lifetime, so message-key routing
// never moves a key between partitions.
type Topic struct {
	sync.RWMutex
	StreamID  uint32
	ID        uint32
	Name      string
	Path      string
	CreatedAt int64

	// MessageExpiry bounds message lifetime for every partition of the
	// topic; zero falls back to the server-wide retention setting.
	MessageExpiry time.Duration

	partitions   map[uint32]*partition.Partition
	partitionIDs []uint32
	groups       map[uint32]*ConsumerGroup
	roundRobin   uint32

	cfg     *utils.SystemConfig
	tracker *cache.MemoryTracker
}

func newTopic(cfg *utils.SystemConfig, tracker *cache.MemoryTracker,
	streamID, id uint32, name string, messageExpiry time.Duration,
) *Topic {
	return &Topic{
		StreamID:      streamID,
		ID:            id,
		Name:          name,
		Path:          cfg.TopicPath(streamID, id),
		CreatedAt:     time.Now().UnixMicro(),
		MessageExpiry: messageExpiry,
		partitions:    make(map[uint32]*partition.Partition),
		groups:        make(map[uint32]*ConsumerGroup),
		cfg:           cfg,
		tracker:       tracker,
	}
}

func createTopic(cfg *utils.SystemConfig, tracker *cache.MemoryTracker,
	streamID, id uint32, name string, partitionsCount uint32, messageExpiry time.Duration,
) (*Topic, error) {
	if partitionsCount == 0 {
		return nil, InvalidPartitionCountError("0")
	}
	t := newTopic(cfg, tracker, streamID, id, name, messageExpiry)
	if err := os.MkdirAll(cfg.PartitionsPath(streamID, id), 0o750); err != nil {
		return nil, err
	}
	for partitionID := uint32(1); partitionID <= partitionsCount; partitionID++ {
		p, err := partition.CreatePartition(cfg, streamID, id, partitionID, messageExpiry, tracker)
		if err != nil {
			return nil, err
		}
		t.partitions[partitionID] = p
		t.partitionIDs = append(t.partitionIDs, partitionID)
	}
	if err := t.saveMetadata(); err != nil {
		return nil, err
	}
	log.Info("Created topic %s (ID %d) in stream %d with %d partitions", name, id, streamID, partitionsCount)
	return t, nil
}

func loadTopic(cfg *utils.SystemConfig, tracker *cache.MemoryTracker, streamID, id uint32) (*Topic, error) {
	var meta topicMetadata
	if err := loadMetadata(filepath.Join(cfg.TopicPath(streamID, id), topicMetadataFile), &meta); err != nil {
		return nil, errors.Wrapf(err, "load metadata of topic %d", id)
	}
	t := newTopic(cfg, tracker, streamID, id, meta.Name, time.Duration(meta.MessageExpiry)*time.Microsecond)
	t.CreatedAt = meta.CreatedAt

	entries, err := os.ReadDir(cfg.PartitionsPath(streamID, id))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		partitionID, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("Skipping unrecognized partition directory %s in topic %d", entry.Name(), id)
			continue
		}
		p, err := partition.LoadPartition(cfg, streamID, id, uint32(partitionID), t.MessageExpiry, tracker)
		if err != nil {
			return nil, errors.Wrapf(err, "load partition %d of topic %d", partitionID, id)
		}
		t.partitions[uint32(partitionID)] = p
		t.partitionIDs = append(t.partitionIDs, uint32(partitionID))
	}
	sort.Slice(t.partitionIDs, func(i, j int) bool { return t.partitionIDs[i] < t.partitionIDs[j] })
	log.Info("Loaded topic %s (ID %d) in stream %d with %d partitions", t.Name, id, streamID, len(t.partitions))
	return t, nil
}

func (t *Topic) saveMetadata() error {
	return saveMetadata(filepath.Join(t.Path, topicMetadataFile), &topicMetadata{
		ID:            t.ID,
		Name:          t.Name,
		CreatedAt:     t.CreatedAt,
		MessageExpiry: int64(t.MessageExpiry / time.Microsecond),
	})
}

// Append routes the batch to a partition per the partitioning argument and
// appends it there. Returns the partition that took the batch and the offset
// range assigned.
func (t *Topic) Append(partitioning Partitioning, messages []*storage.Message) (uint32, uint64, uint64, error) {
	partitionID, err := t.resolvePartitionID(partitioning)
	if err != nil {
		return 0, 0, 0, err
	}
	p, err := t.Partition(partitionID)
	if err != nil {
		return 0, 0, 0, err
	}
	start, end, err := p.Append(messages)
	if err != nil {
		return 0, 0, 0, err
	}
	return partitionID, start, end, nil
}

func (t *Topic) resolvePartitionID(partitioning Partitioning) (uint32, error) {
	t.RLock()
	defer t.RUnlock()
	// A crash between the metadata write and the first partition creation
	// can leave a topic with no partitions on disk.
	if len(t.partitionIDs) == 0 {
		return 0, PartitionNotFoundError("topic " + strconv.FormatUint(uint64(t.ID), 10) + " has no partitions")
	}
	switch partitioning.Kind {
	case PartitioningBalanced:
		next := atomic.AddUint32(&t.roundRobin, 1) - 1
		return t.partitionIDs[next%uint32(len(t.partitionIDs))], nil
	case PartitioningPartitionID:
		return partitioning.PartitionID, nil
	case PartitioningMessageKey:
		hash := xxhash.Sum64(partitioning.MessageKey)
		return t.partitionIDs[hash%uint64(len(t.partitionIDs))], nil
	default:
		return 0, InvalidPartitioningError(strconv.Itoa(int(partitioning.Kind)))
	}
}

// Poll reads messages from one partition of the topic on behalf of the
// consumer.
func (t *Topic) Poll(consumer partition.Consumer, partitionID uint32,
	strategy partition.PollStrategy, count uint32, autoCommit bool,
) ([]*storage.Message, error) {
	p, err := t.Partition(partitionID)
	if err != nil {
		return nil, err
	}
	return p.Poll(consumer, strategy, count, autoCommit)
}

// Partition returns the partition with the given ID.
func (t *Topic) Partition(id uint32) (*partition.Partition, error) {
	t.RLock()
	defer t.RUnlock()
	p, ok := t.partitions[id]
	if !ok {
		return nil, PartitionNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	return p, nil
}

// Partitions returns the topic's partitions ordered by ID.
func (t *Topic) Partitions() []*partition.Partition {
	t.RLock()
	defer t.RUnlock()
	out := make([]*partition.Partition, 0, len(t.partitionIDs))
	for _, id := range t.partitionIDs {
		out = append(out, t.partitions[id])
	}
	return out
}

// PartitionIDs returns the topic's partition IDs in ascending order.
func (t *Topic) PartitionIDs() []uint32 {
	t.RLock()
	defer t.RUnlock()
	out := make([]uint32, len(t.partitionIDs))
	copy(out, t.partitionIDs)
	return out
}

// MessagesCount returns the number of retained messages across all
// partitions.
func (t *Topic) MessagesCount() uint64 {
	var count uint64
	for _, p := range t.Partitions() {
		count += p.MessagesCount()
	}
	return count
}

// SizeBytes returns the on-disk size of the topic across all partitions.
func (t *Topic) SizeBytes() uint64 {
	var size uint64
	for _, p := range t.Partitions() {
		size += p.SizeBytes()
	}
	return size
}

// Persist flushes every partition's active segment.
func (t *Topic) Persist(confirmation utils.Confirmation) error {
	for _, p := range t.Partitions() {
		if err := p.Persist(confirmation); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) close() error {
	for _, p := range t.Partitions() {
		if err := p.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) delete() error {
	for _, p := range t.Partitions() {
		if err := p.Delete(); err != nil {
			return err
		}
	}
	return os.RemoveAll(t.Path)
}
