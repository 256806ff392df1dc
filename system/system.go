// Package system wires the catalog, cache and retention together into the
// running server and exposes the operations the protocol layer calls.
package system

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/catalog"
	"github.com/iggy-rs/iggy/partition"
	"github.com/iggy-rs/iggy/storage"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// System owns the whole message store lifecycle: loading state from disk on
// start, serving appends and polls, running retention in the background and
// flushing everything on shutdown.
type System struct {
	cfg     *utils.SystemConfig
	catalog *catalog.Catalog
	tracker *cache.MemoryTracker

	stopSweeper  chan struct{}
	sweeperDone  chan struct{}
	shutdownOnce sync.Once
}

// NewSystem builds a system from the configuration without touching disk.
func NewSystem(cfg *utils.SystemConfig) *System {
	var tracker *cache.MemoryTracker
	if cfg.Cache.Enabled {
		tracker = cache.NewMemoryTracker(cfg.Cache.SizeBytes)
	}
	return &System{
		cfg:         cfg,
		catalog:     catalog.NewCatalog(cfg, tracker),
		tracker:     tracker,
		stopSweeper: make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
}

// Start loads the persisted state and launches the retention sweeper.
func (s *System) Start(ctx context.Context) error {
	started := time.Now()
	if err := os.MkdirAll(s.cfg.StreamsPath(), 0o750); err != nil {
		return err
	}
	if err := s.catalog.Load(); err != nil {
		return err
	}
	go s.runSweeper(ctx)
	log.Info("System started in %s, root directory: %s", time.Since(started), s.cfg.RootDirectory)
	return nil
}

// Shutdown stops retention and seals every active segment, fsyncing whatever
// was still buffered. Calling it more than once is a no-op.
func (s *System) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.stopSweeper)
		<-s.sweeperDone
		if err = s.catalog.Close(); err != nil {
			return
		}
		log.Info("System shut down cleanly")
	})
	return err
}

// Persist flushes every partition's active segment in parallel, one worker
// per stream.
func (s *System) Persist(confirmation utils.Confirmation) error {
	var group errgroup.Group
	for _, stream := range s.catalog.Streams() {
		stream := stream
		group.Go(func() error {
			return stream.Persist(confirmation)
		})
	}
	return group.Wait()
}

// CreateStream adds a stream.
func (s *System) CreateStream(id uint32, name string) (*catalog.Stream, error) {
	return s.catalog.CreateStream(id, name)
}

// DeleteStream removes a stream and all its data.
func (s *System) DeleteStream(id uint32) error {
	return s.catalog.DeleteStream(id)
}

// GetStream returns a stream by ID.
func (s *System) GetStream(id uint32) (*catalog.Stream, error) {
	return s.catalog.Stream(id)
}

// GetStreams returns all streams ordered by ID.
func (s *System) GetStreams() []*catalog.Stream {
	return s.catalog.Streams()
}

// CreateTopic adds a topic to a stream.
func (s *System) CreateTopic(streamID, topicID uint32, name string,
	partitionsCount uint32, messageExpiry time.Duration,
) (*catalog.Topic, error) {
	stream, err := s.catalog.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return stream.CreateTopic(topicID, name, partitionsCount, messageExpiry)
}

// DeleteTopic removes a topic and all its data.
func (s *System) DeleteTopic(streamID, topicID uint32) error {
	stream, err := s.catalog.Stream(streamID)
	if err != nil {
		return err
	}
	return stream.DeleteTopic(topicID)
}

// GetTopic returns a topic by stream and topic ID.
func (s *System) GetTopic(streamID, topicID uint32) (*catalog.Topic, error) {
	return s.catalog.Topic(streamID, topicID)
}

// SendMessages appends a batch to the partition selected by the partitioning
// argument and returns the partition ID with the assigned offset range.
func (s *System) SendMessages(streamID, topicID uint32, partitioning catalog.Partitioning,
	messages []*storage.Message,
) (uint32, uint64, uint64, error) {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return 0, 0, 0, err
	}
	return topic.Append(partitioning, messages)
}

// PollMessages reads messages from one partition on behalf of a stand-alone
// consumer.
func (s *System) PollMessages(consumer partition.Consumer, streamID, topicID, partitionID uint32,
	strategy partition.PollStrategy, count uint32, autoCommit bool,
) ([]*storage.Message, error) {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.Poll(consumer, partitionID, strategy, count, autoCommit)
}

// PollGroupMessages reads messages on behalf of a consumer group member. The
// partition is picked by rotating through the member's current assignment,
// and the committed offset belongs to the group as a whole.
func (s *System) PollGroupMessages(streamID, topicID, groupID, memberID uint32,
	strategy partition.PollStrategy, count uint32, autoCommit bool,
) ([]*storage.Message, uint32, error) {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return nil, 0, err
	}
	group, err := topic.ConsumerGroup(groupID)
	if err != nil {
		return nil, 0, err
	}
	partitionID, ok, err := group.NextPartition(memberID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	consumer := partition.Consumer{Kind: partition.ConsumerGroup, ID: groupID}
	messages, err := topic.Poll(consumer, partitionID, strategy, count, autoCommit)
	return messages, partitionID, err
}

// StoreOffset commits a consumer's offset on one partition.
func (s *System) StoreOffset(consumer partition.Consumer, streamID, topicID, partitionID uint32, offset uint64) error {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	p, err := topic.Partition(partitionID)
	if err != nil {
		return err
	}
	return p.CommitOffset(consumer, offset)
}

// GetOffset returns a consumer's committed offset on one partition.
func (s *System) GetOffset(consumer partition.Consumer, streamID, topicID, partitionID uint32) (uint64, bool, error) {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return 0, false, err
	}
	p, err := topic.Partition(partitionID)
	if err != nil {
		return 0, false, err
	}
	offset, ok := p.GetOffset(consumer)
	return offset, ok, nil
}

// CreateConsumerGroup registers a group over a topic.
func (s *System) CreateConsumerGroup(streamID, topicID, groupID uint32, name string) (*catalog.ConsumerGroup, error) {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.CreateConsumerGroup(groupID, name)
}

// DeleteConsumerGroup removes a group from a topic.
func (s *System) DeleteConsumerGroup(streamID, topicID, groupID uint32) error {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	return topic.DeleteConsumerGroup(groupID)
}

// JoinConsumerGroup adds a member to a group, triggering a rebalance.
func (s *System) JoinConsumerGroup(streamID, topicID, groupID, memberID uint32) error {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	group, err := topic.ConsumerGroup(groupID)
	if err != nil {
		return err
	}
	group.Join(memberID)
	return nil
}

// LeaveConsumerGroup removes a member from a group, triggering a rebalance.
func (s *System) LeaveConsumerGroup(streamID, topicID, groupID, memberID uint32) error {
	topic, err := s.catalog.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	group, err := topic.ConsumerGroup(groupID)
	if err != nil {
		return err
	}
	return group.Leave(memberID)
}

// CacheUsedBytes reports the memory currently held by the message cache.
func (s *System) CacheUsedBytes() uint64 {
	if s.tracker == nil {
		return 0
	}
	return s.tracker.UsedBytes()
}
