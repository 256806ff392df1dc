package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// Stream is the top-level namespace for topics.
type Stream struct {
	sync.RWMutex
	ID        uint32
	Name      string
	Path      string
	CreatedAt int64

	topics     map[uint32]*Topic
	topicNames map[string]uint32

	cfg     *utils.SystemConfig
	tracker *cache.MemoryTracker
}

func newStream(cfg *utils.SystemConfig, tracker *cache.MemoryTracker, id uint32, name string) *Stream {
	return &Stream{
		ID:         id,
		Name:       name,
		Path:       cfg.StreamPath(id),
		CreatedAt:  time.Now().UnixMicro(),
		topics:     make(map[uint32]*Topic),
		topicNames: make(map[string]uint32),
		cfg:        cfg,
		tracker:    tracker,
	}
}

func createStream(cfg *utils.SystemConfig, tracker *cache.MemoryTracker, id uint32, name string) (*Stream, error) {
	s := newStream(cfg, tracker, id, name)
	if err := os.MkdirAll(cfg.TopicsPath(id), 0o750); err != nil {
		return nil, err
	}
	if err := s.saveMetadata(); err != nil {
		return nil, err
	}
	log.Info("Created stream %s (ID %d)", name, id)
	return s, nil
}

func loadStream(cfg *utils.SystemConfig, tracker *cache.MemoryTracker, id uint32) (*Stream, error) {
	var meta streamMetadata
	if err := loadMetadata(filepath.Join(cfg.StreamPath(id), streamMetadataFile), &meta); err != nil {
		return nil, errors.Wrapf(err, "load metadata of stream %d", id)
	}
	s := newStream(cfg, tracker, id, meta.Name)
	s.CreatedAt = meta.CreatedAt

	entries, err := os.ReadDir(cfg.TopicsPath(id))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		topicID, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("Skipping unrecognized topic directory %s in stream %d", entry.Name(), id)
			continue
		}
		topic, err := loadTopic(cfg, tracker, id, uint32(topicID))
		if err != nil {
			return nil, errors.Wrapf(err, "load topic %d of stream %d", topicID, id)
		}
		s.topics[uint32(topicID)] = topic
		s.topicNames[topic.Name] = uint32(topicID)
	}
	log.Info("Loaded stream %s (ID %d) with %d topics", s.Name, id, len(s.topics))
	return s, nil
}

func (s *Stream) saveMetadata() error {
	return saveMetadata(filepath.Join(s.Path, streamMetadataFile), &streamMetadata{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
	})
}

// CreateTopic adds a topic with the given number of partitions to the stream.
func (s *Stream) CreateTopic(id uint32, name string, partitionsCount uint32, messageExpiry time.Duration) (*Topic, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.topics[id]; ok {
		return nil, TopicAlreadyExistsError(strconv.FormatUint(uint64(id), 10))
	}
	if _, ok := s.topicNames[name]; ok {
		return nil, TopicAlreadyExistsError(name)
	}
	topic, err := createTopic(s.cfg, s.tracker, s.ID, id, name, partitionsCount, messageExpiry)
	if err != nil {
		return nil, err
	}
	s.topics[id] = topic
	s.topicNames[name] = id
	return topic, nil
}

// DeleteTopic removes the topic and everything it stores.
func (s *Stream) DeleteTopic(id uint32) error {
	s.Lock()
	defer s.Unlock()
	topic, ok := s.topics[id]
	if !ok {
		return TopicNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	if err := topic.delete(); err != nil {
		return err
	}
	delete(s.topics, id)
	delete(s.topicNames, topic.Name)
	log.Info("Deleted topic %s (ID %d) from stream %d", topic.Name, id, s.ID)
	return nil
}

// Topic returns the topic with the given ID.
func (s *Stream) Topic(id uint32) (*Topic, error) {
	s.RLock()
	defer s.RUnlock()
	topic, ok := s.topics[id]
	if !ok {
		return nil, TopicNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	return topic, nil
}

// TopicByName returns the topic with the given name.
func (s *Stream) TopicByName(name string) (*Topic, error) {
	s.RLock()
	defer s.RUnlock()
	id, ok := s.topicNames[name]
	if !ok {
		return nil, TopicNotFoundError(name)
	}
	return s.topics[id], nil
}

// Topics returns the stream's topics ordered by ID.
func (s *Stream) Topics() []*Topic {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		out = append(out, topic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MessagesCount returns the number of retained messages across all topics.
func (s *Stream) MessagesCount() uint64 {
	var count uint64
	for _, topic := range s.Topics() {
		count += topic.MessagesCount()
	}
	return count
}

// SizeBytes returns the on-disk size of the stream across all topics.
func (s *Stream) SizeBytes() uint64 {
	var size uint64
	for _, topic := range s.Topics() {
		size += topic.SizeBytes()
	}
	return size
}

// Persist flushes every topic.
func (s *Stream) Persist(confirmation utils.Confirmation) error {
	for _, topic := range s.Topics() {
		if err := topic.Persist(confirmation); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) close() error {
	for _, topic := range s.Topics() {
		if err := topic.close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) delete() error {
	for _, topic := range s.Topics() {
		if err := topic.delete(); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.Path)
}
