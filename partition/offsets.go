package partition

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/iggy-rs/iggy/metrics"
	"github.com/iggy-rs/iggy/utils/log"
)

// ConsumerKind distinguishes stand-alone consumers from consumer groups;
// their committed offsets live in separate namespaces.
type ConsumerKind uint8

const (
	ConsumerSingle ConsumerKind = iota
	ConsumerGroup
)

// Consumer identifies who an offset commit or poll belongs to.
type Consumer struct {
	Kind ConsumerKind
	ID   uint32
}

const (
	offsetsDirectory   = "offsets"
	consumersDirectory = "consumers"
	groupsDirectory    = "groups"
)

// OffsetStore persists the last committed offset per consumer and per group
// for one partition. Every offset is an 8-byte little-endian file written via
// atomic replace, so a crash never leaves a torn commit. Commits are
// monotonic: committing at or below the stored offset is a no-op.
type OffsetStore struct {
	mu        sync.RWMutex
	path      string
	consumers map[uint32]uint64
	groups    map[uint32]uint64
}

// NewOffsetStore creates the offset directories for a fresh partition.
func NewOffsetStore(partitionPath string) (*OffsetStore, error) {
	s := &OffsetStore{
		path:      filepath.Join(partitionPath, offsetsDirectory),
		consumers: make(map[uint32]uint64),
		groups:    make(map[uint32]uint64),
	}
	for _, dir := range []string{consumersDirectory, groupsDirectory} {
		if err := os.MkdirAll(filepath.Join(s.path, dir), 0o750); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadOffsetStore restores committed offsets from disk.
func LoadOffsetStore(partitionPath string) (*OffsetStore, error) {
	s, err := NewOffsetStore(partitionPath)
	if err != nil {
		return nil, err
	}
	if err := loadOffsetDir(filepath.Join(s.path, consumersDirectory), s.consumers); err != nil {
		return nil, err
	}
	if err := loadOffsetDir(filepath.Join(s.path, groupsDirectory), s.groups); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOffsetDir(dir string, into map[uint32]uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("Skipping unrecognized offset file %s in %s", entry.Name(), dir)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if len(data) != 8 {
			log.Warn("Skipping offset file %s with unexpected size %d", entry.Name(), len(data))
			continue
		}
		into[uint32(id)] = binary.LittleEndian.Uint64(data)
	}
	return nil
}

// Commit stores the offset for the consumer if it moves the offset forward.
// Commits at or below the stored offset are silently ignored, which makes
// consumer retries after a poll idempotent.
func (s *OffsetStore) Commit(consumer Consumer, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := s.offsetsFor(consumer.Kind)
	if stored, ok := offsets[consumer.ID]; ok && offset <= stored {
		return nil
	}
	if err := s.writeOffsetFile(consumer, offset); err != nil {
		return err
	}
	offsets[consumer.ID] = offset
	metrics.OffsetCommits.Inc()
	return nil
}

// Get returns the committed offset for the consumer and whether one exists.
func (s *OffsetStore) Get(consumer Consumer) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.offsetsFor(consumer.Kind)[consumer.ID]
	return offset, ok
}

// Delete forgets the consumer's offset, removing its file from disk.
func (s *OffsetStore) Delete(consumer Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsetsFor(consumer.Kind), consumer.ID)
	err := os.Remove(s.offsetFilePath(consumer))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *OffsetStore) offsetsFor(kind ConsumerKind) map[uint32]uint64 {
	if kind == ConsumerGroup {
		return s.groups
	}
	return s.consumers
}

func (s *OffsetStore) offsetFilePath(consumer Consumer) string {
	dir := consumersDirectory
	if consumer.Kind == ConsumerGroup {
		dir = groupsDirectory
	}
	return filepath.Join(s.path, dir, strconv.FormatUint(uint64(consumer.ID), 10))
}

func (s *OffsetStore) writeOffsetFile(consumer Consumer, offset uint64) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], offset)
	path := s.offsetFilePath(consumer)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data[:], 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
