// Package catalog holds the server's namespace tree of streams, topics,
// partitions and consumer groups, and keeps its identity metadata on disk so
// the whole hierarchy survives restarts.
package catalog

import (
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// Catalog is the root of the namespace. All lookups and mutations of the
// stream set go through it; operations inside a stream take the stream's own
// locks.
type Catalog struct {
	sync.RWMutex
	streams     map[uint32]*Stream
	streamNames map[string]uint32

	cfg     *utils.SystemConfig
	tracker *cache.MemoryTracker
}

// NewCatalog creates an empty catalog rooted at the configured directory.
func NewCatalog(cfg *utils.SystemConfig, tracker *cache.MemoryTracker) *Catalog {
	return &Catalog{
		streams:     make(map[uint32]*Stream),
		streamNames: make(map[string]uint32),
		cfg:         cfg,
		tracker:     tracker,
	}
}

// Load restores every stream found under the streams directory. A missing
// directory is a fresh server, not an error.
func (c *Catalog) Load() error {
	c.Lock()
	defer c.Unlock()
	entries, err := os.ReadDir(c.cfg.StreamsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("Skipping unrecognized stream directory %s", entry.Name())
			continue
		}
		stream, err := loadStream(c.cfg, c.tracker, uint32(id))
		if err != nil {
			return errors.Wrapf(err, "load stream %d", id)
		}
		c.streams[uint32(id)] = stream
		c.streamNames[stream.Name] = uint32(id)
	}
	log.Info("Loaded %d streams from %s", len(c.streams), c.cfg.StreamsPath())
	return nil
}

// CreateStream adds a stream with the given ID and name.
func (c *Catalog) CreateStream(id uint32, name string) (*Stream, error) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.streams[id]; ok {
		return nil, StreamAlreadyExistsError(strconv.FormatUint(uint64(id), 10))
	}
	if _, ok := c.streamNames[name]; ok {
		return nil, StreamAlreadyExistsError(name)
	}
	stream, err := createStream(c.cfg, c.tracker, id, name)
	if err != nil {
		return nil, err
	}
	c.streams[id] = stream
	c.streamNames[name] = id
	return stream, nil
}

// DeleteStream removes the stream and everything it stores.
func (c *Catalog) DeleteStream(id uint32) error {
	c.Lock()
	defer c.Unlock()
	stream, ok := c.streams[id]
	if !ok {
		return StreamNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	if err := stream.delete(); err != nil {
		return err
	}
	delete(c.streams, id)
	delete(c.streamNames, stream.Name)
	log.Info("Deleted stream %s (ID %d)", stream.Name, id)
	return nil
}

// Stream returns the stream with the given ID.
func (c *Catalog) Stream(id uint32) (*Stream, error) {
	c.RLock()
	defer c.RUnlock()
	stream, ok := c.streams[id]
	if !ok {
		return nil, StreamNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	return stream, nil
}

// StreamByName returns the stream with the given name.
func (c *Catalog) StreamByName(name string) (*Stream, error) {
	c.RLock()
	defer c.RUnlock()
	id, ok := c.streamNames[name]
	if !ok {
		return nil, StreamNotFoundError(name)
	}
	return c.streams[id], nil
}

// Streams returns all streams ordered by ID.
func (c *Catalog) Streams() []*Stream {
	c.RLock()
	defer c.RUnlock()
	out := make([]*Stream, 0, len(c.streams))
	for _, stream := range c.streams {
		out = append(out, stream)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Topic resolves a stream and topic pair in one call.
func (c *Catalog) Topic(streamID, topicID uint32) (*Topic, error) {
	stream, err := c.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return stream.Topic(topicID)
}

// Persist flushes every stream.
func (c *Catalog) Persist(confirmation utils.Confirmation) error {
	for _, stream := range c.Streams() {
		if err := stream.Persist(confirmation); err != nil {
			return err
		}
	}
	return nil
}

// Close seals every partition's active segment across all streams.
func (c *Catalog) Close() error {
	for _, stream := range c.Streams() {
		if err := stream.close(); err != nil {
			return err
		}
	}
	return nil
}
