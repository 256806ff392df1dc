// Package partition implements the append/poll engine of a single partition:
// an ordered chain of segments, the deduplication window, committed consumer
// offsets and the retention sweep.
package partition

import (
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/metrics"
	"github.com/iggy-rs/iggy/storage"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// PollStrategyKind selects how the starting offset of a poll is resolved.
type PollStrategyKind uint8

const (
	PollOffset PollStrategyKind = iota
	PollTimestamp
	PollFirst
	PollLast
	PollNext
)

// PollStrategy pairs a strategy kind with its argument. Value carries the
// absolute offset for PollOffset and the unix-microsecond timestamp for
// PollTimestamp; the other kinds ignore it.
type PollStrategy struct {
	Kind  PollStrategyKind
	Value uint64
}

func PollAtOffset(offset uint64) PollStrategy {
	return PollStrategy{Kind: PollOffset, Value: offset}
}

func PollAtTimestamp(ts int64) PollStrategy {
	return PollStrategy{Kind: PollTimestamp, Value: uint64(ts)}
}

// Partition owns a contiguous log split across segments. Appends are
// serialized by the embedded lock; polls run concurrently under its read
// side.
type Partition struct {
	sync.RWMutex
	StreamID  uint32
	TopicID   uint32
	ID        uint32
	Path      string
	CreatedAt int64

	segments []*storage.Segment
	dedup    *dedupIndex
	offsets  *OffsetStore
	buffer   *cache.Buffer

	// MessageExpiry bounds how long messages live before retention removes
	// their segment; zero means never.
	MessageExpiry time.Duration

	cfg        *utils.SystemConfig
	streamName string
	topicName  string
}

// CreatePartition sets up an empty partition on disk with its first segment
// at offset zero.
func CreatePartition(cfg *utils.SystemConfig, streamID, topicID, id uint32,
	messageExpiry time.Duration, tracker *cache.MemoryTracker,
) (*Partition, error) {
	p := newPartition(cfg, streamID, topicID, id, messageExpiry, tracker)
	if err := os.MkdirAll(p.Path, 0o750); err != nil {
		return nil, err
	}
	offsets, err := NewOffsetStore(p.Path)
	if err != nil {
		return nil, err
	}
	p.offsets = offsets
	segment, err := storage.CreateSegment(cfg, streamID, topicID, id, 0, p.Path)
	if err != nil {
		return nil, err
	}
	p.segments = append(p.segments, segment)
	metrics.SegmentsCreated.Inc()
	metrics.PartitionsActive.Inc()
	log.Info("Created partition %d for stream %d, topic %d at %s", id, streamID, topicID, p.Path)
	return p, nil
}

// LoadPartition restores a partition from disk. All segments except the
// newest are opened sealed; the newest keeps accepting appends unless it is
// already full.
func LoadPartition(cfg *utils.SystemConfig, streamID, topicID, id uint32,
	messageExpiry time.Duration, tracker *cache.MemoryTracker,
) (*Partition, error) {
	p := newPartition(cfg, streamID, topicID, id, messageExpiry, tracker)
	startOffsets, err := storage.ListSegmentStartOffsets(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, PartitionNotFoundError(p.Path)
		}
		return nil, err
	}
	if len(startOffsets) == 0 {
		// A crash between directory creation and the first segment write
		// leaves an empty partition; start it fresh.
		segment, err := storage.CreateSegment(cfg, streamID, topicID, id, 0, p.Path)
		if err != nil {
			return nil, err
		}
		p.segments = append(p.segments, segment)
		metrics.SegmentsCreated.Inc()
	}
	for i, startOffset := range startOffsets {
		writable := i == len(startOffsets)-1
		segment, err := storage.LoadSegment(cfg, streamID, topicID, id, startOffset, p.Path, writable)
		if err != nil {
			return nil, err
		}
		p.segments = append(p.segments, segment)
	}
	if p.activeSegment().Sealed() {
		if err := p.rollSegment(); err != nil {
			return nil, err
		}
	}
	offsets, err := LoadOffsetStore(p.Path)
	if err != nil {
		return nil, err
	}
	p.offsets = offsets
	metrics.PartitionsActive.Inc()
	log.Info("Loaded partition %d for stream %d, topic %d with %d segments, next offset: %d",
		id, streamID, topicID, len(p.segments), p.NextOffset())
	return p, nil
}

func newPartition(cfg *utils.SystemConfig, streamID, topicID, id uint32,
	messageExpiry time.Duration, tracker *cache.MemoryTracker,
) *Partition {
	p := &Partition{
		StreamID:      streamID,
		TopicID:       topicID,
		ID:            id,
		Path:          cfg.PartitionPath(streamID, topicID, id),
		CreatedAt:     time.Now().UnixMicro(),
		MessageExpiry: messageExpiry,
		cfg:           cfg,
		streamName:    strconv.FormatUint(uint64(streamID), 10),
		topicName:     strconv.FormatUint(uint64(topicID), 10),
	}
	if cfg.Partition.DeduplicateMessages {
		p.dedup = newDedupIndex(cfg.Partition.DedupWindowSize)
	}
	if cfg.Cache.Enabled && tracker != nil {
		p.buffer = cache.NewBuffer(tracker)
	}
	return p
}

// Append assigns offsets to the batch and writes it to the active segment,
// rolling over to a new segment when the active one fills up. Duplicates
// within the deduplication window are dropped; appending a batch of only
// duplicates succeeds without advancing the log.
func (p *Partition) Append(messages []*storage.Message) (start, end uint64, err error) {
	p.Lock()
	defer p.Unlock()

	if p.dedup != nil {
		// The batch belongs to the caller, so filter into a fresh slice.
		accepted := make([]*storage.Message, 0, len(messages))
		for _, m := range messages {
			if p.dedup.observe(m.ID) {
				accepted = append(accepted, m)
				continue
			}
			metrics.MessagesDeduplicated.Inc()
			log.Debug("Discarded duplicate message %s for partition %d", m.ID, p.ID)
		}
		messages = accepted
	}
	next := p.activeSegment().NextOffset()
	if len(messages) == 0 {
		return next, next, nil
	}

	if p.activeSegment().Sealed() || p.activeSegment().IsFull() {
		if err = p.rollSegment(); err != nil {
			return 0, 0, err
		}
	}
	start, end, err = p.activeSegment().Append(messages)
	if err != nil {
		return 0, 0, err
	}

	if p.buffer != nil {
		p.buffer.Push(messages)
	}
	var payloadBytes uint64
	for _, m := range messages {
		payloadBytes += uint64(len(m.Payload))
	}
	metrics.MessagesAppended.WithLabelValues(p.streamName, p.topicName).Add(float64(len(messages)))
	metrics.BytesAppended.WithLabelValues(p.streamName, p.topicName).Add(float64(payloadBytes))
	return start, end, nil
}

func (p *Partition) rollSegment() error {
	active := p.activeSegment()
	if !active.Sealed() {
		if err := active.Seal(); err != nil {
			return err
		}
	}
	segment, err := storage.CreateSegment(p.cfg, p.StreamID, p.TopicID, p.ID, active.NextOffset(), p.Path)
	if err != nil {
		return err
	}
	p.segments = append(p.segments, segment)
	metrics.SegmentsCreated.Inc()
	return nil
}

func (p *Partition) activeSegment() *storage.Segment {
	return p.segments[len(p.segments)-1]
}

// Poll resolves the starting offset for the consumer according to the
// strategy and returns up to count messages from there. Polling past the head
// of the log yields an empty result rather than an error; polling below the
// retained tail starts at the oldest available message. With autoCommit set,
// the offset of the last returned message is committed for the consumer
// before returning.
func (p *Partition) Poll(consumer Consumer, strategy PollStrategy, count uint32, autoCommit bool) ([]*storage.Message, error) {
	p.RLock()
	defer p.RUnlock()

	offset, ok, err := p.resolveStartOffset(consumer, strategy, count)
	if err != nil {
		return nil, err
	}
	if !ok || count == 0 {
		return nil, nil
	}

	messages, err := p.readMessages(offset, count)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	if autoCommit {
		if err := p.offsets.Commit(consumer, messages[len(messages)-1].Offset); err != nil {
			return nil, err
		}
	}
	metrics.MessagesPolled.WithLabelValues(p.streamName, p.topicName).Add(float64(len(messages)))
	return messages, nil
}

func (p *Partition) resolveStartOffset(consumer Consumer, strategy PollStrategy, count uint32) (uint64, bool, error) {
	first := p.segments[0].StartOffset
	next := p.activeSegment().NextOffset()

	var offset uint64
	switch strategy.Kind {
	case PollOffset:
		offset = strategy.Value
	case PollTimestamp:
		ts := int64(strategy.Value)
		found, err := p.findOffsetByTimestamp(ts)
		if err != nil {
			if _, ok := err.(storage.TimestampNotFoundError); ok {
				return 0, false, nil
			}
			return 0, false, err
		}
		offset = found
	case PollFirst:
		offset = first
	case PollLast:
		if next <= first {
			return 0, false, nil
		}
		offset = first
		if span := uint64(count); next-first > span {
			offset = next - span
		}
	case PollNext:
		stored, ok := p.offsets.Get(consumer)
		if !ok {
			offset = first
		} else {
			offset = stored + 1
		}
	default:
		return 0, false, InvalidPollStrategyError(strconv.Itoa(int(strategy.Kind)))
	}

	if offset >= next {
		return 0, false, nil
	}
	if offset < first {
		offset = first
	}
	return offset, true, nil
}

func (p *Partition) findOffsetByTimestamp(ts int64) (uint64, error) {
	for _, segment := range p.segments {
		if segment.MessagesCount() == 0 || segment.MaxTimestamp() < ts {
			continue
		}
		return segment.ReadByTimestamp(ts)
	}
	return 0, storage.TimestampNotFoundError(p.Path)
}

func (p *Partition) readMessages(offset uint64, count uint32) ([]*storage.Message, error) {
	if p.buffer != nil {
		if messages, ok := p.buffer.Read(offset, count); ok {
			metrics.CacheHits.Inc()
			return messages, nil
		}
		metrics.CacheMisses.Inc()
	}

	next := p.activeSegment().NextOffset()
	var messages []*storage.Message
	for uint32(len(messages)) < count && offset < next {
		segment := p.segmentFor(offset)
		if segment == nil {
			break
		}
		chunk, err := segment.Read(offset, count-uint32(len(messages)))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		messages = append(messages, chunk...)
		offset = chunk[len(chunk)-1].Offset + 1
	}
	return messages, nil
}

// segmentFor returns the segment whose offset range contains the given
// offset, or nil when the offset falls in a gap left by retention.
func (p *Partition) segmentFor(offset uint64) *storage.Segment {
	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].StartOffset > offset
	})
	if i == 0 {
		return nil
	}
	segment := p.segments[i-1]
	if offset >= segment.NextOffset() {
		return nil
	}
	return segment
}

// CommitOffset stores the consumer's offset. Offsets above the current head
// of the log are rejected; commits that do not move the offset forward are
// silently ignored.
func (p *Partition) CommitOffset(consumer Consumer, offset uint64) error {
	p.RLock()
	next := p.activeSegment().NextOffset()
	p.RUnlock()
	if offset >= next {
		return storage.InvalidOffsetError(strconv.FormatUint(offset, 10))
	}
	return p.offsets.Commit(consumer, offset)
}

// GetOffset returns the committed offset for the consumer.
func (p *Partition) GetOffset(consumer Consumer) (uint64, bool) {
	return p.offsets.Get(consumer)
}

// DeleteOffset forgets the consumer's committed offset.
func (p *Partition) DeleteOffset(consumer Consumer) error {
	return p.offsets.Delete(consumer)
}

// NextOffset returns the offset the next appended message will receive.
func (p *Partition) NextOffset() uint64 {
	p.RLock()
	defer p.RUnlock()
	return p.activeSegment().NextOffset()
}

// MessagesCount returns the number of messages currently retained.
func (p *Partition) MessagesCount() uint64 {
	p.RLock()
	defer p.RUnlock()
	var count uint64
	for _, segment := range p.segments {
		count += segment.MessagesCount()
	}
	return count
}

// SizeBytes returns the on-disk size of all retained segments.
func (p *Partition) SizeBytes() uint64 {
	p.RLock()
	defer p.RUnlock()
	var size uint64
	for _, segment := range p.segments {
		size += uint64(segment.SizeBytes())
	}
	return size
}

// SegmentsCount returns the number of retained segments.
func (p *Partition) SegmentsCount() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.segments)
}

// Persist flushes the active segment to disk.
func (p *Partition) Persist(confirmation utils.Confirmation) error {
	p.Lock()
	defer p.Unlock()
	return p.activeSegment().Persist(confirmation)
}

// Close seals the active segment, fsyncing everything that was buffered.
func (p *Partition) Close() error {
	p.Lock()
	defer p.Unlock()
	if p.buffer != nil {
		p.buffer.Drop()
	}
	metrics.PartitionsActive.Dec()
	return p.activeSegment().Seal()
}

// Delete closes the partition and removes its directory tree.
func (p *Partition) Delete() error {
	p.Lock()
	defer p.Unlock()
	if p.buffer != nil {
		p.buffer.Drop()
	}
	for _, segment := range p.segments {
		if err := segment.Delete(); err != nil {
			return err
		}
		metrics.SegmentsDeleted.Inc()
	}
	metrics.PartitionsActive.Dec()
	return os.RemoveAll(p.Path)
}
