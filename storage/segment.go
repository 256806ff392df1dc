package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

const (
	LogExtension       = ".log"
	IndexExtension     = ".index"
	TimeIndexExtension = ".timeindex"

	// deletedSuffix marks a log file mid-removal; leftovers are swept on load.
	deletedSuffix = ".deleted"

	logWriterBufferSize = 256 * 1024
	timestampScanChunk  = 256
)

// Segment is a bounded chunk of a partition's log: one append-only file of
// serialized messages plus a sparse offset index and a time index. Offsets
// within a segment are strictly increasing and contiguous.
//
// A Segment is not safe for concurrent use; the owning partition serializes
// appends and runs reads under its read lock.
type Segment struct {
	StreamID    uint32
	TopicID     uint32
	PartitionID uint32
	StartOffset uint64

	LogPath       string
	IndexPath     string
	TimeIndexPath string

	nextOffset    uint64
	sizeBytes     uint32
	sealed        bool
	lastTimestamp int64

	logFile       *os.File
	writer        *bufio.Writer
	indexFile     *os.File
	timeIndexFile *os.File

	index           []IndexEntry
	timeIndex       []TimeIndexEntry
	sinceIndexEntry uint32

	// hot holds appended messages not yet flushed to the OS; the log file
	// contains exactly the messages with offset < hotStart.
	hot      []*Message
	hotStart uint64

	unsavedCount uint32
	encodeBuf    bytes.Buffer

	cfg *utils.SystemConfig
}

func segmentBasePath(dir string, startOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", startOffset))
}

// CreateSegment creates a new writable segment with empty log and index files.
func CreateSegment(cfg *utils.SystemConfig, streamID, topicID, partitionID uint32,
	startOffset uint64, dir string,
) (*Segment, error) {
	s := newSegment(cfg, streamID, topicID, partitionID, startOffset, dir)
	if err := s.openWriteHandles(); err != nil {
		return nil, err
	}
	log.Debug("Created segment with start offset %d for stream %d, topic %d, partition %d at %s",
		startOffset, streamID, topicID, partitionID, s.LogPath)
	return s, nil
}

func newSegment(cfg *utils.SystemConfig, streamID, topicID, partitionID uint32,
	startOffset uint64, dir string,
) *Segment {
	base := segmentBasePath(dir, startOffset)
	return &Segment{
		StreamID:      streamID,
		TopicID:       topicID,
		PartitionID:   partitionID,
		StartOffset:   startOffset,
		LogPath:       base + LogExtension,
		IndexPath:     base + IndexExtension,
		TimeIndexPath: base + TimeIndexExtension,
		nextOffset:    startOffset,
		hotStart:      startOffset,
		cfg:           cfg,
	}
}

func (s *Segment) openWriteHandles() error {
	logFile, err := os.OpenFile(s.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return DiskWriteError(s.LogPath + ": " + err.Error())
	}
	indexFile, err := os.OpenFile(s.IndexPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logFile.Close()
		return DiskWriteError(s.IndexPath + ": " + err.Error())
	}
	timeIndexFile, err := os.OpenFile(s.TimeIndexPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logFile.Close()
		indexFile.Close()
		return DiskWriteError(s.TimeIndexPath + ": " + err.Error())
	}
	s.logFile = logFile
	s.indexFile = indexFile
	s.timeIndexFile = timeIndexFile
	s.writer = bufio.NewWriterSize(logFile, logWriterBufferSize)
	return nil
}

// Append writes the batch to the segment, assigning contiguous offsets and
// timestamps, and returns the assigned offset range. It fails with
// SegmentFullError once the configured size threshold has been reached; the
// caller rolls over to a new segment and retries.
func (s *Segment) Append(messages []*Message) (start, end uint64, err error) {
	if s.sealed {
		return 0, 0, SegmentSealedError(s.LogPath)
	}
	if s.IsFull() {
		return 0, 0, SegmentFullError(s.LogPath)
	}
	if len(messages) == 0 {
		return s.nextOffset, s.nextOffset, nil
	}

	now := time.Now().UnixMicro()
	start = s.nextOffset
	for _, m := range messages {
		m.Offset = s.nextOffset
		if m.Timestamp == 0 {
			m.Timestamp = now
		}
		if m.Timestamp < s.lastTimestamp {
			// Timestamps are non-decreasing within a partition.
			m.Timestamp = s.lastTimestamp
		}

		if s.sinceIndexEntry == 0 {
			if err = s.appendIndexEntries(m); err != nil {
				return 0, 0, err
			}
		}

		s.encodeBuf.Reset()
		n := encodeMessage(&s.encodeBuf, m, s.cfg.Segment.Compress)
		if _, werr := s.writer.Write(s.encodeBuf.Bytes()); werr != nil {
			return 0, 0, DiskWriteError(s.LogPath + ": " + werr.Error())
		}

		s.sizeBytes += uint32(n)
		s.lastTimestamp = m.Timestamp
		s.hot = append(s.hot, m)
		s.nextOffset++
		s.unsavedCount++
		s.sinceIndexEntry++
		if s.sinceIndexEntry == s.cfg.Segment.IndexInterval {
			s.sinceIndexEntry = 0
		}
	}
	end = s.nextOffset - 1

	if s.unsavedCount >= s.cfg.Segment.MessagesRequiredToSave {
		if err = s.Persist(s.cfg.Segment.Confirmation); err != nil {
			return 0, 0, err
		}
	}
	if s.IsFull() {
		if err = s.Seal(); err != nil {
			return 0, 0, err
		}
	}
	return start, end, nil
}

func (s *Segment) appendIndexEntries(m *Message) error {
	rel := uint32(m.Offset - s.StartOffset)
	entry := IndexEntry{RelativeOffset: rel, Position: s.sizeBytes}
	if _, err := s.indexFile.Write(encodeIndexEntry(entry)); err != nil {
		return DiskWriteError(s.IndexPath + ": " + err.Error())
	}
	s.index = append(s.index, entry)

	timeEntry := TimeIndexEntry{RelativeOffset: rel, Timestamp: m.Timestamp}
	if _, err := s.timeIndexFile.Write(encodeTimeIndexEntry(timeEntry)); err != nil {
		return DiskWriteError(s.TimeIndexPath + ": " + err.Error())
	}
	s.timeIndex = append(s.timeIndex, timeEntry)
	return nil
}

// Persist flushes buffered messages to the log file and, in wait mode, blocks
// until the data is fsynced. In no_wait mode durability is left to the OS.
func (s *Segment) Persist(confirmation utils.Confirmation) error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return DiskWriteError(s.LogPath + ": " + err.Error())
	}
	s.hot = s.hot[:0]
	s.hotStart = s.nextOffset
	s.unsavedCount = 0

	if confirmation == utils.ConfirmWait {
		if err := s.logFile.Sync(); err != nil {
			return DiskWriteError(s.LogPath + ": " + err.Error())
		}
	}
	return nil
}

// Seal makes the segment immutable: buffered data is flushed and fsynced,
// index files are fsynced and all write handles are closed. Sealed segments
// only ever serve reads until retention deletes them.
func (s *Segment) Seal() error {
	if s.sealed {
		return nil
	}
	if err := s.Persist(utils.ConfirmWait); err != nil {
		return err
	}
	if err := s.indexFile.Sync(); err != nil {
		return DiskWriteError(s.IndexPath + ": " + err.Error())
	}
	if err := s.timeIndexFile.Sync(); err != nil {
		return DiskWriteError(s.TimeIndexPath + ": " + err.Error())
	}
	s.logFile.Close()
	s.indexFile.Close()
	s.timeIndexFile.Close()
	s.logFile, s.indexFile, s.timeIndexFile, s.writer = nil, nil, nil, nil
	s.sealed = true
	log.Debug("Sealed segment with start offset %d for partition %d, end offset: %d, size: %d bytes",
		s.StartOffset, s.PartitionID, s.nextOffset-1, s.sizeBytes)
	return nil
}

// Read returns up to maxCount messages starting at the given offset. Messages
// still sitting in the write buffer are served from memory so a reader always
// observes a consistent prefix of the partition.
func (s *Segment) Read(offset uint64, maxCount uint32) ([]*Message, error) {
	if maxCount == 0 {
		return nil, nil
	}
	if s.nextOffset == s.StartOffset || offset >= s.nextOffset {
		return nil, OffsetNotFoundError(fmt.Sprintf("offset %d in segment %s", offset, s.LogPath))
	}
	if offset < s.StartOffset {
		return nil, OffsetNotFoundError(fmt.Sprintf("offset %d below segment start %d", offset, s.StartOffset))
	}

	end := s.nextOffset - 1
	if avail := end - offset + 1; uint64(maxCount) < avail {
		end = offset + uint64(maxCount) - 1
	}

	messages := make([]*Message, 0, end-offset+1)
	if offset < s.hotStart {
		diskEnd := end
		if diskEnd >= s.hotStart {
			diskEnd = s.hotStart - 1
		}
		diskMessages, err := s.readFromDisk(offset, diskEnd)
		if err != nil {
			return nil, err
		}
		messages = append(messages, diskMessages...)
	}
	for _, m := range s.hot {
		if m.Offset >= offset && m.Offset <= end {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (s *Segment) readFromDisk(offset, end uint64) ([]*Message, error) {
	position := lowerBoundPosition(s.index, uint32(offset-s.StartOffset))
	f, err := os.Open(s.LogPath)
	if err != nil {
		return nil, OffsetNotFoundError(s.LogPath + ": " + err.Error())
	}
	defer f.Close()
	if _, err := f.Seek(int64(position), io.SeekStart); err != nil {
		return nil, OffsetNotFoundError(s.LogPath + ": " + err.Error())
	}

	reader := bufio.NewReader(f)
	messages := make([]*Message, 0, end-offset+1)
	for {
		m, _, err := decodeMessage(reader, s.cfg.Partition.ValidateChecksum)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if m.Offset < offset {
			continue
		}
		if m.Offset > end {
			break
		}
		messages = append(messages, m)
		if m.Offset == end {
			break
		}
	}
	return messages, nil
}

// ReadByTimestamp returns the offset of the first message whose timestamp is
// at or after ts. The time index narrows the search to one index interval,
// then a short linear scan finds the exact message.
func (s *Segment) ReadByTimestamp(ts int64) (uint64, error) {
	if s.nextOffset == s.StartOffset {
		return 0, TimestampNotFoundError(s.LogPath)
	}
	offset := s.StartOffset + uint64(timeIndexLowerBound(s.timeIndex, ts))
	for offset < s.nextOffset {
		messages, err := s.Read(offset, timestampScanChunk)
		if err != nil {
			return 0, err
		}
		for _, m := range messages {
			if m.Timestamp >= ts {
				return m.Offset, nil
			}
		}
		offset += uint64(len(messages))
	}
	return 0, TimestampNotFoundError(fmt.Sprintf("timestamp %d in segment %s", ts, s.LogPath))
}

func (s *Segment) IsFull() bool {
	return s.sizeBytes >= s.cfg.Segment.SizeBytes
}

func (s *Segment) Sealed() bool {
	return s.sealed
}

// EndOffset returns the last assigned offset; valid only when the segment
// holds at least one message.
func (s *Segment) EndOffset() uint64 {
	return s.nextOffset - 1
}

// NextOffset returns the offset the next appended message would receive.
func (s *Segment) NextOffset() uint64 {
	return s.nextOffset
}

func (s *Segment) MessagesCount() uint64 {
	return s.nextOffset - s.StartOffset
}

func (s *Segment) SizeBytes() uint32 {
	return s.sizeBytes
}

// MaxTimestamp returns the timestamp of the newest message in the segment,
// or zero when the segment is empty.
func (s *Segment) MaxTimestamp() int64 {
	return s.lastTimestamp
}

// Delete closes the segment and removes its files from disk. The log file is
// renamed before removal so a crash mid-delete never leaves a segment that
// parses as valid but lost its indexes.
func (s *Segment) Delete() error {
	if !s.sealed && s.writer != nil {
		if err := s.Seal(); err != nil {
			return err
		}
	}
	deleted := s.LogPath + deletedSuffix
	if err := os.Rename(s.LogPath, deleted); err != nil {
		return err
	}
	if err := os.Remove(deleted); err != nil {
		return err
	}
	if err := os.Remove(s.IndexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.TimeIndexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Info("Deleted segment with start offset %d for stream %d, topic %d, partition %d",
		s.StartOffset, s.StreamID, s.TopicID, s.PartitionID)
	return nil
}
