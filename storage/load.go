package storage

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// LoadSegment rebuilds a segment's in-memory state from disk. The log file is
// scanned to the last complete entry and a torn tail left by a crash is
// truncated away. Index files are reloaded and rebuilt from the log when they
// disagree with it. Only the newest segment of a partition is loaded writable;
// older segments are sealed on load.
func LoadSegment(cfg *utils.SystemConfig, streamID, topicID, partitionID uint32,
	startOffset uint64, dir string, writable bool,
) (*Segment, error) {
	s := newSegment(cfg, streamID, topicID, partitionID, startOffset, dir)

	info, err := os.Stat(s.LogPath)
	if err != nil {
		return nil, err
	}
	goodBytes, count, lastTimestamp, err := s.scanLog()
	if err != nil {
		return nil, err
	}
	if goodBytes < info.Size() {
		log.Warn("Truncating torn tail of segment %s: %d of %d bytes are valid",
			s.LogPath, goodBytes, info.Size())
		if err := os.Truncate(s.LogPath, goodBytes); err != nil {
			return nil, DiskWriteError(s.LogPath + ": " + err.Error())
		}
	}

	s.sizeBytes = uint32(goodBytes)
	s.nextOffset = startOffset + count
	s.hotStart = s.nextOffset
	s.lastTimestamp = lastTimestamp

	if err := s.loadIndexes(count); err != nil {
		return nil, err
	}

	if !writable || s.IsFull() {
		s.sealed = true
		return s, nil
	}
	if err := s.openWriteHandles(); err != nil {
		return nil, err
	}
	log.Debug("Loaded writable segment %s with %d messages, next offset: %d",
		s.LogPath, count, s.nextOffset)
	return s, nil
}

// scanLog walks the log file entry by entry and returns the byte length of
// the valid prefix, the number of messages in it and the last timestamp seen.
// A torn or corrupted entry ends the scan without failing the load.
func (s *Segment) scanLog() (goodBytes int64, count uint64, lastTimestamp int64, err error) {
	f, err := os.Open(s.LogPath)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, logWriterBufferSize)
	for {
		m, n, derr := decodeMessage(reader, s.cfg.Partition.ValidateChecksum)
		if derr == io.EOF {
			return goodBytes, count, lastTimestamp, nil
		}
		if derr == io.ErrUnexpectedEOF {
			return goodBytes, count, lastTimestamp, nil
		}
		if derr != nil {
			if _, ok := derr.(ChecksumMismatchError); ok {
				log.Warn("Checksum mismatch at byte %d of segment %s, discarding tail", goodBytes, s.LogPath)
				return goodBytes, count, lastTimestamp, nil
			}
			return 0, 0, 0, derr
		}
		goodBytes += int64(n)
		count++
		lastTimestamp = m.Timestamp
	}
}

// loadIndexes restores the offset and time indexes for a scanned log of the
// given message count, rebuilding both from the log when the index files are
// missing entries or carry entries past the valid prefix.
func (s *Segment) loadIndexes(count uint64) error {
	interval := uint64(s.cfg.Segment.IndexInterval)
	expected := 0
	if count > 0 {
		expected = int((count-1)/interval) + 1
	}

	index, err := loadIndexFile(s.IndexPath, s.sizeBytes)
	if err != nil {
		return err
	}
	maxRelative := int64(count) - 1
	timeIndex, err := loadTimeIndexFile(s.TimeIndexPath, maxRelative)
	if err != nil {
		return err
	}

	if len(index) != expected || len(timeIndex) != expected {
		log.Warn("Rebuilding indexes for segment %s: found %d/%d entries, expected %d",
			s.LogPath, len(index), len(timeIndex), expected)
		return s.rebuildIndexes()
	}

	s.index = index
	s.timeIndex = timeIndex
	if count > 0 {
		lastRelative := uint64(index[len(index)-1].RelativeOffset)
		s.sinceIndexEntry = uint32((count - lastRelative) % interval)
	}
	return nil
}

func (s *Segment) rebuildIndexes() error {
	f, err := os.Open(s.LogPath)
	if err != nil {
		return err
	}
	defer f.Close()

	s.index = s.index[:0]
	s.timeIndex = s.timeIndex[:0]
	reader := bufio.NewReaderSize(f, logWriterBufferSize)
	var position uint32
	var ordinal uint64
	for {
		m, n, derr := decodeMessage(reader, false)
		if derr == io.EOF || derr == io.ErrUnexpectedEOF {
			break
		}
		if derr != nil {
			return derr
		}
		if ordinal%uint64(s.cfg.Segment.IndexInterval) == 0 {
			relative := uint32(m.Offset - s.StartOffset)
			s.index = append(s.index, IndexEntry{RelativeOffset: relative, Position: position})
			s.timeIndex = append(s.timeIndex, TimeIndexEntry{RelativeOffset: relative, Timestamp: m.Timestamp})
		}
		position += uint32(n)
		ordinal++
	}
	s.sinceIndexEntry = uint32(ordinal % uint64(s.cfg.Segment.IndexInterval))

	if err := writeIndexFile(s.IndexPath, s.index); err != nil {
		return err
	}
	return writeTimeIndexFile(s.TimeIndexPath, s.timeIndex)
}

// ListSegmentStartOffsets returns the start offsets of all segments stored in
// the given partition directory, sorted ascending.
func ListSegmentStartOffsets(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	offsets := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		// A crash mid-delete can leave a renamed log behind; finish the
		// removal here instead of carrying the orphan forever.
		if strings.HasSuffix(name, deletedSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				log.Warn("Failed to remove leftover %s from partition directory %s: %v", name, dir, err)
			} else {
				log.Info("Removed leftover %s from partition directory %s", name, dir)
			}
			continue
		}
		if !strings.HasSuffix(name, LogExtension) {
			continue
		}
		raw := strings.TrimSuffix(name, LogExtension)
		offset, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			log.Warn("Skipping unrecognized file %s in partition directory %s", name, dir)
			continue
		}
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}
