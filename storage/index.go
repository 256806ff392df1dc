package storage

import (
	"encoding/binary"
	"os"
	"sort"
)

// IndexEntry maps a relative offset to the byte position of its message in
// the log file. Entries are written every IndexInterval messages, so a lookup
// lands at most one interval before the target and finishes with a short
// linear scan.
type IndexEntry struct {
	RelativeOffset uint32
	Position       uint32
}

// TimeIndexEntry maps a relative offset to the timestamp of its message.
// Timestamps within a partition are non-decreasing.
type TimeIndexEntry struct {
	RelativeOffset uint32
	Timestamp      int64
}

const (
	indexEntrySize     = 8
	timeIndexEntrySize = 12
)

// lowerBoundPosition returns the position of the greatest index entry whose
// relative offset does not exceed relOffset. The first entry of a segment is
// always indexed, so the fallback is position zero.
func lowerBoundPosition(index []IndexEntry, relOffset uint32) uint32 {
	i := sort.Search(len(index), func(i int) bool {
		return index[i].RelativeOffset > relOffset
	})
	if i == 0 {
		return 0
	}
	return index[i-1].Position
}

// timeIndexLowerBound returns the relative offset to start scanning from when
// looking for the first message with timestamp >= ts, and whether any indexed
// message can satisfy the search.
func timeIndexLowerBound(index []TimeIndexEntry, ts int64) uint32 {
	i := sort.Search(len(index), func(i int) bool {
		return index[i].Timestamp >= ts
	})
	if i == 0 {
		return 0
	}
	// The match may live between the previous entry and this one.
	return index[i-1].RelativeOffset
}

func encodeIndexEntry(e IndexEntry) []byte {
	b := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.RelativeOffset)
	binary.LittleEndian.PutUint32(b[4:8], e.Position)
	return b
}

func encodeTimeIndexEntry(e TimeIndexEntry) []byte {
	b := make([]byte, timeIndexEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.RelativeOffset)
	binary.LittleEndian.PutUint64(b[4:12], uint64(e.Timestamp))
	return b
}

// loadIndexFile reads the whole offset index into memory. logSize is the
// number of valid bytes in the log file; entries pointing past it (a log that
// lost its tail) are dropped.
func loadIndexFile(path string, logSize uint32) ([]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(data)/indexEntrySize)
	for pos := 0; pos+indexEntrySize <= len(data); pos += indexEntrySize {
		e := IndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(data[pos : pos+4]),
			Position:       binary.LittleEndian.Uint32(data[pos+4 : pos+8]),
		}
		if e.Position >= logSize {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// writeIndexFile atomically replaces the offset index file on disk.
func writeIndexFile(path string, entries []IndexEntry) error {
	data := make([]byte, 0, len(entries)*indexEntrySize)
	for _, e := range entries {
		data = append(data, encodeIndexEntry(e)...)
	}
	return replaceFile(path, data)
}

// writeTimeIndexFile atomically replaces the time index file on disk.
func writeTimeIndexFile(path string, entries []TimeIndexEntry) error {
	data := make([]byte, 0, len(entries)*timeIndexEntrySize)
	for _, e := range entries {
		data = append(data, encodeTimeIndexEntry(e)...)
	}
	return replaceFile(path, data)
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadTimeIndexFile reads the time index into memory. maxRelativeOffset is
// the relative offset of the last valid message in the log, or -1 when the
// log holds no messages; entries past it are dropped.
func loadTimeIndexFile(path string, maxRelativeOffset int64) ([]TimeIndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]TimeIndexEntry, 0, len(data)/timeIndexEntrySize)
	for pos := 0; pos+timeIndexEntrySize <= len(data); pos += timeIndexEntrySize {
		e := TimeIndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(data[pos : pos+4]),
			Timestamp:      int64(binary.LittleEndian.Uint64(data[pos+4 : pos+12])),
		}
		if int64(e.RelativeOffset) > maxRelativeOffset {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
