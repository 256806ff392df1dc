package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggy-rs/iggy/utils"
)

func testConfig() *utils.SystemConfig {
	cfg := utils.NewDefaultConfig()
	cfg.Segment.IndexInterval = 10
	cfg.Segment.MessagesRequiredToSave = 1000
	cfg.Partition.ValidateChecksum = true
	return cfg
}

func makeMessages(count int, payload string) []*Message {
	messages := make([]*Message, count)
	for i := range messages {
		messages[i] = NewMessage(MessageID{}, nil, []byte(fmt.Sprintf("%s-%d", payload, i)))
	}
	return messages
}

func TestSegmentAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	segment, err := CreateSegment(testConfig(), 1, 2, 3, 0, dir)
	require.NoError(t, err)

	start, end, err := segment.Append(makeMessages(25, "msg"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(24), end)
	assert.Equal(t, uint64(25), segment.MessagesCount())

	// Nothing persisted yet, reads come from the hot tail.
	messages, err := segment.Read(5, 10)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	assert.Equal(t, uint64(5), messages[0].Offset)
	assert.Equal(t, []byte("msg-5"), messages[0].Payload)
	assert.Equal(t, uint64(14), messages[9].Offset)

	require.NoError(t, segment.Persist(utils.ConfirmWait))

	// Same read now served from disk via the sparse index.
	messages, err = segment.Read(5, 10)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	assert.Equal(t, []byte("msg-5"), messages[0].Payload)
	assert.Equal(t, []byte("msg-14"), messages[9].Payload)

	// Reads past the end are clamped to what exists.
	messages, err = segment.Read(20, 100)
	require.NoError(t, err)
	assert.Len(t, messages, 5)

	_, err = segment.Read(25, 1)
	assert.IsType(t, OffsetNotFoundError(""), err)
}

func TestSegmentReadMixesDiskAndHot(t *testing.T) {
	dir := t.TempDir()
	segment, err := CreateSegment(testConfig(), 1, 1, 1, 0, dir)
	require.NoError(t, err)

	_, _, err = segment.Append(makeMessages(10, "disk"))
	require.NoError(t, err)
	require.NoError(t, segment.Persist(utils.ConfirmNoWait))
	_, _, err = segment.Append(makeMessages(10, "hot"))
	require.NoError(t, err)

	messages, err := segment.Read(8, 4)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, []byte("disk-8"), messages[0].Payload)
	assert.Equal(t, []byte("disk-9"), messages[1].Payload)
	assert.Equal(t, []byte("hot-0"), messages[2].Payload)
	assert.Equal(t, []byte("hot-1"), messages[3].Payload)
}

func TestSegmentFullAndSealed(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.SizeBytes = 256
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)

	_, _, err = segment.Append(makeMessages(10, "filler"))
	require.NoError(t, err)
	assert.True(t, segment.IsFull())
	assert.True(t, segment.Sealed())

	_, _, err = segment.Append(makeMessages(1, "more"))
	assert.IsType(t, SegmentSealedError(""), err)

	// Sealed segments still serve reads.
	messages, err := segment.Read(0, 10)
	require.NoError(t, err)
	assert.Len(t, messages, 10)
}

func TestSegmentAutoPersist(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.MessagesRequiredToSave = 5
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)

	_, _, err = segment.Append(makeMessages(5, "m"))
	require.NoError(t, err)

	info, err := os.Stat(segment.LogPath)
	require.NoError(t, err)
	assert.Equal(t, int64(segment.SizeBytes()), info.Size())
}

func TestSegmentLoad(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 3, 2, 1, 100, dir)
	require.NoError(t, err)
	_, _, err = segment.Append(makeMessages(42, "persisted"))
	require.NoError(t, err)
	require.NoError(t, segment.Seal())

	loaded, err := LoadSegment(cfg, 3, 2, 1, 100, dir, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(142), loaded.NextOffset())
	assert.Equal(t, uint64(42), loaded.MessagesCount())
	assert.Equal(t, segment.SizeBytes(), loaded.SizeBytes())
	assert.Equal(t, segment.MaxTimestamp(), loaded.MaxTimestamp())

	messages, err := loaded.Read(110, 5)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	assert.Equal(t, []byte("persisted-10"), messages[0].Payload)

	// Appends continue from the recovered offset.
	start, _, err := loaded.Append(makeMessages(1, "after"))
	require.NoError(t, err)
	assert.Equal(t, uint64(142), start)
}

func TestSegmentLoadTruncatesTornTail(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)
	_, _, err = segment.Append(makeMessages(20, "m"))
	require.NoError(t, err)
	require.NoError(t, segment.Seal())

	// Simulate a crash mid-write by chopping bytes off the last entry.
	info, err := os.Stat(segment.LogPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segment.LogPath, info.Size()-7))

	loaded, err := LoadSegment(cfg, 1, 1, 1, 0, dir, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), loaded.MessagesCount())

	recovered, err := os.Stat(segment.LogPath)
	require.NoError(t, err)
	assert.Less(t, recovered.Size(), info.Size()-7)

	messages, err := loaded.Read(0, 100)
	require.NoError(t, err)
	assert.Len(t, messages, 19)
}

func TestSegmentLoadRebuildsMissingIndexes(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)
	_, _, err = segment.Append(makeMessages(35, "m"))
	require.NoError(t, err)
	require.NoError(t, segment.Seal())

	require.NoError(t, os.Remove(segment.IndexPath))
	require.NoError(t, os.Remove(segment.TimeIndexPath))

	loaded, err := LoadSegment(cfg, 1, 1, 1, 0, dir, true)
	require.NoError(t, err)

	// Entries are rebuilt both in memory and on disk.
	assert.Len(t, loaded.index, 4)
	info, err := os.Stat(segment.IndexPath)
	require.NoError(t, err)
	assert.Equal(t, int64(4*indexEntrySize), info.Size())

	messages, err := loaded.Read(30, 5)
	require.NoError(t, err)
	assert.Len(t, messages, 5)
}

func TestSegmentReadByTimestamp(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)

	messages := makeMessages(30, "m")
	for i, m := range messages {
		m.Timestamp = int64(1000 + i*10)
	}
	_, _, err = segment.Append(messages)
	require.NoError(t, err)

	offset, err := segment.ReadByTimestamp(1150)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), offset)

	// Timestamp between two messages resolves to the next one.
	offset, err = segment.ReadByTimestamp(1155)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), offset)

	// Before the first message resolves to the first.
	offset, err = segment.ReadByTimestamp(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offset)

	_, err = segment.ReadByTimestamp(5000)
	assert.IsType(t, TimestampNotFoundError(""), err)
}

func TestSegmentIndexInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.IndexInterval = 10
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)

	_, _, err = segment.Append(makeMessages(31, "m"))
	require.NoError(t, err)

	// Messages 0, 10, 20 and 30 are indexed.
	require.Len(t, segment.index, 4)
	assert.Equal(t, uint32(0), segment.index[0].RelativeOffset)
	assert.Equal(t, uint32(30), segment.index[3].RelativeOffset)
	assert.Len(t, segment.timeIndex, 4)
}

func TestSegmentDelete(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	segment, err := CreateSegment(cfg, 1, 1, 1, 0, dir)
	require.NoError(t, err)
	_, _, err = segment.Append(makeMessages(3, "m"))
	require.NoError(t, err)

	require.NoError(t, segment.Delete())
	_, err = os.Stat(segment.LogPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(segment.IndexPath)
	assert.True(t, os.IsNotExist(err))
}

func TestListSegmentStartOffsets(t *testing.T) {
	dir := t.TempDir()
	for _, offset := range []uint64{3000, 0, 1500} {
		base := segmentBasePath(dir, offset)
		require.NoError(t, os.WriteFile(base+LogExtension, nil, 0o644))
		require.NoError(t, os.WriteFile(base+IndexExtension, nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	offsets, err := ListSegmentStartOffsets(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1500, 3000}, offsets)
}

func TestListSegmentStartOffsetsSweepsInterruptedDeletes(t *testing.T) {
	dir := t.TempDir()
	base := segmentBasePath(dir, 500)
	require.NoError(t, os.WriteFile(base+LogExtension, nil, 0o644))

	// A crash between the rename and the remove in Delete leaves the
	// renamed log behind.
	leftover := segmentBasePath(dir, 0) + LogExtension + deletedSuffix
	require.NoError(t, os.WriteFile(leftover, nil, 0o644))

	offsets, err := ListSegmentStartOffsets(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{500}, offsets)
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}
