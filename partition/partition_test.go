package partition

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggy-rs/iggy/cache"
	"github.com/iggy-rs/iggy/storage"
	"github.com/iggy-rs/iggy/utils"
)

func testConfig(t *testing.T) *utils.SystemConfig {
	cfg := utils.NewDefaultConfig()
	cfg.RootDirectory = t.TempDir()
	cfg.Segment.IndexInterval = 10
	cfg.Partition.ValidateChecksum = true
	return cfg
}

func testTracker() *cache.MemoryTracker {
	return cache.NewMemoryTracker(64 << 20)
}

func makeMessages(count int, payload string) []*storage.Message {
	messages := make([]*storage.Message, count)
	for i := range messages {
		messages[i] = storage.NewMessage(storage.MessageID{}, nil, []byte(fmt.Sprintf("%s-%d", payload, i)))
	}
	return messages
}

func TestPartitionAppendAssignsGaplessOffsets(t *testing.T) {
	cfg := testConfig(t)
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	start, end, err := p.Append(makeMessages(10, "a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(9), end)

	start, end, err = p.Append(makeMessages(5, "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), start)
	assert.Equal(t, uint64(14), end)
	assert.Equal(t, uint64(15), p.NextOffset())
}

func TestPartitionRollsOverSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.SizeBytes = 512
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 10; i++ {
		_, _, err := p.Append(makeMessages(5, "batch"))
		require.NoError(t, err)
	}
	assert.Greater(t, p.SegmentsCount(), 1)
	assert.Equal(t, uint64(50), p.NextOffset())

	// Offsets remain contiguous across the segment boundary.
	consumer := Consumer{Kind: ConsumerSingle, ID: 1}
	messages, err := p.Poll(consumer, PollStrategy{Kind: PollFirst}, 50, false)
	require.NoError(t, err)
	require.Len(t, messages, 50)
	for i, m := range messages {
		assert.Equal(t, uint64(i), m.Offset)
	}
}

func TestPartitionDeduplication(t *testing.T) {
	cfg := testConfig(t)
	cfg.Partition.DeduplicateMessages = true
	cfg.Partition.DedupWindowSize = 100
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	batch := make([]*storage.Message, 3)
	for i := range batch {
		batch[i] = storage.NewMessage(storage.MessageID{0: byte(i + 1)}, nil, []byte("payload"))
	}
	_, end, err := p.Append(batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), end)

	// A producer retry of the same IDs must not advance the log.
	retry := make([]*storage.Message, 3)
	for i := range retry {
		retry[i] = storage.NewMessage(storage.MessageID{0: byte(i + 1)}, nil, []byte("payload"))
	}
	_, _, err = p.Append(retry)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.NextOffset())

	// Zero IDs are never deduplicated.
	_, _, err = p.Append(makeMessages(2, "anon"))
	require.NoError(t, err)
	_, _, err = p.Append(makeMessages(2, "anon"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.NextOffset())
}

func TestPartitionDeduplicationKeepsCallerBatchIntact(t *testing.T) {
	cfg := testConfig(t)
	cfg.Partition.DeduplicateMessages = true
	cfg.Partition.DedupWindowSize = 100
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Append([]*storage.Message{
		storage.NewMessage(storage.MessageID{0: 1}, nil, []byte("payload")),
	})
	require.NoError(t, err)

	// Retry carrying one duplicate and one new message: filtering it must
	// not rearrange the slice the producer handed in.
	retry := []*storage.Message{
		storage.NewMessage(storage.MessageID{0: 1}, nil, []byte("payload")),
		storage.NewMessage(storage.MessageID{0: 2}, nil, []byte("payload")),
	}
	original := append([]*storage.Message(nil), retry...)
	_, _, err = p.Append(retry)
	require.NoError(t, err)
	for i := range retry {
		assert.Same(t, original[i], retry[i])
	}
	assert.Equal(t, uint64(2), p.NextOffset())
}

func TestPartitionPollStrategies(t *testing.T) {
	cfg := testConfig(t)
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	messages := makeMessages(30, "m")
	for i, m := range messages {
		m.Timestamp = int64(1000 + i*10)
	}
	_, _, err = p.Append(messages)
	require.NoError(t, err)

	consumer := Consumer{Kind: ConsumerSingle, ID: 7}

	polled, err := p.Poll(consumer, PollAtOffset(12), 5, false)
	require.NoError(t, err)
	require.Len(t, polled, 5)
	assert.Equal(t, uint64(12), polled[0].Offset)

	polled, err = p.Poll(consumer, PollAtTimestamp(1150), 3, false)
	require.NoError(t, err)
	require.Len(t, polled, 3)
	assert.Equal(t, uint64(15), polled[0].Offset)

	polled, err = p.Poll(consumer, PollStrategy{Kind: PollFirst}, 2, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), polled[0].Offset)

	polled, err = p.Poll(consumer, PollStrategy{Kind: PollLast}, 5, false)
	require.NoError(t, err)
	require.Len(t, polled, 5)
	assert.Equal(t, uint64(25), polled[0].Offset)
	assert.Equal(t, uint64(29), polled[4].Offset)

	// Next without a committed offset starts from the beginning.
	polled, err = p.Poll(consumer, PollStrategy{Kind: PollNext}, 4, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), polled[0].Offset)
	assert.Equal(t, uint64(3), polled[3].Offset)

	// The auto commit moved the consumer forward.
	polled, err = p.Poll(consumer, PollStrategy{Kind: PollNext}, 4, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), polled[0].Offset)

	// Polling past the head is empty, not an error.
	polled, err = p.Poll(consumer, PollAtOffset(100), 5, false)
	require.NoError(t, err)
	assert.Empty(t, polled)
}

func TestPartitionOffsetCommits(t *testing.T) {
	cfg := testConfig(t)
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Append(makeMessages(20, "m"))
	require.NoError(t, err)

	consumer := Consumer{Kind: ConsumerSingle, ID: 3}
	group := Consumer{Kind: ConsumerGroup, ID: 3}

	require.NoError(t, p.CommitOffset(consumer, 10))
	offset, ok := p.GetOffset(consumer)
	require.True(t, ok)
	assert.Equal(t, uint64(10), offset)

	// Lower commits are silently ignored.
	require.NoError(t, p.CommitOffset(consumer, 5))
	offset, _ = p.GetOffset(consumer)
	assert.Equal(t, uint64(10), offset)

	// Commits past the head are rejected.
	err = p.CommitOffset(consumer, 20)
	assert.IsType(t, storage.InvalidOffsetError(""), err)

	// Groups and single consumers with the same ID do not collide.
	_, ok = p.GetOffset(group)
	assert.False(t, ok)
	require.NoError(t, p.CommitOffset(group, 15))
	offset, _ = p.GetOffset(consumer)
	assert.Equal(t, uint64(10), offset)

	require.NoError(t, p.DeleteOffset(consumer))
	_, ok = p.GetOffset(consumer)
	assert.False(t, ok)
}

func TestPartitionOffsetsSurviveReload(t *testing.T) {
	cfg := testConfig(t)
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	_, _, err = p.Append(makeMessages(10, "m"))
	require.NoError(t, err)
	consumer := Consumer{Kind: ConsumerSingle, ID: 9}
	require.NoError(t, p.CommitOffset(consumer, 7))
	require.NoError(t, p.Close())

	loaded, err := LoadPartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer loaded.Close()

	offset, ok := loaded.GetOffset(consumer)
	require.True(t, ok)
	assert.Equal(t, uint64(7), offset)

	// Next resumes right after the committed offset.
	polled, err := loaded.Poll(consumer, PollStrategy{Kind: PollNext}, 3, false)
	require.NoError(t, err)
	require.Len(t, polled, 3)
	assert.Equal(t, uint64(8), polled[0].Offset)
}

func TestPartitionReloadContinuesAppending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.SizeBytes = 512
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, _, err := p.Append(makeMessages(5, "before"))
		require.NoError(t, err)
	}
	segments := p.SegmentsCount()
	require.NoError(t, p.Close())

	loaded, err := LoadPartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, uint64(30), loaded.NextOffset())
	assert.GreaterOrEqual(t, loaded.SegmentsCount(), segments)

	start, _, err := loaded.Append(makeMessages(1, "after"))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), start)

	polled, err := loaded.Poll(Consumer{Kind: ConsumerSingle, ID: 1}, PollAtOffset(29), 2, false)
	require.NoError(t, err)
	require.Len(t, polled, 2)
	assert.Equal(t, []byte("before-4"), polled[0].Payload)
	assert.Equal(t, []byte("after-0"), polled[1].Payload)
}

func TestPartitionRetentionSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.SizeBytes = 512
	p, err := CreatePartition(cfg, 1, 1, 1, time.Minute, testTracker())
	require.NoError(t, err)
	defer p.Close()

	old := makeMessages(20, "old")
	for _, m := range old {
		m.Timestamp = time.Now().Add(-time.Hour).UnixMicro()
	}
	_, _, err = p.Append(old)
	require.NoError(t, err)
	for p.SegmentsCount() < 3 {
		batch := makeMessages(5, "older")
		for _, m := range batch {
			m.Timestamp = time.Now().Add(-time.Hour).UnixMicro()
		}
		_, _, err = p.Append(batch)
		require.NoError(t, err)
	}
	_, _, err = p.Append(makeMessages(5, "fresh"))
	require.NoError(t, err)

	before := p.SegmentsCount()
	deleted, freed, err := p.Sweep(time.Now(), 0)
	require.NoError(t, err)
	assert.Greater(t, deleted, 0)
	assert.Greater(t, freed, uint64(0))
	assert.Equal(t, before-deleted, p.SegmentsCount())

	// The active segment with fresh data always survives.
	polled, err := p.Poll(Consumer{Kind: ConsumerSingle, ID: 1}, PollStrategy{Kind: PollLast}, 5, false)
	require.NoError(t, err)
	require.Len(t, polled, 5)
	assert.Equal(t, []byte("fresh-4"), polled[4].Payload)

	// Polling below the retained tail starts at the oldest survivor.
	first, err := p.Poll(Consumer{Kind: ConsumerSingle, ID: 1}, PollAtOffset(0), 1, false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Greater(t, first[0].Offset, uint64(0))
}

func TestPartitionRetentionBySize(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.SizeBytes = 512
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer p.Close()

	for p.SegmentsCount() < 4 {
		_, _, err = p.Append(makeMessages(5, "bulk"))
		require.NoError(t, err)
	}

	deleted, _, err := p.Sweep(time.Now(), 600)
	require.NoError(t, err)
	assert.Greater(t, deleted, 0)
	assert.GreaterOrEqual(t, p.SegmentsCount(), 1)
}

func TestPartitionHighVolume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.SizeBytes = 128 * 1024
	cfg.Segment.MessagesRequiredToSave = 500
	p, err := CreatePartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	const total = 10000
	for i := 0; i < total/100; i++ {
		batch := make([]*storage.Message, 100)
		for j := range batch {
			batch[j] = storage.NewMessage(storage.MessageID{}, nil, payload)
		}
		start, end, err := p.Append(batch)
		require.NoError(t, err)
		assert.Equal(t, uint64(i*100), start)
		assert.Equal(t, uint64(i*100+99), end)
	}
	assert.Equal(t, uint64(total), p.NextOffset())
	assert.Greater(t, p.SegmentsCount(), 1)
	require.NoError(t, p.Close())

	loaded, err := LoadPartition(cfg, 1, 1, 1, 0, testTracker())
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, uint64(total), loaded.NextOffset())
	assert.Equal(t, uint64(total), loaded.MessagesCount())

	consumer := Consumer{Kind: ConsumerSingle, ID: 1}
	var offset uint64
	var seen int
	for offset < total {
		polled, err := loaded.Poll(consumer, PollAtOffset(offset), 1000, false)
		require.NoError(t, err)
		require.NotEmpty(t, polled)
		for _, m := range polled {
			assert.Equal(t, offset, m.Offset)
			assert.Equal(t, payload, m.Payload)
			offset++
			seen++
		}
	}
	assert.Equal(t, total, seen)
}
