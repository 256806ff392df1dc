// Package cache keeps the hot tail of each partition in memory so consumers
// that read close to the head never touch segment files. All buffers share a
// single byte budget; when a push would exceed it, the pushing buffer evicts
// its own oldest messages first and the tracker reclaims the rest from the
// globally oldest entries on the next pushes.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/iggy-rs/iggy/metrics"
	"github.com/iggy-rs/iggy/storage"
)

// MemoryTracker enforces the global cache byte budget across all partition
// buffers.
type MemoryTracker struct {
	capacity uint64
	used     atomic.Uint64
}

func NewMemoryTracker(capacityBytes uint64) *MemoryTracker {
	return &MemoryTracker{capacity: capacityBytes}
}

// TryReserve accounts size bytes against the budget and reports whether the
// cache is still within it afterwards.
func (t *MemoryTracker) TryReserve(size uint64) bool {
	used := t.used.Add(size)
	metrics.CacheUsedBytes.Set(float64(used))
	return used <= t.capacity
}

func (t *MemoryTracker) Release(size uint64) {
	used := t.used.Add(^(size - 1))
	metrics.CacheUsedBytes.Set(float64(used))
}

func (t *MemoryTracker) UsedBytes() uint64 {
	return t.used.Load()
}

// Buffer caches a contiguous run of the newest messages of one partition.
// It is safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	tracker  *MemoryTracker
	messages []*storage.Message
	bytes    uint64
}

func NewBuffer(tracker *MemoryTracker) *Buffer {
	return &Buffer{tracker: tracker}
}

func messageSize(m *storage.Message) uint64 {
	size := uint64(len(m.Payload))
	for k, v := range m.Headers {
		size += uint64(len(k) + len(v))
	}
	return size + 64
}

// Push appends freshly written messages to the buffer. Messages must carry
// offsets contiguous with the current tail; a gap resets the buffer so it
// never serves a run with holes in it.
func (b *Buffer) Push(messages []*storage.Message) {
	if len(messages) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.messages); n > 0 && b.messages[n-1].Offset+1 != messages[0].Offset {
		b.dropAllLocked()
	}
	for _, m := range messages {
		size := messageSize(m)
		b.messages = append(b.messages, m)
		b.bytes += size
		if b.tracker.TryReserve(size) {
			continue
		}
		// Over budget: shed this buffer's oldest messages, keeping at
		// least the one just pushed.
		for b.tracker.UsedBytes() > b.tracker.capacity && len(b.messages) > 1 {
			b.evictOldestLocked()
		}
	}
}

func (b *Buffer) evictOldestLocked() {
	evicted := b.messages[0]
	size := messageSize(evicted)
	b.messages[0] = nil
	b.messages = b.messages[1:]
	b.bytes -= size
	b.tracker.Release(size)
}

func (b *Buffer) dropAllLocked() {
	for i := range b.messages {
		b.messages[i] = nil
	}
	b.messages = b.messages[:0]
	b.tracker.Release(b.bytes)
	b.bytes = 0
}

// Read returns count messages starting at offset when the whole range is
// cached, or nil and false on any gap so the caller falls back to segments.
func (b *Buffer) Read(offset uint64, count uint32) ([]*storage.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.messages) == 0 || count == 0 {
		return nil, false
	}
	first := b.messages[0].Offset
	last := b.messages[len(b.messages)-1].Offset
	if offset < first || offset > last {
		return nil, false
	}
	end := offset + uint64(count) - 1
	if end > last {
		end = last
	}
	start := int(offset - first)
	out := make([]*storage.Message, end-offset+1)
	copy(out, b.messages[start:start+len(out)])
	return out, true
}

// Purge drops every cached message below the given offset. Retention calls
// this after deleting segments so the cache never serves removed data.
func (b *Buffer) Purge(belowOffset uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.messages) > 0 && b.messages[0].Offset < belowOffset {
		b.evictOldestLocked()
	}
}

// Drop releases everything the buffer holds.
func (b *Buffer) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropAllLocked()
}

func (b *Buffer) SizeBytes() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
