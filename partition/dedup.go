package partition

import (
	"github.com/iggy-rs/iggy/storage"
)

// dedupIndex remembers the IDs of the most recently appended messages so a
// producer retry never lands twice. It is count-bounded: once the window is
// full, the oldest remembered ID makes room for the newest. Messages with a
// zero ID bypass deduplication entirely.
type dedupIndex struct {
	capacity int
	ids      map[storage.MessageID]struct{}
	ring     []storage.MessageID
	next     int
	full     bool
}

func newDedupIndex(capacity int) *dedupIndex {
	return &dedupIndex{
		capacity: capacity,
		ids:      make(map[storage.MessageID]struct{}, capacity),
		ring:     make([]storage.MessageID, capacity),
	}
}

// observe records the ID and reports whether it was seen for the first time
// within the window.
func (d *dedupIndex) observe(id storage.MessageID) bool {
	if id.IsZero() {
		return true
	}
	if _, seen := d.ids[id]; seen {
		return false
	}
	if d.full {
		delete(d.ids, d.ring[d.next])
	}
	d.ring[d.next] = id
	d.ids[id] = struct{}{}
	d.next++
	if d.next == d.capacity {
		d.next = 0
		d.full = true
	}
	return true
}
