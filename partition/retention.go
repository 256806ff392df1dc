package partition

import (
	"time"

	"github.com/iggy-rs/iggy/metrics"
	"github.com/iggy-rs/iggy/utils/log"
)

// Sweep enforces retention for the partition: sealed segments whose newest
// message has outlived the message expiry are deleted, then the oldest
// segments go until the partition fits under maxSizeBytes (zero disables the
// size bound). The active segment is never deleted, so the newest data always
// survives a sweep. Returns the number of segments removed and the bytes
// freed.
func (p *Partition) Sweep(now time.Time, maxSizeBytes uint64) (int, uint64, error) {
	p.Lock()
	defer p.Unlock()

	expiry := p.MessageExpiry
	if expiry == 0 {
		expiry = p.cfg.Retention.MessageExpiry
	}

	var deleted int
	var freed uint64

	if expiry > 0 {
		cutoff := now.Add(-expiry).UnixMicro()
		for len(p.segments) > 1 {
			oldest := p.segments[0]
			if !oldest.Sealed() || oldest.MaxTimestamp() >= cutoff {
				break
			}
			size := uint64(oldest.SizeBytes())
			if err := p.dropOldestSegment(); err != nil {
				return deleted, freed, err
			}
			deleted++
			freed += size
		}
	}

	if maxSizeBytes > 0 {
		var total uint64
		for _, segment := range p.segments {
			total += uint64(segment.SizeBytes())
		}
		for total > maxSizeBytes && len(p.segments) > 1 {
			oldest := p.segments[0]
			if !oldest.Sealed() {
				break
			}
			size := uint64(oldest.SizeBytes())
			if err := p.dropOldestSegment(); err != nil {
				return deleted, freed, err
			}
			total -= size
			deleted++
			freed += size
		}
	}

	if deleted > 0 {
		if p.buffer != nil {
			p.buffer.Purge(p.segments[0].StartOffset)
		}
		log.Info("Retention removed %d segments (%d bytes) from partition %d of stream %d, topic %d",
			deleted, freed, p.ID, p.StreamID, p.TopicID)
	}
	return deleted, freed, nil
}

func (p *Partition) dropOldestSegment() error {
	oldest := p.segments[0]
	if err := oldest.Delete(); err != nil {
		return err
	}
	p.segments[0] = nil
	p.segments = p.segments[1:]
	metrics.SegmentsDeleted.Inc()
	return nil
}

// OldestTimestamp returns the timestamp of the oldest retained message, or
// zero when the partition is empty.
func (p *Partition) OldestTimestamp() int64 {
	p.RLock()
	defer p.RUnlock()
	for _, segment := range p.segments {
		if segment.MessagesCount() == 0 {
			continue
		}
		messages, err := segment.Read(segment.StartOffset, 1)
		if err != nil || len(messages) == 0 {
			return 0
		}
		return messages[0].Timestamp
	}
	return 0
}
