package system

import (
	"context"
	"time"

	"github.com/iggy-rs/iggy/metrics"
	"github.com/iggy-rs/iggy/partition"
	"github.com/iggy-rs/iggy/utils/log"
	"github.com/iggy-rs/iggy/utils/pool"
)

// runSweeper periodically walks every partition and applies retention. It
// exits when the context is canceled or Shutdown closes the stop channel.
func (s *System) runSweeper(ctx context.Context) {
	defer close(s.sweeperDone)
	interval := s.cfg.Retention.Interval
	if interval <= 0 {
		log.Info("Retention sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("Retention sweeper running every %s with %d workers", interval, s.cfg.Retention.SweepWorkers)

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(time.Now())
		case <-ctx.Done():
			return
		case <-s.stopSweeper:
			return
		}
	}
}

// sweepOnce fans partitions out to a fixed worker pool; each worker deletes
// whatever segments have expired on its partitions.
func (s *System) sweepOnce(now time.Time) {
	started := time.Now()
	maxSize := s.cfg.Retention.MaxPartitionSizeBytes

	workers := pool.NewPool(s.cfg.Retention.SweepWorkers, func(input interface{}) {
		p := input.(*partition.Partition)
		if _, _, err := p.Sweep(now, maxSize); err != nil {
			log.Error("Retention sweep failed for partition %d of stream %d, topic %d: %v",
				p.ID, p.StreamID, p.TopicID, err)
		}
	})

	partitions := make(chan interface{})
	go func() {
		defer close(partitions)
		for _, stream := range s.catalog.Streams() {
			for _, topic := range stream.Topics() {
				for _, p := range topic.Partitions() {
					partitions <- p
				}
			}
		}
	}()
	workers.Work(partitions)
	workers.Wait()

	metrics.RetentionSweepDuration.Observe(time.Since(started).Seconds())
}
