package worker

import (
	"context"
	"time"

	"slanchor/storage"
)

// Broadcaster drains batches oldest-first in strict ascending sequence. It is
// the single consumer of the rate bucket; every broadcast on this path costs
// one token. Crash recovery runs through Unstick: on startup and periodically,
// sending jobs older than the TTL revert to processing_batch and are claimed
// again, so delivery is at-least-once.
type Broadcaster struct {
	store    *storage.Store
	pipeline *Pipeline
	bucket   *TokenBucket
	ttl      time.Duration
	idle     time.Duration
}

// NewBroadcaster constructs the batch broadcaster.
func NewBroadcaster(p *Pipeline, bucket *TokenBucket, sendingTTL time.Duration) *Broadcaster {
	if sendingTTL <= 0 {
		sendingTTL = 2 * time.Minute
	}
	return &Broadcaster{
		store:    p.Store,
		pipeline: p,
		bucket:   bucket,
		ttl:      sendingTTL,
		idle:     500 * time.Millisecond,
	}
}

// Run drains active batches until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	log := b.pipeline.logger().With("component", "broadcaster")
	log.Info("batch broadcaster started", "sending_ttl", b.ttl.String())

	b.unstick(ctx)
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			log.Info("batch broadcaster stopped")
			return
		}
		if time.Since(lastSweep) > b.ttl/2 {
			b.unstick(ctx)
			lastSweep = time.Now()
		}

		batchID, err := b.store.OldestActiveBatch(ctx)
		if err != nil {
			log.Error("batch selection failed", "error", err)
			batchID = ""
		}
		if batchID == "" {
			select {
			case <-ctx.Done():
				log.Info("batch broadcaster stopped")
				return
			case <-time.After(b.idle):
			}
			continue
		}

		job, err := b.store.ClaimNextInBatch(ctx, batchID)
		if err != nil {
			log.Error("batch claim failed", "batch_id", batchID, "error", err)
			continue
		}
		if job == nil {
			done, err := b.store.CompleteBatchIfDrained(ctx, batchID)
			if err != nil {
				log.Error("batch completion check failed", "batch_id", batchID, "error", err)
			} else if done {
				log.Info("batch drained", "batch_id", batchID)
				continue
			}
			// Nothing claimable but the batch is still open: a job is in
			// flight in another process, or stuck younger than the TTL.
			// Back off instead of re-polling the same batch.
			select {
			case <-ctx.Done():
				log.Info("batch broadcaster stopped")
				return
			case <-time.After(b.idle):
			}
			continue
		}
		b.pipeline.send(ctx, job, storage.StatusSending, "batch", b.bucket)
	}
}

func (b *Broadcaster) unstick(ctx context.Context) {
	n, err := b.store.Unstick(ctx, b.ttl)
	if err != nil {
		b.pipeline.logger().Error("unstick sweep failed", "error", err)
		return
	}
	if n > 0 {
		b.pipeline.Metrics.RecordUnstuck(n)
		b.pipeline.logger().Warn("recovered stuck sending jobs", "count", n)
	}
}
