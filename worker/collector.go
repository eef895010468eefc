package worker

import (
	"context"
	"time"

	"slanchor/storage"
)

// Collector periodically sweeps queued jobs into batches. All jobs claimed in
// one pass share a batch id and carry dense sequence numbers in creation
// order; that ordering is immutable and honoured by the broadcaster.
type Collector struct {
	store    *storage.Store
	pipeline *Pipeline
	window   time.Duration
	maxBatch int
}

// NewCollector constructs the batch collector.
func NewCollector(p *Pipeline, window time.Duration, maxBatch int) *Collector {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &Collector{store: p.Store, pipeline: p, window: window, maxBatch: maxBatch}
}

// Run collects batches every window until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	log := c.pipeline.logger().With("component", "collector")
	log.Info("batch collector started", "window", c.window.String(), "max_batch", c.maxBatch)
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("batch collector stopped")
			return
		case <-ticker.C:
			batchID, jobs, err := c.store.ClaimQueued(ctx, c.maxBatch)
			if err != nil {
				log.Error("batch claim failed", "error", err)
				continue
			}
			if len(jobs) == 0 {
				continue
			}
			c.pipeline.Metrics.RecordBatch(len(jobs))
			log.Info("batch collected", "batch_id", batchID, "size", len(jobs))
		}
	}
}
