package worker

import (
	"context"
	"time"

	"slanchor/storage"
)

// Worker is the single-job loop for low-volume deployments: it claims one
// queued job at a time, moves it to processing, and runs the send pipeline.
// Multiple worker processes may run; the claim is guarded by row locking.
// Crash recovery runs through RequeueStale: on startup and periodically,
// processing jobs older than the TTL revert to queued and are claimed again.
type Worker struct {
	pipeline *Pipeline
	poll     time.Duration
	ttl      time.Duration
}

// NewWorker constructs the single-job worker. A non-positive poll interval
// falls back to one second; a non-positive stale TTL falls back to two
// minutes.
func NewWorker(p *Pipeline, poll, staleTTL time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	if staleTTL <= 0 {
		staleTTL = 2 * time.Minute
	}
	return &Worker{pipeline: p, poll: poll, ttl: staleTTL}
}

// Run processes queued jobs until ctx is cancelled. An empty queue idles for
// the poll interval; a non-empty queue drains continuously.
func (w *Worker) Run(ctx context.Context) {
	log := w.pipeline.logger().With("component", "worker")
	log.Info("single-job worker started", "poll", w.poll.String())

	w.requeue(ctx)
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			log.Info("single-job worker stopped")
			return
		}
		if time.Since(lastSweep) > w.ttl/2 {
			w.requeue(ctx)
			lastSweep = time.Now()
		}
		job, err := w.pipeline.Store.ClaimOneQueued(ctx)
		if err != nil {
			log.Error("claim failed", "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				log.Info("single-job worker stopped")
				return
			case <-time.After(w.poll):
			}
			continue
		}
		w.pipeline.send(ctx, job, storage.StatusProcessing, "single", nil)
	}
}

func (w *Worker) requeue(ctx context.Context) {
	n, err := w.pipeline.Store.RequeueStale(ctx, w.ttl)
	if err != nil {
		w.pipeline.logger().Error("requeue sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.pipeline.Metrics.RecordUnstuck(n)
		w.pipeline.logger().Warn("requeued stalled processing jobs", "count", n)
	}
}
