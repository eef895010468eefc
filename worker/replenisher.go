package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"slanchor/broadcast"
	"slanchor/storage"
	"slanchor/txbuilder"
)

// ReplenisherConfig carries the pool maintenance knobs.
type ReplenisherConfig struct {
	Interval    time.Duration
	Cooldown    time.Duration
	MinPoolSize int64
	SplitSize   int
	UnitValue   int64
	PoolAddr    string
	ChangeAddr  string
}

// Replenisher keeps the publish pool deep enough by splitting the largest
// funding input into unit-value outputs. The cooldown prevents thrash while
// many inputs are momentarily reserved during high-broadcast windows.
type Replenisher struct {
	pipeline  *Pipeline
	cfg       ReplenisherConfig
	lastSplit time.Time

	// now is overridable for tests.
	now func() time.Time
}

// NewReplenisher constructs the pool monitor.
func NewReplenisher(p *Pipeline, cfg ReplenisherConfig) *Replenisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = 50000
	}
	if cfg.SplitSize <= 0 {
		cfg.SplitSize = 100000
	}
	if cfg.UnitValue <= 0 {
		cfg.UnitValue = 100
	}
	return &Replenisher{pipeline: p, cfg: cfg, now: time.Now}
}

// Run checks pool depth on the configured cadence until ctx is cancelled.
func (r *Replenisher) Run(ctx context.Context) {
	log := r.pipeline.logger().With("component", "replenisher")
	log.Info("replenisher started", "interval", r.cfg.Interval.String(), "min_pool", r.cfg.MinPoolSize)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("replenisher stopped")
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check runs one pool inspection pass. Exposed for tests and for a forced
// check at daemon startup.
func (r *Replenisher) Check(ctx context.Context) {
	log := r.pipeline.logger().With("component", "replenisher")

	stats, err := r.pipeline.Store.Stats(ctx, r.cfg.UnitValue)
	if err != nil {
		log.Error("pool stats failed", "error", err)
		return
	}
	r.pipeline.Metrics.SetPoolDepth(stats.PublishAvailable, stats.PublishReserved, stats.PublishDirty, stats.Spent)

	if stats.PublishAvailable >= r.cfg.MinPoolSize {
		return
	}
	if !r.lastSplit.IsZero() && r.now().Sub(r.lastSplit) < r.cfg.Cooldown {
		log.Debug("pool low but split cooldown active", "available", stats.PublishAvailable)
		return
	}
	if stats.LargestFunding == nil {
		r.alarm(log, stats.PublishAvailable, "no funding input available")
		return
	}

	source := stats.LargestFunding
	built, err := r.pipeline.Builder.BuildSplit(txbuilder.Input{
		TxID:          source.TxID,
		Vout:          source.Vout,
		Satoshis:      source.Satoshis,
		LockingScript: source.LockingScript,
	}, r.cfg.UnitValue, r.cfg.SplitSize, r.cfg.PoolAddr, r.cfg.ChangeAddr)
	if err != nil {
		if errors.Is(err, txbuilder.ErrInsufficientValue) {
			r.alarm(log, stats.PublishAvailable, "largest funding input cannot cover split")
			return
		}
		log.Error("split build failed", "error", err)
		r.pipeline.Metrics.RecordSplit("build_error")
		return
	}

	start := r.now()
	res := r.pipeline.Sender.Broadcast(ctx, built.RawHex)
	r.pipeline.Metrics.RecordBroadcast("split", string(res.Outcome), time.Since(start))
	if res.Outcome != broadcast.OutcomeSuccess {
		log.Error("split broadcast failed", "outcome", string(res.Outcome), "detail", res.Detail)
		r.pipeline.Metrics.RecordSplit(string(res.Outcome))
		return
	}

	outputs, err := r.splitOutputs(built, source.Satoshis)
	if err != nil {
		log.Error("split output registration failed", "txid", res.TxID, "error", err)
		return
	}
	if err := r.pipeline.Store.RecordSplit(ctx, source.ID, res.TxID, outputs); err != nil {
		log.Error("split bookkeeping failed", "txid", res.TxID, "error", err)
		return
	}
	r.lastSplit = r.now()
	r.pipeline.Metrics.RecordSplit("success")
	log.Info("pool replenished", "txid", res.TxID, "minted", r.cfg.SplitSize, "fee", built.Fee)
}

// splitOutputs maps the split transaction's vouts onto pool rows: outputs
// 0..K-1 are unit-value publish inputs, output K is the change.
func (r *Replenisher) splitOutputs(built *txbuilder.Built, sourceValue int64) ([]storage.UTXO, error) {
	poolScript, err := r.pipeline.Builder.AddressScriptHex(r.cfg.PoolAddr)
	if err != nil {
		return nil, err
	}
	changeScript, err := r.pipeline.Builder.AddressScriptHex(r.cfg.ChangeAddr)
	if err != nil {
		return nil, err
	}

	outputs := make([]storage.UTXO, 0, r.cfg.SplitSize+1)
	for i := 0; i < r.cfg.SplitSize; i++ {
		outputs = append(outputs, storage.UTXO{
			TxID:          built.TxID,
			Vout:          uint32(i),
			Satoshis:      r.cfg.UnitValue,
			LockingScript: poolScript,
			Address:       r.cfg.PoolAddr,
			Purpose:       storage.PurposePublish,
		})
	}
	change := sourceValue - built.Fee - r.cfg.UnitValue*int64(r.cfg.SplitSize)
	if change > 0 {
		outputs = append(outputs, storage.UTXO{
			TxID:          built.TxID,
			Vout:          uint32(r.cfg.SplitSize),
			Satoshis:      change,
			LockingScript: changeScript,
			Address:       r.cfg.ChangeAddr,
			Purpose:       storage.PurposeChange,
		})
	}
	return outputs, nil
}

func (r *Replenisher) alarm(log *slog.Logger, available int64, reason string) {
	r.pipeline.Metrics.RecordCapacityAlarm()
	log.Warn("pool capacity alarm", "available", available, "min_pool", r.cfg.MinPoolSize, "reason", reason)
}
