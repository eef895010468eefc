package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"slanchor/broadcast"
	"slanchor/observability"
	"slanchor/observability/logging"
	"slanchor/storage"
	"slanchor/txbuilder"
)

// Pipeline bundles the collaborators every worker loop needs: the store, the
// transaction builder, the broadcast client, and the lease/change settings.
// The single-job worker and the batch broadcaster share its send path so the
// outcome branches stay identical.
type Pipeline struct {
	Store      *storage.Store
	Builder    *txbuilder.Builder
	Sender     broadcast.Sender
	Lease      time.Duration
	ChangeAddr string
	Log        *slog.Logger
	Metrics    *observability.AnchorMetrics
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// send reserves a UTXO, builds the anchor transaction, optionally waits for a
// rate token, broadcasts, and applies the outcome branches. The from status is
// processing on the single-job path and sending on the batch path.
func (p *Pipeline) send(ctx context.Context, job *storage.Job, from storage.JobStatus, path string, bucket *TokenBucket) {
	log := p.logger().With("job_id", job.JobID, "record_id", job.RecordID, "path", path)

	utxo, err := p.Store.Reserve(ctx, p.Lease)
	if err != nil {
		log.Error("utxo reserve failed", "error", err)
		p.fail(ctx, job, from, storage.ErrCodeTransientNetwork, "utxo reserve failed: "+err.Error())
		return
	}
	if utxo == nil {
		log.Warn("utxo pool exhausted")
		p.fail(ctx, job, from, storage.ErrCodeNoCapacity, "no available publish utxo")
		return
	}

	built, err := p.Builder.BuildAnchor(txbuilder.Input{
		TxID:          utxo.TxID,
		Vout:          utxo.Vout,
		Satoshis:      utxo.Satoshis,
		LockingScript: utxo.LockingScript,
	}, job.RecordHash, p.ChangeAddr)
	if err != nil {
		log.Error("transaction build failed", "error", err)
		p.releaseQuietly(ctx, utxo.ID, log)
		p.fail(ctx, job, from, storage.ErrCodeBuildError, err.Error())
		return
	}

	if bucket != nil {
		if err := bucket.Take(ctx, 1); err != nil {
			// Shutdown mid-batch: return the input and leave the job in
			// sending for the unstick sweep to recover.
			p.releaseQuietly(ctx, utxo.ID, log)
			return
		}
	}

	start := time.Now()
	res := p.Sender.Broadcast(ctx, built.RawHex)
	p.Metrics.RecordBroadcast(path, string(res.Outcome), time.Since(start))

	switch res.Outcome {
	case broadcast.OutcomeSuccess:
		if err := p.Store.MarkSpent(ctx, utxo.ID, res.TxID); err != nil {
			if errors.Is(err, storage.ErrUTXONotReserved) {
				// Lease expired mid-broadcast and another worker took the row.
				log.Error("utxo lease lost before mark-spent", "utxo_id", utxo.ID, "txid", res.TxID)
			} else {
				log.Error("mark spent failed", "utxo_id", utxo.ID, "error", err)
			}
		}
		applied, err := p.Store.MarkJobSent(ctx, job.JobID, from, res.TxID)
		if err != nil || !applied {
			log.Error("sent transition not applied", "error", err)
		}
		log.Info("anchor broadcast accepted", "txid", res.TxID, "fee", built.Fee)
		p.audit(ctx, job, "sent", res.TxID)
	case broadcast.OutcomeMempoolConflict:
		if err := p.Store.MarkDirty(ctx, utxo.ID); err != nil {
			log.Error("mark dirty failed", "utxo_id", utxo.ID, "error", err)
		}
		p.fail(ctx, job, from, storage.ErrCodeMempoolConflict, res.Detail)
	case broadcast.OutcomeTransient:
		p.releaseQuietly(ctx, utxo.ID, log)
		p.fail(ctx, job, from, storage.ErrCodeTransientNetwork, res.Detail)
	default:
		log.Warn("ledger rejected transaction",
			"detail", res.Detail,
			logging.MaskField("rawtx", built.RawHex))
		p.releaseQuietly(ctx, utxo.ID, log)
		p.fail(ctx, job, from, storage.ErrCodePermanentReject, res.Detail)
	}
}

func (p *Pipeline) fail(ctx context.Context, job *storage.Job, from storage.JobStatus, code, detail string) {
	applied, err := p.Store.MarkJobFailed(ctx, job.JobID, from, code, detail)
	if err != nil || !applied {
		p.logger().Error("failed transition not applied", "job_id", job.JobID, "code", code, "error", err)
		return
	}
	p.logger().Warn("job failed", "job_id", job.JobID, "code", code, "detail", detail)
	p.audit(ctx, job, "failed", code)
}

func (p *Pipeline) releaseQuietly(ctx context.Context, utxoID uint, log *slog.Logger) {
	if err := p.Store.Release(ctx, utxoID); err != nil {
		log.Error("utxo release failed", "utxo_id", utxoID, "error", err)
	}
}

func (p *Pipeline) audit(ctx context.Context, job *storage.Job, action, detail string) {
	if err := p.Store.AppendAudit(ctx, "PUBLISH_JOB", job.SignerPubKey, "job", job.JobID, action, detail); err != nil {
		p.logger().Error("audit append failed", "job_id", job.JobID, "error", err)
	}
}
