package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrReplayDetected is returned when a (signer, nonce) pair was already
	// admitted.
	ErrReplayDetected = errors.New("storage: nonce already seen for signer")

	// ErrJobNotFound is returned by job lookups with no matching row.
	ErrJobNotFound = errors.New("storage: job not found")
)

// Store wraps the durable job, nonce, batch, and audit state. All mutable
// service state lives here; correctness under concurrency derives from
// database constraints and row locking, not in-process mutexes.
type Store struct {
	db *gorm.DB

	// Now is overridable for tests.
	Now func() time.Time
}

// New constructs a store over an opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

// DB exposes the underlying handle for health checks and test fixtures.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies database connectivity for the liveness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// rowLock returns the SKIP LOCKED clause on Postgres. SQLite serialises
// writers itself and rejects FOR UPDATE syntax, so claims there run bare.
func (s *Store) rowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

// AdmitResult reports the outcome of an admission.
type AdmitResult struct {
	JobID     string
	Duplicate bool
}

// Admit records a validated intent in one transaction: the nonce row (unique
// violation maps to ErrReplayDetected), the job row (record-hash collision
// collapses to the prior job id), and the audit event.
func (s *Store) Admit(ctx context.Context, recordID, body, recordHash, signerPubKey, nonce string) (AdmitResult, error) {
	var result AdmitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		nonceRow := Nonce{PubKey: signerPubKey, Nonce: nonce, CreatedAt: now}
		if err := tx.Create(&nonceRow).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrReplayDetected
			}
			return fmt.Errorf("insert nonce: %w", err)
		}

		var existing Job
		err := tx.Where("record_hash = ?", recordHash).First(&existing).Error
		switch {
		case err == nil:
			result = AdmitResult{JobID: existing.JobID, Duplicate: true}
		case errors.Is(err, gorm.ErrRecordNotFound):
			job := Job{
				JobID:        uuid.NewString(),
				RecordID:     recordID,
				RecordBody:   body,
				RecordHash:   recordHash,
				SignerPubKey: signerPubKey,
				Status:       StatusQueued,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(&job).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Lost a race on the hash; fall back to the winner.
					if err := tx.Where("record_hash = ?", recordHash).First(&existing).Error; err != nil {
						return fmt.Errorf("load duplicate job: %w", err)
					}
					result = AdmitResult{JobID: existing.JobID, Duplicate: true}
					return s.appendAudit(tx, "PUBLISH_INTENT", signerPubKey, "job", existing.JobID, "submit", "duplicate record hash")
				}
				return fmt.Errorf("insert job: %w", err)
			}
			result = AdmitResult{JobID: job.JobID}
		default:
			return fmt.Errorf("lookup record hash: %w", err)
		}

		detail := ""
		if result.Duplicate {
			detail = "duplicate record hash"
		}
		return s.appendAudit(tx, "PUBLISH_INTENT", signerPubKey, "job", result.JobID, "submit", detail)
	})
	if err != nil {
		return AdmitResult{}, err
	}
	return result, nil
}

// Transition applies a conditional status update guarded by the current
// status. It reports whether the transition applied; concurrent writers race
// on the WHERE clause and at most one succeeds.
func (s *Store) Transition(ctx context.Context, jobID string, from, to JobStatus, fields map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": s.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ? AND status = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkJobSent records a successful broadcast.
func (s *Store) MarkJobSent(ctx context.Context, jobID string, from JobStatus, ledgerTxID string) (bool, error) {
	now := s.Now()
	return s.Transition(ctx, jobID, from, StatusSent, map[string]any{
		"ledger_tx_id": ledgerTxID,
		"sent_at":      now,
	})
}

// MarkJobFailed records a terminal failure with the taxonomy code.
func (s *Store) MarkJobFailed(ctx context.Context, jobID string, from JobStatus, code, detail string) (bool, error) {
	return s.Transition(ctx, jobID, from, StatusFailed, map[string]any{
		"error_code":   code,
		"error_detail": detail,
	})
}

// ClaimQueued atomically moves up to limit oldest queued jobs into
// processing_batch under a fresh batch id with dense sequence numbers 1..k
// ordered by creation time. Row locks are skip-locked on Postgres so parallel
// collectors never double-claim.
func (s *Store) ClaimQueued(ctx context.Context, limit int) (string, []Job, error) {
	if limit <= 0 {
		return "", nil, nil
	}
	var claimed []Job
	batchID := ""
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []Job
		q := s.rowLock(tx).
			Where("status = ?", StatusQueued).
			Order("created_at ASC, id ASC").
			Limit(limit)
		if err := q.Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		batchID = uuid.NewString()
		now := s.Now()
		if err := tx.Create(&Batch{BatchID: batchID, Size: len(jobs), CreatedAt: now}).Error; err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for i := range jobs {
			seq := i + 1
			res := tx.Model(&Job{}).
				Where("id = ? AND status = ?", jobs[i].ID, StatusQueued).
				Updates(map[string]any{
					"status":     StatusProcessingBatch,
					"batch_id":   batchID,
					"batch_seq":  seq,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("job %s claimed by another collector", jobs[i].JobID)
			}
			jobs[i].Status = StatusProcessingBatch
			jobs[i].BatchID = &batchID
			jobs[i].BatchSeq = &seq
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return batchID, claimed, nil
}

// ClaimOneQueued atomically moves the oldest queued job to processing for the
// single-job worker path. Returns nil when the queue is empty.
func (s *Store) ClaimOneQueued(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		q := s.rowLock(tx).
			Where("status = ?", StatusQueued).
			Order("created_at ASC, id ASC")
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]any{"status": StatusProcessing, "updated_at": s.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		job.Status = StatusProcessing
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimNextInBatch moves the lowest-seq processing_batch job of the batch to
// sending and stamps sending_started. Returns nil when the batch is drained.
func (s *Store) ClaimNextInBatch(ctx context.Context, batchID string) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		q := s.rowLock(tx).
			Where("batch_id = ? AND status = ?", batchID, StatusProcessingBatch).
			Order("batch_seq ASC")
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		now := s.Now()
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusProcessingBatch).
			Updates(map[string]any{
				"status":          StatusSending,
				"sending_started": now,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		job.Status = StatusSending
		job.SendingStarted = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// OldestActiveBatch returns the batch id with the earliest created job among
// batches that still have work, or empty when the broadcaster should idle.
func (s *Store) OldestActiveBatch(ctx context.Context) (string, error) {
	var batchID string
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("batch_id").
		Where("status IN ? AND batch_id IS NOT NULL", []JobStatus{StatusProcessingBatch, StatusSending}).
		Group("batch_id").
		Order("MIN(created_at) ASC").
		Limit(1).
		Scan(&batchID).Error
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// Unstick reverts sending jobs whose sending_started is older than ttl back
// to processing_batch. Invoked on startup and periodically; this is the batch
// path's backward edge in the job state machine.
func (s *Store) Unstick(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.Now().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND sending_started < ?", StatusSending, cutoff).
		Updates(map[string]any{
			"status":          StatusProcessingBatch,
			"sending_started": nil,
			"updated_at":      s.Now(),
		})
	return res.RowsAffected, res.Error
}

// RequeueStale reverts processing jobs that have not progressed within ttl
// back to queued. The single-job path carries no sending stamp; updated_at is
// set at claim time, so a worker crash between claim and a terminal
// transition heals here. Counterpart of Unstick for the single path.
func (s *Store) RequeueStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.Now().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":     StatusQueued,
			"updated_at": s.Now(),
		})
	return res.RowsAffected, res.Error
}

// CompleteBatchIfDrained stamps completed_at once every job in the batch has
// reached a terminal state.
func (s *Store) CompleteBatchIfDrained(ctx context.Context, batchID string) (bool, error) {
	var pending int64
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("batch_id = ? AND status NOT IN ?", batchID, []JobStatus{StatusSent, StatusFailed}).
		Count(&pending).Error
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	now := s.Now()
	res := s.db.WithContext(ctx).Model(&Batch{}).
		Where("batch_id = ? AND completed_at IS NULL", batchID).
		Update("completed_at", now)
	return res.RowsAffected == 1, res.Error
}

// JobByJobID loads a job by its public identifier.
func (s *Store) JobByJobID(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// LatestJobByRecordID returns the newest job admitted for a record id.
func (s *Store) LatestJobByRecordID(ctx context.Context, recordID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at DESC, id DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// NonceSeen reports whether the (signer, nonce) pair exists. The admission
// pipeline uses this for its side-effect-free pre-check; the unique index
// remains the authority at insert time.
func (s *Store) NonceSeen(ctx context.Context, pubKey, nonce string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Nonce{}).
		Where("pub_key = ? AND nonce = ?", pubKey, nonce).
		Count(&count).Error
	return count > 0, err
}

// RegisterSigner inserts an active signer registry row.
func (s *Store) RegisterSigner(ctx context.Context, pubKey, policy string) error {
	now := s.Now()
	row := Signer{PubKey: pubKey, Status: SignerActive, Policy: policy, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("storage: signer %s already registered", pubKey)
		}
		return err
	}
	return s.appendAudit(s.db.WithContext(ctx), "SIGNER", pubKey, "signer", pubKey, "register", "")
}

// RevokeSigner flips a signer to revoked. The transition is monotonic.
func (s *Store) RevokeSigner(ctx context.Context, pubKey string) error {
	res := s.db.WithContext(ctx).Model(&Signer{}).
		Where("pub_key = ? AND status = ?", pubKey, SignerActive).
		Updates(map[string]any{"status": SignerRevoked, "updated_at": s.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage: signer %s not active", pubKey)
	}
	return s.appendAudit(s.db.WithContext(ctx), "SIGNER", pubKey, "signer", pubKey, "revoke", "")
}

// IsSignerActive reports whether the pubkey exists with active status.
func (s *Store) IsSignerActive(ctx context.Context, pubKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Signer{}).
		Where("pub_key = ? AND status = ?", pubKey, SignerActive).
		Count(&count).Error
	return count > 0, err
}

// AppendAudit writes an append-only audit event outside any transaction.
func (s *Store) AppendAudit(ctx context.Context, eventType, actor, resourceType, resourceID, action, details string) error {
	return s.appendAudit(s.db.WithContext(ctx), eventType, actor, resourceType, resourceID, action, details)
}

func (s *Store) appendAudit(tx *gorm.DB, eventType, actor, resourceType, resourceID, action, details string) error {
	event := AuditEvent{
		EventType:    eventType,
		ActorPubKey:  actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Details:      details,
		CreatedAt:    s.Now(),
	}
	return tx.Create(&event).Error
}

// AuditByResource lists audit events for one resource, oldest first.
func (s *Store) AuditByResource(ctx context.Context, resourceType, resourceID string) ([]AuditEvent, error) {
	var events []AuditEvent
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// AuditByActor lists audit events attributed to one signer, oldest first.
func (s *Store) AuditByActor(ctx context.Context, actorPubKey string) ([]AuditEvent, error) {
	var events []AuditEvent
	err := s.db.WithContext(ctx).
		Where("actor_pub_key = ?", actorPubKey).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
