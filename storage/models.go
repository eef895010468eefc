package storage

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus represents a state in the publish job workflow.
type JobStatus string

// All job workflow states.
const (
	StatusQueued          JobStatus = "queued"
	StatusProcessing      JobStatus = "processing"
	StatusProcessingBatch JobStatus = "processing_batch"
	StatusSending         JobStatus = "sending"
	StatusSent            JobStatus = "sent"
	StatusFailed          JobStatus = "failed"
)

// Job error codes recorded verbatim on failed jobs.
const (
	ErrCodeNoCapacity       = "NoCapacity"
	ErrCodeMempoolConflict  = "MempoolConflict"
	ErrCodeTransientNetwork = "TransientNetwork"
	ErrCodePermanentReject  = "PermanentReject"
	ErrCodeBuildError       = "BuildError"
)

// Signer status values. Transitions are monotonic: active to revoked only.
const (
	SignerActive  = "active"
	SignerRevoked = "revoked"
)

// UTXO status values.
const (
	UTXOAvailable = "available"
	UTXOReserved  = "reserved"
	UTXOSpent     = "spent"
)

// UTXO purpose values.
const (
	PurposePublish = "publish"
	PurposeFunding = "funding"
	PurposeChange  = "change"
)

// Signer is a registry entry keyed by compressed public key hex. Rows are
// inserted by the admin path and never deleted.
type Signer struct {
	ID        uint   `gorm:"primaryKey"`
	PubKey    string `gorm:"size:66;uniqueIndex;not null"`
	Status    string `gorm:"size:16;index;not null"`
	Policy    string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Nonce marks a (signer, nonce) pair as seen. Presence is the replay guard;
// rows are never mutated.
type Nonce struct {
	ID        uint   `gorm:"primaryKey"`
	PubKey    string `gorm:"size:66;not null;uniqueIndex:idx_nonce_pubkey_nonce"`
	Nonce     string `gorm:"size:128;not null;uniqueIndex:idx_nonce_pubkey_nonce"`
	CreatedAt time.Time
}

// Job tracks a publish intent from admission through broadcast.
type Job struct {
	ID             uint       `gorm:"primaryKey"`
	JobID          string     `gorm:"size:64;uniqueIndex;not null"`
	RecordID       string     `gorm:"size:128;index"`
	RecordBody     string     `gorm:"type:text"`
	RecordHash     string     `gorm:"size:64;uniqueIndex;not null"`
	SignerPubKey   string     `gorm:"size:66;index"`
	Status         JobStatus  `gorm:"size:24;index:idx_jobs_status_created;not null"`
	LedgerTxID     string     `gorm:"size:64"`
	ErrorCode      string     `gorm:"size:32"`
	ErrorDetail    string     `gorm:"type:text"`
	BatchID        *string    `gorm:"size:64;index:idx_jobs_batch_seq"`
	BatchSeq       *int       `gorm:"index:idx_jobs_batch_seq"`
	SendingStarted *time.Time `gorm:"index"`
	SentAt         *time.Time
	CreatedAt      time.Time `gorm:"index:idx_jobs_status_created"`
	UpdatedAt      time.Time
}

// UTXO is a single-use pool input identified by (txid, vout).
type UTXO struct {
	ID            uint   `gorm:"primaryKey"`
	TxID          string `gorm:"size:64;not null;uniqueIndex:idx_utxo_outpoint"`
	Vout          uint32 `gorm:"not null;uniqueIndex:idx_utxo_outpoint"`
	Satoshis      int64  `gorm:"not null"`
	LockingScript string `gorm:"size:256"`
	Address       string `gorm:"size:128"`
	Purpose       string `gorm:"size:16;index;not null"`
	Status        string `gorm:"size:16;index;not null"`
	Dirty         bool   `gorm:"index"`
	ReservedAt    *time.Time
	ReservedUntil *time.Time `gorm:"index"`
	SpentAt       *time.Time
	SpentByTxID   string `gorm:"size:64;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Batch groups jobs claimed together. Jobs point back via Job.BatchID.
type Batch struct {
	ID          uint   `gorm:"primaryKey"`
	BatchID     string `gorm:"size:64;uniqueIndex;not null"`
	Size        int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// AuditEvent is the append-only action trail. Rows are never mutated.
type AuditEvent struct {
	ID           uint   `gorm:"primaryKey"`
	EventType    string `gorm:"size:64;index"`
	ActorPubKey  string `gorm:"size:66;index"`
	ResourceType string `gorm:"size:32;index"`
	ResourceID   string `gorm:"size:128;index"`
	Action       string `gorm:"size:64"`
	Details      string `gorm:"type:text"`
	CreatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Signer{},
		&Nonce{},
		&Job{},
		&UTXO{},
		&Batch{},
		&AuditEvent{},
	)
}
