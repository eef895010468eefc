package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrUTXONotReserved signals a bookkeeping call against a row that is no
// longer in the reserved state, usually because its lease expired and the
// sweep reclaimed it.
var ErrUTXONotReserved = errors.New("storage: utxo is not reserved")

// Reserve leases one publish UTXO inside a single transaction: expired leases
// are swept back to available, then the smallest clean available input is
// locked and reserved until now+lease. Returns nil when the pool is empty.
func (s *Store) Reserve(ctx context.Context, lease time.Duration) (*UTXO, error) {
	var reserved *UTXO
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.Now()

		// Sweep inline so forward progress never depends on a separate
		// sweeper being alive.
		if err := tx.Model(&UTXO{}).
			Where("status = ? AND reserved_until < ?", UTXOReserved, now).
			Updates(map[string]any{
				"status":         UTXOAvailable,
				"reserved_at":    nil,
				"reserved_until": nil,
				"updated_at":     now,
			}).Error; err != nil {
			return fmt.Errorf("sweep leases: %w", err)
		}

		var row UTXO
		q := s.rowLock(tx).
			Where("purpose = ? AND status = ? AND dirty = ?", PurposePublish, UTXOAvailable, false).
			Order("satoshis ASC, created_at ASC, id ASC")
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		until := now.Add(lease)
		res := tx.Model(&UTXO{}).
			Where("id = ? AND status = ?", row.ID, UTXOAvailable).
			Updates(map[string]any{
				"status":         UTXOReserved,
				"reserved_at":    now,
				"reserved_until": until,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			// Raced with another reserver; report empty and let the caller retry.
			return nil
		}
		row.Status = UTXOReserved
		row.ReservedAt = &now
		row.ReservedUntil = &until
		reserved = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// MarkSpent finalises a reserved UTXO after a successful broadcast. The
// transition is irreversible. Spending a row that is no longer reserved is an
// inconsistency (the lease expired mid-broadcast) surfaced as
// ErrUTXONotReserved so the caller can log it.
func (s *Store) MarkSpent(ctx context.Context, utxoID uint, ledgerTxID string) error {
	now := s.Now()
	res := s.db.WithContext(ctx).Model(&UTXO{}).
		Where("id = ? AND status = ?", utxoID, UTXOReserved).
		Updates(map[string]any{
			"status":         UTXOSpent,
			"spent_at":       now,
			"spent_by_tx_id": ledgerTxID,
			"reserved_at":    nil,
			"reserved_until": nil,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrUTXONotReserved
	}
	return nil
}

// Release returns a reserved UTXO to the pool after a transient failure.
func (s *Store) Release(ctx context.Context, utxoID uint) error {
	now := s.Now()
	res := s.db.WithContext(ctx).Model(&UTXO{}).
		Where("id = ? AND status = ?", utxoID, UTXOReserved).
		Updates(map[string]any{
			"status":         UTXOAvailable,
			"reserved_at":    nil,
			"reserved_until": nil,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrUTXONotReserved
	}
	return nil
}

// MarkDirty returns the UTXO to available but excludes it from selection
// until out-of-band reconciliation clears it. Used on mempool conflicts.
func (s *Store) MarkDirty(ctx context.Context, utxoID uint) error {
	now := s.Now()
	res := s.db.WithContext(ctx).Model(&UTXO{}).
		Where("id = ? AND status = ?", utxoID, UTXOReserved).
		Updates(map[string]any{
			"status":         UTXOAvailable,
			"dirty":          true,
			"reserved_at":    nil,
			"reserved_until": nil,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrUTXONotReserved
	}
	return nil
}

// InsertUTXO adds a pool input, used by bootstrap seeding and tests.
func (s *Store) InsertUTXO(ctx context.Context, u *UTXO) error {
	now := s.Now()
	if u.Status == "" {
		u.Status = UTXOAvailable
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("storage: outpoint %s:%d already tracked", u.TxID, u.Vout)
		}
		return err
	}
	return nil
}

// PoolStats summarises pool depth for the replenisher and metrics.
type PoolStats struct {
	PublishAvailable int64
	PublishReserved  int64
	PublishDirty     int64
	Spent            int64
	LargestFunding   *UTXO
}

// Stats reads pool statistics: the count of available publish inputs at the
// unit value, and the largest available funding or change input.
func (s *Store) Stats(ctx context.Context, unitValue int64) (PoolStats, error) {
	var stats PoolStats
	db := s.db.WithContext(ctx)

	if err := db.Model(&UTXO{}).
		Where("purpose = ? AND status = ? AND dirty = ? AND satoshis = ?", PurposePublish, UTXOAvailable, false, unitValue).
		Count(&stats.PublishAvailable).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&UTXO{}).
		Where("purpose = ? AND status = ?", PurposePublish, UTXOReserved).
		Count(&stats.PublishReserved).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&UTXO{}).
		Where("purpose = ? AND dirty = ?", PurposePublish, true).
		Count(&stats.PublishDirty).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&UTXO{}).
		Where("status = ?", UTXOSpent).
		Count(&stats.Spent).Error; err != nil {
		return stats, err
	}

	var funding UTXO
	err := db.Where("purpose IN ? AND status = ? AND dirty = ?", []string{PurposeFunding, PurposeChange}, UTXOAvailable, false).
		Order("satoshis DESC").
		First(&funding).Error
	switch {
	case err == nil:
		stats.LargestFunding = &funding
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return stats, err
	}
	return stats, nil
}

// RecordSplit applies a successful split broadcast in one transaction: the
// source input is marked spent and the freshly minted publish and change
// outputs are inserted as available.
func (s *Store) RecordSplit(ctx context.Context, sourceID uint, ledgerTxID string, outputs []UTXO) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		res := tx.Model(&UTXO{}).
			Where("id = ? AND status IN ?", sourceID, []string{UTXOAvailable, UTXOReserved}).
			Updates(map[string]any{
				"status":         UTXOSpent,
				"spent_at":       now,
				"spent_by_tx_id": ledgerTxID,
				"reserved_at":    nil,
				"reserved_until": nil,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("storage: split source %d not spendable", sourceID)
		}
		for i := range outputs {
			outputs[i].Status = UTXOAvailable
			outputs[i].CreatedAt = now
			outputs[i].UpdatedAt = now
			if err := tx.Create(&outputs[i]).Error; err != nil {
				return fmt.Errorf("insert split output %d: %w", i, err)
			}
		}
		return nil
	})
}
