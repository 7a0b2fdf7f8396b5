// Package repository provides data access interfaces and implementations
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/types"
)

// RollupDb defines the interface for pool, proof, rollup and claim data access
type RollupDb interface {
	// Pool
	AddTx(ctx context.Context, tx *models.TxDao) error
	GetTx(ctx context.Context, id string) (*models.TxDao, error)
	GetPendingTxs(ctx context.Context, limit int) ([]*models.TxDao, error)
	GetUnsettledTxs(ctx context.Context) ([]*models.TxDao, error)
	GetPendingTxCount(ctx context.Context) (int64, error)
	DeletePendingTxs(ctx context.Context, ids []string) error

	// Inner proofs
	AddRollupProof(ctx context.Context, proof *models.RollupProofDao) error
	GetRollupProof(ctx context.Context, id string) (*models.RollupProofDao, error)
	DeleteOrphanedRollupProofs(ctx context.Context) error
	DeleteUnsettledRollupProofs(ctx context.Context) error

	// Outer rollups
	AddRollup(ctx context.Context, rollup *models.RollupDao, proofIDs []string) error
	GetRollup(ctx context.Context, id uint64) (*models.RollupDao, error)
	GetLastSettledRollup(ctx context.Context) (*models.RollupDao, error)
	ConfirmSent(ctx context.Context, rollupID uint64, txHash common.Hash) error
	ConfirmMined(ctx context.Context, settled *models.RollupDao) error
	DeleteRollup(ctx context.Context, id uint64) error
	DeleteUnsettledRollups(ctx context.Context) error

	// Claims
	AddClaim(ctx context.Context, claim *models.ClaimDao) error
	GetClaimsToRollup(ctx context.Context) ([]*models.ClaimDao, error)
	UpdateClaimsWithResultRollupID(ctx context.Context, nonces []uint64, rollupID uint64) error
	ConfirmClaimTx(ctx context.Context, claimID string, txID string) error
	DeleteUnsettledClaimTxs(ctx context.Context) error

	// Defi interaction notes
	AddDefiInteractionNotes(ctx context.Context, notes []*models.DefiInteractionNoteDao) error
	GetDefiInteractionNotesByRollup(ctx context.Context, rollupID uint64) ([]*models.DefiInteractionNoteDao, error)
	GetDefiInteractionNote(ctx context.Context, nonce uint64) (*models.DefiInteractionNoteDao, error)

	// Transaction runs fn against a RollupDb bound to one database transaction.
	// Nothing fn writes is kept unless it returns nil.
	Transaction(ctx context.Context, fn func(RollupDb) error) error
}

// rollupRepository implements RollupDb
type rollupRepository struct {
	db *gorm.DB
}

// NewRollupRepository creates a new RollupDb instance
func NewRollupRepository(db *gorm.DB) RollupDb {
	return &rollupRepository{db: db}
}

func (r *rollupRepository) Transaction(ctx context.Context, fn func(RollupDb) error) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&rollupRepository{db: db})
	})
}

// AddTx stores a tx with the next pool sequence number
func (r *rollupRepository) AddTx(ctx context.Context, tx *models.TxDao) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var maxSeq uint64
		if err := db.Model(&models.TxDao{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		tx.Seq = maxSeq + 1
		if tx.Created.IsZero() {
			tx.Created = time.Now()
		}
		return db.Create(tx).Error
	})
}

// GetTx retrieves a tx by id, nil if it does not exist
func (r *rollupRepository) GetTx(ctx context.Context, id string) (*models.TxDao, error) {
	var tx models.TxDao
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetPendingTxs returns txs not yet batched in pool order. limit <= 0 means no limit.
func (r *rollupRepository) GetPendingTxs(ctx context.Context, limit int) ([]*models.TxDao, error) {
	var txs []*models.TxDao
	q := r.db.WithContext(ctx).Where("rollup_proof_id IS NULL").Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// GetUnsettledTxs returns every tx not part of a settled rollup, in pool order
func (r *rollupRepository) GetUnsettledTxs(ctx context.Context) ([]*models.TxDao, error) {
	var txs []*models.TxDao
	err := r.db.WithContext(ctx).
		Select("txs.*").
		Joins("LEFT JOIN rollup_proofs ON rollup_proofs.id = txs.rollup_proof_id").
		Joins("LEFT JOIN rollups ON rollups.id = rollup_proofs.rollup_id").
		Where("rollups.status IS NULL OR rollups.status <> ?", models.RollupStatusSettled).
		Order("txs.seq ASC").
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// GetPendingTxCount counts txs not yet batched
func (r *rollupRepository) GetPendingTxCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TxDao{}).Where("rollup_proof_id IS NULL").Count(&count).Error
	return count, err
}

// DeletePendingTxs removes the given txs in one statement. Batched txs are never removed.
func (r *rollupRepository) DeletePendingTxs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("id IN ? AND rollup_proof_id IS NULL", ids).
		Delete(&models.TxDao{}).Error
}

// AddRollupProof stores an inner proof and links its txs to it
func (r *rollupRepository) AddRollupProof(ctx context.Context, proof *models.RollupProofDao) error {
	ids := make([]string, 0, len(proof.Txs))
	for _, tx := range proof.Txs {
		ids = append(ids, tx.ID)
	}
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(proof).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return db.Model(&models.TxDao{}).Where("id IN ?", ids).Update("rollup_proof_id", proof.ID).Error
	})
}

// GetRollupProof retrieves an inner proof by id, nil if it does not exist
func (r *rollupRepository) GetRollupProof(ctx context.Context, id string) (*models.RollupProofDao, error) {
	var proof models.RollupProofDao
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&proof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// DeleteOrphanedRollupProofs removes inner proofs no tx references
func (r *rollupRepository) DeleteOrphanedRollupProofs(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	linked := db.Model(&models.TxDao{}).Select("rollup_proof_id").Where("rollup_proof_id IS NOT NULL")
	return db.Where("id NOT IN (?)", linked).Delete(&models.RollupProofDao{}).Error
}

// DeleteUnsettledRollupProofs unlinks and removes every inner proof not part of a settled rollup
func (r *rollupRepository) DeleteUnsettledRollupProofs(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var ids []string
		err := db.Model(&models.RollupProofDao{}).
			Joins("LEFT JOIN rollups ON rollups.id = rollup_proofs.rollup_id").
			Where("rollups.status IS NULL OR rollups.status <> ?", models.RollupStatusSettled).
			Pluck("rollup_proofs.id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := db.Model(&models.TxDao{}).Where("rollup_proof_id IN ?", ids).Update("rollup_proof_id", nil).Error; err != nil {
			return err
		}
		return db.Where("id IN ?", ids).Delete(&models.RollupProofDao{}).Error
	})
}

// AddRollup stores an outer rollup and links its inner proofs to it
func (r *rollupRepository) AddRollup(ctx context.Context, rollup *models.RollupDao, proofIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(rollup).Error; err != nil {
			return err
		}
		if len(proofIDs) == 0 {
			return nil
		}
		return db.Model(&models.RollupProofDao{}).Where("id IN ?", proofIDs).Update("rollup_id", rollup.ID).Error
	})
}

// GetRollup retrieves a rollup by id, nil if it does not exist
func (r *rollupRepository) GetRollup(ctx context.Context, id uint64) (*models.RollupDao, error) {
	var rollup models.RollupDao
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rollup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rollup, nil
}

// GetLastSettledRollup returns the settled rollup with the highest id, nil if none settled yet
func (r *rollupRepository) GetLastSettledRollup(ctx context.Context) (*models.RollupDao, error) {
	var rollup models.RollupDao
	err := r.db.WithContext(ctx).
		Where("status = ?", models.RollupStatusSettled).
		Order("id DESC").
		First(&rollup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rollup, nil
}

// ConfirmSent records the base chain tx hash of a submitted rollup
func (r *rollupRepository) ConfirmSent(ctx context.Context, rollupID uint64, txHash common.Hash) error {
	return r.db.WithContext(ctx).Model(&models.RollupDao{}).
		Where("id = ?", rollupID).
		Updates(map[string]interface{}{
			"status":      models.RollupStatusSent,
			"eth_tx_hash": txHash.Hex(),
		}).Error
}

// ConfirmMined marks a rollup settled. Rollups published by another sequencer are inserted.
func (r *rollupRepository) ConfirmMined(ctx context.Context, settled *models.RollupDao) error {
	settled.Status = models.RollupStatusSettled
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := db.Model(&models.RollupDao{}).
			Where("id = ?", settled.ID).
			Updates(map[string]interface{}{
				"status":      models.RollupStatusSettled,
				"eth_tx_hash": settled.EthTxHash,
				"gas_used":    settled.GasUsed,
				"gas_price":   settled.GasPrice,
				"mined":       settled.Mined,
				"data_root":   settled.DataRoot,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		if settled.Created.IsZero() {
			settled.Created = time.Now()
		}
		return db.Create(settled).Error
	})
}

// DeleteRollup removes a rollup and releases its inner proofs
func (r *rollupRepository) DeleteRollup(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Model(&models.RollupProofDao{}).Where("rollup_id = ?", id).Update("rollup_id", nil).Error; err != nil {
			return err
		}
		return db.Where("id = ?", id).Delete(&models.RollupDao{}).Error
	})
}

// DeleteUnsettledRollups removes every rollup not yet settled and releases their inner proofs
func (r *rollupRepository) DeleteUnsettledRollups(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var ids []uint64
		if err := db.Model(&models.RollupDao{}).Where("status <> ?", models.RollupStatusSettled).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := db.Model(&models.RollupProofDao{}).Where("rollup_id IN ?", ids).Update("rollup_id", nil).Error; err != nil {
			return err
		}
		return db.Where("id IN ?", ids).Delete(&models.RollupDao{}).Error
	})
}

// AddClaim stores a claim
func (r *rollupRepository) AddClaim(ctx context.Context, claim *models.ClaimDao) error {
	if claim.Created.IsZero() {
		claim.Created = time.Now()
	}
	return r.db.WithContext(ctx).Create(claim).Error
}

// GetClaimsToRollup returns claims whose interaction result is in the defi tree and that have no claim tx yet
func (r *rollupRepository) GetClaimsToRollup(ctx context.Context) ([]*models.ClaimDao, error) {
	var claims []*models.ClaimDao
	err := r.db.WithContext(ctx).
		Where("interaction_result_rollup_id IS NOT NULL AND claim_tx_id IS NULL").
		Order("created ASC").
		Find(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// UpdateClaimsWithResultRollupID marks claims on the given nonces as claimable
func (r *rollupRepository) UpdateClaimsWithResultRollupID(ctx context.Context, nonces []uint64, rollupID uint64) error {
	if len(nonces) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.ClaimDao{}).
		Where("interaction_nonce IN ? AND interaction_result_rollup_id IS NULL", nonces).
		Update("interaction_result_rollup_id", rollupID).Error
}

// ConfirmClaimTx records the pool tx created for a claim
func (r *rollupRepository) ConfirmClaimTx(ctx context.Context, claimID string, txID string) error {
	return r.db.WithContext(ctx).Model(&models.ClaimDao{}).
		Where("id = ?", claimID).
		Update("claim_tx_id", txID).Error
}

// DeleteUnsettledClaimTxs removes pending claim txs and re-arms their claims
func (r *rollupRepository) DeleteUnsettledClaimTxs(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var ids []string
		err := db.Model(&models.TxDao{}).
			Where("tx_type = ? AND rollup_proof_id IS NULL", uint8(types.TxTypeDefiClaim)).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := db.Model(&models.ClaimDao{}).Where("claim_tx_id IN ?", ids).Update("claim_tx_id", nil).Error; err != nil {
			return err
		}
		return db.Where("id IN ?", ids).Delete(&models.TxDao{}).Error
	})
}

// AddDefiInteractionNotes stores notes, ignoring nonces already present
func (r *rollupRepository) AddDefiInteractionNotes(ctx context.Context, notes []*models.DefiInteractionNoteDao) error {
	if len(notes) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&notes).Error
}

// GetDefiInteractionNotesByRollup returns the notes produced by a rollup's bridge calls
func (r *rollupRepository) GetDefiInteractionNotesByRollup(ctx context.Context, rollupID uint64) ([]*models.DefiInteractionNoteDao, error) {
	var notes []*models.DefiInteractionNoteDao
	err := r.db.WithContext(ctx).Where("rollup_id = ?", rollupID).Order("nonce ASC").Find(&notes).Error
	if err != nil {
		return nil, err
	}
	return notes, nil
}

// GetDefiInteractionNote retrieves a note by nonce, nil if it does not exist
func (r *rollupRepository) GetDefiInteractionNote(ctx context.Context, nonce uint64) (*models.DefiInteractionNoteDao, error) {
	var note models.DefiInteractionNoteDao
	err := r.db.WithContext(ctx).Where("nonce = ?", nonce).First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}
