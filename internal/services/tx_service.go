package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
)

var (
	ErrInvalidTx        = errors.New("invalid tx")
	ErrDuplicateTx      = errors.New("tx already in pool")
	ErrNullifierSpent   = errors.New("nullifier already spent")
	ErrMissingSignature = errors.New("deposit tx requires a signature")
)

// TxService admits client txs into the pool
type TxService struct {
	rollupDb    repository.RollupDb
	validator   *WorldStateValidator
	feeResolver *GasFeeResolver
	logger      *logrus.Entry
}

func NewTxService(rollupDb repository.RollupDb, validator *WorldStateValidator, feeResolver *GasFeeResolver, logger *logrus.Logger) *TxService {
	return &TxService{
		rollupDb:    rollupDb,
		validator:   validator,
		feeResolver: feeResolver,
		logger:      logger.WithField("component", "tx_service"),
	}
}

// ReceiveTx parses proofData and adds it to the pool
func (s *TxService) ReceiveTx(ctx context.Context, proofData, viewingKeys, signature []byte) (*models.TxDao, error) {
	tx, err := models.NewTxDao(proofData, viewingKeys, signature, 0, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	switch tx.Type() {
	case types.TxTypePadding, types.TxTypeDefiClaim:
		return nil, fmt.Errorf("%w: %s txs are created by the sequencer", ErrInvalidTx, tx.Type())
	case types.TxTypeDeposit:
		if len(signature) == 0 {
			return nil, ErrMissingSignature
		}
	}

	existing, err := s.rollupDb.GetTx(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateTx
	}

	for _, n := range tx.Nullifiers() {
		spent, err := s.validator.NullifierExists(n)
		if err != nil {
			return nil, err
		}
		if spent {
			return nil, fmt.Errorf("%w: %s", ErrNullifierSpent, n)
		}
	}

	if s.feeResolver != nil {
		tx.ExcessGas = s.feeResolver.ComputeExcessGas(tx)
	}
	if err := s.rollupDb.AddTx(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to add tx: %w", err)
	}

	metrics.TxsReceived.WithLabelValues(tx.Type().String()).Inc()
	s.logger.WithFields(logrus.Fields{
		"tx_id":      tx.ID,
		"tx_type":    tx.Type().String(),
		"seq":        tx.Seq,
		"excess_gas": tx.ExcessGas,
	}).Info("📥 Tx added to pool")
	return tx, nil
}
