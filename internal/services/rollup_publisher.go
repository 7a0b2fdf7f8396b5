package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
)

// RollupPublisher submits aggregated rollups to the rollup contract
type RollupPublisher struct {
	rollupDb          repository.RollupDb
	blockchain        Blockchain
	signer            Signer
	feeReceiver       common.Address
	feeLimit          *big.Int
	minPublishSpacing time.Duration
	retryInterval     time.Duration
	intr              *interrupter
	now               func() time.Time
	logger            *logrus.Entry
}

func NewRollupPublisher(rollupDb repository.RollupDb, blockchain Blockchain, signer Signer, feeReceiver common.Address,
	feeLimit *big.Int, minPublishSpacing, retryInterval time.Duration, logger *logrus.Logger) *RollupPublisher {
	if feeLimit == nil {
		feeLimit = new(big.Int)
	}
	return &RollupPublisher{
		rollupDb:          rollupDb,
		blockchain:        blockchain,
		signer:            signer,
		feeReceiver:       feeReceiver,
		feeLimit:          feeLimit,
		minPublishSpacing: minPublishSpacing,
		retryInterval:     retryInterval,
		intr:              newInterrupter(),
		now:               time.Now,
		logger:            logger.WithField("component", "rollup_publisher"),
	}
}

// PublishRollup submits rollup until a successful receipt is seen. It returns
// false if interrupted, if ctx ends, or if another rollup took this rollup id.
func (p *RollupPublisher) PublishRollup(ctx context.Context, rollup *models.RollupDao) bool {
	log := p.logger.WithField("rollup_id", rollup.ID)

	if !p.awaitSpacing(ctx) {
		return false
	}

	providerSignature, err := p.sign(rollup)
	if err != nil {
		log.WithError(err).Error("❌ Failed to sign rollup")
		metrics.RollupsPublished.WithLabelValues("failed").Inc()
		return false
	}
	proof := append(append([]byte{}, rollup.PublicInputs...), rollup.ProofData...)

	for attempt := 1; !p.intr.Interrupted() && ctx.Err() == nil; attempt++ {
		log := log.WithField("attempt", attempt)

		txHash, err := raceInterrupt(ctx, p.intr, func(ctx context.Context) (common.Hash, error) {
			return p.blockchain.SendRollupProof(ctx, proof, rollup.Signatures, rollup.ViewingKeys,
				providerSignature, p.feeReceiver, p.feeLimit)
		})
		if err != nil {
			if isInterrupt(ctx, err) {
				break
			}
			log.WithError(err).Warn("⚠️ Failed to send rollup, will retry")
			metrics.PublishRetries.WithLabelValues("send").Inc()
			if !p.intr.Sleep(ctx, p.retryInterval) {
				break
			}
			continue
		}

		log.WithField("tx_hash", txHash.Hex()).Info("📤 Rollup sent")
		if !p.recordSent(ctx, rollup.ID, txHash) {
			break
		}

		receipt, ok := p.awaitReceipt(ctx, txHash)
		if !ok {
			break
		}
		if receipt.Status {
			metrics.RollupsPublished.WithLabelValues("success").Inc()
			log.WithFields(logrus.Fields{
				"tx_hash":      txHash.Hex(),
				"block_number": receipt.BlockNumber,
				"gas_used":     receipt.GasUsed,
			}).Info("✅ Rollup published")
			return true
		}

		log.WithField("tx_hash", txHash.Hex()).Warn("⚠️ Rollup tx reverted")
		status, err := raceInterrupt(ctx, p.intr, p.blockchain.GetStatus)
		if err != nil {
			if isInterrupt(ctx, err) {
				break
			}
			log.WithError(err).Warn("⚠️ Failed to read rollup contract status")
		} else if status.NextRollupID > rollup.ID {
			metrics.RollupsPublished.WithLabelValues("abandoned").Inc()
			log.WithField("next_rollup_id", status.NextRollupID).Warn("🗑️ Rollup id already taken on chain, abandoning")
			return false
		}

		metrics.PublishRetries.WithLabelValues("receipt").Inc()
		if !p.intr.Sleep(ctx, p.retryInterval) {
			break
		}
	}

	metrics.RollupsPublished.WithLabelValues("interrupted").Inc()
	log.Info("🛑 Rollup publication interrupted")
	return false
}

// recordSent stores the tx hash of a sent rollup, retrying until it is stored
// or the publisher is interrupted
func (p *RollupPublisher) recordSent(ctx context.Context, rollupID uint64, txHash common.Hash) bool {
	for {
		err := p.rollupDb.ConfirmSent(ctx, rollupID, txHash)
		if err == nil {
			return true
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"rollup_id": rollupID,
			"tx_hash":   txHash.Hex(),
		}).Warn("⚠️ Failed to record rollup tx hash, will retry")
		metrics.PublishRetries.WithLabelValues("record").Inc()
		if !p.intr.Sleep(ctx, p.retryInterval) {
			return false
		}
	}
}

func (p *RollupPublisher) awaitSpacing(ctx context.Context) bool {
	if p.minPublishSpacing <= 0 {
		return true
	}
	last, err := p.rollupDb.GetLastSettledRollup(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("⚠️ Failed to load last settled rollup")
		return true
	}
	if last == nil || last.Mined == nil {
		return true
	}
	wait := last.Mined.Add(p.minPublishSpacing).Sub(p.now())
	if wait <= 0 {
		return true
	}
	p.logger.WithField("wait", wait.String()).Info("⏳ Waiting for publish spacing")
	return p.intr.Sleep(ctx, wait)
}

func (p *RollupPublisher) awaitReceipt(ctx context.Context, txHash common.Hash) (*TxReceipt, bool) {
	for {
		receipt, err := raceInterrupt(ctx, p.intr, func(ctx context.Context) (*TxReceipt, error) {
			return p.blockchain.GetTransactionReceipt(ctx, txHash)
		})
		if err == nil {
			return receipt, true
		}
		if isInterrupt(ctx, err) {
			return nil, false
		}
		p.logger.WithError(err).WithField("tx_hash", txHash.Hex()).Warn("⚠️ Failed to get receipt, will retry")
		metrics.PublishRetries.WithLabelValues("receipt").Inc()
		if !p.intr.Sleep(ctx, p.retryInterval) {
			return nil, false
		}
	}
}

// sign covers the public inputs and the fee parameters the contract checks
func (p *RollupPublisher) sign(rollup *models.RollupDao) ([]byte, error) {
	if p.signer == nil {
		return nil, nil
	}
	digest := crypto.Keccak256(
		rollup.PublicInputs,
		p.feeReceiver.Bytes(),
		common.LeftPadBytes(p.feeLimit.Bytes(), 32),
		p.blockchain.GetFeeDistributorContractAddress().Bytes(),
	)
	sig, err := p.signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign rollup digest: %w", err)
	}
	return sig, nil
}

func (p *RollupPublisher) Interrupt() {
	p.intr.Interrupt()
}

func (p *RollupPublisher) ClearInterrupt() {
	p.intr.Clear()
}

// isInterrupt reports whether err ends the caller's work rather than a single attempt
func isInterrupt(ctx context.Context, err error) bool {
	return errors.Is(err, ErrInterrupted) || ctx.Err() != nil
}
