package services

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

const (
	discardDoubleSpend = "double_spend"
	discardDeposit     = "deposit_exceeded"
	discardChain       = "chain_dependency"
)

// WorldStateValidator decides which pool txs can no longer be rolled up
type WorldStateValidator struct {
	rollupDb     repository.RollupDb
	worldStateDb WorldStateDb
	blockchain   Blockchain
	logger       *logrus.Entry
}

func NewWorldStateValidator(rollupDb repository.RollupDb, worldStateDb WorldStateDb, blockchain Blockchain, logger *logrus.Logger) *WorldStateValidator {
	return &WorldStateValidator{
		rollupDb:     rollupDb,
		worldStateDb: worldStateDb,
		blockchain:   blockchain,
		logger:       logger.WithField("component", "validator"),
	}
}

type depositKey struct {
	assetID uint32
	owner   common.Address
}

// Validate returns the ids of txs to discard, in pool order, and the ids of
// deposits that must not be batched yet because their bound could not be
// read. txs must be in pool order. Txs already batched into an inner proof
// count towards deposit totals but are never discarded.
func (v *WorldStateValidator) Validate(ctx context.Context, txs []*models.TxDao) ([]string, map[string]struct{}) {
	reasons := make(map[string]string)
	held := make(map[string]struct{})

	// double spends
	for _, tx := range txs {
		if tx.RollupProofID != nil {
			continue
		}
		for _, n := range tx.Nullifiers() {
			exists, err := v.nullifierExists(n)
			if err != nil {
				v.logger.WithError(err).WithField("tx_id", tx.ID).Warn("⚠️ Failed to read nullifier tree")
				continue
			}
			if exists {
				reasons[tx.ID] = discardDoubleSpend
				break
			}
		}
	}

	// pending deposits
	bounds := make(map[depositKey]*uint256.Int)
	totals := make(map[depositKey]*uint256.Int)
	for _, tx := range txs {
		if tx.Type() != types.TxTypeDeposit {
			continue
		}
		if _, rejected := reasons[tx.ID]; rejected {
			continue
		}
		key := depositKey{assetID: tx.AssetID, owner: common.HexToAddress(tx.PublicOwner)}
		bound, ok := bounds[key]
		if !ok {
			b, err := v.blockchain.GetUserPendingDeposit(ctx, key.assetID, key.owner)
			if err != nil {
				v.logger.WithError(err).WithFields(logrus.Fields{
					"asset_id": key.assetID,
					"owner":    key.owner.Hex(),
				}).Warn("⚠️ Failed to read pending deposit, holding deposits")
				b = nil
			}
			bound = b
			bounds[key] = b
		}
		if bound == nil {
			if tx.RollupProofID == nil {
				held[tx.ID] = struct{}{}
			}
			continue
		}
		total, ok := totals[key]
		if !ok {
			total = new(uint256.Int)
			totals[key] = total
		}
		total.Add(total, tx.PublicValueInt())
		if total.Gt(bound) && tx.RollupProofID == nil {
			reasons[tx.ID] = discardDeposit
		}
	}

	// note chains
	byID := make(map[string]*models.TxDao, len(txs))
	dependents := make(map[string][]*models.TxDao)
	for _, tx := range txs {
		byID[tx.ID] = tx
		if tx.BackwardLink != "" {
			dependents[tx.BackwardLink] = append(dependents[tx.BackwardLink], tx)
		}
	}
	queue := make([]string, 0, len(reasons))
	for _, tx := range txs {
		if _, rejected := reasons[tx.ID]; rejected {
			queue = append(queue, tx.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, commitment := range byID[id].NoteCommitments() {
			for _, dep := range dependents[commitment] {
				if _, rejected := reasons[dep.ID]; rejected || dep.RollupProofID != nil {
					continue
				}
				reasons[dep.ID] = discardChain
				queue = append(queue, dep.ID)
			}
		}
	}

	discard := make([]string, 0, len(reasons))
	for _, tx := range txs {
		if reason, rejected := reasons[tx.ID]; rejected {
			metrics.TxsDiscarded.WithLabelValues(reason).Inc()
			v.logger.WithFields(logrus.Fields{
				"tx_id":  tx.ID,
				"reason": reason,
			}).Info("🗑️ Discarding tx")
			discard = append(discard, tx.ID)
		}
	}
	return discard, held
}

// PrunePool validates every unsettled tx and deletes the rejected ones in one
// batch. It returns the discarded ids and the deposits to hold back.
func (v *WorldStateValidator) PrunePool(ctx context.Context) ([]string, map[string]struct{}, error) {
	txs, err := v.rollupDb.GetUnsettledTxs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load unsettled txs: %w", err)
	}
	discard, held := v.Validate(ctx, txs)
	if len(discard) == 0 {
		return nil, held, nil
	}
	if err := v.rollupDb.DeletePendingTxs(ctx, discard); err != nil {
		return nil, nil, fmt.Errorf("failed to delete discarded txs: %w", err)
	}
	return discard, held, nil
}

// NullifierExists reports whether the nullifier is already in the tree
func (v *WorldStateValidator) NullifierExists(nullifier string) (bool, error) {
	return v.nullifierExists(nullifier)
}

func (v *WorldStateValidator) nullifierExists(nullifier string) (bool, error) {
	value, err := v.worldStateDb.Get(worldstate.NullifierTree, hashIndex(common.HexToHash(nullifier)))
	if err != nil {
		return false, err
	}
	return len(value) > 0, nil
}

// hashIndex maps a 32 byte value to its nullifier tree index
func hashIndex(h common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes(h.Bytes())
}
