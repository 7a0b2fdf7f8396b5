package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

// nullifierValue is the leaf stored for a spent nullifier
var nullifierValue = common.LeftPadBytes([]byte{1}, 32)

// RollupCreator turns a batch of pool txs into one inner rollup proof
type RollupCreator struct {
	rollupDb       repository.RollupDb
	worldStateDb   WorldStateDb
	proofGenerator ProofGenerator
	innerRollupTxs int
	intr           *interrupter
	logger         *logrus.Entry
}

func NewRollupCreator(rollupDb repository.RollupDb, worldStateDb WorldStateDb, proofGenerator ProofGenerator, innerRollupTxs int, logger *logrus.Logger) *RollupCreator {
	return &RollupCreator{
		rollupDb:       rollupDb,
		worldStateDb:   worldStateDb,
		proofGenerator: proofGenerator,
		innerRollupTxs: innerRollupTxs,
		intr:           newInterrupter(),
		logger:         logger.WithField("component", "rollup_creator"),
	}
}

// Create inserts the txs into the world state and requests an inner proof.
// Fewer than innerRollupTxs txs are padded. On failure or interrupt the world
// state writes are reverted.
func (c *RollupCreator) Create(ctx context.Context, rollupID uint64, txs []*models.TxDao) (*models.RollupProofDao, error) {
	if len(txs) == 0 || len(txs) > c.innerRollupTxs {
		return nil, fmt.Errorf("inner rollup needs 1 to %d txs, got %d", c.innerRollupTxs, len(txs))
	}

	proofs := make([]*types.InnerProofData, 0, c.innerRollupTxs)
	txData := make([]hexutil.Bytes, 0, c.innerRollupTxs)
	for _, tx := range txs {
		inner, err := types.ParseInnerProofData(tx.ProofData)
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", tx.ID, err)
		}
		proofs = append(proofs, inner)
		txData = append(txData, tx.ProofData)
	}
	for len(proofs) < c.innerRollupTxs {
		padding := types.PaddingInnerProof()
		encoded, err := padding.Encode()
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, padding)
		txData = append(txData, encoded)
	}

	snapshot := c.worldStateDb.Snapshot()
	request, proofDao, err := c.applyTxs(rollupID, proofs, txData)
	if err != nil {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"rollup_id":        rollupID,
		"txs":              len(txs),
		"data_start_index": proofDao.DataStartIndex,
	}).Info("🔄 Creating inner rollup proof")

	body, err := json.Marshal(request)
	if err != nil {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("failed to marshal tx rollup request: %w", err)
	}

	start := time.Now()
	proof, err := raceInterrupt(ctx, c.intr, func(ctx context.Context) ([]byte, error) {
		return c.proofGenerator.CreateProof(ctx, body)
	})
	if err != nil {
		c.worldStateDb.RevertToSnapshot(snapshot)
		if isInterrupt(ctx, err) {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("%w: inner rollup: %v", ErrProofGenerationFailed, err)
	}
	if len(proof) == 0 {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("%w: inner rollup: empty proof", ErrProofGenerationFailed)
	}
	metrics.ProofGenerationDuration.WithLabelValues("inner").Observe(time.Since(start).Seconds())

	proofDao.ID = crypto.Keccak256Hash(proof).Hex()
	proofDao.ProofData = proof
	proofDao.Txs = txs
	if err := c.rollupDb.AddRollupProof(ctx, proofDao); err != nil {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("failed to save inner rollup proof: %w", err)
	}

	metrics.InnerProofsCreated.Inc()
	c.logger.WithFields(logrus.Fields{
		"rollup_proof_id": proofDao.ID,
		"duration":        time.Since(start).String(),
	}).Info("✅ Inner rollup proof created")
	return proofDao, nil
}

func (c *RollupCreator) applyTxs(rollupID uint64, proofs []*types.InnerProofData, txData []hexutil.Bytes) (*types.TxRollupRequest, *models.RollupProofDao, error) {
	ws := c.worldStateDb

	dataSize, err := ws.GetSize(worldstate.DataTree)
	if err != nil {
		return nil, nil, err
	}
	footprint := uint64(c.innerRollupTxs * 2)
	dataStartIndex := (dataSize + footprint - 1) / footprint * footprint

	oldDataRoot, err := ws.GetRoot(worldstate.DataTree)
	if err != nil {
		return nil, nil, err
	}
	oldNullRoot, err := ws.GetRoot(worldstate.NullifierTree)
	if err != nil {
		return nil, nil, err
	}
	dataRootsRoot, err := ws.GetRoot(worldstate.RootTree)
	if err != nil {
		return nil, nil, err
	}
	oldDataPath, err := ws.GetHashPath(worldstate.DataTree, uint256.NewInt(dataStartIndex))
	if err != nil {
		return nil, nil, err
	}

	for i, p := range proofs {
		index := dataStartIndex + uint64(i)*2
		for j, commitment := range []common.Hash{p.NoteCommitment1, p.NoteCommitment2} {
			if commitment == (common.Hash{}) {
				continue
			}
			if _, err := ws.Put(worldstate.DataTree, uint256.NewInt(index+uint64(j)), commitment.Bytes()); err != nil {
				return nil, nil, err
			}
		}
	}
	// claim the whole footprint even when the tail is padding
	if size, err := ws.GetSize(worldstate.DataTree); err != nil {
		return nil, nil, err
	} else if size < dataStartIndex+footprint {
		if _, err := ws.Put(worldstate.DataTree, uint256.NewInt(dataStartIndex+footprint-1), make([]byte, 32)); err != nil {
			return nil, nil, err
		}
	}

	nullRoots := make([]common.Hash, 0, len(proofs)*2)
	nullPaths := make([][]common.Hash, 0, len(proofs)*2)
	for _, p := range proofs {
		for _, n := range p.Nullifiers() {
			path, err := ws.GetHashPath(worldstate.NullifierTree, hashIndex(n))
			if err != nil {
				return nil, nil, err
			}
			root, err := ws.Put(worldstate.NullifierTree, hashIndex(n), nullifierValue)
			if err != nil {
				return nil, nil, err
			}
			nullPaths = append(nullPaths, path)
			nullRoots = append(nullRoots, root)
		}
	}

	newDataRoot, err := ws.GetRoot(worldstate.DataTree)
	if err != nil {
		return nil, nil, err
	}
	newNullRoot, err := ws.GetRoot(worldstate.NullifierTree)
	if err != nil {
		return nil, nil, err
	}
	newDataPath, err := ws.GetHashPath(worldstate.DataTree, uint256.NewInt(dataStartIndex))
	if err != nil {
		return nil, nil, err
	}

	request := &types.TxRollupRequest{
		RequestID:      uuid.New().String(),
		RollupID:       rollupID,
		RollupSize:     c.innerRollupTxs,
		DataStartIndex: dataStartIndex,
		Txs:            txData,
		OldDataRoot:    oldDataRoot,
		NewDataRoot:    newDataRoot,
		OldDataPath:    oldDataPath,
		NewDataPath:    newDataPath,
		OldNullRoot:    oldNullRoot,
		NewNullRoots:   nullRoots,
		NullifierPaths: nullPaths,
		DataRootsRoot:  dataRootsRoot,
	}
	proofDao := &models.RollupProofDao{
		RollupSize:     c.innerRollupTxs,
		DataStartIndex: dataStartIndex,
		OldDataRoot:    oldDataRoot.Hex(),
		NewDataRoot:    newDataRoot.Hex(),
		OldNullRoot:    oldNullRoot.Hex(),
		NewNullRoot:    newNullRoot.Hex(),
		Created:        time.Now(),
	}
	return request, proofDao, nil
}

func (c *RollupCreator) Interrupt() {
	c.intr.Interrupt()
}

func (c *RollupCreator) ClearInterrupt() {
	c.intr.Clear()
}
