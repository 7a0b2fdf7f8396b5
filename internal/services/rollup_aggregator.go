package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

// RollupAggregator folds inner proofs and defi history into one outer rollup proof
type RollupAggregator struct {
	rollupDb          repository.RollupDb
	worldStateDb      WorldStateDb
	proofGenerator    ProofGenerator
	publisher         *RollupPublisher
	innerRollupTxs    int
	outerRollupProofs int
	numBridgeCalls    int
	intr              *interrupter
	logger            *logrus.Entry
}

func NewRollupAggregator(rollupDb repository.RollupDb, worldStateDb WorldStateDb, proofGenerator ProofGenerator, publisher *RollupPublisher,
	innerRollupTxs, outerRollupProofs, numBridgeCalls int, logger *logrus.Logger) *RollupAggregator {
	return &RollupAggregator{
		rollupDb:          rollupDb,
		worldStateDb:      worldStateDb,
		proofGenerator:    proofGenerator,
		publisher:         publisher,
		innerRollupTxs:    innerRollupTxs,
		outerRollupProofs: outerRollupProofs,
		numBridgeCalls:    numBridgeCalls,
		intr:              newInterrupter(),
		logger:            logger.WithField("component", "rollup_aggregator"),
	}
}

// DefiState is the defi tree position the aggregate proof starts from
type DefiState struct {
	OldRoot common.Hash
	OldPath []common.Hash
	// Notes are the interaction results of the previous rollup's bridge calls
	Notes []*types.DefiInteractionNote
}

// AggregateRollupProofs builds the outer rollup over innerProofs and persists it as pending.
// On failure or interrupt the world state writes are reverted.
func (a *RollupAggregator) AggregateRollupProofs(ctx context.Context, rollupID uint64, innerProofs []*models.RollupProofDao,
	defi DefiState, bridgeIDs []common.Hash) (*models.RollupDao, error) {
	if len(innerProofs) == 0 || len(innerProofs) > a.outerRollupProofs {
		return nil, fmt.Errorf("outer rollup needs 1 to %d inner proofs, got %d", a.outerRollupProofs, len(innerProofs))
	}
	if len(bridgeIDs) > a.numBridgeCalls {
		return nil, fmt.Errorf("outer rollup carries at most %d bridge ids, got %d", a.numBridgeCalls, len(bridgeIDs))
	}

	log := a.logger.WithFields(logrus.Fields{
		"rollup_id":    rollupID,
		"inner_proofs": len(innerProofs),
		"bridge_ids":   len(bridgeIDs),
		"defi_notes":   len(defi.Notes),
	})
	log.Info("🔄 Aggregating rollup proofs")

	snapshot := a.worldStateDb.Snapshot()
	publicInputs, request, err := a.buildRollup(rollupID, innerProofs, defi, bridgeIDs)
	if err != nil {
		a.worldStateDb.RevertToSnapshot(snapshot)
		return nil, err
	}

	body, err := json.Marshal(request)
	if err != nil {
		a.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("failed to marshal root rollup request: %w", err)
	}

	start := time.Now()
	proof, err := raceInterrupt(ctx, a.intr, func(ctx context.Context) ([]byte, error) {
		return a.proofGenerator.CreateAggregateProof(ctx, body)
	})
	if err != nil {
		a.worldStateDb.RevertToSnapshot(snapshot)
		if isInterrupt(ctx, err) {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("%w: root rollup: %v", ErrProofGenerationFailed, err)
	}
	if len(proof) == 0 {
		a.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("%w: root rollup: empty proof", ErrProofGenerationFailed)
	}
	metrics.ProofGenerationDuration.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())

	newDataRoot, err := a.worldStateDb.GetRoot(worldstate.DataTree)
	if err != nil {
		a.worldStateDb.RevertToSnapshot(snapshot)
		return nil, err
	}

	rollup := &models.RollupDao{
		ID:           rollupID,
		DataRoot:     newDataRoot.Hex(),
		PublicInputs: publicInputs,
		ProofData:    proof,
		Status:       models.RollupStatusPending,
		Created:      time.Now(),
	}
	proofIDs := make([]string, 0, len(innerProofs))
	for _, p := range innerProofs {
		proofIDs = append(proofIDs, p.ID)
		for _, tx := range p.Txs {
			rollup.ViewingKeys = append(rollup.ViewingKeys, tx.ViewingKeys...)
			if tx.Type() == types.TxTypeDeposit {
				rollup.Signatures = append(rollup.Signatures, tx.Signature)
			}
		}
	}

	if err := a.rollupDb.AddRollup(ctx, rollup, proofIDs); err != nil {
		a.worldStateDb.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("failed to save rollup: %w", err)
	}
	if err := a.rollupDb.DeleteOrphanedRollupProofs(ctx); err != nil {
		log.WithError(err).Warn("⚠️ Failed to delete orphaned rollup proofs")
	}

	metrics.RollupsAggregated.Inc()
	log.WithFields(logrus.Fields{
		"data_root": rollup.DataRoot,
		"duration":  time.Since(start).String(),
	}).Info("✅ Rollup aggregated")
	return rollup, nil
}

func (a *RollupAggregator) buildRollup(rollupID uint64, innerProofs []*models.RollupProofDao, defi DefiState,
	bridgeIDs []common.Hash) ([]byte, *types.RootRollupRequest, error) {
	ws := a.worldStateDb
	first := innerProofs[0]
	last := innerProofs[len(innerProofs)-1]
	outerSize := uint64(a.innerRollupTxs * a.outerRollupProofs)

	if len(innerProofs) < a.outerRollupProofs {
		// advance the data tree to the end of the outer rollup's footprint
		padIndex := first.DataStartIndex + outerSize*2 - 1
		if _, err := ws.Put(worldstate.DataTree, uint256.NewInt(padIndex), make([]byte, 32)); err != nil {
			return nil, nil, err
		}
	}

	noteHashes := make([]common.Hash, 0, len(defi.Notes))
	encodedNotes := make([]hexutil.Bytes, 0, len(defi.Notes))
	for _, note := range defi.Notes {
		encoded := note.Encode()
		if _, err := ws.Put(worldstate.DefiTree, uint256.NewInt(note.Nonce), encoded); err != nil {
			return nil, nil, err
		}
		noteHashes = append(noteHashes, note.Hash())
		encodedNotes = append(encodedNotes, encoded)
	}

	newDataRoot, err := ws.GetRoot(worldstate.DataTree)
	if err != nil {
		return nil, nil, err
	}
	oldDataRootsRoot, err := ws.GetRoot(worldstate.RootTree)
	if err != nil {
		return nil, nil, err
	}
	rootsSize, err := ws.GetSize(worldstate.RootTree)
	if err != nil {
		return nil, nil, err
	}
	oldDataRootsPath, err := ws.GetHashPath(worldstate.RootTree, uint256.NewInt(rootsSize))
	if err != nil {
		return nil, nil, err
	}
	newDataRootsRoot, err := ws.Put(worldstate.RootTree, uint256.NewInt(rootsSize), newDataRoot.Bytes())
	if err != nil {
		return nil, nil, err
	}
	newDataRootsPath, err := ws.GetHashPath(worldstate.RootTree, uint256.NewInt(rootsSize))
	if err != nil {
		return nil, nil, err
	}
	newDefiRoot, err := ws.GetRoot(worldstate.DefiTree)
	if err != nil {
		return nil, nil, err
	}

	inner := make([]*types.InnerProofData, 0, outerSize)
	innerProofData := make([]hexutil.Bytes, 0, len(innerProofs))
	for _, p := range innerProofs {
		for _, tx := range p.Txs {
			parsed, err := types.ParseInnerProofData(tx.ProofData)
			if err != nil {
				return nil, nil, fmt.Errorf("tx %s: %w", tx.ID, err)
			}
			inner = append(inner, parsed)
		}
		for i := len(p.Txs); i < p.RollupSize; i++ {
			inner = append(inner, types.PaddingInnerProof())
		}
		innerProofData = append(innerProofData, p.ProofData)
	}

	proofData := &types.RollupProofData{
		RollupID:             rollupID,
		RollupSize:           outerSize,
		DataStartIndex:       first.DataStartIndex,
		OldDataRoot:          common.HexToHash(first.OldDataRoot),
		NewDataRoot:          newDataRoot,
		OldNullRoot:          common.HexToHash(first.OldNullRoot),
		NewNullRoot:          common.HexToHash(last.NewNullRoot),
		OldDataRootsRoot:     oldDataRootsRoot,
		NewDataRootsRoot:     newDataRootsRoot,
		OldDefiRoot:          defi.OldRoot,
		NewDefiRoot:          newDefiRoot,
		BridgeIDs:            types.PadHashes(bridgeIDs, a.numBridgeCalls),
		DefiInteractionNotes: types.PadHashes(noteHashes, a.numBridgeCalls),
		InnerProofs:          inner,
	}
	publicInputs, err := proofData.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode rollup public inputs: %w", err)
	}

	request := &types.RootRollupRequest{
		RequestID:            uuid.New().String(),
		RollupID:             rollupID,
		InnerProofs:          innerProofData,
		PublicInputs:         publicInputs,
		OldDataRootsPath:     oldDataRootsPath,
		NewDataRootsPath:     newDataRootsPath,
		OldDefiPath:          defi.OldPath,
		DefiInteractionNotes: encodedNotes,
	}
	return publicInputs, request, nil
}

// Interrupt stops the aggregation and any publication in flight
func (a *RollupAggregator) Interrupt() {
	a.intr.Interrupt()
	if a.publisher != nil {
		a.publisher.Interrupt()
	}
}

func (a *RollupAggregator) ClearInterrupt() {
	a.intr.Clear()
	if a.publisher != nil {
		a.publisher.ClearInterrupt()
	}
}
