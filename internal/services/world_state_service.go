package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

// SettledEventPublisher announces processed blocks
type SettledEventPublisher interface {
	PublishRollupSettled(event *types.RollupSettledEvent) error
}

// WorldState applies settled blocks to the world state and owns the
// coordinator's lifecycle around them
type WorldState struct {
	rollupDb       repository.RollupDb
	worldStateDb   WorldStateDb
	coordinator    *PipelineCoordinator
	validator      *WorldStateValidator
	events         SettledEventPublisher
	numBridgeCalls int
	retryInterval  time.Duration
	logger         *logrus.Entry

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorldState(rollupDb repository.RollupDb, worldStateDb WorldStateDb, coordinator *PipelineCoordinator, validator *WorldStateValidator,
	events SettledEventPublisher, numBridgeCalls int, retryInterval time.Duration, logger *logrus.Logger) *WorldState {
	if numBridgeCalls <= 0 {
		numBridgeCalls = types.NumBridgeCallsPerBlock
	}
	return &WorldState{
		rollupDb:       rollupDb,
		worldStateDb:   worldStateDb,
		coordinator:    coordinator,
		validator:      validator,
		events:         events,
		numBridgeCalls: numBridgeCalls,
		retryInterval:  retryInterval,
		logger:         logger.WithField("component", "world_state"),
		runCtx:         context.Background(),
	}
}

// Start seeds the root history tree, prunes the pool, starts the coordinator
// and supervises it until Stop
func (s *WorldState) Start(ctx context.Context) error {
	if err := s.initGenesis(); err != nil {
		return err
	}
	if _, _, err := s.validator.PrunePool(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.coordinator.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start pipeline coordinator: %w", err)
	}

	s.wg.Add(1)
	go s.supervise(runCtx)
	s.logger.Info("✅ World state started")
	return nil
}

// Stop ends supervision and the coordinator
func (s *WorldState) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.coordinator.Stop()
	s.logger.Info("🛑 World state stopped")
}

func (s *WorldState) initGenesis() error {
	size, err := s.worldStateDb.GetSize(worldstate.RootTree)
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}
	dataRoot, err := s.worldStateDb.GetRoot(worldstate.DataTree)
	if err != nil {
		return err
	}
	if _, err := s.worldStateDb.Put(worldstate.RootTree, uint256.NewInt(0), dataRoot.Bytes()); err != nil {
		return err
	}
	if err := s.worldStateDb.Commit(); err != nil {
		return err
	}
	s.logger.WithField("data_root", dataRoot.Hex()).Info("🌱 Seeded root history tree")
	return nil
}

// supervise restarts a coordinator whose run ended with a fatal error
func (s *WorldState) supervise(ctx context.Context) {
	defer s.wg.Done()
	interval := s.retryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if !s.coordinator.IsRunning() && s.coordinator.Err() != nil {
			s.logger.WithError(s.coordinator.Err()).Warn("🔄 Restarting pipeline coordinator after failure")
			if err := s.coordinator.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.WithError(err).Error("❌ Failed to restart pipeline coordinator")
			}
		}
		s.mu.Unlock()
	}
}

// HandleBlock applies a settled rollup. Blocks arrive in rollup id order;
// replays of settled rollups are ignored.
func (s *WorldState) HandleBlock(ctx context.Context, block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{
		"rollup_id": block.RollupID,
		"tx_hash":   block.TxHash.Hex(),
	})

	existing, err := s.rollupDb.GetRollup(ctx, block.RollupID)
	if err != nil {
		return fmt.Errorf("failed to load rollup %d: %w", block.RollupID, err)
	}
	if existing != nil && existing.Status == models.RollupStatusSettled {
		log.Debug("⏭️ Rollup already settled, skipping block")
		return nil
	}

	proofData, err := types.DecodeRollupProofData(block.RollupProofData)
	if err != nil {
		return fmt.Errorf("rollup %d: %w", block.RollupID, err)
	}
	if proofData.RollupID != block.RollupID {
		return fmt.Errorf("block rollup id %d does not match proof data rollup id %d", block.RollupID, proofData.RollupID)
	}

	s.coordinator.Stop()
	defer s.restartCoordinator()

	own, err := s.isOwnRollup(proofData)
	if err != nil {
		return err
	}
	if own {
		log.Info("📦 Own rollup settled, committing world state")
	} else {
		log.Info("📦 Foreign rollup settled, replaying from chain data")
		s.coordinator.InvalidateInnerProofs()
		s.worldStateDb.Rollback()
		if err := s.rollupDb.DeleteUnsettledRollups(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled rollups: %w", err)
		}
		if err := s.rollupDb.DeleteUnsettledRollupProofs(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled rollup proofs: %w", err)
		}
		if err := s.applyRollup(ctx, proofData); err != nil {
			s.worldStateDb.Rollback()
			return err
		}
	}
	if err := s.worldStateDb.Commit(); err != nil {
		return err
	}

	// settled status and claims land together; a redelivered block redoes both
	var claims int
	err = s.rollupDb.Transaction(ctx, func(db repository.RollupDb) error {
		if err := s.confirmMined(ctx, db, block, proofData); err != nil {
			return err
		}
		if err := s.storeInteractionResult(ctx, db, block); err != nil {
			return err
		}
		n, err := s.addClaims(ctx, db, proofData)
		if err != nil {
			return err
		}
		claims = n
		return s.releaseClaims(ctx, db, block.RollupID)
	})
	if err != nil {
		return fmt.Errorf("failed to settle rollup %d: %w", block.RollupID, err)
	}

	discarded, _, err := s.validator.PrunePool(ctx)
	if err != nil {
		return err
	}

	metrics.BlocksProcessed.WithLabelValues(blockSource(own)).Inc()
	metrics.LastSettledRollupID.Set(float64(block.RollupID))
	log.WithFields(logrus.Fields{
		"own":       own,
		"claims":    claims,
		"discarded": len(discarded),
	}).Info("✅ Block processed")

	if s.events != nil {
		event := &types.RollupSettledEvent{
			RollupID:    block.RollupID,
			TxHash:      block.TxHash,
			DataRoot:    proofData.NewDataRoot,
			Own:         own,
			Discarded:   len(discarded),
			Claims:      claims,
			ProcessedAt: time.Now(),
		}
		if err := s.events.PublishRollupSettled(event); err != nil {
			log.WithError(err).Warn("⚠️ Failed to publish settled event")
		}
	}
	return nil
}

func (s *WorldState) restartCoordinator() {
	if err := s.coordinator.Start(s.runCtx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.logger.WithError(err).Error("❌ Failed to restart pipeline coordinator")
	}
}

// isOwnRollup reports whether the uncommitted world state is exactly the block's end state
func (s *WorldState) isOwnRollup(p *types.RollupProofData) (bool, error) {
	for _, check := range []struct {
		tree worldstate.TreeID
		want common.Hash
	}{
		{worldstate.DataTree, p.NewDataRoot},
		{worldstate.NullifierTree, p.NewNullRoot},
		{worldstate.RootTree, p.NewDataRootsRoot},
		{worldstate.DefiTree, p.NewDefiRoot},
	} {
		root, err := s.worldStateDb.GetRoot(check.tree)
		if err != nil {
			return false, err
		}
		if root != check.want {
			return false, nil
		}
	}
	return true, nil
}

// applyRollup replays a rollup's public inputs onto the committed world state
func (s *WorldState) applyRollup(ctx context.Context, p *types.RollupProofData) error {
	ws := s.worldStateDb

	for i, inner := range p.InnerProofs {
		index := p.DataStartIndex + uint64(i)*2
		for j, commitment := range []common.Hash{inner.NoteCommitment1, inner.NoteCommitment2} {
			if commitment == (common.Hash{}) {
				continue
			}
			if _, err := ws.Put(worldstate.DataTree, uint256.NewInt(index+uint64(j)), commitment.Bytes()); err != nil {
				return err
			}
		}
	}
	size, err := ws.GetSize(worldstate.DataTree)
	if err != nil {
		return err
	}
	if end := p.DataStartIndex + p.RollupSize*2; size < end {
		if _, err := ws.Put(worldstate.DataTree, uint256.NewInt(end-1), make([]byte, 32)); err != nil {
			return err
		}
	}

	for _, inner := range p.InnerProofs {
		for _, n := range inner.Nullifiers() {
			if _, err := ws.Put(worldstate.NullifierTree, hashIndex(n), nullifierValue); err != nil {
				return err
			}
		}
	}

	if p.RollupID > 0 {
		notes, err := s.rollupDb.GetDefiInteractionNotesByRollup(ctx, p.RollupID-1)
		if err != nil {
			return fmt.Errorf("failed to load defi interaction notes: %w", err)
		}
		for _, n := range notes {
			if _, err := ws.Put(worldstate.DefiTree, uint256.NewInt(n.Nonce), n.Note().Encode()); err != nil {
				return err
			}
		}
	}

	if _, err := ws.Put(worldstate.RootTree, uint256.NewInt(p.RollupID+1), p.NewDataRoot.Bytes()); err != nil {
		return err
	}

	dataRoot, err := ws.GetRoot(worldstate.DataTree)
	if err != nil {
		return err
	}
	if dataRoot != p.NewDataRoot {
		return fmt.Errorf("rollup %d: data root mismatch after replay: got %s, want %s", p.RollupID, dataRoot.Hex(), p.NewDataRoot.Hex())
	}
	nullRoot, err := ws.GetRoot(worldstate.NullifierTree)
	if err != nil {
		return err
	}
	if nullRoot != p.NewNullRoot {
		return fmt.Errorf("rollup %d: nullifier root mismatch after replay: got %s, want %s", p.RollupID, nullRoot.Hex(), p.NewNullRoot.Hex())
	}
	defiRoot, err := ws.GetRoot(worldstate.DefiTree)
	if err != nil {
		return err
	}
	if defiRoot != p.NewDefiRoot {
		s.logger.WithFields(logrus.Fields{
			"rollup_id": p.RollupID,
			"got":       defiRoot.Hex(),
			"want":      p.NewDefiRoot.Hex(),
		}).Warn("⚠️ Defi root mismatch after replay")
	}
	return nil
}

func (s *WorldState) confirmMined(ctx context.Context, db repository.RollupDb, block *types.Block, p *types.RollupProofData) error {
	txHash := block.TxHash.Hex()
	mined := block.Created
	if mined.IsZero() {
		mined = time.Now()
	}
	settled := &models.RollupDao{
		ID:           block.RollupID,
		DataRoot:     p.NewDataRoot.Hex(),
		PublicInputs: block.RollupProofData,
		ViewingKeys:  block.ViewingKeysData,
		EthTxHash:    &txHash,
		GasUsed:      block.GasUsed,
		Mined:        &mined,
		Created:      mined,
	}
	if block.GasPrice != nil {
		settled.GasPrice = block.GasPrice.ToInt().String()
	}
	if err := db.ConfirmMined(ctx, settled); err != nil {
		return fmt.Errorf("failed to confirm rollup %d: %w", block.RollupID, err)
	}
	return nil
}

func (s *WorldState) storeInteractionResult(ctx context.Context, db repository.RollupDb, block *types.Block) error {
	if len(block.InteractionResult) == 0 {
		return nil
	}
	notes := make([]*models.DefiInteractionNoteDao, 0, len(block.InteractionResult))
	for _, n := range block.InteractionResult {
		notes = append(notes, models.NewDefiInteractionNoteDao(n, block.RollupID, block.Created))
	}
	if err := db.AddDefiInteractionNotes(ctx, notes); err != nil {
		return fmt.Errorf("failed to store defi interaction notes: %w", err)
	}
	return nil
}

// addClaims records a claim for every defi deposit in the rollup
func (s *WorldState) addClaims(ctx context.Context, db repository.RollupDb, p *types.RollupProofData) (int, error) {
	added := 0
	for i, inner := range p.InnerProofs {
		if inner.ProofID != types.TxTypeDefiDeposit {
			continue
		}
		bridgeIndex := -1
		for j, id := range p.BridgeIDs {
			if id == inner.BridgeID {
				bridgeIndex = j
				break
			}
		}
		if bridgeIndex < 0 {
			return added, fmt.Errorf("rollup %d: defi deposit %d uses bridge %s missing from bridge ids", p.RollupID, i, inner.BridgeID.Hex())
		}

		encoded, err := inner.Encode()
		if err != nil {
			return added, err
		}
		claim := &models.ClaimDao{
			ID:               uuid.New().String(),
			TxID:             crypto.Keccak256Hash(encoded).Hex(),
			NoteIndex:        p.DataStartIndex + uint64(i)*2,
			Nullifier:        crypto.Keccak256Hash(inner.NoteCommitment1.Bytes()).Hex(),
			BridgeID:         inner.BridgeID.Hex(),
			DepositValue:     inner.PublicValue.String(),
			Fee:              inner.TxFee.String(),
			InteractionNonce: p.RollupID*uint64(s.numBridgeCalls) + uint64(bridgeIndex),
			Created:          time.Now(),
		}
		if err := db.AddClaim(ctx, claim); err != nil {
			return added, fmt.Errorf("failed to add claim: %w", err)
		}
		added++
	}
	return added, nil
}

// releaseClaims marks claims as claimable once their interaction notes are in the defi tree
func (s *WorldState) releaseClaims(ctx context.Context, db repository.RollupDb, rollupID uint64) error {
	if rollupID == 0 {
		return nil
	}
	notes, err := db.GetDefiInteractionNotesByRollup(ctx, rollupID-1)
	if err != nil {
		return fmt.Errorf("failed to load defi interaction notes: %w", err)
	}
	if len(notes) == 0 {
		return nil
	}
	nonces := make([]uint64, 0, len(notes))
	for _, n := range notes {
		nonces = append(nonces, n.Nonce)
	}
	if err := db.UpdateClaimsWithResultRollupID(ctx, nonces, rollupID); err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	return nil
}

func blockSource(own bool) string {
	if own {
		return "own"
	}
	return "foreign"
}
