package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

// CoordinatorConfig sizes the rollup pipeline
type CoordinatorConfig struct {
	InnerRollupTxs         int
	OuterRollupProofs      int
	PublishInterval        time.Duration
	NumBridgeCallsPerBlock int
	CycleInterval          time.Duration
}

// PipelineCoordinator drives pool txs through inner proofs, aggregation and
// publication. At most one rollup is published per run.
type PipelineCoordinator struct {
	rollupCreator     *RollupCreator
	rollupAggregator  *RollupAggregator
	rollupPublisher   *RollupPublisher
	claimProofCreator *ClaimProofCreator
	validator         *WorldStateValidator
	rollupDb          repository.RollupDb
	worldStateDb      WorldStateDb
	feeResolver       TxFeeResolver
	cfg               CoordinatorConfig
	intr              *interrupter
	now               func() time.Time
	logger            *logrus.Entry

	mu            sync.Mutex
	running       bool
	done          chan struct{}
	flush         bool
	lastErr       error
	nextRollupID  uint64
	lastSettledAt *time.Time
	innerProofs   []*models.RollupProofDao
	bridgeIDs     []common.Hash
}

func NewPipelineCoordinator(
	rollupCreator *RollupCreator,
	rollupAggregator *RollupAggregator,
	rollupPublisher *RollupPublisher,
	claimProofCreator *ClaimProofCreator,
	validator *WorldStateValidator,
	rollupDb repository.RollupDb,
	worldStateDb WorldStateDb,
	feeResolver TxFeeResolver,
	cfg CoordinatorConfig,
	logger *logrus.Logger,
) *PipelineCoordinator {
	if cfg.NumBridgeCallsPerBlock <= 0 {
		cfg.NumBridgeCallsPerBlock = types.NumBridgeCallsPerBlock
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	return &PipelineCoordinator{
		rollupCreator:     rollupCreator,
		rollupAggregator:  rollupAggregator,
		rollupPublisher:   rollupPublisher,
		claimProofCreator: claimProofCreator,
		validator:         validator,
		rollupDb:          rollupDb,
		worldStateDb:      worldStateDb,
		feeResolver:       feeResolver,
		cfg:               cfg,
		intr:              newInterrupter(),
		now:               time.Now,
		logger:            logger.WithField("component", "pipeline_coordinator"),
	}
}

// Start resets transient state and launches the cycle loop. It returns
// ErrAlreadyRunning if a run is in progress.
func (c *PipelineCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	prev := c.done
	c.mu.Unlock()

	// a run that stopped itself may still be unwinding
	if prev != nil {
		<-prev
	}

	c.mu.Lock()
	if c.running || c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	done := make(chan struct{})
	c.running = true
	c.done = done
	c.lastErr = nil
	c.mu.Unlock()

	c.intr.Clear()
	c.rollupCreator.ClearInterrupt()
	c.rollupAggregator.ClearInterrupt()
	c.rollupPublisher.ClearInterrupt()
	c.claimProofCreator.ClearInterrupt()

	if err := c.reset(ctx); err != nil {
		c.finish(done, err)
		return err
	}

	metrics.CoordinatorRunning.Set(1)
	c.logger.WithFields(logrus.Fields{
		"next_rollup_id": c.NextRollupID(),
		"inner_proofs":   c.InnerProofCount(),
	}).Info("🚀 Pipeline coordinator started")

	go c.loop(ctx, done)
	return nil
}

// Stop interrupts the run and blocks until its loop exits. Calling Stop on a
// stopped coordinator is a no-op.
func (c *PipelineCoordinator) Stop() {
	c.mu.Lock()
	c.running = false
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return
	}

	c.intr.Interrupt()
	c.rollupCreator.Interrupt()
	c.rollupAggregator.Interrupt()
	c.rollupPublisher.Interrupt()
	c.claimProofCreator.Interrupt()
	<-done
	c.logger.Info("🛑 Pipeline coordinator stopped")
}

// Flush forces publication on the next cycle
func (c *PipelineCoordinator) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flush = true
}

func (c *PipelineCoordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *PipelineCoordinator) NextRollupID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRollupID
}

func (c *PipelineCoordinator) InnerProofCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.innerProofs)
}

// Err returns the fatal error that ended the last run, if any
func (c *PipelineCoordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// InvalidateInnerProofs drops the inner proofs held for resumption. Only call
// it while the coordinator is stopped.
func (c *PipelineCoordinator) InvalidateInnerProofs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.innerProofs = nil
	c.bridgeIDs = nil
}

// reset brings the database and world state in line with the last settled
// rollup. Inner proofs held from an interrupted run are kept.
func (c *PipelineCoordinator) reset(ctx context.Context) error {
	c.mu.Lock()
	resume := len(c.innerProofs) > 0
	c.mu.Unlock()

	if resume {
		if err := c.rollupDb.DeleteUnsettledRollups(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled rollups: %w", err)
		}
		if err := c.rollupDb.DeleteOrphanedRollupProofs(ctx); err != nil {
			return fmt.Errorf("failed to delete orphaned rollup proofs: %w", err)
		}
	} else {
		c.worldStateDb.Rollback()
		if err := c.rollupDb.DeleteUnsettledRollups(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled rollups: %w", err)
		}
		if err := c.rollupDb.DeleteUnsettledRollupProofs(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled rollup proofs: %w", err)
		}
		if err := c.rollupDb.DeleteUnsettledClaimTxs(ctx); err != nil {
			return fmt.Errorf("failed to delete unsettled claim txs: %w", err)
		}
	}

	last, err := c.rollupDb.GetLastSettledRollup(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last settled rollup: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !resume {
		c.bridgeIDs = nil
	}
	if last == nil {
		c.nextRollupID = 0
		c.lastSettledAt = nil
	} else {
		c.nextRollupID = last.ID + 1
		c.lastSettledAt = last.Mined
	}
	return nil
}

func (c *PipelineCoordinator) loop(ctx context.Context, done chan struct{}) {
	if _, err := c.claimProofCreator.Create(ctx); err != nil {
		if isInterrupt(ctx, err) {
			err = nil
		}
		c.finish(done, err)
		return
	}

	for c.IsRunning() {
		published, err := c.aggregateAndPublish(ctx)
		if err != nil {
			if isInterrupt(ctx, err) {
				err = nil
			}
			c.finish(done, err)
			return
		}
		if published {
			break
		}
		if !c.intr.Sleep(ctx, c.cfg.CycleInterval) {
			break
		}
	}
	c.finish(done, nil)
}

func (c *PipelineCoordinator) finish(done chan struct{}, err error) {
	c.mu.Lock()
	c.running = false
	if err != nil {
		c.lastErr = err
	}
	if c.done == done {
		c.done = nil
	}
	c.mu.Unlock()

	metrics.CoordinatorRunning.Set(0)
	if err != nil {
		c.logger.WithError(err).Error("❌ Pipeline coordinator run failed")
	}
	close(done)
}

// aggregateAndPublish runs one cycle. It reports whether a rollup was published.
func (c *PipelineCoordinator) aggregateAndPublish(ctx context.Context) (bool, error) {
	_, held, err := c.validator.PrunePool(ctx)
	if err != nil {
		return false, err
	}

	created := c.InnerProofCount()
	capacity := c.cfg.InnerRollupTxs * c.cfg.OuterRollupProofs
	limit := c.cfg.InnerRollupTxs * (c.cfg.OuterRollupProofs - created)

	var pending []*models.TxDao
	if limit > 0 {
		var err error
		pending, err = c.rollupDb.GetPendingTxs(ctx, limit)
		if err != nil {
			return false, fmt.Errorf("failed to load pending txs: %w", err)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Type() == types.TxTypeDefiClaim && pending[j].Type() != types.TxTypeDefiClaim
	})
	metrics.PendingTxs.Set(float64(len(pending)))

	txs, err := c.selectTxs(pending, held)
	if err != nil {
		return false, err
	}

	now := c.now()
	publishTime := c.nextPublishTime(txs, now)

	c.mu.Lock()
	flush := c.flush
	c.mu.Unlock()
	flush = flush ||
		(!publishTime.IsZero() && !now.Before(publishTime)) ||
		created*c.cfg.InnerRollupTxs+len(txs) >= capacity

	c.logger.WithFields(logrus.Fields{
		"pending":      len(pending),
		"admitted":     len(txs),
		"inner_proofs": created,
		"flush":        flush,
	}).Debug("🔄 Coordinator cycle")

	for c.IsRunning() && c.InnerProofCount() < c.cfg.OuterRollupProofs &&
		(len(txs) >= c.cfg.InnerRollupTxs || (flush && len(txs) > 0)) {
		n := c.cfg.InnerRollupTxs
		if len(txs) < n {
			n = len(txs)
		}
		batch := txs[:n]
		txs = txs[n:]

		proof, err := c.rollupCreator.Create(ctx, c.NextRollupID(), batch)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.innerProofs = append(c.innerProofs, proof)
		c.bridgeIDs = addBridgeIDs(c.bridgeIDs, batch)
		c.mu.Unlock()
	}

	if !flush || c.InnerProofCount() == 0 || !c.IsRunning() {
		return false, nil
	}
	return c.aggregateAndSend(ctx)
}

func (c *PipelineCoordinator) aggregateAndSend(ctx context.Context) (bool, error) {
	c.mu.Lock()
	rollupID := c.nextRollupID
	innerProofs := append([]*models.RollupProofDao(nil), c.innerProofs...)
	bridgeIDs := append([]common.Hash(nil), c.bridgeIDs...)
	c.mu.Unlock()

	snapshot := c.worldStateDb.Snapshot()
	defi, err := c.defiState(ctx, rollupID)
	if err != nil {
		return false, err
	}

	rollup, err := c.rollupAggregator.AggregateRollupProofs(ctx, rollupID, innerProofs, defi, bridgeIDs)
	if err != nil {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return false, err
	}
	if !c.IsRunning() {
		c.worldStateDb.RevertToSnapshot(snapshot)
		return false, ErrInterrupted
	}

	if !c.rollupPublisher.PublishRollup(ctx, rollup) {
		c.worldStateDb.RevertToSnapshot(snapshot)
		if !c.IsRunning() || ctx.Err() != nil {
			return false, ErrInterrupted
		}
		// another rollup took this id, the held proofs build on a stale state
		if err := c.rollupDb.DeleteRollup(ctx, rollupID); err != nil {
			c.logger.WithError(err).WithField("rollup_id", rollupID).Warn("⚠️ Failed to delete abandoned rollup")
		}
		c.mu.Lock()
		c.innerProofs = nil
		c.bridgeIDs = nil
		c.running = false
		c.mu.Unlock()
		return false, nil
	}

	c.mu.Lock()
	c.running = false
	c.flush = false
	c.innerProofs = nil
	c.bridgeIDs = nil
	c.nextRollupID = rollupID + 1
	c.mu.Unlock()
	return true, nil
}

// defiState returns the defi tree position the next rollup starts from and the
// notes produced by the previous rollup's bridge calls
func (c *PipelineCoordinator) defiState(ctx context.Context, rollupID uint64) (DefiState, error) {
	var state DefiState
	root, err := c.worldStateDb.GetRoot(worldstate.DefiTree)
	if err != nil {
		return state, err
	}
	state.OldRoot = root

	var insertAt uint64
	if rollupID > 0 {
		insertAt = (rollupID - 1) * uint64(c.cfg.NumBridgeCallsPerBlock)
		notes, err := c.rollupDb.GetDefiInteractionNotesByRollup(ctx, rollupID-1)
		if err != nil {
			return state, fmt.Errorf("failed to load defi interaction notes: %w", err)
		}
		for _, n := range notes {
			state.Notes = append(state.Notes, n.Note())
		}
	}
	state.OldPath, err = c.worldStateDb.GetHashPath(worldstate.DefiTree, uint256.NewInt(insertAt))
	if err != nil {
		return state, err
	}
	return state, nil
}

// selectTxs admits pending txs in order, skipping those over the bridge quota,
// those whose nullifier is already spent and those whose backward link points
// at a note that is neither in the data tree nor produced by a tx admitted
// before them. Txs in held are never admitted.
func (c *PipelineCoordinator) selectTxs(pending []*models.TxDao, held map[string]struct{}) ([]*models.TxDao, error) {
	c.mu.Lock()
	bridges := make(map[string]struct{}, len(c.bridgeIDs))
	for _, b := range c.bridgeIDs {
		bridges[b.Hex()] = struct{}{}
	}
	c.mu.Unlock()

	producers := make(map[string]string)
	for _, tx := range pending {
		for _, nc := range tx.NoteCommitments() {
			producers[nc] = tx.ID
		}
	}

	admitted := make(map[string]struct{}, len(pending))
	nullifiers := make(map[string]struct{})
	txs := make([]*models.TxDao, 0, len(pending))
	for _, tx := range pending {
		log := c.logger.WithField("tx_id", tx.ID)

		if _, ok := held[tx.ID]; ok {
			log.Debug("⏭️ Deposit bound unknown, holding tx")
			continue
		}

		if tx.Type() == types.TxTypeDefiDeposit && tx.BridgeID != "" {
			if _, ok := bridges[tx.BridgeID]; !ok && len(bridges) >= c.cfg.NumBridgeCallsPerBlock {
				log.WithField("bridge_id", tx.BridgeID).Debug("⏭️ Bridge quota reached, skipping tx")
				continue
			}
		}

		if tx.BackwardLink != "" {
			produced, err := c.linkProduced(tx, producers, admitted)
			if err != nil {
				return nil, err
			}
			if !produced {
				log.WithField("backward_link", tx.BackwardLink).Debug("⏭️ Linked note not yet produced, skipping tx")
				continue
			}
		}

		collides := false
		for _, n := range tx.Nullifiers() {
			if _, ok := nullifiers[n]; ok {
				collides = true
				break
			}
			exists, err := c.validator.NullifierExists(n)
			if err != nil {
				return nil, err
			}
			if exists {
				collides = true
				break
			}
		}
		if collides {
			log.Debug("⏭️ Nullifier already spent, skipping tx")
			continue
		}

		for _, n := range tx.Nullifiers() {
			nullifiers[n] = struct{}{}
		}
		if tx.Type() == types.TxTypeDefiDeposit && tx.BridgeID != "" {
			bridges[tx.BridgeID] = struct{}{}
		}
		admitted[tx.ID] = struct{}{}
		txs = append(txs, tx)
	}
	return txs, nil
}

// linkProduced reports whether the note tx links back to already exists. Notes
// of held inner proofs are in the data tree overlay.
func (c *PipelineCoordinator) linkProduced(tx *models.TxDao, producers map[string]string, admitted map[string]struct{}) (bool, error) {
	if producer, ok := producers[tx.BackwardLink]; ok && producer != tx.ID {
		_, ok := admitted[producer]
		return ok, nil
	}
	found, err := c.worldStateDb.HasLeaf(worldstate.DataTree, common.HexToHash(tx.BackwardLink).Bytes())
	if err != nil {
		return false, fmt.Errorf("failed to look up linked note: %w", err)
	}
	return found, nil
}

// nextPublishTime returns when the pending work should be published, the zero
// time if there is nothing to publish
func (c *PipelineCoordinator) nextPublishTime(txs []*models.TxDao, now time.Time) time.Time {
	c.mu.Lock()
	lastSettledAt := c.lastSettledAt
	rollupID := c.nextRollupID
	all := append([]*models.TxDao(nil), txs...)
	for _, p := range c.innerProofs {
		all = append(all, p.Txs...)
	}
	c.mu.Unlock()

	if len(all) == 0 {
		return time.Time{}
	}
	if lastSettledAt == nil {
		return now
	}

	publishAt := lastSettledAt.Add(c.cfg.PublishInterval)
	for _, tx := range all {
		ratio := c.feeResolver.ComputeSurplusRatio([]*models.TxDao{tx}, rollupID)
		t := tx.Created.Add(time.Duration(float64(c.cfg.PublishInterval) * ratio))
		if t.Before(publishAt) {
			publishAt = t
		}
	}
	if publishAt.Before(now) {
		return now
	}
	return publishAt
}

func addBridgeIDs(bridgeIDs []common.Hash, txs []*models.TxDao) []common.Hash {
	for _, tx := range txs {
		if tx.Type() != types.TxTypeDefiDeposit || tx.BridgeID == "" {
			continue
		}
		id := common.HexToHash(tx.BridgeID)
		seen := false
		for _, b := range bridgeIDs {
			if b == id {
				seen = true
				break
			}
		}
		if !seen {
			bridgeIDs = append(bridgeIDs, id)
		}
	}
	return bridgeIDs
}
