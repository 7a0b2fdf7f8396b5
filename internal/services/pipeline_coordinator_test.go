package services

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

func defiDepositTx(seed byte, bridge common.Hash) *types.InnerProofData {
	inner := innerTx(types.TxTypeDefiDeposit, seed)
	inner.BridgeID = bridge
	return inner
}

func TestPipelineCoordinator_HoldsPartialRollupUntilPublishTime(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.settle(t, 5, time.Now())
	for i := 0; i < 7; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return h.coordinator.InnerProofCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 3, h.prover.innerCount())
	assert.Zero(t, h.prover.aggregateCount())
	assert.Zero(t, h.chain.sendCount())
	assert.True(t, h.coordinator.IsRunning())
	assert.Equal(t, uint64(6), h.coordinator.NextRollupID())
	assert.Equal(t, int64(1), h.pendingCount(t))
}

func TestPipelineCoordinator_PublishesImmediatelyWithoutSettledRollup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 4, time.Hour)
	for i := 0; i < 7; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(ctx))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.coordinator.Err())

	assert.Equal(t, 4, h.prover.innerCount())
	assert.Equal(t, 1, h.prover.aggregateCount())
	assert.Equal(t, 1, h.chain.sendCount())
	assert.Equal(t, uint64(1), h.coordinator.NextRollupID())
	assert.Zero(t, h.coordinator.InnerProofCount())
	assert.Zero(t, h.pendingCount(t))

	// the last inner proof carries one tx and one padding tx
	h.prover.mu.Lock()
	last := h.prover.innerRequests[3]
	h.prover.mu.Unlock()
	assert.Len(t, last.Txs, 2)
	assert.Equal(t, uint64(12), last.DataStartIndex)

	rollup, err := h.repo.GetRollup(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, rollup)
	assert.Equal(t, models.RollupStatusSent, rollup.Status)

	data, err := types.DecodeRollupProofData(rollup.PublicInputs)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.RollupID)
	assert.Equal(t, uint64(8), data.RollupSize)
	assert.Len(t, data.InnerProofs, 8)
}

func TestPipelineCoordinator_FullRollupPublishesBeforeInterval(t *testing.T) {
	h := newHarness(t, 2, 2, time.Hour)
	h.settle(t, 0, time.Now())
	for i := 0; i < 5; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.coordinator.Err())
	assert.Equal(t, 2, h.prover.innerCount())
	assert.Equal(t, 1, h.chain.sendCount())
	assert.Equal(t, uint64(2), h.coordinator.NextRollupID())
	assert.Equal(t, int64(1), h.pendingCount(t))
}

func TestPipelineCoordinator_Flush(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.settle(t, 0, time.Now())
	for i := 0; i < 3; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return h.coordinator.InnerProofCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.chain.sendCount())

	h.coordinator.Flush()
	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.prover.innerCount())
	assert.Equal(t, 1, h.chain.sendCount())
	assert.Equal(t, uint64(2), h.coordinator.NextRollupID())
}

func TestPipelineCoordinator_BridgeQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 4, time.Hour)

	bridges := make([]common.Hash, 6)
	for i := range bridges {
		bridges[i] = hashOf(0xb0, byte(i))
	}
	addTx(t, h.repo, defiDepositTx(1, bridges[0]))
	addTx(t, h.repo, innerTx(types.TxTypeSend, 2))
	addTx(t, h.repo, defiDepositTx(3, bridges[1]))
	addTx(t, h.repo, defiDepositTx(4, bridges[2]))
	addTx(t, h.repo, innerTx(types.TxTypeSend, 5))
	addTx(t, h.repo, defiDepositTx(6, bridges[3]))
	addTx(t, h.repo, defiDepositTx(7, bridges[4]))
	addTx(t, h.repo, defiDepositTx(8, bridges[5]))

	require.NoError(t, h.coordinator.Start(ctx))
	t.Cleanup(h.coordinator.Stop)
	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.coordinator.Err())

	assert.Equal(t, 3, h.prover.innerCount())
	data, err := types.DecodeRollupProofData(h.prover.lastAggregate().PublicInputs)
	require.NoError(t, err)
	assert.Equal(t, bridges[:4], data.BridgeIDs)

	pending, err := h.repo.GetPendingTxs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, bridges[4].Hex(), pending[0].BridgeID)
	assert.Equal(t, bridges[5].Hex(), pending[1].BridgeID)
}

func TestPipelineCoordinator_SelectTxs(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	c := h.coordinator

	t.Run("quota counts bridges of held inner proofs", func(t *testing.T) {
		bridges := []common.Hash{hashOf(1), hashOf(2), hashOf(3), hashOf(4), hashOf(5)}
		c.bridgeIDs = bridges[:3]
		defer func() { c.bridgeIDs = nil }()

		pending := []*models.TxDao{
			newTxDao(t, defiDepositTx(10, bridges[3])),
			newTxDao(t, defiDepositTx(11, bridges[4])),
			newTxDao(t, defiDepositTx(12, bridges[0])),
		}
		txs, err := c.selectTxs(pending, nil)
		require.NoError(t, err)
		assert.Equal(t, []*models.TxDao{pending[0], pending[2]}, txs)
	})

	t.Run("linked note must be produced first", func(t *testing.T) {
		producer := innerTx(types.TxTypeSend, 20)
		consumer := innerTx(types.TxTypeSend, 21)
		consumer.BackwardLink = producer.NoteCommitment1
		external := innerTx(types.TxTypeSend, 22)
		external.BackwardLink = hashOf(0xee)

		settled := innerTx(types.TxTypeSend, 23)
		settled.BackwardLink = hashOf(0xef)
		_, err := h.wsdb.Put(worldstate.DataTree, uint256.NewInt(0), hashOf(0xef).Bytes())
		require.NoError(t, err)
		defer h.wsdb.Rollback()

		pending := []*models.TxDao{newTxDao(t, consumer), newTxDao(t, producer), newTxDao(t, external), newTxDao(t, settled)}
		txs, err := c.selectTxs(pending, nil)
		require.NoError(t, err)
		assert.Equal(t, []*models.TxDao{pending[1], pending[3]}, txs)

		pending = []*models.TxDao{newTxDao(t, producer), newTxDao(t, consumer)}
		txs, err = c.selectTxs(pending, nil)
		require.NoError(t, err)
		assert.Len(t, txs, 2)

		// the producer is not among the fetched txs
		txs, err = c.selectTxs([]*models.TxDao{newTxDao(t, consumer)}, nil)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("held deposits and their dependents are skipped", func(t *testing.T) {
		owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
		deposit := depositTx(40, owner, 100)
		spend := innerTx(types.TxTypeSend, 41)
		spend.BackwardLink = deposit.NoteCommitment1
		other := innerTx(types.TxTypeSend, 42)

		pending := []*models.TxDao{newTxDao(t, deposit), newTxDao(t, spend), newTxDao(t, other)}
		txs, err := c.selectTxs(pending, map[string]struct{}{pending[0].ID: {}})
		require.NoError(t, err)
		assert.Equal(t, []*models.TxDao{pending[2]}, txs)
	})

	t.Run("nullifiers are spent once", func(t *testing.T) {
		first := innerTx(types.TxTypeSend, 30)
		second := innerTx(types.TxTypeWithdraw, 31)
		second.Nullifier2 = first.Nullifier1
		spent := innerTx(types.TxTypeSend, 32)
		spendNullifier(t, h.wsdb, spent.Nullifier1)
		defer h.wsdb.Rollback()

		pending := []*models.TxDao{newTxDao(t, first), newTxDao(t, second), newTxDao(t, spent)}
		txs, err := c.selectTxs(pending, nil)
		require.NoError(t, err)
		assert.Equal(t, []*models.TxDao{pending[0]}, txs)
	})
}

func TestPipelineCoordinator_StartStop(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.settle(t, 0, time.Now())

	// stopping a coordinator that never ran is a no-op
	h.coordinator.Stop()

	require.NoError(t, h.coordinator.Start(context.Background()))
	assert.ErrorIs(t, h.coordinator.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, h.coordinator.IsRunning())

	h.coordinator.Stop()
	h.coordinator.Stop()
	assert.False(t, h.coordinator.IsRunning())
	assert.NoError(t, h.coordinator.Err())

	require.NoError(t, h.coordinator.Start(context.Background()))
	h.coordinator.Stop()
}

func TestPipelineCoordinator_ResumesHeldInnerProofs(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.settle(t, 0, time.Now())
	for i := 0; i < 2; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	require.Eventually(t, func() bool { return h.coordinator.InnerProofCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	h.coordinator.Stop()

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.coordinator.InnerProofCount())
	assert.Equal(t, 1, h.prover.innerCount())
	assert.Zero(t, h.pendingCount(t))
}

func TestPipelineCoordinator_ProofFailureEndsRun(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.prover.innerErr = assert.AnError
	addTx(t, h.repo, innerTx(types.TxTypeSend, 1))

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.coordinator.Err(), ErrProofGenerationFailed)
	assert.False(t, h.wsdb.Dirty())
	assert.Equal(t, int64(1), h.pendingCount(t))
}

func TestPipelineCoordinator_UnreadableDepositBoundNeverBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 4, time.Hour)
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	h.chain.depositErr = assert.AnError
	addTx(t, h.repo, depositTx(1, alice, 100))
	addTx(t, h.repo, depositTx(2, alice, 100))

	require.NoError(t, h.coordinator.Start(ctx))
	t.Cleanup(h.coordinator.Stop)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, h.prover.innerCount())
	assert.Zero(t, h.chain.sendCount())
	pending, err := h.repo.GetPendingTxs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, tx := range pending {
		assert.Nil(t, tx.RollupProofID)
	}

	// the bound becomes readable and is below both deposits
	h.chain.mu.Lock()
	h.chain.depositErr = nil
	h.chain.pendingDeposits = map[common.Address]*uint256.Int{alice: uint256.NewInt(50)}
	h.chain.mu.Unlock()

	require.Eventually(t, func() bool {
		n, err := h.repo.GetPendingTxCount(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.prover.innerCount())
	assert.Zero(t, h.chain.sendCount())
}

func TestPipelineCoordinator_NextPublishTime(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	c := h.coordinator
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	txAt := func(seed byte, created time.Time) *models.TxDao {
		tx := newTxDao(t, innerTx(types.TxTypeSend, seed))
		tx.Created = created
		return tx
	}
	settledAt := func(d time.Duration) *time.Time {
		at := now.Add(d)
		return &at
	}

	tests := []struct {
		name        string
		ratio       float64
		lastSettled *time.Time
		txs         []*models.TxDao
		held        []*models.TxDao
		want        time.Time
	}{
		{
			name:        "no txs",
			ratio:       1,
			lastSettled: settledAt(-time.Minute),
			want:        time.Time{},
		},
		{
			name:  "nothing settled yet",
			ratio: 1,
			txs:   []*models.TxDao{txAt(1, now)},
			want:  now,
		},
		{
			name:        "interval already elapsed",
			ratio:       1,
			lastSettled: settledAt(-2 * time.Hour),
			txs:         []*models.TxDao{txAt(1, now.Add(-10*time.Minute))},
			want:        now,
		},
		{
			name:        "break even fee waits for the interval",
			ratio:       1,
			lastSettled: settledAt(-10 * time.Minute),
			txs:         []*models.TxDao{txAt(1, now)},
			want:        now.Add(50 * time.Minute),
		},
		{
			name:        "surplus fee pulls the deadline in",
			ratio:       0.5,
			lastSettled: settledAt(-10 * time.Minute),
			txs:         []*models.TxDao{txAt(1, now.Add(-5*time.Minute)), txAt(2, now)},
			want:        now.Add(25 * time.Minute),
		},
		{
			name:        "full surplus publishes now",
			ratio:       0,
			lastSettled: settledAt(-10 * time.Minute),
			txs:         []*models.TxDao{txAt(1, now.Add(-5*time.Minute))},
			want:        now,
		},
		{
			name:        "txs of held inner proofs count",
			ratio:       0.5,
			lastSettled: settledAt(-10 * time.Minute),
			held:        []*models.TxDao{txAt(3, now.Add(-20*time.Minute))},
			want:        now.Add(10 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.feeResolver = fakeFeeResolver{ratio: tt.ratio}
			c.lastSettledAt = tt.lastSettled
			c.innerProofs = nil
			if tt.held != nil {
				c.innerProofs = []*models.RollupProofDao{{ID: "0x01", Txs: tt.held}}
			}
			defer func() { c.innerProofs = nil }()

			assert.Equal(t, tt.want, c.nextPublishTime(tt.txs, now))
		})
	}
}

func TestPipelineCoordinator_PublishesOnceIntervalElapsed(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.settle(t, 5, time.Now().Add(-2*time.Hour))
	for i := 0; i < 7; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.coordinator.Err())
	assert.Equal(t, 4, h.prover.innerCount())
	assert.Equal(t, 1, h.prover.aggregateCount())
	assert.Equal(t, 1, h.chain.sendCount())
	assert.Equal(t, uint64(7), h.coordinator.NextRollupID())
	assert.Zero(t, h.pendingCount(t))

	data, err := types.DecodeRollupProofData(h.prover.lastAggregate().PublicInputs)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), data.RollupID)
}

func TestPipelineCoordinator_FeeSurplusPublishesEarly(t *testing.T) {
	h := newHarness(t, 2, 4, time.Hour)
	h.coordinator.feeResolver = fakeFeeResolver{ratio: 0}
	h.settle(t, 0, time.Now())
	for i := 0; i < 3; i++ {
		addTx(t, h.repo, innerTx(types.TxTypeSend, byte(i+1)))
	}

	require.NoError(t, h.coordinator.Start(context.Background()))
	t.Cleanup(h.coordinator.Stop)

	require.Eventually(t, func() bool { return !h.coordinator.IsRunning() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.coordinator.Err())
	assert.Equal(t, 2, h.prover.innerCount())
	assert.Equal(t, 1, h.chain.sendCount())
	assert.Equal(t, uint64(2), h.coordinator.NextRollupID())
}
