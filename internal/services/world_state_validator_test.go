package services

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

func spendNullifier(t *testing.T, ws WorldStateDb, nullifier common.Hash) {
	t.Helper()
	_, err := ws.Put(worldstate.NullifierTree, hashIndex(nullifier), nullifierValue)
	require.NoError(t, err)
}

func depositTx(seed byte, owner common.Address, value int64) *types.InnerProofData {
	inner := innerTx(types.TxTypeDeposit, seed)
	inner.PublicOwner = owner
	inner.PublicValue = big.NewInt(value)
	return inner
}

func TestWorldStateValidator_DoubleSpendCascades(t *testing.T) {
	ws := newTestWorldStateDb(t)
	v := NewWorldStateValidator(nil, ws, &fakeBlockchain{}, testLogger())

	spent := innerTx(types.TxTypeSend, 1)
	spendNullifier(t, ws, spent.Nullifier1)

	unrelated := innerTx(types.TxTypeSend, 2)
	child := innerTx(types.TxTypeSend, 3)
	child.BackwardLink = spent.NoteCommitment1
	grandchild := innerTx(types.TxTypeWithdraw, 4)
	grandchild.BackwardLink = child.NoteCommitment2

	txs := []*models.TxDao{
		newTxDao(t, spent),
		newTxDao(t, unrelated),
		newTxDao(t, child),
		newTxDao(t, grandchild),
	}
	discard, held := v.Validate(context.Background(), txs)
	assert.Equal(t, []string{txs[0].ID, txs[2].ID, txs[3].ID}, discard)
	assert.Empty(t, held)
}

func TestWorldStateValidator_BatchedTxsAreNeverDiscarded(t *testing.T) {
	ws := newTestWorldStateDb(t)
	v := NewWorldStateValidator(nil, ws, &fakeBlockchain{}, testLogger())

	batched := innerTx(types.TxTypeSend, 1)
	spendNullifier(t, ws, batched.Nullifier1)
	dependent := innerTx(types.TxTypeSend, 2)
	dependent.BackwardLink = batched.NoteCommitment1

	txs := []*models.TxDao{newTxDao(t, batched), newTxDao(t, dependent)}
	proofID := "0x01"
	txs[0].RollupProofID = &proofID

	discard, _ := v.Validate(context.Background(), txs)
	assert.Empty(t, discard)
}

func TestWorldStateValidator_PendingDeposits(t *testing.T) {
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	chain := &fakeBlockchain{pendingDeposits: map[common.Address]*uint256.Int{
		alice: uint256.NewInt(150),
		bob:   uint256.NewInt(1000),
	}}
	v := NewWorldStateValidator(nil, newTestWorldStateDb(t), chain, testLogger())

	t.Run("second deposit exceeds the bound", func(t *testing.T) {
		txs := []*models.TxDao{
			newTxDao(t, depositTx(1, alice, 100)),
			newTxDao(t, depositTx(2, bob, 100)),
			newTxDao(t, depositTx(3, alice, 100)),
		}
		discard, held := v.Validate(context.Background(), txs)
		assert.Equal(t, []string{txs[2].ID}, discard)
		assert.Empty(t, held)
	})

	t.Run("batched deposits count towards the total", func(t *testing.T) {
		txs := []*models.TxDao{
			newTxDao(t, depositTx(4, alice, 100)),
			newTxDao(t, depositTx(5, alice, 100)),
		}
		proofID := "0x02"
		txs[0].RollupProofID = &proofID
		discard, _ := v.Validate(context.Background(), txs)
		assert.Equal(t, []string{txs[1].ID}, discard)
	})

	t.Run("dependents of a rejected deposit are discarded", func(t *testing.T) {
		first := depositTx(6, alice, 100)
		second := depositTx(7, alice, 100)
		spend := innerTx(types.TxTypeSend, 8)
		spend.BackwardLink = second.NoteCommitment1
		txs := []*models.TxDao{newTxDao(t, first), newTxDao(t, second), newTxDao(t, spend)}
		discard, _ := v.Validate(context.Background(), txs)
		assert.Equal(t, []string{txs[1].ID, txs[2].ID}, discard)
	})
}

func TestWorldStateValidator_DepositLookupFailureHoldsTx(t *testing.T) {
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	chain := &fakeBlockchain{depositErr: errors.New("rpc unavailable")}
	v := NewWorldStateValidator(nil, newTestWorldStateDb(t), chain, testLogger())

	txs := []*models.TxDao{
		newTxDao(t, depositTx(1, alice, 100)),
		newTxDao(t, depositTx(2, alice, 100)),
		newTxDao(t, innerTx(types.TxTypeSend, 3)),
		newTxDao(t, depositTx(4, bob, 100)),
	}
	proofID := "0x03"
	txs[3].RollupProofID = &proofID

	discard, held := v.Validate(context.Background(), txs)
	assert.Empty(t, discard)
	assert.Equal(t, map[string]struct{}{txs[0].ID: {}, txs[1].ID: {}}, held)

	// once the bound is readable again the excess deposit goes
	chain.depositErr = nil
	chain.pendingDeposits = map[common.Address]*uint256.Int{alice: uint256.NewInt(150), bob: uint256.NewInt(100)}
	discard, held = v.Validate(context.Background(), txs)
	assert.Equal(t, []string{txs[1].ID}, discard)
	assert.Empty(t, held)
}

func TestWorldStateValidator_PrunePool(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	ws := newTestWorldStateDb(t)
	v := NewWorldStateValidator(repo, ws, &fakeBlockchain{}, testLogger())

	spent := innerTx(types.TxTypeSend, 1)
	spendNullifier(t, ws, spent.Nullifier1)
	child := innerTx(types.TxTypeSend, 2)
	child.BackwardLink = spent.NoteCommitment2

	a := addTx(t, repo, spent)
	addTx(t, repo, innerTx(types.TxTypeSend, 3))
	c := addTx(t, repo, child)

	discarded, held, err := v.PrunePool(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, discarded)
	assert.Empty(t, held)

	count, err := repo.GetPendingTxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	discarded, _, err = v.PrunePool(ctx)
	require.NoError(t, err)
	assert.Empty(t, discarded)
}

func TestWorldStateValidator_NullifierExists(t *testing.T) {
	ws := newTestWorldStateDb(t)
	v := NewWorldStateValidator(nil, ws, &fakeBlockchain{}, testLogger())
	n := hashOf(9, 9)

	exists, err := v.NullifierExists(n.Hex())
	require.NoError(t, err)
	assert.False(t, exists)

	spendNullifier(t, ws, n)
	exists, err = v.NullifierExists(n.Hex())
	require.NoError(t, err)
	assert.True(t, exists)
}
