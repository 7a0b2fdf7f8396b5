package repository

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-sequencer/internal/db"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/types"
)

func newTestRepo(t *testing.T) RollupDb {
	t.Helper()
	gdb, err := db.Open(sqlite.Open(":memory:"))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return NewRollupRepository(gdb)
}

func newTx(t *testing.T, proofID types.TxType, seed byte) *models.TxDao {
	t.Helper()
	inner := &types.InnerProofData{
		ProofID:         proofID,
		NoteCommitment1: common.BytesToHash([]byte{seed, 1}),
		NoteCommitment2: common.BytesToHash([]byte{seed, 2}),
		Nullifier1:      common.BytesToHash([]byte{seed, 3}),
		PublicValue:     big.NewInt(int64(seed)),
		TxFee:           big.NewInt(1),
	}
	data, err := inner.Encode()
	require.NoError(t, err)
	tx, err := models.NewTxDao(data, nil, nil, 0, time.Now())
	require.NoError(t, err)
	return tx
}

func TestAddTxAssignsPoolOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, b := newTx(t, types.TxTypeSend, 1), newTx(t, types.TxTypeDeposit, 2)
	require.NoError(t, repo.AddTx(ctx, a))
	require.NoError(t, repo.AddTx(ctx, b))
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)

	pending, err := repo.GetPendingTxs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, "2", pending[1].PublicValue)

	limited, err := repo.GetPendingTxs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := repo.GetTx(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.TxTypeDeposit, got.Type())

	missing, err := repo.GetTx(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRollupProofLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	txs := []*models.TxDao{newTx(t, types.TxTypeSend, 1), newTx(t, types.TxTypeSend, 2), newTx(t, types.TxTypeSend, 3)}
	for _, tx := range txs {
		require.NoError(t, repo.AddTx(ctx, tx))
	}

	proof := &models.RollupProofDao{
		ID:         common.BytesToHash([]byte("proof")).Hex(),
		RollupSize: 2,
		ProofData:  []byte{1, 2, 3},
		Created:    time.Now(),
		Txs:        txs[:2],
	}
	require.NoError(t, repo.AddRollupProof(ctx, proof))

	count, err := repo.GetPendingTxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// batched txs survive a pool prune
	require.NoError(t, repo.DeletePendingTxs(ctx, []string{txs[0].ID, txs[2].ID}))
	unsettled, err := repo.GetUnsettledTxs(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
	assert.Equal(t, txs[0].ID, unsettled[0].ID)

	require.NoError(t, repo.AddRollup(ctx, &models.RollupDao{ID: 0, Status: models.RollupStatusPending, Created: time.Now()}, []string{proof.ID}))
	stored, err := repo.GetRollupProof(ctx, proof.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RollupID)
	assert.Equal(t, uint64(0), *stored.RollupID)

	require.NoError(t, repo.ConfirmSent(ctx, 0, common.HexToHash("0xabc")))
	rollup, err := repo.GetRollup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RollupStatusSent, rollup.Status)

	// an unsettled rollup is dropped on reset and its txs return to the pool
	require.NoError(t, repo.DeleteUnsettledRollups(ctx))
	require.NoError(t, repo.DeleteUnsettledRollupProofs(ctx))
	count, err = repo.GetPendingTxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	gone, err := repo.GetRollupProof(ctx, proof.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSettledRollupsSurviveReset(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	tx := newTx(t, types.TxTypeSend, 7)
	require.NoError(t, repo.AddTx(ctx, tx))
	proof := &models.RollupProofDao{ID: "0x01", RollupSize: 1, ProofData: []byte{1}, Created: time.Now(), Txs: []*models.TxDao{tx}}
	require.NoError(t, repo.AddRollupProof(ctx, proof))
	require.NoError(t, repo.AddRollup(ctx, &models.RollupDao{ID: 3, Status: models.RollupStatusPending, Created: time.Now()}, []string{proof.ID}))

	hash := common.HexToHash("0xdef").Hex()
	mined := time.Now()
	require.NoError(t, repo.ConfirmMined(ctx, &models.RollupDao{ID: 3, EthTxHash: &hash, GasUsed: 21000, GasPrice: "1", Mined: &mined}))

	require.NoError(t, repo.DeleteUnsettledRollups(ctx))
	require.NoError(t, repo.DeleteUnsettledRollupProofs(ctx))
	require.NoError(t, repo.DeleteOrphanedRollupProofs(ctx))

	last, err := repo.GetLastSettledRollup(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(3), last.ID)
	assert.Equal(t, uint64(21000), last.GasUsed)

	unsettled, err := repo.GetUnsettledTxs(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	// a rollup settled by someone else is inserted
	require.NoError(t, repo.ConfirmMined(ctx, &models.RollupDao{ID: 4, DataRoot: "0x04"}))
	last, err = repo.GetLastSettledRollup(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last.ID)
}

func TestOrphanedRollupProofs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	tx := newTx(t, types.TxTypeSend, 9)
	require.NoError(t, repo.AddTx(ctx, tx))
	require.NoError(t, repo.AddRollupProof(ctx, &models.RollupProofDao{ID: "0x0a", ProofData: []byte{1}, Created: time.Now(), Txs: []*models.TxDao{tx}}))
	require.NoError(t, repo.AddRollupProof(ctx, &models.RollupProofDao{ID: "0x0b", ProofData: []byte{1}, Created: time.Now()}))

	require.NoError(t, repo.DeleteOrphanedRollupProofs(ctx))

	kept, err := repo.GetRollupProof(ctx, "0x0a")
	require.NoError(t, err)
	assert.NotNil(t, kept)
	orphan, err := repo.GetRollupProof(ctx, "0x0b")
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func TestClaimsAndDefiNotes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	note := &types.DefiInteractionNote{BridgeID: common.HexToHash("0xb1"), Nonce: 8}
	notes := []*models.DefiInteractionNoteDao{models.NewDefiInteractionNoteDao(note, 2, time.Now())}
	require.NoError(t, repo.AddDefiInteractionNotes(ctx, notes))
	// replays are ignored
	require.NoError(t, repo.AddDefiInteractionNotes(ctx, notes))

	byRollup, err := repo.GetDefiInteractionNotesByRollup(ctx, 2)
	require.NoError(t, err)
	require.Len(t, byRollup, 1)
	stored, err := repo.GetDefiInteractionNote(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, note.BridgeID, stored.Note().BridgeID)

	claim := &models.ClaimDao{
		ID:               uuid.New().String(),
		TxID:             "0x01",
		Nullifier:        "0x02",
		BridgeID:         note.BridgeID.Hex(),
		DepositValue:     "100",
		InteractionNonce: 8,
	}
	require.NoError(t, repo.AddClaim(ctx, claim))

	claims, err := repo.GetClaimsToRollup(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, repo.UpdateClaimsWithResultRollupID(ctx, []uint64{8}, 3))
	claims, err = repo.GetClaimsToRollup(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, uint64(3), *claims[0].InteractionResultRollupID)

	claimTx := newTx(t, types.TxTypeDefiClaim, 5)
	require.NoError(t, repo.AddTx(ctx, claimTx))
	require.NoError(t, repo.ConfirmClaimTx(ctx, claim.ID, claimTx.ID))
	claims, err = repo.GetClaimsToRollup(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, repo.DeleteUnsettledClaimTxs(ctx))
	claims, err = repo.GetClaimsToRollup(ctx)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	gone, err := repo.GetTx(ctx, claimTx.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	mined := time.Now()

	err := repo.Transaction(ctx, func(tx RollupDb) error {
		require.NoError(t, tx.ConfirmMined(ctx, &models.RollupDao{ID: 4, Mined: &mined}))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	rollup, err := repo.GetRollup(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, rollup)

	require.NoError(t, repo.Transaction(ctx, func(tx RollupDb) error {
		return tx.ConfirmMined(ctx, &models.RollupDao{ID: 4, Mined: &mined})
	}))
	rollup, err = repo.GetRollup(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, rollup)
	assert.Equal(t, models.RollupStatusSettled, rollup.Status)
}
