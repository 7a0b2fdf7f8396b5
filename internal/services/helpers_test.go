package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rollup-sequencer/internal/db"
	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRepo(t *testing.T) repository.RollupDb {
	t.Helper()
	gdb, err := db.Open(sqlite.Open(":memory:"))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return repository.NewRollupRepository(gdb)
}

func newTestWorldStateDb(t *testing.T) *worldstate.WorldStateDb {
	t.Helper()
	ws, err := worldstate.NewMemWorldStateDb()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func hashOf(parts ...byte) common.Hash {
	return crypto.Keccak256Hash(parts)
}

// innerTx builds the public inputs of a client tx whose notes and nullifier derive from seed
func innerTx(proofID types.TxType, seed byte) *types.InnerProofData {
	return &types.InnerProofData{
		ProofID:         proofID,
		NoteCommitment1: hashOf(seed, 1),
		NoteCommitment2: hashOf(seed, 2),
		Nullifier1:      hashOf(seed, 3),
		PublicValue:     big.NewInt(0),
		TxFee:           big.NewInt(0),
	}
}

func newTxDao(t *testing.T, inner *types.InnerProofData) *models.TxDao {
	t.Helper()
	data, err := inner.Encode()
	require.NoError(t, err)
	tx, err := models.NewTxDao(append(data, []byte("client-proof")...), []byte{0xaa}, nil, 0, time.Now())
	require.NoError(t, err)
	return tx
}

func addTx(t *testing.T, repo repository.RollupDb, inner *types.InnerProofData) *models.TxDao {
	t.Helper()
	tx := newTxDao(t, inner)
	require.NoError(t, repo.AddTx(context.Background(), tx))
	return tx
}

// fakeProver returns a distinct proof for every request
type fakeProver struct {
	mu                sync.Mutex
	seq               int
	innerRequests     []types.TxRollupRequest
	aggregateRequests []types.RootRollupRequest
	claimRequests     []types.ClaimProofRequest
	innerErr          error
	claimProof        func(req types.ClaimProofRequest) []byte
}

func (p *fakeProver) CreateProof(ctx context.Context, request []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++

	var shape struct {
		Txs json.RawMessage `json:"txs"`
	}
	if err := json.Unmarshal(request, &shape); err != nil {
		return nil, err
	}
	if shape.Txs != nil {
		var req types.TxRollupRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, err
		}
		p.innerRequests = append(p.innerRequests, req)
		if p.innerErr != nil {
			return nil, p.innerErr
		}
		return []byte(fmt.Sprintf("inner-proof-%d", p.seq)), nil
	}

	var req types.ClaimProofRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	p.claimRequests = append(p.claimRequests, req)
	if p.claimProof != nil {
		return p.claimProof(req), nil
	}
	claim := &types.InnerProofData{
		ProofID:         types.TxTypeDefiClaim,
		NoteCommitment1: hashOf(byte(p.seq), 0xc1),
		NoteCommitment2: hashOf(byte(p.seq), 0xc2),
		Nullifier1:      req.ClaimNullifier,
		PublicValue:     big.NewInt(0),
		TxFee:           big.NewInt(0),
		BridgeID:        req.BridgeID,
	}
	encoded, err := claim.Encode()
	if err != nil {
		return nil, err
	}
	return append(encoded, []byte("claim-proof")...), nil
}

func (p *fakeProver) CreateAggregateProof(ctx context.Context, request []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	var req types.RootRollupRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	p.aggregateRequests = append(p.aggregateRequests, req)
	return []byte(fmt.Sprintf("aggregate-proof-%d", p.seq)), nil
}

func (p *fakeProver) innerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.innerRequests)
}

func (p *fakeProver) aggregateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.aggregateRequests)
}

func (p *fakeProver) lastAggregate() types.RootRollupRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aggregateRequests[len(p.aggregateRequests)-1]
}

// fakeBlockchain mines every sent rollup immediately
type fakeBlockchain struct {
	mu                sync.Mutex
	sendErrs          []error
	sends             [][]byte
	providerSignature []byte
	revert            bool
	nextRollupID      uint64
	pendingDeposits   map[common.Address]*uint256.Int
	depositErr        error
	feeDistributor    common.Address
}

func (b *fakeBlockchain) SendRollupProof(ctx context.Context, proof []byte, signatures [][]byte, viewingKeys []byte,
	providerSignature []byte, feeReceiver common.Address, feeLimit *big.Int) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, proof)
	b.providerSignature = providerSignature
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(proof, []byte{byte(len(b.sends))}), nil
}

func (b *fakeBlockchain) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TxReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &TxReceipt{
		Status:      !b.revert,
		BlockNumber: 100,
		GasUsed:     250000,
		GasPrice:    big.NewInt(1),
	}, nil
}

func (b *fakeBlockchain) GetStatus(ctx context.Context) (*BlockchainStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &BlockchainStatus{NextRollupID: b.nextRollupID}, nil
}

func (b *fakeBlockchain) GetFeeDistributorContractAddress() common.Address {
	return b.feeDistributor
}

func (b *fakeBlockchain) GetUserPendingDeposit(ctx context.Context, assetID uint32, owner common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depositErr != nil {
		return nil, b.depositErr
	}
	if v, ok := b.pendingDeposits[owner]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (b *fakeBlockchain) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

type fakeFeeResolver struct {
	ratio float64
}

func (r fakeFeeResolver) ComputeSurplusRatio(txs []*models.TxDao, rollupID uint64) float64 {
	return r.ratio
}

type fakeSigner struct {
	mu      sync.Mutex
	digests [][]byte
}

func (s *fakeSigner) Sign(digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, digest)
	return append([]byte("sig:"), digest...), nil
}

func (s *fakeSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000f1")
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*types.RollupSettledEvent
}

func (e *fakeEvents) PublishRollupSettled(event *types.RollupSettledEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEvents) all() []*types.RollupSettledEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.RollupSettledEvent(nil), e.events...)
}

// harness is a full pipeline over in-memory storage and fake external services
type harness struct {
	repo        repository.RollupDb
	wsdb        *worldstate.WorldStateDb
	prover      *fakeProver
	chain       *fakeBlockchain
	validator   *WorldStateValidator
	creator     *RollupCreator
	aggregator  *RollupAggregator
	publisher   *RollupPublisher
	coordinator *PipelineCoordinator
	worldState  *WorldState
	events      *fakeEvents
}

func newHarness(t *testing.T, innerRollupTxs, outerRollupProofs int, publishInterval time.Duration) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		repo:   newTestRepo(t),
		wsdb:   newTestWorldStateDb(t),
		prover: &fakeProver{},
		chain:  &fakeBlockchain{},
		events: &fakeEvents{},
	}
	retry := 10 * time.Millisecond

	h.validator = NewWorldStateValidator(h.repo, h.wsdb, h.chain, logger)
	h.creator = NewRollupCreator(h.repo, h.wsdb, h.prover, innerRollupTxs, logger)
	claims := NewClaimProofCreator(h.repo, h.wsdb, h.prover, logger)
	h.publisher = NewRollupPublisher(h.repo, h.chain, nil, common.Address{}, nil, 0, retry, logger)
	h.aggregator = NewRollupAggregator(h.repo, h.wsdb, h.prover, h.publisher,
		innerRollupTxs, outerRollupProofs, types.NumBridgeCallsPerBlock, logger)
	h.coordinator = NewPipelineCoordinator(h.creator, h.aggregator, h.publisher, claims, h.validator,
		h.repo, h.wsdb, fakeFeeResolver{ratio: 1},
		CoordinatorConfig{
			InnerRollupTxs:         innerRollupTxs,
			OuterRollupProofs:      outerRollupProofs,
			PublishInterval:        publishInterval,
			NumBridgeCallsPerBlock: types.NumBridgeCallsPerBlock,
			CycleInterval:          retry,
		}, logger)
	h.worldState = NewWorldState(h.repo, h.wsdb, h.coordinator, h.validator, h.events,
		types.NumBridgeCallsPerBlock, time.Hour, logger)

	t.Cleanup(h.worldState.Stop)
	return h
}

// settle records a settled rollup so the publish interval counts from mined
func (h *harness) settle(t *testing.T, rollupID uint64, mined time.Time) {
	t.Helper()
	require.NoError(t, h.repo.ConfirmMined(context.Background(), &models.RollupDao{
		ID:    rollupID,
		Mined: &mined,
	}))
}

func (h *harness) pendingCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.repo.GetPendingTxCount(context.Background())
	require.NoError(t, err)
	return n
}
