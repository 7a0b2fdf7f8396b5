package services

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/worldstate"
)

var (
	ErrAlreadyRunning        = errors.New("pipeline coordinator already running")
	ErrInterrupted           = errors.New("interrupted")
	ErrProofGenerationFailed = errors.New("proof generation failed")
	ErrClaimProofFailed      = errors.New("claim proof generation failed")
)

// ProofGenerator produces inner, aggregate and claim proofs. Calls may take minutes.
type ProofGenerator interface {
	CreateProof(ctx context.Context, request []byte) ([]byte, error)
	CreateAggregateProof(ctx context.Context, request []byte) ([]byte, error)
}

// TxReceipt is the outcome of a mined base chain tx
type TxReceipt struct {
	Status      bool
	BlockNumber uint64
	GasUsed     uint64
	GasPrice    *big.Int
}

// BlockchainStatus is the rollup contract state
type BlockchainStatus struct {
	NextRollupID uint64
	DataRoot     common.Hash
}

// Blockchain is the rollup contract on the base chain
type Blockchain interface {
	SendRollupProof(ctx context.Context, proof []byte, signatures [][]byte, viewingKeys []byte,
		providerSignature []byte, feeReceiver common.Address, feeLimit *big.Int) (common.Hash, error)
	// GetTransactionReceipt blocks until the tx is mined
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TxReceipt, error)
	GetStatus(ctx context.Context) (*BlockchainStatus, error)
	GetFeeDistributorContractAddress() common.Address
	GetUserPendingDeposit(ctx context.Context, assetID uint32, owner common.Address) (*uint256.Int, error)
}

// WorldStateDb is the set of Merkle trees with a journaled overlay
type WorldStateDb interface {
	GetRoot(tree worldstate.TreeID) (common.Hash, error)
	GetSize(tree worldstate.TreeID) (uint64, error)
	GetHashPath(tree worldstate.TreeID, index *uint256.Int) ([]common.Hash, error)
	Get(tree worldstate.TreeID, index *uint256.Int) ([]byte, error)
	Put(tree worldstate.TreeID, index *uint256.Int, value []byte) (common.Hash, error)
	HasLeaf(tree worldstate.TreeID, value []byte) (bool, error)
	Snapshot() int
	RevertToSnapshot(id int)
	Commit() error
	Rollback()
}

// TxFeeResolver rates how much txs overpay their minimum fee, 0 meaning a large surplus and 1 none
type TxFeeResolver interface {
	ComputeSurplusRatio(txs []*models.TxDao, rollupID uint64) float64
}

// Signer signs publication digests with the sequencer's key
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Address() common.Address
}
