package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is a rollup settled on the base chain, as delivered by the block scanner
type Block struct {
	TxHash            common.Hash            `json:"tx_hash"`
	Created           time.Time              `json:"created"`
	RollupID          uint64                 `json:"rollup_id"`
	RollupSize        uint64                 `json:"rollup_size"`
	RollupProofData   hexutil.Bytes          `json:"rollup_proof_data"`
	ViewingKeysData   hexutil.Bytes          `json:"viewing_keys_data,omitempty"`
	InteractionResult []*DefiInteractionNote `json:"interaction_result"`
	GasUsed           uint64                 `json:"gas_used"`
	GasPrice          *hexutil.Big           `json:"gas_price,omitempty"`
}

// RollupSettledEvent is published once a block has been applied to the world state
type RollupSettledEvent struct {
	RollupID    uint64      `json:"rollup_id"`
	TxHash      common.Hash `json:"tx_hash"`
	DataRoot    common.Hash `json:"data_root"`
	Own         bool        `json:"own"`
	Discarded   int         `json:"discarded"`
	Claims      int         `json:"claims"`
	ProcessedAt time.Time   `json:"processed_at"`
}
