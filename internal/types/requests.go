package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxRollupRequest is the prover request for one inner rollup
type TxRollupRequest struct {
	RequestID      string          `json:"request_id"`
	RollupID       uint64          `json:"rollup_id"`
	RollupSize     int             `json:"rollup_size"`
	DataStartIndex uint64          `json:"data_start_index"`
	Txs            []hexutil.Bytes `json:"txs"`

	OldDataRoot    common.Hash     `json:"old_data_root"`
	NewDataRoot    common.Hash     `json:"new_data_root"`
	OldDataPath    []common.Hash   `json:"old_data_path"`
	NewDataPath    []common.Hash   `json:"new_data_path"`
	OldNullRoot    common.Hash     `json:"old_null_root"`
	NewNullRoots   []common.Hash   `json:"new_null_roots"`
	NullifierPaths [][]common.Hash `json:"nullifier_paths"`
	DataRootsRoot  common.Hash     `json:"data_roots_root"`
}

// RootRollupRequest is the prover request for an outer rollup
type RootRollupRequest struct {
	RequestID    string          `json:"request_id"`
	RollupID     uint64          `json:"rollup_id"`
	InnerProofs  []hexutil.Bytes `json:"inner_proofs"`
	PublicInputs hexutil.Bytes   `json:"public_inputs"`

	OldDataRootsPath     []common.Hash   `json:"old_data_roots_path"`
	NewDataRootsPath     []common.Hash   `json:"new_data_roots_path"`
	OldDefiPath          []common.Hash   `json:"old_defi_path"`
	DefiInteractionNotes []hexutil.Bytes `json:"defi_interaction_notes"`
}

// ClaimProofRequest is the prover request for a defi claim
type ClaimProofRequest struct {
	RequestID string `json:"request_id"`

	DataRoot       common.Hash   `json:"data_root"`
	DefiRoot       common.Hash   `json:"defi_root"`
	ClaimNoteIndex uint64        `json:"claim_note_index"`
	ClaimNotePath  []common.Hash `json:"claim_note_path"`
	DefiNoteIndex  uint64        `json:"defi_note_index"`
	DefiNotePath   []common.Hash `json:"defi_note_path"`
	DefiNote       hexutil.Bytes `json:"defi_note"`

	ClaimNullifier common.Hash `json:"claim_nullifier"`
	BridgeID       common.Hash `json:"bridge_id"`
	DepositValue   string      `json:"deposit_value"`
	OutputValueA   string      `json:"output_value_a"`
	OutputValueB   string      `json:"output_value_b"`
	Fee            string      `json:"fee"`
}

// ProofResponse is returned by the prover service
type ProofResponse struct {
	Success   bool          `json:"success"`
	ProofData hexutil.Bytes `json:"proof_data,omitempty"`
	Error     string        `json:"error,omitempty"`
}
