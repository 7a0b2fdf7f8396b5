package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rollup-sequencer/internal/types"
)

// TxDao is a client proof in the pool. RollupProofID stays nil until the tx is batched.
type TxDao struct {
	ID              string    `gorm:"primaryKey;type:varchar(66)" json:"id"`
	ProofData       []byte    `gorm:"not null" json:"-"`
	TxType          uint8     `gorm:"not null;index" json:"tx_type"`
	NoteCommitment1 string    `gorm:"type:varchar(66);index" json:"note_commitment1"`
	NoteCommitment2 string    `gorm:"type:varchar(66);index" json:"note_commitment2"`
	Nullifier1      string    `gorm:"type:varchar(66);index" json:"nullifier1"`
	Nullifier2      string    `gorm:"type:varchar(66);index" json:"nullifier2"`
	PublicValue     string    `gorm:"type:varchar(80);default:'0'" json:"public_value"`
	PublicOwner     string    `gorm:"type:varchar(42)" json:"public_owner"`
	AssetID         uint32    `gorm:"not null;default:0" json:"asset_id"`
	TxFee           string    `gorm:"type:varchar(80);default:'0'" json:"tx_fee"`
	BridgeID        string    `gorm:"type:varchar(66)" json:"bridge_id"`
	BackwardLink    string    `gorm:"type:varchar(66)" json:"backward_link"`
	ExcessGas       uint64    `gorm:"not null;default:0" json:"excess_gas"`
	ViewingKeys     []byte    `json:"-"`
	Signature       []byte    `json:"-"`
	Seq             uint64    `gorm:"uniqueIndex;not null" json:"seq"`
	RollupProofID   *string   `gorm:"type:varchar(66);index" json:"rollup_proof_id,omitempty"`
	Created         time.Time `gorm:"not null;index" json:"created"`
}

// TableName specifies the table name
func (TxDao) TableName() string {
	return "txs"
}

// NewTxDao parses proofData and returns an unsaved pool entry
func NewTxDao(proofData, viewingKeys, signature []byte, excessGas uint64, created time.Time) (*TxDao, error) {
	inner, err := types.ParseInnerProofData(proofData)
	if err != nil {
		return nil, fmt.Errorf("invalid proof data: %w", err)
	}
	tx := &TxDao{
		ID:              types.TxHash(proofData).Hex(),
		ProofData:       proofData,
		TxType:          uint8(inner.ProofID),
		NoteCommitment1: hashOrEmpty(inner.NoteCommitment1),
		NoteCommitment2: hashOrEmpty(inner.NoteCommitment2),
		Nullifier1:      hashOrEmpty(inner.Nullifier1),
		Nullifier2:      hashOrEmpty(inner.Nullifier2),
		PublicValue:     inner.PublicValue.String(),
		AssetID:         inner.AssetID,
		TxFee:           inner.TxFee.String(),
		BridgeID:        hashOrEmpty(inner.BridgeID),
		BackwardLink:    hashOrEmpty(inner.BackwardLink),
		ExcessGas:       excessGas,
		ViewingKeys:     viewingKeys,
		Signature:       signature,
		Created:         created,
	}
	if inner.PublicOwner != (common.Address{}) {
		tx.PublicOwner = inner.PublicOwner.Hex()
	}
	return tx, nil
}

// Type returns the proof kind
func (t *TxDao) Type() types.TxType {
	return types.TxType(t.TxType)
}

// PublicValueInt returns the public value, zero if unset or malformed
func (t *TxDao) PublicValueInt() *uint256.Int {
	v, err := uint256.FromDecimal(t.PublicValue)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

// Nullifiers returns the non-empty nullifiers of the tx
func (t *TxDao) Nullifiers() []string {
	out := make([]string, 0, 2)
	if t.Nullifier1 != "" {
		out = append(out, t.Nullifier1)
	}
	if t.Nullifier2 != "" {
		out = append(out, t.Nullifier2)
	}
	return out
}

// NoteCommitments returns the non-empty output note commitments of the tx
func (t *TxDao) NoteCommitments() []string {
	out := make([]string, 0, 2)
	if t.NoteCommitment1 != "" {
		out = append(out, t.NoteCommitment1)
	}
	if t.NoteCommitment2 != "" {
		out = append(out, t.NoteCommitment2)
	}
	return out
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// RollupProofDao is an inner rollup proof. RollupID stays nil until it is aggregated.
type RollupProofDao struct {
	ID             string    `gorm:"primaryKey;type:varchar(66)" json:"id"`
	RollupSize     int       `gorm:"not null" json:"rollup_size"`
	DataStartIndex uint64    `gorm:"not null" json:"data_start_index"`
	OldDataRoot    string    `gorm:"type:varchar(66)" json:"old_data_root"`
	NewDataRoot    string    `gorm:"type:varchar(66)" json:"new_data_root"`
	OldNullRoot    string    `gorm:"type:varchar(66)" json:"old_null_root"`
	NewNullRoot    string    `gorm:"type:varchar(66)" json:"new_null_root"`
	ProofData      []byte    `gorm:"not null" json:"-"`
	RollupID       *uint64   `gorm:"index" json:"rollup_id,omitempty"`
	Created        time.Time `gorm:"not null" json:"created"`

	// Txs is filled by the creator and is not persisted
	Txs []*TxDao `gorm:"-" json:"-"`
}

// TableName specifies the table name
func (RollupProofDao) TableName() string {
	return "rollup_proofs"
}

// RollupStatus rollup status enum
type RollupStatus string

const (
	RollupStatusPending RollupStatus = "pending" // aggregated, not yet submitted
	RollupStatusSent    RollupStatus = "sent"    // tx hash recorded
	RollupStatusSettled RollupStatus = "settled" // successful receipt observed
)

// RollupDao is an outer rollup
type RollupDao struct {
	ID           uint64       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	DataRoot     string       `gorm:"type:varchar(66)" json:"data_root"`
	PublicInputs []byte       `json:"-"`
	ProofData    []byte       `json:"-"`
	ViewingKeys  []byte       `json:"-"`
	Status       RollupStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	EthTxHash    *string      `gorm:"type:varchar(66)" json:"eth_tx_hash,omitempty"`
	GasUsed      uint64       `json:"gas_used"`
	GasPrice     string       `gorm:"type:varchar(80)" json:"gas_price"`
	Mined        *time.Time   `json:"mined,omitempty"`
	Created      time.Time    `gorm:"not null" json:"created"`

	// Signatures holds the deposit signatures of the rollup's txs and is not persisted
	Signatures [][]byte `gorm:"-" json:"-"`
}

// TableName specifies the table name
func (RollupDao) TableName() string {
	return "rollups"
}

// DefiInteractionNoteDao is the outcome of one bridge call
type DefiInteractionNoteDao struct {
	Nonce             uint64    `gorm:"primaryKey;autoIncrement:false" json:"nonce"`
	BridgeID          string    `gorm:"type:varchar(66);not null" json:"bridge_id"`
	TotalInputValue   string    `gorm:"type:varchar(80)" json:"total_input_value"`
	TotalOutputValueA string    `gorm:"type:varchar(80)" json:"total_output_value_a"`
	TotalOutputValueB string    `gorm:"type:varchar(80)" json:"total_output_value_b"`
	Result            bool      `json:"result"`
	RollupID          uint64    `gorm:"not null;index" json:"rollup_id"`
	Created           time.Time `gorm:"not null" json:"created"`
}

// TableName specifies the table name
func (DefiInteractionNoteDao) TableName() string {
	return "defi_interaction_notes"
}

// NewDefiInteractionNoteDao converts a settled note
func NewDefiInteractionNoteDao(note *types.DefiInteractionNote, rollupID uint64, created time.Time) *DefiInteractionNoteDao {
	return &DefiInteractionNoteDao{
		Nonce:             note.Nonce,
		BridgeID:          note.BridgeID.Hex(),
		TotalInputValue:   decOrZero(note.TotalInputValue),
		TotalOutputValueA: decOrZero(note.TotalOutputValueA),
		TotalOutputValueB: decOrZero(note.TotalOutputValueB),
		Result:            note.Result,
		RollupID:          rollupID,
		Created:           created,
	}
}

// Note converts back to the encodable form
func (d *DefiInteractionNoteDao) Note() *types.DefiInteractionNote {
	return &types.DefiInteractionNote{
		BridgeID:          common.HexToHash(d.BridgeID),
		Nonce:             d.Nonce,
		TotalInputValue:   parseDec(d.TotalInputValue),
		TotalOutputValueA: parseDec(d.TotalOutputValueA),
		TotalOutputValueB: parseDec(d.TotalOutputValueB),
		Result:            d.Result,
	}
}

// ClaimDao pairs a defi deposit with the interaction note it is waiting for
type ClaimDao struct {
	ID                        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TxID                      string    `gorm:"type:varchar(66);not null;index" json:"tx_id"`
	NoteIndex                 uint64    `gorm:"not null" json:"note_index"`
	Nullifier                 string    `gorm:"type:varchar(66);not null;uniqueIndex" json:"nullifier"`
	BridgeID                  string    `gorm:"type:varchar(66);not null" json:"bridge_id"`
	DepositValue              string    `gorm:"type:varchar(80);not null" json:"deposit_value"`
	Fee                       string    `gorm:"type:varchar(80);default:'0'" json:"fee"`
	InteractionNonce          uint64    `gorm:"not null;index" json:"interaction_nonce"`
	InteractionResultRollupID *uint64   `gorm:"index" json:"interaction_result_rollup_id,omitempty"`
	ClaimTxID                 *string   `gorm:"type:varchar(66)" json:"claim_tx_id,omitempty"`
	Created                   time.Time `gorm:"not null" json:"created"`
}

// TableName specifies the table name
func (ClaimDao) TableName() string {
	return "claims"
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseDec(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return new(uint256.Int)
	}
	return v
}
