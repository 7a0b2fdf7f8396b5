// Package types provides the proof, block and prover request types shared across the sequencer
package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxType is the proof kind of a client transaction
type TxType uint8

const (
	TxTypePadding TxType = iota
	TxTypeDeposit
	TxTypeWithdraw
	TxTypeSend
	TxTypeAccount
	TxTypeDefiDeposit
	TxTypeDefiClaim
)

func (t TxType) String() string {
	switch t {
	case TxTypePadding:
		return "padding"
	case TxTypeDeposit:
		return "deposit"
	case TxTypeWithdraw:
		return "withdraw"
	case TxTypeSend:
		return "send"
	case TxTypeAccount:
		return "account"
	case TxTypeDefiDeposit:
		return "defi_deposit"
	case TxTypeDefiClaim:
		return "defi_claim"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// InnerProofPublicInputsLength is the size of the ABI head carried in front of every client proof
const InnerProofPublicInputsLength = 11 * 32

// innerProofArgs mirrors the public inputs struct of a client proof:
//
//	struct InnerProofPublicInputs {
//	    uint8 proofId;
//	    bytes32 noteCommitment1;
//	    bytes32 noteCommitment2;
//	    bytes32 nullifier1;
//	    bytes32 nullifier2;
//	    uint256 publicValue;
//	    address publicOwner;
//	    uint32 assetId;
//	    uint256 txFee;
//	    bytes32 bridgeId;
//	    bytes32 backwardLink;
//	}
var innerProofArgs = abi.Arguments{
	{Name: "proofId", Type: mustNewType("uint8")},
	{Name: "noteCommitment1", Type: mustNewType("bytes32")},
	{Name: "noteCommitment2", Type: mustNewType("bytes32")},
	{Name: "nullifier1", Type: mustNewType("bytes32")},
	{Name: "nullifier2", Type: mustNewType("bytes32")},
	{Name: "publicValue", Type: mustNewType("uint256")},
	{Name: "publicOwner", Type: mustNewType("address")},
	{Name: "assetId", Type: mustNewType("uint32")},
	{Name: "txFee", Type: mustNewType("uint256")},
	{Name: "bridgeId", Type: mustNewType("bytes32")},
	{Name: "backwardLink", Type: mustNewType("bytes32")},
}

// InnerProofData is the parsed public part of a client proof
type InnerProofData struct {
	ProofID         TxType
	NoteCommitment1 common.Hash
	NoteCommitment2 common.Hash
	Nullifier1      common.Hash
	Nullifier2      common.Hash
	PublicValue     *big.Int
	PublicOwner     common.Address
	AssetID         uint32
	TxFee           *big.Int
	BridgeID        common.Hash
	BackwardLink    common.Hash
}

// PaddingInnerProof returns the public inputs of an empty padding tx
func PaddingInnerProof() *InnerProofData {
	return &InnerProofData{
		ProofID:     TxTypePadding,
		PublicValue: new(big.Int),
		TxFee:       new(big.Int),
	}
}

// Encode ABI-encodes the public inputs. The result is always InnerProofPublicInputsLength bytes.
func (d *InnerProofData) Encode() ([]byte, error) {
	publicValue := d.PublicValue
	if publicValue == nil {
		publicValue = new(big.Int)
	}
	txFee := d.TxFee
	if txFee == nil {
		txFee = new(big.Int)
	}
	return innerProofArgs.Pack(
		uint8(d.ProofID),
		[32]byte(d.NoteCommitment1),
		[32]byte(d.NoteCommitment2),
		[32]byte(d.Nullifier1),
		[32]byte(d.Nullifier2),
		publicValue,
		d.PublicOwner,
		d.AssetID,
		txFee,
		[32]byte(d.BridgeID),
		[32]byte(d.BackwardLink),
	)
}

// Nullifiers returns the non-zero nullifiers declared by the tx
func (d *InnerProofData) Nullifiers() []common.Hash {
	out := make([]common.Hash, 0, 2)
	for _, n := range []common.Hash{d.Nullifier1, d.Nullifier2} {
		if n != (common.Hash{}) {
			out = append(out, n)
		}
	}
	return out
}

// ParseInnerProofData decodes the public inputs in front of a client proof.
// Trailing bytes (the proof itself) are ignored.
func ParseInnerProofData(proofData []byte) (*InnerProofData, error) {
	if len(proofData) < InnerProofPublicInputsLength {
		return nil, fmt.Errorf("proof data too short: need at least %d bytes, got %d", InnerProofPublicInputsLength, len(proofData))
	}

	unpacked, err := innerProofArgs.Unpack(proofData[:InnerProofPublicInputsLength])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack ABI data: %w", err)
	}
	if len(unpacked) != len(innerProofArgs) {
		return nil, fmt.Errorf("unexpected unpacked data length: expected %d fields, got %d", len(innerProofArgs), len(unpacked))
	}

	proofID := getUint8(unpacked[0])
	if TxType(proofID) > TxTypeDefiClaim {
		return nil, fmt.Errorf("unknown proof id %d", proofID)
	}

	return &InnerProofData{
		ProofID:         TxType(proofID),
		NoteCommitment1: common.Hash(unpacked[1].([32]byte)),
		NoteCommitment2: common.Hash(unpacked[2].([32]byte)),
		Nullifier1:      common.Hash(unpacked[3].([32]byte)),
		Nullifier2:      common.Hash(unpacked[4].([32]byte)),
		PublicValue:     unpacked[5].(*big.Int),
		PublicOwner:     unpacked[6].(common.Address),
		AssetID:         getUint32(unpacked[7]),
		TxFee:           unpacked[8].(*big.Int),
		BridgeID:        common.Hash(unpacked[9].([32]byte)),
		BackwardLink:    common.Hash(unpacked[10].([32]byte)),
	}, nil
}

// TxHash is the pool id of a client proof
func TxHash(proofData []byte) common.Hash {
	return crypto.Keccak256Hash(proofData)
}

// getUint32 extracts uint32 from ABI unpacked value (handles both uint32 and *big.Int)
func getUint32(v interface{}) uint32 {
	switch val := v.(type) {
	case uint32:
		return val
	case *big.Int:
		return uint32(val.Uint64())
	default:
		return 0
	}
}

// getUint8 extracts uint8 from ABI unpacked value (handles both uint8 and *big.Int)
func getUint8(v interface{}) uint8 {
	switch val := v.(type) {
	case uint8:
		return val
	case *big.Int:
		return uint8(val.Uint64())
	default:
		return 0
	}
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
