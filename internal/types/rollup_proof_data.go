package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// NumBridgeCallsPerBlock is the default number of distinct bridge ids an outer rollup can carry
const NumBridgeCallsPerBlock = 4

// DefiInteractionNote is the recorded outcome of one bridge call
type DefiInteractionNote struct {
	BridgeID          common.Hash  `json:"bridge_id"`
	Nonce             uint64       `json:"nonce"`
	TotalInputValue   *uint256.Int `json:"total_input_value"`
	TotalOutputValueA *uint256.Int `json:"total_output_value_a"`
	TotalOutputValueB *uint256.Int `json:"total_output_value_b"`
	Result            bool         `json:"result"`
}

// DefiInteractionNoteLength is the size of an encoded note
const DefiInteractionNoteLength = 6 * 32

// Encode packs the note as six 32 byte words
func (n *DefiInteractionNote) Encode() []byte {
	out := make([]byte, 0, DefiInteractionNoteLength)
	out = append(out, n.BridgeID.Bytes()...)
	nonce := uint256.NewInt(n.Nonce).Bytes32()
	out = append(out, nonce[:]...)
	for _, v := range []*uint256.Int{n.TotalInputValue, n.TotalOutputValueA, n.TotalOutputValueB} {
		if v == nil {
			v = new(uint256.Int)
		}
		word := v.Bytes32()
		out = append(out, word[:]...)
	}
	var result [32]byte
	if n.Result {
		result[31] = 1
	}
	return append(out, result[:]...)
}

// Hash is the defi tree leaf value of the note
func (n *DefiInteractionNote) Hash() common.Hash {
	return crypto.Keccak256Hash(n.Encode())
}

// DecodeDefiInteractionNote is the inverse of Encode
func DecodeDefiInteractionNote(b []byte) (*DefiInteractionNote, error) {
	if len(b) != DefiInteractionNoteLength {
		return nil, fmt.Errorf("invalid defi interaction note length %d", len(b))
	}
	word := func(i int) []byte { return b[i*32 : (i+1)*32] }
	nonce := new(uint256.Int).SetBytes(word(1))
	if !nonce.IsUint64() {
		return nil, fmt.Errorf("defi interaction nonce overflows uint64")
	}
	return &DefiInteractionNote{
		BridgeID:          common.BytesToHash(word(0)),
		Nonce:             nonce.Uint64(),
		TotalInputValue:   new(uint256.Int).SetBytes(word(2)),
		TotalOutputValueA: new(uint256.Int).SetBytes(word(3)),
		TotalOutputValueB: new(uint256.Int).SetBytes(word(4)),
		Result:            word(5)[31] == 1,
	}, nil
}

// rollupProofArgs mirrors the public inputs of an outer rollup proof
var rollupProofArgs = abi.Arguments{
	{Name: "rollupId", Type: mustNewType("uint256")},
	{Name: "rollupSize", Type: mustNewType("uint256")},
	{Name: "dataStartIndex", Type: mustNewType("uint256")},
	{Name: "oldDataRoot", Type: mustNewType("bytes32")},
	{Name: "newDataRoot", Type: mustNewType("bytes32")},
	{Name: "oldNullRoot", Type: mustNewType("bytes32")},
	{Name: "newNullRoot", Type: mustNewType("bytes32")},
	{Name: "oldDataRootsRoot", Type: mustNewType("bytes32")},
	{Name: "newDataRootsRoot", Type: mustNewType("bytes32")},
	{Name: "oldDefiRoot", Type: mustNewType("bytes32")},
	{Name: "newDefiRoot", Type: mustNewType("bytes32")},
	{Name: "bridgeIds", Type: mustNewType("bytes32[]")},
	{Name: "defiInteractionNotes", Type: mustNewType("bytes32[]")},
	{Name: "innerProofData", Type: mustNewType("bytes")},
}

// RollupProofData is the public inputs of an outer rollup
type RollupProofData struct {
	RollupID         uint64
	RollupSize       uint64
	DataStartIndex   uint64
	OldDataRoot      common.Hash
	NewDataRoot      common.Hash
	OldNullRoot      common.Hash
	NewNullRoot      common.Hash
	OldDataRootsRoot common.Hash
	NewDataRootsRoot common.Hash
	OldDefiRoot      common.Hash
	NewDefiRoot      common.Hash
	// BridgeIDs is zero padded to the bridge call width
	BridgeIDs []common.Hash
	// DefiInteractionNotes holds the hashes of the notes folded into the defi tree
	DefiInteractionNotes []common.Hash
	InnerProofs          []*InnerProofData
}

// Encode ABI-encodes the public inputs
func (r *RollupProofData) Encode() ([]byte, error) {
	inner := make([]byte, 0, len(r.InnerProofs)*InnerProofPublicInputsLength)
	for i, p := range r.InnerProofs {
		b, err := p.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode inner proof %d: %w", i, err)
		}
		inner = append(inner, b...)
	}

	return rollupProofArgs.Pack(
		new(big.Int).SetUint64(r.RollupID),
		new(big.Int).SetUint64(r.RollupSize),
		new(big.Int).SetUint64(r.DataStartIndex),
		[32]byte(r.OldDataRoot),
		[32]byte(r.NewDataRoot),
		[32]byte(r.OldNullRoot),
		[32]byte(r.NewNullRoot),
		[32]byte(r.OldDataRootsRoot),
		[32]byte(r.NewDataRootsRoot),
		[32]byte(r.OldDefiRoot),
		[32]byte(r.NewDefiRoot),
		toWords(r.BridgeIDs),
		toWords(r.DefiInteractionNotes),
		inner,
	)
}

// DecodeRollupProofData parses public inputs produced by Encode
func DecodeRollupProofData(data []byte) (*RollupProofData, error) {
	unpacked, err := rollupProofArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack rollup proof data: %w", err)
	}
	if len(unpacked) != len(rollupProofArgs) {
		return nil, fmt.Errorf("unexpected unpacked data length: expected %d fields, got %d", len(rollupProofArgs), len(unpacked))
	}

	inner := unpacked[13].([]byte)
	if len(inner)%InnerProofPublicInputsLength != 0 {
		return nil, fmt.Errorf("inner proof data length %d is not a multiple of %d", len(inner), InnerProofPublicInputsLength)
	}
	innerProofs := make([]*InnerProofData, 0, len(inner)/InnerProofPublicInputsLength)
	for off := 0; off < len(inner); off += InnerProofPublicInputsLength {
		p, err := ParseInnerProofData(inner[off : off+InnerProofPublicInputsLength])
		if err != nil {
			return nil, fmt.Errorf("inner proof at offset %d: %w", off, err)
		}
		innerProofs = append(innerProofs, p)
	}

	return &RollupProofData{
		RollupID:             unpacked[0].(*big.Int).Uint64(),
		RollupSize:           unpacked[1].(*big.Int).Uint64(),
		DataStartIndex:       unpacked[2].(*big.Int).Uint64(),
		OldDataRoot:          common.Hash(unpacked[3].([32]byte)),
		NewDataRoot:          common.Hash(unpacked[4].([32]byte)),
		OldNullRoot:          common.Hash(unpacked[5].([32]byte)),
		NewNullRoot:          common.Hash(unpacked[6].([32]byte)),
		OldDataRootsRoot:     common.Hash(unpacked[7].([32]byte)),
		NewDataRootsRoot:     common.Hash(unpacked[8].([32]byte)),
		OldDefiRoot:          common.Hash(unpacked[9].([32]byte)),
		NewDefiRoot:          common.Hash(unpacked[10].([32]byte)),
		BridgeIDs:            fromWords(unpacked[11].([][32]byte)),
		DefiInteractionNotes: fromWords(unpacked[12].([][32]byte)),
		InnerProofs:          innerProofs,
	}, nil
}

// PadHashes returns hashes zero padded (or truncated) to width n
func PadHashes(hashes []common.Hash, n int) []common.Hash {
	out := make([]common.Hash, n)
	copy(out, hashes)
	return out
}

func toWords(hashes []common.Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h
	}
	return out
}

func fromWords(words [][32]byte) []common.Hash {
	out := make([]common.Hash, len(words))
	for i, w := range words {
		out[i] = w
	}
	return out
}
