package services

import (
	"math/big"

	"github.com/holiman/uint256"

	"rollup-sequencer/internal/models"
	"rollup-sequencer/internal/types"
)

// GasFeeResolver rates txs by the gas their fee pays for beyond their own cost
type GasFeeResolver struct {
	gasPrice     *uint256.Int
	gasPerRollup uint64
	baseTxGas    map[types.TxType]uint64
}

// NewGasFeeResolver builds a resolver from per type base gas keyed by tx type name
func NewGasFeeResolver(gasPrice *big.Int, gasPerRollup uint64, baseTxGas map[string]uint64) *GasFeeResolver {
	price := new(uint256.Int)
	if gasPrice != nil && gasPrice.Sign() > 0 {
		price, _ = uint256.FromBig(gasPrice)
	}
	byType := make(map[types.TxType]uint64, len(baseTxGas))
	for t := types.TxTypePadding; t <= types.TxTypeDefiClaim; t++ {
		if gas, ok := baseTxGas[t.String()]; ok {
			byType[t] = gas
		}
	}
	return &GasFeeResolver{
		gasPrice:     price,
		gasPerRollup: gasPerRollup,
		baseTxGas:    byType,
	}
}

// ComputeExcessGas converts the tx fee to gas and subtracts the tx type's base cost
func (r *GasFeeResolver) ComputeExcessGas(tx *models.TxDao) uint64 {
	if r.gasPrice.IsZero() {
		return 0
	}
	fee, err := uint256.FromDecimal(tx.TxFee)
	if err != nil {
		return 0
	}
	gas := new(uint256.Int).Div(fee, r.gasPrice)
	base := uint256.NewInt(r.baseTxGas[tx.Type()])
	if !gas.Gt(base) {
		return 0
	}
	gas.Sub(gas, base)
	if !gas.IsUint64() {
		return ^uint64(0)
	}
	return gas.Uint64()
}

// ComputeSurplusRatio is 1 when the txs pay no surplus and falls to 0 once the
// surplus covers a whole rollup
func (r *GasFeeResolver) ComputeSurplusRatio(txs []*models.TxDao, _ uint64) float64 {
	if r.gasPerRollup == 0 {
		return 1
	}
	var excess uint64
	for _, tx := range txs {
		if excess+tx.ExcessGas < excess {
			return 0
		}
		excess += tx.ExcessGas
	}
	if excess >= r.gasPerRollup {
		return 0
	}
	return 1 - float64(excess)/float64(r.gasPerRollup)
}
