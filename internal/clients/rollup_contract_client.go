package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/services"
)

const rollupProcessorABI = `[
	{"type":"function","name":"processRollup","stateMutability":"nonpayable","inputs":[
		{"name":"proofData","type":"bytes"},
		{"name":"signatures","type":"bytes"},
		{"name":"viewingKeys","type":"bytes"},
		{"name":"providerSignature","type":"bytes"},
		{"name":"provider","type":"address"},
		{"name":"feeReceiver","type":"address"},
		{"name":"feeLimit","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"nextRollupId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"dataRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"getUserPendingDeposit","stateMutability":"view","inputs":[
		{"name":"assetId","type":"uint256"},
		{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// RollupContractClient talks to the rollup processor contract over JSON-RPC
type RollupContractClient struct {
	client          *ethclient.Client
	abi             abi.ABI
	contract        common.Address
	feeDistributor  common.Address
	chainID         *big.Int
	signer          *PrivateKeySigner
	gasLimit        uint64
	gasPrice        *big.Int
	receiptInterval time.Duration
}

var _ services.Blockchain = (*RollupContractClient)(nil)

// NewRollupContractClient dials the RPC endpoint and checks it serves the configured chain
func NewRollupContractClient(ctx context.Context, cfg config.BlockchainConfig, signer *PrivateKeySigner) (*RollupContractClient, error) {
	parsed, err := abi.JSON(strings.NewReader(rollupProcessorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rollup ABI: %w", err)
	}
	if !common.IsHexAddress(cfg.RollupContract) {
		return nil, fmt.Errorf("invalid rollup contract address %q", cfg.RollupContract)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", cfg.RPCEndpoint, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("RPC serves chain %s, configured %d", chainID, cfg.ChainID)
	}

	var gasPrice *big.Int
	if cfg.GasPrice != "" && cfg.GasPrice != "auto" {
		p, ok := new(big.Int).SetString(cfg.GasPrice, 10)
		if !ok {
			client.Close()
			return nil, fmt.Errorf("invalid gas price %q", cfg.GasPrice)
		}
		gasPrice = p
	}

	log.Printf("✅ [Chain] Connected: chainId=%s contract=%s", chainID, cfg.RollupContract)
	return &RollupContractClient{
		client:          client,
		abi:             parsed,
		contract:        common.HexToAddress(cfg.RollupContract),
		feeDistributor:  common.HexToAddress(cfg.FeeDistributor),
		chainID:         chainID,
		signer:          signer,
		gasLimit:        cfg.GasLimit,
		gasPrice:        gasPrice,
		receiptInterval: time.Duration(cfg.ReceiptInterval) * time.Second,
	}, nil
}

// GasPrice returns the configured gas price, or the node's suggestion when none is fixed
func (c *RollupContractClient) GasPrice(ctx context.Context) (*big.Int, error) {
	if c.gasPrice != nil {
		return new(big.Int).Set(c.gasPrice), nil
	}
	return c.client.SuggestGasPrice(ctx)
}

// SequencerBalance returns the latest balance of the signing account
func (c *RollupContractClient) SequencerBalance(ctx context.Context) (common.Address, *big.Int, error) {
	from := c.signer.Address()
	balance, err := c.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return from, nil, fmt.Errorf("failed to get balance of %s: %w", from.Hex(), err)
	}
	return from, balance, nil
}

// SendRollupProof submits processRollup and returns the tx hash without waiting for it
func (c *RollupContractClient) SendRollupProof(ctx context.Context, proof []byte, signatures [][]byte, viewingKeys []byte,
	providerSignature []byte, feeReceiver common.Address, feeLimit *big.Int) (common.Hash, error) {
	if feeLimit == nil {
		feeLimit = new(big.Int)
	}
	data, err := c.abi.Pack("processRollup", proof, bytes.Join(signatures, nil), viewingKeys,
		providerSignature, c.signer.Address(), feeReceiver, feeLimit)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack processRollup: %w", err)
	}

	from := c.signer.Address()
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice := c.gasPrice
	if gasPrice == nil {
		suggested, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		// 20% headroom over the suggestion
		gasPrice = new(big.Int).Div(new(big.Int).Mul(suggested, big.NewInt(120)), big.NewInt(100))
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	txSigner := ethtypes.NewEIP155Signer(c.chainID)
	sig, err := c.signer.SignHash(txSigner.Hash(tx).Bytes())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign tx: %w", err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to apply signature: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send tx: %w", err)
	}
	log.Printf("📤 [Chain] processRollup sent: hash=%s nonce=%d gasPrice=%s size=%d",
		signed.Hash().Hex(), nonce, gasPrice, len(data))
	return signed.Hash(), nil
}

// GetTransactionReceipt polls until the tx is mined or ctx ends
func (c *RollupContractClient) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*services.TxReceipt, error) {
	interval := c.receiptInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			log.Printf("✅ [Chain] Receipt: hash=%s block=%d status=%d gasUsed=%d",
				txHash.Hex(), receipt.BlockNumber.Uint64(), receipt.Status, receipt.GasUsed)
			return &services.TxReceipt{
				Status:      receipt.Status == ethtypes.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				GasPrice:    receipt.EffectiveGasPrice,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStatus reads the contract's next rollup id and data root
func (c *RollupContractClient) GetStatus(ctx context.Context) (*services.BlockchainStatus, error) {
	next, err := c.call(ctx, "nextRollupId")
	if err != nil {
		return nil, err
	}
	root, err := c.call(ctx, "dataRoot")
	if err != nil {
		return nil, err
	}
	return &services.BlockchainStatus{
		NextRollupID: next[0].(*big.Int).Uint64(),
		DataRoot:     common.Hash(root[0].([32]byte)),
	}, nil
}

func (c *RollupContractClient) GetFeeDistributorContractAddress() common.Address {
	return c.feeDistributor
}

// GetUserPendingDeposit returns the value owner has deposited but not yet spent in a rollup
func (c *RollupContractClient) GetUserPendingDeposit(ctx context.Context, assetID uint32, owner common.Address) (*uint256.Int, error) {
	out, err := c.call(ctx, "getUserPendingDeposit", new(big.Int).SetUint64(uint64(assetID)), owner)
	if err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig(out[0].(*big.Int))
	if overflow {
		return nil, fmt.Errorf("pending deposit overflows 256 bits")
	}
	return v, nil
}

func (c *RollupContractClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	res, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *RollupContractClient) Close() {
	c.client.Close()
}
