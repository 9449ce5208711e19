package chainManager

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"go.uber.org/zap"
)

var (
	FallbackGasTipCap = big.NewInt(15000000000)

	ErrTransactionFailed = errors.New("transaction reverted")
)

func addGasBuffer(gasLimit uint64) uint64 {
	return 6 * gasLimit / 5 // add 20% buffer to gas limit
}

// Fees holds EIP-1559 fee parameters.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Multiply returns a copy of f with both fields scaled by factor.
func (f *Fees) Multiply(factor int64) *Fees {
	k := big.NewInt(factor)
	return &Fees{
		MaxFeePerGas:         new(big.Int).Mul(f.MaxFeePerGas, k),
		MaxPriorityFeePerGas: new(big.Int).Mul(f.MaxPriorityFeePerGas, k),
	}
}

// TxRequest describes a transaction sent from a long-lived account.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// Tag names the transaction in logs
	Tag string
}

// SuggestFees derives fee parameters from the connected node: the suggested tip (or
// FallbackGasTipCap when the node cannot answer) plus 3/2 of the latest base fee.
// Chains without a base fee use the legacy gas price for both fields.
func (cm *ChainManager) SuggestFees(ctx context.Context, network networks.Network) (*Fees, error) {
	client, err := cm.GetReadClient(network)
	if err != nil {
		return nil, err
	}

	gasTipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		// Not every backend exposes eth_maxPriorityFeePerGas.
		cm.logger.Sugar().Debugw("SuggestFees: cannot get gasTipCap",
			zap.String("network", string(network)),
			zap.String("error", err.Error()),
		)
		gasTipCap = new(big.Int).Set(FallbackGasTipCap)
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header for %s: %w", network, err)
	}
	if header.BaseFee == nil {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price for %s: %w", network, err)
		}
		return &Fees{MaxFeePerGas: gasPrice, MaxPriorityFeePerGas: new(big.Int).Set(gasPrice)}, nil
	}

	// get header basefee * 3/2
	overestimatedBasefee := new(big.Int).Div(new(big.Int).Mul(header.BaseFee, big.NewInt(3)), big.NewInt(2))
	return &Fees{
		MaxFeePerGas:         new(big.Int).Add(overestimatedBasefee, gasTipCap),
		MaxPriorityFeePerGas: gasTipCap,
	}, nil
}

// SendTransaction signs req with signer at its pending nonce, submits it and waits for
// a successful receipt.
func (cm *ChainManager) SendTransaction(ctx context.Context, network networks.Network, signer txSigner.ITransactionSigner, req TxRequest) (*types.Receipt, error) {
	wc, err := cm.GetOrCreateWalletClient(network, signer)
	if err != nil {
		return nil, err
	}
	fees, err := cm.SuggestFees(ctx, network)
	if err != nil {
		return nil, err
	}
	nonce, err := wc.Client.PendingNonceAt(ctx, wc.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce for %s: %w", wc.Address.Hex(), err)
	}

	gasLimit, err := wc.Client.EstimateGas(ctx, ethereum.CallMsg{
		From:      wc.Address,
		To:        &req.To,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Value:     req.Value,
		Data:      req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas (%s): %w", req.Tag, err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   wc.ChainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       addGasBuffer(gasLimit),
		To:        &req.To,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := signer.SignTransaction(ctx, wc.ChainID, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign txn (%s): %w", req.Tag, err)
	}

	cm.logger.Sugar().Infow("Sending transaction",
		zap.String("tag", req.Tag),
		zap.String("network", string(network)),
		zap.String("gasTipCap", fees.MaxPriorityFeePerGas.String()),
		zap.String("gasFeeCap", fees.MaxFeePerGas.String()),
		zap.Uint64("gasLimit", tx.Gas()),
		zap.Uint64("nonce", nonce),
	)
	if err := wc.Client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send txn (%s): %w", req.Tag, err)
	}
	return cm.ensureTransactionEvaled(ctx, wc.Client, signed, req.Tag)
}

// SendRawTransaction submits an already signed, hex encoded transaction.
func (cm *ChainManager) SendRawTransaction(ctx context.Context, network networks.Network, rawHex string) (common.Hash, error) {
	client, err := cm.GetReadClient(network)
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send raw transaction on %s: %w", network, err)
	}
	cm.logger.Sugar().Infow("Sent raw transaction",
		zap.String("network", string(network)),
		zap.String("hash", tx.Hash().Hex()),
	)
	return tx.Hash(), nil
}

// ReadContract calls a view method and returns its unpacked outputs.
func (cm *ChainManager) ReadContract(ctx context.Context, network networks.Network, contractABI abi.ABI, address common.Address, method string, args ...interface{}) ([]interface{}, error) {
	client, err := cm.GetReadClient(network)
	if err != nil {
		return nil, err
	}
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, network, err)
	}
	return contractABI.Unpack(method, output)
}

func (cm *ChainManager) ensureTransactionEvaled(ctx context.Context, client EthClientInterface, tx *types.Transaction, tag string) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for transaction (%s) to mine: %w", tag, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		cm.logger.Sugar().Errorw("Transaction failed",
			zap.String("tag", tag),
			zap.String("hash", receipt.TxHash.Hex()),
		)
		return nil, fmt.Errorf("%s: %w", tag, ErrTransactionFailed)
	}
	cm.logger.Sugar().Infow("Transaction succeeded",
		zap.String("tag", tag),
		zap.String("hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}
