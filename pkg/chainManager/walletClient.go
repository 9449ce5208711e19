package chainManager

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"go.uber.org/zap"
)

// EvmTxData is the wire form of an EVM transaction template. Numeric fields are
// decimal or 0x-prefixed hex strings; empty fee fields mean "use the network's fees".
type EvmTxData struct {
	To                   string `json:"to"`
	Data                 string `json:"data"`
	Value                string `json:"value"`
	Gas                  string `json:"gas,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// HasFees reports whether both EIP-1559 fee fields are set.
func (d EvmTxData) HasFees() bool {
	return d.MaxFeePerGas != "" && d.MaxPriorityFeePerGas != ""
}

// WithFees returns a copy of d carrying fees.
func (d EvmTxData) WithFees(fees *Fees) EvmTxData {
	d.MaxFeePerGas = fees.MaxFeePerGas.String()
	d.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas.String()
	return d
}

// WalletClient signs and submits transactions for one account on one chain.
type WalletClient struct {
	Network networks.Network
	ChainID *big.Int
	Address common.Address
	Signer  txSigner.ITransactionSigner
	Client  EthClientInterface

	logger *zap.Logger
}

// BuildTransaction converts a template into an unsigned dynamic fee transaction at nonce.
// Fee fields must be present. A missing gas limit is estimated and buffered.
func (wc *WalletClient) BuildTransaction(ctx context.Context, data EvmTxData, nonce uint64) (*types.Transaction, error) {
	if !common.IsHexAddress(data.To) {
		return nil, fmt.Errorf("invalid recipient address %q", data.To)
	}
	to := common.HexToAddress(data.To)

	var input []byte
	if data.Data != "" && data.Data != "0x" {
		b, err := hexutil.Decode(data.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid call data: %w", err)
		}
		input = b
	}

	value, err := parseBigOrZero(data.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	if !data.HasFees() {
		return nil, fmt.Errorf("transaction to %s has no fee fields", data.To)
	}
	feeCap, err := parseBigOrZero(data.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("invalid maxFeePerGas: %w", err)
	}
	tipCap, err := parseBigOrZero(data.MaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("invalid maxPriorityFeePerGas: %w", err)
	}

	var gas uint64
	if data.Gas != "" {
		g, err := parseBigOrZero(data.Gas)
		if err != nil || !g.IsUint64() {
			return nil, fmt.Errorf("invalid gas %q", data.Gas)
		}
		gas = g.Uint64()
	} else {
		estimated, err := wc.Client.EstimateGas(ctx, ethereum.CallMsg{
			From:      wc.Address,
			To:        &to,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Value:     value,
			Data:      input,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gas = addGasBuffer(estimated)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   wc.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      input,
	}), nil
}

// SignTransaction builds and signs a template at nonce without submitting it.
func (wc *WalletClient) SignTransaction(ctx context.Context, data EvmTxData, nonce uint64) (*types.Transaction, error) {
	tx, err := wc.BuildTransaction(ctx, data, nonce)
	if err != nil {
		return nil, err
	}
	signed, err := wc.Signer.SignTransaction(ctx, wc.ChainID, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction for %s: %w", wc.Network, err)
	}
	return signed, nil
}

// EncodeSignedTransaction returns the 0x-prefixed canonical encoding of tx.
func EncodeSignedTransaction(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return hexutil.Encode(raw), nil
}

func parseBigOrZero(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 || s == "" || strings.ContainsAny(s, "+-") {
		return nil, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return v, nil
}
