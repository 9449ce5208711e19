package routeBuilder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/presigner"
)

const (
	// ApproveGas is the fixed gas limit of the token approval preceding a swap.
	ApproveGas = "150000"

	PhaseApprove = "squidRouterApprove"
	PhaseSwap    = "squidRouterSwap"
)

// FeeSuggester provides current network fees.
type FeeSuggester interface {
	SuggestFees(ctx context.Context, network networks.Network) (*chainManager.Fees, error)
}

// TransactionDataRequest describes the transactions needed to execute a quoted route.
type TransactionDataRequest struct {
	Route      Route
	Network    networks.Network
	RawAmount  string
	InputToken common.Address
	// SwapValue overrides the native value quoted by the route when set.
	SwapValue string
}

// TransactionData holds the approve and swap templates of a route.
type TransactionData struct {
	ApproveData chainManager.EvmTxData `json:"approveData"`
	SwapData    chainManager.EvmTxData `json:"swapData"`
	QuoteID     string                 `json:"squidRouterQuoteId,omitempty"`
}

// CreateTransactionDataFromRoute builds the approval of the route's target for
// RawAmount and the swap call itself, both priced with the network's current fees.
func CreateTransactionDataFromRoute(ctx context.Context, fees FeeSuggester, req TransactionDataRequest) (*TransactionData, error) {
	txReq := req.Route.TransactionRequest
	if !common.IsHexAddress(txReq.Target) {
		return nil, fmt.Errorf("route has invalid target %q", txReq.Target)
	}
	amount, ok := new(big.Int).SetString(req.RawAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid raw amount %q", req.RawAmount)
	}

	approve, err := ERC20ABI.Pack("approve", common.HexToAddress(txReq.Target), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approve call: %w", err)
	}

	networkFees, err := fees.SuggestFees(ctx, req.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to get fees for %s: %w", req.Network, err)
	}

	gas, err := NormalizeBigIntString(txReq.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid route gas limit: %w", err)
	}
	swapValue := txReq.Value
	if req.SwapValue != "" {
		swapValue = req.SwapValue
	}
	value, err := NormalizeBigIntString(swapValue)
	if err != nil {
		return nil, fmt.Errorf("invalid route value: %w", err)
	}

	return &TransactionData{
		ApproveData: chainManager.EvmTxData{
			To:    req.InputToken.Hex(),
			Data:  hexutil.Encode(approve),
			Value: "0",
			Gas:   ApproveGas,
		}.WithFees(networkFees),
		SwapData: chainManager.EvmTxData{
			To:    common.HexToAddress(txReq.Target).Hex(),
			Data:  txReq.Data,
			Value: value,
			Gas:   gas,
		}.WithFees(networkFees),
		QuoteID: req.Route.QuoteID,
	}, nil
}

// Templates returns the approve and swap as unsigned transactions at nonce and nonce+1.
func (d *TransactionData) Templates(network networks.Network, signer string, nonce uint64) []presigner.UnsignedTransaction {
	approve := d.ApproveData
	swap := d.SwapData
	return []presigner.UnsignedTransaction{
		{Network: network, Phase: PhaseApprove, Nonce: nonce, Signer: signer, TxData: presigner.TxData{Evm: &approve}},
		{Network: network, Phase: PhaseSwap, Nonce: nonce + 1, Signer: signer, TxData: presigner.TxData{Evm: &swap}},
	}
}
