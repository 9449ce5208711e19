package routeBuilder

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
)

// AxlUSDCMoonbeam is the bridged USDC token every Moonbeam post hook operates on.
var AxlUSDCMoonbeam = common.HexToAddress("0xca01a1d0993565291051daff390892518acfad3a")

const (
	defaultSlippage = 4

	postHookProvider    = "Pendulum"
	postHookDescription = "Pendulum post hook"
	postHookLogoURI     = "https://pbs.twimg.com/profile_images/1548647667135291394/W2WOtKUq_400x400.jpg"

	approveHookGas = "500000"
	initXcmHookGas = "700000"
	// callTypeFullTokenBalance replaces the word at inputPos with the router's balance.
	callTypeFullTokenBalance = 1
)

const erc20ABIJSON = `[{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

const receiverABIJSON = `[
{"type":"function","name":"initXCM","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"executeXCM","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"payload","type":"bytes"}],"outputs":[]},
{"type":"function","name":"xcmDataMapping","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	ERC20ABI    = mustParseABI(erc20ABIJSON)
	ReceiverABI = mustParseABI(receiverABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// RouteParams is the body of a route request.
type RouteParams struct {
	FromAddress      string          `json:"fromAddress" validate:"required,eth_addr"`
	FromChain        string          `json:"fromChain" validate:"required,numeric"`
	FromToken        string          `json:"fromToken" validate:"required,eth_addr"`
	FromAmount       string          `json:"fromAmount" validate:"required,numeric"`
	ToChain          string          `json:"toChain" validate:"required,numeric"`
	ToToken          string          `json:"toToken" validate:"required,eth_addr"`
	ToAddress        string          `json:"toAddress" validate:"required"`
	BypassGuardrails bool            `json:"bypassGuardrails"`
	Slippage         *float64        `json:"slippage,omitempty" validate:"omitempty,gte=0,lte=100"`
	SlippageConfig   *SlippageConfig `json:"slippageConfig,omitempty"`
	EnableExpress    bool            `json:"enableExpress"`
	PostHook         *PostHook       `json:"postHook,omitempty" validate:"omitempty"`
}

type SlippageConfig struct {
	AutoMode int `json:"autoMode"`
}

// PostHook is an ordered list of calls run on the destination chain after the bridge
// leg completes.
type PostHook struct {
	ChainType   string         `json:"chainType"`
	Calls       []PostHookCall `json:"calls" validate:"required,min=1,dive"`
	Provider    string         `json:"provider"`
	Description string         `json:"description"`
	LogoURI     string         `json:"logoURI"`
}

type PostHookCall struct {
	CallType     int             `json:"callType"`
	Target       string          `json:"target" validate:"required,eth_addr"`
	Value        string          `json:"value"`
	CallData     string          `json:"callData" validate:"required"`
	Payload      PostHookPayload `json:"payload"`
	EstimatedGas string          `json:"estimatedGas"`
	ChainType    string          `json:"chainType"`
}

type PostHookPayload struct {
	TokenAddress string `json:"tokenAddress"`
	// InputPos indexes the 32 byte word of the call arguments that receives the amount.
	InputPos string `json:"inputPos"`
}

func evmChainID(n networks.Network) (string, error) {
	info, err := networks.Lookup(n)
	if err != nil {
		return "", err
	}
	if info.Family != networks.FamilyEVM {
		return "", chainErrors.New(chainErrors.KindConfiguration, string(n), "route endpoints must be evm networks")
	}
	return strconv.FormatUint(info.EvmChainID, 10), nil
}

// GenericRouteRequest describes a plain swap or bridge.
type GenericRouteRequest struct {
	FromAddress        string
	Amount             string
	FromToken          common.Address
	ToToken            common.Address
	FromNetwork        networks.Network
	ToNetwork          networks.Network
	DestinationAddress string
}

// CreateGenericRouteParams builds a route request without post hooks.
func CreateGenericRouteParams(req GenericRouteRequest) (RouteParams, error) {
	fromChain, err := evmChainID(req.FromNetwork)
	if err != nil {
		return RouteParams{}, err
	}
	toChain, err := evmChainID(req.ToNetwork)
	if err != nil {
		return RouteParams{}, err
	}
	slippage := float64(defaultSlippage)
	return RouteParams{
		BypassGuardrails: true,
		EnableExpress:    true,
		FromAddress:      req.FromAddress,
		FromAmount:       req.Amount,
		FromChain:        fromChain,
		FromToken:        req.FromToken.Hex(),
		Slippage:         &slippage,
		ToAddress:        req.DestinationAddress,
		ToChain:          toChain,
		ToToken:          req.ToToken.Hex(),
	}, nil
}

// MoonbeamPostHookRequest describes a bridge to Moonbeam that hands the received
// tokens to a receiving contract.
type MoonbeamPostHookRequest struct {
	FromAddress              string
	Amount                   string
	FromToken                common.Address
	FromNetwork              networks.Network
	ReceivingContractAddress common.Address
	// ReceiverHash is the correlation hash the receiving contract registers the
	// inbound transfer under.
	ReceiverHash common.Hash
}

// CreateRouteParamsWithMoonbeamPostHook builds a route to axlUSDC on Moonbeam whose post
// hook approves the receiving contract and calls initXCM with the received balance.
func CreateRouteParamsWithMoonbeamPostHook(req MoonbeamPostHookRequest) (RouteParams, error) {
	fromChain, err := evmChainID(req.FromNetwork)
	if err != nil {
		return RouteParams{}, err
	}
	toChain, err := evmChainID(networks.Moonbeam)
	if err != nil {
		return RouteParams{}, err
	}

	approval, err := ERC20ABI.Pack("approve", req.ReceivingContractAddress, big.NewInt(0))
	if err != nil {
		return RouteParams{}, fmt.Errorf("failed to encode approve call: %w", err)
	}
	initXCM, err := ReceiverABI.Pack("initXCM", [32]byte(req.ReceiverHash), big.NewInt(0))
	if err != nil {
		return RouteParams{}, fmt.Errorf("failed to encode initXCM call: %w", err)
	}

	token := AxlUSDCMoonbeam.Hex()
	slippage := float64(defaultSlippage)
	return RouteParams{
		BypassGuardrails: true,
		EnableExpress:    true,
		FromAddress:      req.FromAddress,
		FromAmount:       req.Amount,
		FromChain:        fromChain,
		FromToken:        req.FromToken.Hex(),
		PostHook: &PostHook{
			ChainType: "evm",
			Calls: []PostHookCall{
				{
					CallType:     callTypeFullTokenBalance,
					Target:       token,
					Value:        "0",
					CallData:     hexutil.Encode(approval),
					Payload:      PostHookPayload{TokenAddress: token, InputPos: "1"},
					EstimatedGas: approveHookGas,
					ChainType:    "evm",
				},
				{
					CallType:     callTypeFullTokenBalance,
					Target:       req.ReceivingContractAddress.Hex(),
					Value:        "0",
					CallData:     hexutil.Encode(initXCM),
					Payload:      PostHookPayload{TokenAddress: token, InputPos: "1"},
					EstimatedGas: initXcmHookGas,
					ChainType:    "evm",
				},
			},
			Provider:    postHookProvider,
			Description: postHookDescription,
			LogoURI:     postHookLogoURI,
		},
		Slippage:  &slippage,
		ToAddress: req.FromAddress,
		ToChain:   toChain,
		ToToken:   token,
	}, nil
}
