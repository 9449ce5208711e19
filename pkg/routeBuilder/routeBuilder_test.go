package routeBuilder

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	userAddress  = "0x00000000000000000000000000000000000000aa"
	tokenAddress = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	routerTarget = "0xce16F69375520ab01377ce7B88f5BA8C48F8D666"
)

func genericParams(t *testing.T) RouteParams {
	t.Helper()
	params, err := CreateGenericRouteParams(GenericRouteRequest{
		FromAddress:        userAddress,
		Amount:             "1000000",
		FromToken:          common.HexToAddress(tokenAddress),
		ToToken:            AxlUSDCMoonbeam,
		FromNetwork:        networks.Polygon,
		ToNetwork:          networks.Base,
		DestinationAddress: userAddress,
	})
	require.NoError(t, err)
	return params
}

func newTestClient(t *testing.T, url string, cfg Config, l *zap.Logger) *Client {
	t.Helper()
	cfg.BaseURL = url
	if cfg.IntegratorID == "" {
		cfg.IntegratorID = "ramp-integrator"
	}
	c, err := NewClient(&cfg, nil, nil, l)
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresIntegrator(t *testing.T) {
	_, err := NewClient(&Config{}, nil, nil, nil)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func TestGetRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/route", r.URL.Path)
		assert.Equal(t, "ramp-integrator", r.Header.Get("x-integrator-id"))

		var body RouteParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "137", body.FromChain)
		assert.Equal(t, "8453", body.ToChain)

		w.Header().Set("x-request-id", "req-42")
		_, _ = w.Write([]byte(`{"route":{"quoteId":"q-1","estimate":{"toToken":{"decimals":6},"aggregateSlippage":3.1,"toAmount":"990000","toAmountMin":"980000","toAmountUSD":"0.99"},"transactionRequest":{"value":"1.5e15","target":"` + routerTarget + `","data":"0xdeadbeef","gasLimit":"350000.7"}}}`))
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	c := newTestClient(t, server.URL, Config{}, zap.New(core))

	result, err := c.GetRoute(context.Background(), genericParams(t))
	require.NoError(t, err)
	assert.Equal(t, "req-42", result.RequestID)
	assert.Equal(t, "q-1", result.Route.QuoteID)
	assert.Equal(t, "990000", result.Route.Estimate.ToAmount)
	assert.Equal(t, routerTarget, result.Route.TransactionRequest.Target)

	require.Equal(t, 1, logs.Len(), "high slippage is logged")
	assert.Equal(t, "Received route with high slippage", logs.All()[0].Message)
}

func TestGetRoute_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-request-id", "req-7")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"amount too low"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Config{}, nil).GetRoute(context.Background(), genericParams(t))
	require.Error(t, err)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindUpstream))
	assert.Contains(t, err.Error(), "amount too low")
	assert.Contains(t, err.Error(), "req-7")
}

func TestGetRoute_MissingRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"other":true}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Config{}, nil).GetRoute(context.Background(), genericParams(t))
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindUpstream))
}

func TestGetRoute_InvalidParamsNeverSent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	params := genericParams(t)
	params.FromAddress = "not-an-address"
	_, err := newTestClient(t, server.URL, Config{}, nil).GetRoute(context.Background(), params)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
	assert.Zero(t, calls.Load())
}

func TestGetRoute_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"route":{"quoteId":"q"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Config{RequestsPerSecond: 0.001, Burst: 1}, nil)
	_, err := c.GetRoute(context.Background(), genericParams(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.GetRoute(ctx, genericParams(t))
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindTransient))
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/status", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("transactionId"))
		assert.Equal(t, "137", r.URL.Query().Get("fromChainId"))
		assert.Equal(t, "q-1", r.URL.Query().Get("quoteId"))
		_, _ = w.Write([]byte(`{"id":"0xabc","status":"success","squidTransactionStatus":"success","isGMPTransaction":true,"routeStatus":[{"chainId":"137","txHash":"0xabc","status":"success","action":"call"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Config{}, nil)
	status, err := c.GetStatus(context.Background(), "0xabc", "137", "1284", "q-1")
	require.NoError(t, err)
	assert.Equal(t, "success", status.SquidTransactionStatus)
	assert.True(t, status.IsGMPTransaction)
	require.Len(t, status.RouteStatus, 1)

	_, err = c.GetStatus(context.Background(), "", "137", "1284", "")
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func TestNormalizeBigIntString(t *testing.T) {
	cases := map[string]string{
		"":         "0",
		"123":      "123",
		"0x1f":     "0x1f",
		"123.999":  "123",
		"1.999e5":  "199900",
		"1.9999e3": "1999",
		"-0":       "0",
		"1.5e30":   "1500000000000000000000000000000",
		"7e-3":     "0",
	}
	for in, want := range cases {
		got, err := NormalizeBigIntString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"abc", "-5", "-1.5", "-2e3", "1_000"} {
		_, err := NormalizeBigIntString(in)
		assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration), in)
	}
}

func TestCorrelationHash(t *testing.T) {
	account := "0x" + strings.Repeat("11", 32)
	payload, err := EncodePayload(account)
	require.NoError(t, err)
	assert.Len(t, payload, 96)

	id, err := NewReceiverID()
	require.NoError(t, err)
	other, err := NewReceiverID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	hash := CorrelationHash(id, payload)
	assert.Equal(t, crypto.Keccak256Hash(append(id.Bytes(), payload...)), hash)
	assert.Equal(t, hash, CorrelationHash(id, payload))
	assert.NotEqual(t, hash, CorrelationHash(other, payload))

	_, err = EncodePayload("0x1234")
	assert.Error(t, err)
	_, err = EncodePayload("zz")
	assert.Error(t, err)
}

func TestCreateRouteParamsWithMoonbeamPostHook(t *testing.T) {
	receiver := common.HexToAddress("0x7d1024e467655e3ed371529ebf5ffc07438ddb3c")
	hash := common.HexToHash("0x01")
	params, err := CreateRouteParamsWithMoonbeamPostHook(MoonbeamPostHookRequest{
		FromAddress:              userAddress,
		Amount:                   "5000000",
		FromToken:                common.HexToAddress(tokenAddress),
		FromNetwork:              networks.Polygon,
		ReceivingContractAddress: receiver,
		ReceiverHash:             hash,
	})
	require.NoError(t, err)
	assert.Equal(t, "137", params.FromChain)
	assert.Equal(t, "1284", params.ToChain)
	assert.Equal(t, AxlUSDCMoonbeam.Hex(), params.ToToken)
	assert.Equal(t, userAddress, params.ToAddress)
	require.NotNil(t, params.PostHook)
	require.Len(t, params.PostHook.Calls, 2)

	initCall := params.PostHook.Calls[1]
	assert.Equal(t, receiver.Hex(), initCall.Target)
	data := hexutil.MustDecode(initCall.CallData)
	method := ReceiverABI.Methods["initXCM"]
	assert.Equal(t, method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(hash), args[0])

	assert.NoError(t, validatorFor(t).Struct(params))

	_, err = CreateRouteParamsWithMoonbeamPostHook(MoonbeamPostHookRequest{FromNetwork: networks.Pendulum})
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func validatorFor(t *testing.T) interface{ Struct(any) error } {
	t.Helper()
	c, err := NewClient(&Config{IntegratorID: "x"}, nil, nil, nil)
	require.NoError(t, err)
	return c.validate
}

type staticFees struct {
	fees  *chainManager.Fees
	calls int
}

func (s *staticFees) SuggestFees(context.Context, networks.Network) (*chainManager.Fees, error) {
	s.calls++
	return s.fees, nil
}

func TestCreateTransactionDataFromRoute(t *testing.T) {
	fees := &staticFees{fees: &chainManager.Fees{MaxFeePerGas: big.NewInt(300), MaxPriorityFeePerGas: big.NewInt(30)}}
	route := Route{
		QuoteID: "q-9",
		TransactionRequest: TransactionRequest{
			Value:    "1.999e5",
			Target:   routerTarget,
			Data:     "0xdeadbeef",
			GasLimit: "350000.7",
		},
	}

	data, err := CreateTransactionDataFromRoute(context.Background(), fees, TransactionDataRequest{
		Route:      route,
		Network:    networks.Polygon,
		RawAmount:  "1000000",
		InputToken: common.HexToAddress(tokenAddress),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fees.calls)
	assert.Equal(t, "q-9", data.QuoteID)

	assert.Equal(t, ApproveGas, data.ApproveData.Gas)
	assert.Equal(t, common.HexToAddress(tokenAddress).Hex(), data.ApproveData.To)
	assert.Equal(t, "300", data.ApproveData.MaxFeePerGas)
	approveInput := hexutil.MustDecode(data.ApproveData.Data)
	args, err := ERC20ABI.Methods["approve"].Inputs.Unpack(approveInput[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(routerTarget), args[0])
	assert.Equal(t, big.NewInt(1000000), args[1])

	assert.Equal(t, "350000", data.SwapData.Gas)
	assert.Equal(t, "199900", data.SwapData.Value)
	assert.Equal(t, "30", data.SwapData.MaxPriorityFeePerGas)

	templates := data.Templates(networks.Polygon, userAddress, 12)
	require.Len(t, templates, 2)
	assert.Equal(t, uint64(12), templates[0].Nonce)
	assert.Equal(t, PhaseApprove, templates[0].Phase)
	assert.Equal(t, uint64(13), templates[1].Nonce)
	assert.Equal(t, "0xdeadbeef", templates[1].TxData.Evm.Data)

	withOverride, err := CreateTransactionDataFromRoute(context.Background(), fees, TransactionDataRequest{
		Route:      route,
		Network:    networks.Polygon,
		RawAmount:  "1000000",
		InputToken: common.HexToAddress(tokenAddress),
		SwapValue:  "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", withOverride.SwapData.Value)

	_, err = CreateTransactionDataFromRoute(context.Background(), fees, TransactionDataRequest{Route: Route{TransactionRequest: TransactionRequest{Target: "bad"}}})
	assert.Error(t, err)
}
