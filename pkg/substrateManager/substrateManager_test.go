package substrateManager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/client"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/fallbackTransport"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"go.uber.org/zap"
)

// fakeChain is the remote state shared by every connection to it.
type fakeChain struct {
	mu          sync.Mutex
	specVersion uint32
	nextIndex   map[string]uint64
	indexErrs   []error
	submitErrs  []error
	submitted   []uint64
	blockSubmit bool
	dials       int
	nodes       []*fakeNode
	ss58        *uint16
	// rpc, when set, receives every submission as author_submitExtrinsic.
	rpc client.Client
}

func newFakeChain(spec uint32) *fakeChain {
	return &fakeChain{specVersion: spec, nextIndex: map[string]uint64{}}
}

func (c *fakeChain) dial(_ context.Context, endpoint string) (NodeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	n := &fakeNode{chain: c, endpoint: endpoint, dialIndex: c.dials}
	c.nodes = append(c.nodes, n)
	return n, nil
}

func (c *fakeChain) setSpec(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specVersion = v
}

type fakeNode struct {
	chain     *fakeChain
	endpoint  string
	dialIndex int
	closed    bool
}

func (n *fakeNode) Metadata() *types.Metadata { return &types.Metadata{} }

func (n *fakeNode) RuntimeVersion(context.Context) (*types.RuntimeVersion, error) {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	return &types.RuntimeVersion{SpecVersion: types.U32(n.chain.specVersion), TransactionVersion: 1}, nil
}

func (n *fakeNode) Properties(context.Context) (*ChainProperties, error) {
	return &ChainProperties{SS58Format: n.chain.ss58}, nil
}

func (n *fakeNode) AccountNextIndex(_ context.Context, address string) (uint64, error) {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	if len(n.chain.indexErrs) > 0 {
		err := n.chain.indexErrs[0]
		n.chain.indexErrs = n.chain.indexErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return n.chain.nextIndex[address], nil
}

func (n *fakeNode) SignCall(_ context.Context, _ types.Call, _ signature.KeyringPair, nonce uint64) (string, error) {
	return "0x00", nil
}

func (n *fakeNode) SubmitAndWatch(ctx context.Context, _ types.Call, _ signature.KeyringPair, nonce uint64) (types.Hash, error) {
	n.chain.mu.Lock()
	n.chain.submitted = append(n.chain.submitted, nonce)
	block := n.chain.blockSubmit
	var err error
	if len(n.chain.submitErrs) > 0 {
		err = n.chain.submitErrs[0]
		n.chain.submitErrs = n.chain.submitErrs[1:]
	}
	n.chain.mu.Unlock()

	if n.chain.rpc != nil {
		var hash string
		if err := n.chain.rpc.Call(&hash, "author_submitExtrinsic", fmt.Sprintf("0x%02x", nonce)); err != nil {
			return types.Hash{}, classifyNodeError(err)
		}
		return types.NewHashFromHexString(hash)
	}

	if block {
		<-ctx.Done()
		return types.Hash{}, ctx.Err()
	}
	if err != nil {
		return types.Hash{}, err
	}
	return types.NewHash([]byte{0xab, byte(nonce)}), nil
}

func (n *fakeNode) Close() {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	n.closed = true
}

var testKeypair = signature.KeyringPair{Address: "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"}

func newTestManager(t *testing.T, chain *fakeChain, cfg *Config) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = map[networks.Network][]string{networks.Pendulum: {"wss://a", "wss://b"}}
	}
	cfg.Transport = fallbackTransport.Config{InitialDelay: time.Millisecond}
	m, err := NewManager(cfg, chain.dial, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewManager(&Config{Endpoints: map[networks.Network][]string{networks.Polygon: {"https://x"}}}, nil, nil, nil)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func TestGetApi_CachesHandle(t *testing.T) {
	chain := newFakeChain(100)
	m := newTestManager(t, chain, nil)

	first, err := m.GetApi(context.Background(), networks.Pendulum, false)
	require.NoError(t, err)
	second, err := m.GetApi(context.Background(), networks.Pendulum, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, chain.dials)
	assert.Equal(t, uint32(100), first.SpecVersion)
	assert.Equal(t, DefaultSS58Format, first.SS58Format)
	assert.Equal(t, DefaultDecimals, first.Decimals)
	assert.Equal(t, "wss://a", first.Endpoint)

	forced, err := m.PopulateApi(context.Background(), networks.Pendulum)
	require.NoError(t, err)
	assert.NotSame(t, first, forced)
	assert.True(t, first.Client.(*fakeNode).closed)
}

func TestGetApi_Unconfigured(t *testing.T) {
	m := newTestManager(t, newFakeChain(1), nil)
	_, err := m.GetApi(context.Background(), networks.Hydration, false)
	assert.True(t, errors.Is(err, ErrNetworkNotConfigured))
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))

	_, err = m.GetNonce(context.Background(), networks.Hydration, testKeypair)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func TestGetApi_ReconnectOnUpgrade(t *testing.T) {
	chain := newFakeChain(100)
	m := newTestManager(t, chain, nil)
	ctx := context.Background()

	before, err := m.GetApi(ctx, networks.Pendulum, false)
	require.NoError(t, err)

	chain.setSpec(101)
	after, err := m.GetApi(ctx, networks.Pendulum, false)
	require.NoError(t, err)

	assert.NotSame(t, before, after)
	assert.Equal(t, uint32(101), after.SpecVersion)
	assert.True(t, before.Client.(*fakeNode).closed)
	assert.Equal(t, 2, chain.dials)

	_, err = m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.NoError(t, err)
	current, err := m.GetApi(ctx, networks.Pendulum, false)
	require.NoError(t, err)
	assert.Same(t, after, current, "nonce lookups resolve against the refreshed handle")
}

func TestGetNonce_MonotonicUnderConcurrency(t *testing.T) {
	chain := newFakeChain(1)
	chain.nextIndex[testKeypair.Address] = 5
	m := newTestManager(t, chain, nil)

	const callers = 40
	results := make([]uint64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := m.GetNonce(context.Background(), networks.Pendulum, testKeypair)
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		assert.Equal(t, uint64(5+i), n)
	}
}

func TestGetNonce_AdoptsAdvancedChainNonce(t *testing.T) {
	chain := newFakeChain(1)
	m := newTestManager(t, chain, nil)
	ctx := context.Background()

	n, err := m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	n, err = m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	chain.mu.Lock()
	chain.nextIndex[testKeypair.Address] = 9
	chain.mu.Unlock()

	n, err = m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	other := signature.KeyringPair{Address: "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"}
	n, err = m.GetNonce(ctx, networks.Pendulum, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "cursors are per account")
}

func TestGetNonce_FailureDoesNotBlockQueue(t *testing.T) {
	chain := newFakeChain(1)
	chain.nextIndex[testKeypair.Address] = 3
	chain.indexErrs = []error{errors.New("rpc hiccup")}
	m := newTestManager(t, chain, nil)
	ctx := context.Background()

	_, err := m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.Error(t, err)

	n, err := m.GetNonce(ctx, networks.Pendulum, testKeypair)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestGetNonce_AfterClose(t *testing.T) {
	m := newTestManager(t, newFakeChain(1), nil)
	m.Close()
	_, err := m.GetNonce(context.Background(), networks.Pendulum, testKeypair)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func noopCall(*types.Metadata) (types.Call, error) { return types.Call{}, nil }

// newSubmitServer answers author_submitExtrinsic with a bad signature rejection for
// the first rejections calls and with a block hash afterwards.
func newSubmitServer(t *testing.T, rejections int) (client.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "author_submitExtrinsic" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"Method not found"}}`, req.ID)
			return
		}
		if int(calls.Add(1)) <= rejections {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":1010,"message":"Invalid Transaction","data":"Transaction has a bad signature"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%s"}`, req.ID, strings.Repeat("ab", 32))
	}))
	t.Cleanup(server.Close)

	c, err := client.Connect(server.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, &calls
}

func TestExecuteApiCall_RetriesOnceOnStaleConnection(t *testing.T) {
	chain := newFakeChain(1)
	chain.nextIndex[testKeypair.Address] = 10
	rpc, calls := newSubmitServer(t, 1)
	chain.rpc = rpc
	m := newTestManager(t, chain, nil)

	hash, err := m.ExecuteApiCall(context.Background(), networks.Pendulum, noopCall, testKeypair)
	require.NoError(t, err)
	expected, err := types.NewHashFromHexString("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, expected, hash)
	assert.Equal(t, []uint64{10, 11}, chain.submitted)
	assert.Equal(t, int32(2), calls.Load(), "the rejected submission is retried exactly once")
	assert.Equal(t, 2, chain.dials, "a stale connection forces exactly one reconnect")
}

func TestExecuteApiCall_SecondStaleFailureSurfaces(t *testing.T) {
	chain := newFakeChain(1)
	rpc, calls := newSubmitServer(t, 3)
	chain.rpc = rpc
	m := newTestManager(t, chain, nil)

	_, err := m.ExecuteApiCall(context.Background(), networks.Pendulum, noopCall, testKeypair)
	require.Error(t, err)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindStaleConnection))
	assert.Len(t, chain.submitted, 2)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, chain.dials)
}

func TestExecuteApiCall_OtherErrorsAreNotRetried(t *testing.T) {
	chain := newFakeChain(1)
	chain.submitErrs = []error{errors.New("transaction was not included: dropped")}
	m := newTestManager(t, chain, nil)

	_, err := m.ExecuteApiCall(context.Background(), networks.Pendulum, noopCall, testKeypair)
	require.Error(t, err)
	assert.Len(t, chain.submitted, 1)
	assert.Equal(t, 1, chain.dials)
}

func TestExecuteApiCall_FinalizationTimeout(t *testing.T) {
	chain := newFakeChain(1)
	chain.blockSubmit = true
	m := newTestManager(t, chain, &Config{FinalizationTimeout: 20 * time.Millisecond})

	_, err := m.ExecuteApiCall(context.Background(), networks.Pendulum, noopCall, testKeypair)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGetApiWithShuffling_CachedPerIndex(t *testing.T) {
	chain := newFakeChain(1)
	m := newTestManager(t, chain, nil)
	m.intn = func(int) int { return 1 }

	first, err := m.GetApiWithShuffling(context.Background(), networks.Pendulum)
	require.NoError(t, err)
	second, err := m.GetApiWithShuffling(context.Background(), networks.Pendulum)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "wss://b", first.Endpoint)
	assert.Equal(t, 1, chain.dials)
}

func TestPopulateAllApis(t *testing.T) {
	ss58 := uint16(56)
	chain := newFakeChain(7)
	chain.ss58 = &ss58
	m := newTestManager(t, chain, &Config{Endpoints: map[networks.Network][]string{
		networks.Pendulum:  {"wss://pendulum"},
		networks.AssetHub:  {"wss://assethub"},
		networks.Hydration: {"wss://hydration"},
	}})

	handles, err := m.PopulateAllApis(context.Background())
	require.NoError(t, err)
	assert.Len(t, handles, 3)
	assert.Equal(t, uint16(56), handles[networks.Pendulum].SS58Format)
	assert.Equal(t, 3, chain.dials)
}

func TestParseProperties(t *testing.T) {
	var raw rawProperties
	require.NoError(t, json.Unmarshal([]byte(`{"ss58Format":1284,"tokenDecimals":[18],"tokenSymbol":["GLMR"]}`), &raw))
	props, err := parseProperties(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(1284), *props.SS58Format)
	assert.Equal(t, uint32(18), *props.TokenDecimals)

	raw = rawProperties{}
	require.NoError(t, json.Unmarshal([]byte(`{"tokenDecimals":12}`), &raw))
	props, err = parseProperties(raw)
	require.NoError(t, err)
	assert.Nil(t, props.SS58Format)
	assert.Equal(t, uint32(12), *props.TokenDecimals)
}

func TestClassifyNodeError(t *testing.T) {
	rpc, _ := newSubmitServer(t, 1)
	var hash string
	rejection := rpc.Call(&hash, "author_submitExtrinsic", "0x00")
	require.Error(t, rejection)
	assert.True(t, chainErrors.IsKind(classifyNodeError(rejection), chainErrors.KindStaleConnection))

	// Other pool errors and unrelated RPC failures keep their classification.
	unknown := rpc.Call(&hash, "author_pendingExtrinsics")
	require.Error(t, unknown)
	assert.Equal(t, unknown, classifyNodeError(unknown))

	relayed := classifyNodeError(errors.New("1010: Invalid Transaction: Transaction has a bad signature"))
	assert.True(t, chainErrors.IsKind(relayed, chainErrors.KindStaleConnection))

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classifyNodeError(plain))
	assert.Nil(t, classifyNodeError(nil))
}

func TestDecodeCall_RoundTrip(t *testing.T) {
	call := types.Call{
		CallIndex: types.CallIndex{SectionIndex: 10, MethodIndex: 3},
		Args:      types.Args{0x01, 0x02, 0x03, 0x04},
	}
	encoded, err := EncodeUnsigned(call)
	require.NoError(t, err)

	decoded, err := DecodeCall(encoded)
	require.NoError(t, err)
	assert.Equal(t, call.CallIndex, decoded.CallIndex)
	assert.Equal(t, call.Args, decoded.Args)

	_, err = DecodeCall("0xzz")
	assert.Error(t, err)
}
