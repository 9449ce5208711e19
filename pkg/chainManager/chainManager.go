// Package chainManager provides EVM connection management for the ephemeral signer.
// It keeps one read client per configured chain, built at startup on top of the
// fallback transport, plus lazily created wallet clients per (chain, account).
package chainManager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/fallbackTransport"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"go.uber.org/zap"
)

var (
	// ErrChainNotFound is returned when a requested chain is not configured in the manager
	ErrChainNotFound = errors.New("chain not found")
)

// IChainManager defines the interface for managing EVM connections.
type IChainManager interface {
	// AddChain dials the read client of a chain
	AddChain(ctx context.Context, cfg *ChainConfig) error
	// GetChain retrieves a configured chain by network
	GetChain(network networks.Network) (*Chain, error)
	// GetChainForId retrieves a configured chain by its EVM chain ID
	GetChainForId(chainId uint64) (*Chain, error)
	// GetReadClient returns the shared read client of a chain
	GetReadClient(network networks.Network) (EthClientInterface, error)
	// GetOrCreateWalletClient returns the wallet client bound to (network, signer)
	GetOrCreateWalletClient(network networks.Network, signer txSigner.ITransactionSigner) (*WalletClient, error)
	// SuggestFees returns the EIP-1559 fee parameters the connected node currently suggests
	SuggestFees(ctx context.Context, network networks.Network) (*Fees, error)
}

// ChainConfig holds the configuration for connecting to an EVM chain.
type ChainConfig struct {
	Network networks.Network
	// RPCUrls are tried in order by the fallback transport
	RPCUrls []string
}

// Chain represents an active connection to an EVM chain.
type Chain struct {
	Network networks.Network
	ChainID *big.Int
	RPCUrls []string
	// RPCClient is the shared read client for this chain
	RPCClient EthClientInterface
}

// Dialer creates the read client of a chain. It must not retry on its own: retries
// belong to the transport underneath.
type Dialer func(ctx context.Context, network networks.Network, urls []string) (EthClientInterface, error)

// Config controls how chains are dialed.
type Config struct {
	Transport fallbackTransport.Config
}

// ChainManager implements IChainManager.
// This implementation is thread-safe using sync.Map for concurrent access.
type ChainManager struct {
	Chains        sync.Map // map[networks.Network]*Chain
	walletClients sync.Map // map[string]*WalletClient

	config   *Config
	dialer   Dialer
	recorder metrics.Recorder
	logger   *zap.Logger
}

// NewChainManager creates a new ChainManager instance.
//
// Parameters:
//   - cfg: transport settings applied to every dialed chain, may be nil
//   - dialer: optional override of the default fallback dialer
//   - recorder: metrics sink for retries, may be nil
//   - l: logger
//
// Returns:
//   - *ChainManager: A new chain manager with an empty registry
func NewChainManager(cfg *Config, dialer Dialer, recorder metrics.Recorder, l *zap.Logger) *ChainManager {
	if cfg == nil {
		cfg = &Config{}
	}
	cm := &ChainManager{
		config:   cfg,
		recorder: metrics.OrNoop(recorder),
		logger:   l,
	}
	if dialer == nil {
		dialer = cm.dialFallback
	}
	cm.dialer = dialer
	return cm
}

// dialFallback builds an ethclient whose HTTP transport walks the endpoint list.
func (cm *ChainManager) dialFallback(ctx context.Context, network networks.Network, urls []string) (EthClientInterface, error) {
	transportCfg := cm.config.Transport
	transportCfg.Name = string(network)
	transportCfg.OnRetry = func(info fallbackTransport.RetryInfo) {
		cm.recorder.IncCounter(metrics.EventRpcRetry, map[string]string{"network": string(network)})
		cm.logger.Sugar().Warnw("Smart fallback attempt failed",
			zap.String("network", string(network)),
			zap.String("rpcUrl", info.Endpoint),
			zap.Int("attempt", info.Attempt),
			zap.Int("maxRetries", info.MaxRetries),
			zap.Error(info.Err),
		)
	}

	httpClient, err := fallbackTransport.NewHTTPClient(urls, &transportCfg, cm.logger)
	if err != nil {
		return nil, err
	}
	rpcClient, err := rpc.DialOptions(ctx, urls[0], rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC URL %s: %w", urls[0], err)
	}
	return ethclient.NewClient(rpcClient), nil
}

// AddChain adds a new EVM chain to the manager and builds its read client.
// This method is thread-safe and can be called concurrently.
//
// Parameters:
//   - ctx: context for dialing
//   - cfg: The chain configuration containing network and RPC URLs
//
// Returns:
//   - error: An error if the chain already exists, is not an EVM network, or dialing fails
func (cm *ChainManager) AddChain(ctx context.Context, cfg *ChainConfig) error {
	info, err := networks.Lookup(cfg.Network)
	if err != nil {
		return err
	}
	if info.Family != networks.FamilyEVM {
		return chainErrors.New(chainErrors.KindConfiguration, string(cfg.Network), "not an evm network")
	}
	if len(cfg.RPCUrls) == 0 {
		return chainErrors.New(chainErrors.KindConfiguration, string(cfg.Network), "no rpc urls configured")
	}
	if _, exists := cm.Chains.Load(cfg.Network); exists {
		return fmt.Errorf("chain %s already exists", cfg.Network)
	}

	client, err := cm.dialer(ctx, cfg.Network, cfg.RPCUrls)
	if err != nil {
		return chainErrors.Wrap(chainErrors.KindConfiguration, string(cfg.Network), "failed to build read client", err)
	}

	chain := &Chain{
		Network:   cfg.Network,
		ChainID:   new(big.Int).SetUint64(info.EvmChainID),
		RPCUrls:   append([]string(nil), cfg.RPCUrls...),
		RPCClient: client,
	}
	if _, loaded := cm.Chains.LoadOrStore(cfg.Network, chain); loaded {
		client.Close()
		return fmt.Errorf("chain %s already exists", cfg.Network)
	}

	cm.logger.Sugar().Infow("Added evm chain",
		zap.String("network", string(cfg.Network)),
		zap.Uint64("chainId", info.EvmChainID),
		zap.Int("endpoints", len(cfg.RPCUrls)),
	)
	return nil
}

// GetChain retrieves a configured chain by network.
func (cm *ChainManager) GetChain(network networks.Network) (*Chain, error) {
	value, exists := cm.Chains.Load(network)
	if !exists {
		return nil, chainErrors.Wrap(chainErrors.KindConfiguration, string(network), "evm chain not configured", ErrChainNotFound)
	}
	chain, ok := value.(*Chain)
	if !ok {
		return nil, fmt.Errorf("invalid chain type stored for %s", network)
	}
	return chain, nil
}

// GetChainForId retrieves a chain by its EVM chain ID.
//
// Returns:
//   - *Chain: The chain connection if found
//   - error: ErrChainNotFound if the chain ID is not registered
func (cm *ChainManager) GetChainForId(chainId uint64) (*Chain, error) {
	network, err := networks.ByEvmChainID(chainId)
	if err != nil {
		return nil, chainErrors.Wrap(chainErrors.KindConfiguration, fmt.Sprintf("eip155:%d", chainId), "evm chain not configured", ErrChainNotFound)
	}
	return cm.GetChain(network)
}

// GetReadClient returns the read client built for network by AddChain.
func (cm *ChainManager) GetReadClient(network networks.Network) (EthClientInterface, error) {
	chain, err := cm.GetChain(network)
	if err != nil {
		return nil, err
	}
	return chain.RPCClient, nil
}

// GetOrCreateWalletClient returns the wallet client for (network, signer address),
// creating it on first use. Wallet clients live for the lifetime of the manager and
// share the chain's read client transport.
func (cm *ChainManager) GetOrCreateWalletClient(network networks.Network, signer txSigner.ITransactionSigner) (*WalletClient, error) {
	chain, err := cm.GetChain(network)
	if err != nil {
		return nil, err
	}
	address, err := signer.GetAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get signer address: %w", err)
	}

	key := walletClientKey(network, address)
	if existing, ok := cm.walletClients.Load(key); ok {
		return existing.(*WalletClient), nil
	}

	wc := &WalletClient{
		Network: network,
		ChainID: chain.ChainID,
		Address: address,
		Signer:  signer,
		Client:  chain.RPCClient,
		logger:  cm.logger,
	}
	actual, loaded := cm.walletClients.LoadOrStore(key, wc)
	if !loaded {
		cm.logger.Sugar().Debugw("Created wallet client",
			zap.String("network", string(network)),
			zap.String("address", address.Hex()),
		)
	}
	return actual.(*WalletClient), nil
}

func walletClientKey(network networks.Network, address common.Address) string {
	return fmt.Sprintf("%s-%s", network, strings.ToLower(address.Hex()))
}

// Close closes every read client.
func (cm *ChainManager) Close() {
	cm.Chains.Range(func(_, value any) bool {
		value.(*Chain).RPCClient.Close()
		return true
	})
}
