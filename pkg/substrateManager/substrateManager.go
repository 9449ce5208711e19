// Package substrateManager keeps persistent connections to Substrate nodes. A
// connection is wrapped in an immutable Handle that records the runtime spec version
// it was built against; when the live version changes the handle is replaced whole.
// Nonces are allocated through one FIFO queue per network.
package substrateManager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/fallbackTransport"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

const (
	DefaultSS58Format          uint16 = 42
	DefaultDecimals            uint32 = 12
	DefaultFinalizationTimeout        = 5 * time.Minute
)

var (
	ErrNetworkNotConfigured = errors.New("substrate network not configured")
	ErrManagerClosed        = errors.New("substrate manager closed")
)

// CallBuilder builds a runtime call against the metadata of the connection it will be
// submitted on. It is invoked again after a reconnect.
type CallBuilder func(meta *types.Metadata) (types.Call, error)

// NodeClient is the subset of node functionality the manager relies on.
type NodeClient interface {
	Metadata() *types.Metadata
	RuntimeVersion(ctx context.Context) (*types.RuntimeVersion, error)
	Properties(ctx context.Context) (*ChainProperties, error)
	AccountNextIndex(ctx context.Context, address string) (uint64, error)
	// SignCall returns the hex encoded signed extrinsic for call at nonce.
	SignCall(ctx context.Context, call types.Call, kp signature.KeyringPair, nonce uint64) (string, error)
	// SubmitAndWatch signs and submits call and blocks until it is finalized.
	SubmitAndWatch(ctx context.Context, call types.Call, kp signature.KeyringPair, nonce uint64) (types.Hash, error)
	Close()
}

// ChainProperties holds the optional values reported by system_properties.
type ChainProperties struct {
	SS58Format    *uint16
	TokenDecimals *uint32
}

// Dialer connects to a single endpoint.
type Dialer func(ctx context.Context, endpoint string) (NodeClient, error)

// Handle is a connection plus the chain metadata observed when it was created.
// Handles are never mutated; a refresh produces a new one.
type Handle struct {
	Client             NodeClient
	Network            networks.Network
	Endpoint           string
	SS58Format         uint16
	Decimals           uint32
	SpecVersion        uint32
	TransactionVersion uint32
}

// Config lists the websocket endpoints per network and the finalization bound.
type Config struct {
	Endpoints           map[networks.Network][]string
	FinalizationTimeout time.Duration
	// Transport controls how endpoints are walked when connecting.
	Transport fallbackTransport.Config
}

// Manager owns every Substrate connection and nonce cursor of the process.
type Manager struct {
	config   Config
	dialer   Dialer
	recorder metrics.Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	locks    map[networks.Network]*sync.Mutex
	handles  map[networks.Network]*Handle
	shuffled map[string]*Handle
	queues   map[networks.Network]*nonceQueue
	closed   bool

	intn func(n int) int
}

// NewManager creates a manager for the configured networks. Connections are opened
// lazily or by PopulateAllApis.
func NewManager(cfg *Config, dialer Dialer, recorder metrics.Recorder, l *zap.Logger) (*Manager, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one substrate network must be configured")
	}
	c := *cfg
	for network, urls := range c.Endpoints {
		if networks.FamilyOf(network) != networks.FamilySubstrate {
			return nil, chainErrors.New(chainErrors.KindConfiguration, string(network), "not a substrate network")
		}
		if len(urls) == 0 {
			return nil, chainErrors.New(chainErrors.KindConfiguration, string(network), "no websocket endpoints configured")
		}
	}
	if c.FinalizationTimeout <= 0 {
		c.FinalizationTimeout = DefaultFinalizationTimeout
	}
	if dialer == nil {
		dialer = DialGsrpc
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Manager{
		config:   c,
		dialer:   dialer,
		recorder: metrics.OrNoop(recorder),
		logger:   l,
		locks:    make(map[networks.Network]*sync.Mutex),
		handles:  make(map[networks.Network]*Handle),
		shuffled: make(map[string]*Handle),
		queues:   make(map[networks.Network]*nonceQueue),
		intn:     rand.Intn,
	}, nil
}

// Networks returns the configured networks.
func (m *Manager) Networks() []networks.Network {
	out := make([]networks.Network, 0, len(m.config.Endpoints))
	for n := range m.config.Endpoints {
		out = append(out, n)
	}
	return out
}

func (m *Manager) endpoints(network networks.Network) ([]string, error) {
	urls, ok := m.config.Endpoints[network]
	if !ok {
		return nil, chainErrors.Wrap(chainErrors.KindConfiguration, string(network), "no connection configured", ErrNetworkNotConfigured)
	}
	return urls, nil
}

func (m *Manager) networkLock(network networks.Network) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[network]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[network] = lock
	}
	return lock
}

// GetApi returns the cached handle of network. The handle is rebuilt when forced,
// when none exists yet, or when the node reports a different runtime spec version
// than the one the handle was built against.
func (m *Manager) GetApi(ctx context.Context, network networks.Network, forceRefresh bool) (*Handle, error) {
	if _, err := m.endpoints(network); err != nil {
		return nil, err
	}
	lock := m.networkLock(network)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	current, closed := m.handles[network], m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	if current == nil || forceRefresh {
		return m.populateLocked(ctx, network, current)
	}

	rv, err := current.Client.RuntimeVersion(ctx)
	if err != nil {
		m.logger.Sugar().Warnw("Failed to read runtime version, reconnecting",
			zap.String("network", string(network)),
			zap.Error(err),
		)
		return m.populateLocked(ctx, network, current)
	}
	if uint32(rv.SpecVersion) != current.SpecVersion {
		m.logger.Sugar().Infow("Spec version changed, refreshing the api",
			zap.String("network", string(network)),
			zap.Uint32("previousSpecVersion", current.SpecVersion),
			zap.Uint32("currentSpecVersion", uint32(rv.SpecVersion)),
		)
		return m.populateLocked(ctx, network, current)
	}
	return current, nil
}

// PopulateApi unconditionally rebuilds the connection of network.
func (m *Manager) PopulateApi(ctx context.Context, network networks.Network) (*Handle, error) {
	return m.GetApi(ctx, network, true)
}

// PopulateAllApis connects every configured network concurrently.
func (m *Manager) PopulateAllApis(ctx context.Context) (map[networks.Network]*Handle, error) {
	var mu sync.Mutex
	out := make(map[networks.Network]*Handle, len(m.config.Endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for _, network := range m.Networks() {
		g.Go(func() error {
			h, err := m.PopulateApi(gctx, network)
			if err != nil {
				return err
			}
			mu.Lock()
			out[network] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// populateLocked must be called with the network lock held.
func (m *Manager) populateLocked(ctx context.Context, network networks.Network, previous *Handle) (*Handle, error) {
	urls, err := m.endpoints(network)
	if err != nil {
		return nil, err
	}

	transportCfg := m.config.Transport
	transportCfg.Name = string(network)
	transport, err := fallbackTransport.NewTransport(urls, &transportCfg, m.logger)
	if err != nil {
		return nil, err
	}

	var handle *Handle
	err = transport.Execute(ctx, func(ctx context.Context, endpoint string) error {
		h, err := m.connect(ctx, network, endpoint)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.handles[network] = handle
	m.mu.Unlock()

	if previous != nil {
		previous.Client.Close()
		m.recorder.IncCounter(metrics.EventReconnect, map[string]string{"network": string(network)})
	}
	return handle, nil
}

func (m *Manager) connect(ctx context.Context, network networks.Network, endpoint string) (*Handle, error) {
	m.logger.Sugar().Infow("Connecting to node", zap.String("network", string(network)), zap.String("endpoint", endpoint))

	client, err := m.dialer(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	rv, err := client.RuntimeVersion(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read runtime version from %s: %w", endpoint, err)
	}
	props, err := client.Properties(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain properties from %s: %w", endpoint, err)
	}

	h := &Handle{
		Client:             client,
		Network:            network,
		Endpoint:           endpoint,
		SS58Format:         DefaultSS58Format,
		Decimals:           DefaultDecimals,
		SpecVersion:        uint32(rv.SpecVersion),
		TransactionVersion: uint32(rv.TransactionVersion),
	}
	if props != nil && props.SS58Format != nil {
		h.SS58Format = *props.SS58Format
	}
	if props != nil && props.TokenDecimals != nil {
		h.Decimals = *props.TokenDecimals
	}

	m.logger.Sugar().Infow("Connected to node",
		zap.String("network", string(network)),
		zap.String("endpoint", endpoint),
		zap.Uint32("specVersion", h.SpecVersion),
		zap.Uint16("ss58Format", h.SS58Format),
	)
	return h, nil
}

// GetApiWithShuffling returns a connection to a randomly chosen endpoint of network.
// Connections are cached per endpoint index and are not checked for runtime upgrades.
func (m *Manager) GetApiWithShuffling(ctx context.Context, network networks.Network) (*Handle, error) {
	urls, err := m.endpoints(network)
	if err != nil {
		return nil, err
	}
	lock := m.networkLock(network)
	lock.Lock()
	defer lock.Unlock()

	index := m.intn(len(urls))
	key := fmt.Sprintf("%s-%d", network, index)

	m.mu.Lock()
	cached, closed := m.shuffled[key], m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if cached != nil {
		m.logger.Sugar().Debugw("Using cached api connection", zap.String("network", string(network)), zap.Int("rpcIndex", index))
		return cached, nil
	}

	h, err := m.connect(ctx, network, urls[index])
	if err != nil {
		return nil, chainErrors.Wrap(chainErrors.KindTransient, string(network), "failed to connect", err)
	}
	m.mu.Lock()
	m.shuffled[key] = h
	m.mu.Unlock()
	return h, nil
}

// Close stops every nonce queue and closes every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := m.queues
	handles := make([]*Handle, 0, len(m.handles)+len(m.shuffled))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	for _, h := range m.shuffled {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	for _, h := range handles {
		h.Client.Close()
	}
}
