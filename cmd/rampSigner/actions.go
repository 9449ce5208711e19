package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/config"
	"github.com/vortex-ramp/ephemeral-signer/pkg/ephemeral"
	"github.com/vortex-ramp/ephemeral-signer/pkg/logger"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/presigner"
	"github.com/vortex-ramp/ephemeral-signer/pkg/routeBuilder"
	"github.com/vortex-ramp/ephemeral-signer/pkg/substrateManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"github.com/vortex-ramp/ephemeral-signer/pkg/util"
	"go.uber.org/zap"
)

func setupLogger(c *cli.Context) (*zap.Logger, error) {
	return logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
}

// loadConfig reads the config file and lets global flags win over it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("alchemy-api-key") {
		cfg.Evm.AlchemyAPIKey = c.String("alchemy-api-key")
	}
	if c.IsSet("sandbox") {
		cfg.Stellar.Sandbox = c.Bool("sandbox")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

// setupChainManager dials the configured EVM chains accepted by keep.
func setupChainManager(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, keep func(networks.Network) bool, l *zap.Logger) (*chainManager.ChainManager, error) {
	cm := chainManager.NewChainManager(&chainManager.Config{Transport: cfg.TransportSettings()}, nil, recorder, l)

	chains := util.Filter(cfg.EvmChains(), func(c *chainManager.ChainConfig) bool {
		return keep == nil || keep(c.Network)
	})
	for _, chain := range chains {
		if err := cm.AddChain(ctx, chain); err != nil {
			cm.Close()
			return nil, fmt.Errorf("failed to add chain %s: %w", chain.Network, err)
		}
	}
	return cm, nil
}

func setupSubstrateManager(cfg *config.Config, recorder metrics.Recorder, l *zap.Logger) (*substrateManager.Manager, error) {
	return substrateManager.NewManager(cfg.SubstrateManagerConfig(), nil, recorder, l)
}

func setupTransactionSigner(c *cli.Context) (txSigner.ITransactionSigner, error) {
	if key := c.String("tx-private-key"); key != "" {
		return txSigner.NewPrivateKeySigner(key)
	}
	return txSigner.NewAWSKMSSigner(c.String("tx-aws-kms-key-id"), c.String("tx-aws-region"))
}

func readJSONFile(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseNetwork(c *cli.Context, flag string, family networks.Family) (networks.Network, error) {
	n, err := networks.Parse(c.String(flag))
	if err != nil {
		return "", err
	}
	if networks.FamilyOf(n) != family {
		return "", fmt.Errorf("--%s must be a %s network, got %s", flag, family, n)
	}
	return n, nil
}

func ephemeralAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	families := make([]networks.Family, 0, len(c.StringSlice("family")))
	for _, name := range c.StringSlice("family") {
		family, err := networks.ParseFamily(name)
		if err != nil {
			return err
		}
		families = append(families, family)
	}

	set, err := ephemeral.NewFactory(uint16(c.Uint("ss58")), l).CreateSet(families...)
	if err != nil {
		return fmt.Errorf("failed to create ephemerals: %w", err)
	}
	return printJSON(set)
}

func signAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("lookahead") {
		cfg.Presign.LookAhead = c.Int("lookahead")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	var unsigned []presigner.UnsignedTransaction
	if err := readJSONFile(c.String("unsigned"), &unsigned); err != nil {
		return err
	}
	var ephemerals ephemeral.Set
	if err := readJSONFile(c.String("ephemerals"), &ephemerals); err != nil {
		return err
	}

	used := make(map[networks.Network]bool, len(unsigned))
	for _, tx := range unsigned {
		used[tx.Network] = true
	}

	ctx := c.Context
	cm, err := setupChainManager(ctx, cfg, nil, func(n networks.Network) bool { return used[n] }, l)
	if err != nil {
		return fmt.Errorf("failed to setup chain manager: %w", err)
	}
	defer cm.Close()

	sm, err := setupSubstrateManager(cfg, nil, l)
	if err != nil {
		return fmt.Errorf("failed to setup substrate manager: %w", err)
	}
	defer sm.Close()

	p := presigner.NewPresigner(cfg.PresignerConfig(), sm, cm, nil, l)
	result, err := p.SignTransactions(ctx, unsigned, ephemerals)
	if err != nil {
		return fmt.Errorf("failed to sign transactions: %w", err)
	}
	return printJSON(result)
}

type routeOutput struct {
	RequestID    string                          `json:"requestId,omitempty"`
	Route        routeBuilder.Route              `json:"route"`
	Transactions *routeBuilder.TransactionData   `json:"transactions"`
	Templates    []presigner.UnsignedTransaction `json:"templates"`
	ReceiverID   string                          `json:"receiverId,omitempty"`
	ReceiverHash string                          `json:"receiverHash,omitempty"`
	Payload      string                          `json:"payload,omitempty"`
}

func routeAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fromNetwork, err := parseNetwork(c, "from-network", networks.FamilyEVM)
	if err != nil {
		return err
	}
	toNetwork, err := parseNetwork(c, "to-network", networks.FamilyEVM)
	if err != nil {
		return err
	}
	for _, flag := range []string{"from-token", "from-address"} {
		if !common.IsHexAddress(c.String(flag)) {
			return fmt.Errorf("--%s is not a valid address", flag)
		}
	}
	fromToken := common.HexToAddress(c.String("from-token"))
	fromAddress := common.HexToAddress(c.String("from-address")).Hex()

	out := routeOutput{}
	var params routeBuilder.RouteParams
	if receiver := c.String("receiver"); receiver != "" {
		if !common.IsHexAddress(receiver) {
			return fmt.Errorf("--receiver is not a valid address")
		}
		payload, err := routeBuilder.EncodePayload(c.String("receiver-account"))
		if err != nil {
			return err
		}
		id, err := routeBuilder.NewReceiverID()
		if err != nil {
			return err
		}
		hash := routeBuilder.CorrelationHash(id, payload)
		out.ReceiverID = id.Hex()
		out.ReceiverHash = hash.Hex()
		out.Payload = common.Bytes2Hex(payload)

		params, err = routeBuilder.CreateRouteParamsWithMoonbeamPostHook(routeBuilder.MoonbeamPostHookRequest{
			FromAddress:              fromAddress,
			Amount:                   c.String("amount"),
			FromToken:                fromToken,
			FromNetwork:              fromNetwork,
			ReceivingContractAddress: common.HexToAddress(receiver),
			ReceiverHash:             hash,
		})
		if err != nil {
			return err
		}
	} else {
		if !common.IsHexAddress(c.String("to-token")) {
			return fmt.Errorf("--to-token is not a valid address")
		}
		destination := c.String("to-address")
		if destination == "" {
			destination = fromAddress
		}
		params, err = routeBuilder.CreateGenericRouteParams(routeBuilder.GenericRouteRequest{
			FromAddress:        fromAddress,
			Amount:             c.String("amount"),
			FromToken:          fromToken,
			ToToken:            common.HexToAddress(c.String("to-token")),
			FromNetwork:        fromNetwork,
			ToNetwork:          toNetwork,
			DestinationAddress: destination,
		})
		if err != nil {
			return err
		}
	}

	client, err := routeBuilder.NewClient(cfg.RouteClientConfig(), nil, nil, l)
	if err != nil {
		return fmt.Errorf("failed to setup route client: %w", err)
	}
	ctx := c.Context
	result, err := client.GetRoute(ctx, params)
	if err != nil {
		return err
	}
	out.RequestID = result.RequestID
	out.Route = result.Route

	cm, err := setupChainManager(ctx, cfg, nil, func(n networks.Network) bool { return n == fromNetwork }, l)
	if err != nil {
		return fmt.Errorf("failed to setup chain manager: %w", err)
	}
	defer cm.Close()

	data, err := routeBuilder.CreateTransactionDataFromRoute(ctx, cm, routeBuilder.TransactionDataRequest{
		Route:      result.Route,
		Network:    fromNetwork,
		RawAmount:  c.String("amount"),
		InputToken: fromToken,
	})
	if err != nil {
		return err
	}
	out.Transactions = data
	out.Templates = data.Templates(fromNetwork, fromAddress, c.Uint64("nonce"))
	return printJSON(out)
}

type runtimeInfo struct {
	Endpoint           string `json:"endpoint"`
	SS58Format         uint16 `json:"ss58Format"`
	Decimals           uint32 `json:"decimals"`
	SpecVersion        uint32 `json:"specVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

func warmAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	sm, err := setupSubstrateManager(cfg, nil, l)
	if err != nil {
		return fmt.Errorf("failed to setup substrate manager: %w", err)
	}
	defer sm.Close()

	handles, err := sm.PopulateAllApis(c.Context)
	if err != nil {
		return err
	}
	out := make(map[networks.Network]runtimeInfo, len(handles))
	for network, h := range handles {
		out[network] = runtimeInfo{
			Endpoint:           h.Endpoint,
			SS58Format:         h.SS58Format,
			Decimals:           h.Decimals,
			SpecVersion:        h.SpecVersion,
			TransactionVersion: h.TransactionVersion,
		}
	}
	return printJSON(out)
}

func submitAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	network, err := parseNetwork(c, "network", networks.FamilyEVM)
	if err != nil {
		return err
	}
	cm, err := setupChainManager(c.Context, cfg, nil, func(n networks.Network) bool { return n == network }, l)
	if err != nil {
		return fmt.Errorf("failed to setup chain manager: %w", err)
	}
	defer cm.Close()

	hash, err := cm.SendRawTransaction(c.Context, network, c.String("raw"))
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}

func executeAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	network, err := parseNetwork(c, "network", networks.FamilySubstrate)
	if err != nil {
		return err
	}
	call, err := substrateManager.DecodeCall(c.String("extrinsic"))
	if err != nil {
		return err
	}
	var ephemerals ephemeral.Set
	if err := readJSONFile(c.String("ephemerals"), &ephemerals); err != nil {
		return err
	}
	acc, err := ephemerals.ForFamily(networks.FamilySubstrate)
	if err != nil {
		return err
	}

	sm, err := setupSubstrateManager(cfg, nil, l)
	if err != nil {
		return fmt.Errorf("failed to setup substrate manager: %w", err)
	}
	defer sm.Close()

	handle, err := sm.GetApi(c.Context, network, false)
	if err != nil {
		return err
	}
	kp, err := ephemeral.SubstrateKeypair(acc, handle.SS58Format)
	if err != nil {
		return err
	}

	hash, err := sm.ExecuteApiCall(c.Context, network, func(*types.Metadata) (types.Call, error) {
		return call, nil
	}, kp)
	if err != nil {
		return err
	}
	fmt.Println(hash.Hex())
	return nil
}

func fundAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	network, err := parseNetwork(c, "network", networks.FamilyEVM)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(c.String("to")) {
		return fmt.Errorf("--to is not a valid address")
	}
	amount, ok := new(big.Int).SetString(c.String("amount"), 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("--amount must be a positive integer")
	}

	signer, err := setupTransactionSigner(c)
	if err != nil {
		return fmt.Errorf("failed to setup transaction signer: %w", err)
	}
	cm, err := setupChainManager(c.Context, cfg, nil, func(n networks.Network) bool { return n == network }, l)
	if err != nil {
		return fmt.Errorf("failed to setup chain manager: %w", err)
	}
	defer cm.Close()

	receipt, err := cm.SendTransaction(c.Context, network, signer, chainManager.TxRequest{
		To:    common.HexToAddress(c.String("to")),
		Value: amount,
		Tag:   "fund",
	})
	if err != nil {
		return err
	}
	fmt.Println(receipt.TxHash.Hex())
	return nil
}

func serveAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := cfg.Metrics.Addr
	if c.IsSet("metrics-addr") {
		addr = c.String("metrics-addr")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cm, err := setupChainManager(ctx, cfg, recorder, nil, l)
	if err != nil {
		return fmt.Errorf("failed to setup chain manager: %w", err)
	}
	defer cm.Close()
	l.Sugar().Infow("Connected EVM chains",
		zap.Strings("networks", util.Map(cfg.EvmChains(), func(c *chainManager.ChainConfig, _ uint64) string {
			return string(c.Network)
		})),
	)

	sm, err := setupSubstrateManager(cfg, recorder, l)
	if err != nil {
		return fmt.Errorf("failed to setup substrate manager: %w", err)
	}
	defer sm.Close()

	ready := make(chan struct{})
	go func() {
		if _, err := sm.PopulateAllApis(ctx); err != nil {
			l.Sugar().Errorw("Failed to connect substrate networks", zap.Error(err))
			return
		}
		close(ready)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-ready:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           logger.HttpLoggerMiddleware(mux, l),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		l.Sugar().Infow("Serving metrics", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l.Sugar().Infow("Shutting down")
	return server.Shutdown(shutdownCtx)
}
