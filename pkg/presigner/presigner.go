// Package presigner turns unsigned transaction templates into signed transactions for
// every supported ledger family. Each template yields a primary transaction at its
// nonce plus look-ahead alternates at the following nonces, so an orchestrator can
// resubmit without contacting the ephemeral signer again.
package presigner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/ephemeral"
	"github.com/vortex-ramp/ephemeral-signer/pkg/metrics"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/substrateManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"github.com/vortex-ramp/ephemeral-signer/pkg/util"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

const (
	// DefaultLookAhead is the number of signed transactions produced per template.
	DefaultLookAhead = 5
	// FeeMultiplier scales network suggested fees for templates without fee fields.
	FeeMultiplier = 5
)

// SubstrateConnections provides live Substrate handles.
type SubstrateConnections interface {
	GetApi(ctx context.Context, network networks.Network, forceRefresh bool) (*substrateManager.Handle, error)
}

// EvmClients provides wallet clients and fee suggestions for EVM chains.
type EvmClients interface {
	GetOrCreateWalletClient(network networks.Network, signer txSigner.ITransactionSigner) (*chainManager.WalletClient, error)
	SuggestFees(ctx context.Context, network networks.Network) (*chainManager.Fees, error)
}

// Config controls the presigner.
type Config struct {
	// LookAhead is the total number of signatures per template, primary included.
	LookAhead int
	// StellarPassphrase is the network passphrase Stellar envelopes are signed for.
	StellarPassphrase string
}

// Presigner signs batches of templates.
type Presigner struct {
	config    Config
	substrate SubstrateConnections
	evm       EvmClients
	recorder  metrics.Recorder
	logger    *zap.Logger
}

// NewPresigner creates a presigner. substrate or evm may be nil when no template of
// that family is ever signed.
func NewPresigner(cfg *Config, substrate SubstrateConnections, evm EvmClients, recorder metrics.Recorder, l *zap.Logger) *Presigner {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.LookAhead <= 0 {
		c.LookAhead = DefaultLookAhead
	}
	if c.StellarPassphrase == "" {
		c.StellarPassphrase = networks.StellarPassphrase(false)
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Presigner{
		config:    c,
		substrate: substrate,
		evm:       evm,
		recorder:  metrics.OrNoop(recorder),
		logger:    l,
	}
}

// chainGroup is the ordered work of one network.
type chainGroup struct {
	network networks.Network
	family  networks.Family
	txs     []UnsignedTransaction
	signed  []PresignedTransaction
}

var familyOrder = map[networks.Family]int{
	networks.FamilyStellar:   0,
	networks.FamilySubstrate: 1,
	networks.FamilyEVM:       2,
}

// SignTransactions signs every template with the ephemeral of its chain family.
// Stellar templates are handled first in sequence order, then Substrate, then EVM.
// Work within a chain is sequential; distinct chains are signed concurrently. Any
// failure, including a missing ephemeral or connection, aborts the whole batch.
func (p *Presigner) SignTransactions(ctx context.Context, unsigned []UnsignedTransaction, ephemerals ephemeral.Set) (*Result, error) {
	start := time.Now()
	groups, err := p.groupByChain(unsigned)
	if err != nil {
		return nil, err
	}

	// Prerequisites are checked up front so no chain starts signing for a batch that
	// cannot complete.
	for _, g := range groups {
		if _, err := ephemerals.ForFamily(g.family); err != nil {
			return nil, chainErrors.Reclassify(chainErrors.KindMissingPrerequisite, string(g.network), "cannot sign batch", err)
		}
		if g.family == networks.FamilySubstrate && p.substrate == nil {
			return nil, chainErrors.New(chainErrors.KindMissingPrerequisite, string(g.network), "no substrate connections available")
		}
		if g.family == networks.FamilyEVM && p.evm == nil {
			return nil, chainErrors.New(chainErrors.KindMissingPrerequisite, string(g.network), "no evm clients available")
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			acc, _ := ephemerals.ForFamily(g.family)
			var signErr error
			switch g.family {
			case networks.FamilyStellar:
				g.signed, signErr = p.signStellarGroup(g, acc)
			case networks.FamilySubstrate:
				g.signed, signErr = p.signSubstrateGroup(egCtx, g, acc)
			case networks.FamilyEVM:
				g.signed, signErr = p.signEvmGroup(egCtx, g, acc)
			}
			if signErr != nil {
				p.logger.Sugar().Errorw("Error signing transactions",
					zap.String("network", string(g.network)),
					zap.Error(signErr),
				)
				return signErr
			}
			p.recorder.IncCounter(metrics.EventPresignBatch, map[string]string{"network": string(g.network)})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	signed := make([]PresignedTransaction, 0, len(unsigned))
	for _, g := range groups {
		signed = append(signed, g.signed...)
	}

	result, err := newResult(uuid.New(), signed)
	if err != nil {
		return nil, err
	}
	p.recorder.ObserveLatency("presign", time.Since(start), map[string]string{"network": "all"})
	p.logger.Sugar().Infow("Signed transaction batch",
		zap.String("batchId", result.BatchID.String()),
		zap.Int("transactions", len(signed)),
		zap.Int("lookAhead", p.config.LookAhead),
	)
	return result, nil
}

func (p *Presigner) groupByChain(unsigned []UnsignedTransaction) ([]*chainGroup, error) {
	groups := make([]*chainGroup, 0)
	seen := make(map[string]struct{}, len(unsigned))
	primaries := make(map[string]struct{}, len(unsigned))

	for _, tx := range unsigned {
		family := networks.FamilyOf(tx.Network)
		if family == "" {
			return nil, chainErrors.New(chainErrors.KindConfiguration, string(tx.Network), "unknown network")
		}
		if err := validateTemplate(tx, family); err != nil {
			return nil, err
		}

		key := tx.dedupeKey()
		if _, dup := seen[key]; dup {
			p.logger.Sugar().Debugw("Skipping already signed template",
				zap.String("network", string(tx.Network)),
				zap.String("phase", tx.Phase),
				zap.Uint64("nonce", tx.Nonce),
			)
			continue
		}
		seen[key] = struct{}{}

		phaseKey := string(tx.Network) + "|" + tx.Phase
		if _, exists := primaries[phaseKey]; exists {
			return nil, chainErrors.New(chainErrors.KindConfiguration, string(tx.Network),
				fmt.Sprintf("conflicting templates for phase %s", tx.Phase))
		}
		primaries[phaseKey] = struct{}{}

		g := util.Find(groups, func(g *chainGroup) bool { return g.network == tx.Network })
		if g == nil {
			g = &chainGroup{network: tx.Network, family: family}
			groups = append(groups, g)
		}
		g.txs = append(g.txs, tx)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return familyOrder[groups[i].family] < familyOrder[groups[j].family]
	})
	for _, g := range groups {
		if g.family == networks.FamilyStellar {
			sort.SliceStable(g.txs, func(i, j int) bool { return g.txs[i].Nonce < g.txs[j].Nonce })
		}
	}
	return groups, nil
}

func validateTemplate(tx UnsignedTransaction, family networks.Family) error {
	switch {
	case family == networks.FamilyEVM && !tx.TxData.IsEvm():
		return chainErrors.New(chainErrors.KindConfiguration, string(tx.Network), fmt.Sprintf("invalid evm transaction data format for phase %s", tx.Phase))
	case family != networks.FamilyEVM && tx.TxData.IsEvm():
		return chainErrors.New(chainErrors.KindConfiguration, string(tx.Network), fmt.Sprintf("invalid %s transaction data format for phase %s", family, tx.Phase))
	case tx.Network == networks.MoonbeamSubstrate:
		return chainErrors.New(chainErrors.KindConfiguration, string(tx.Network), "signing moonbeam-substrate extrinsics with an ethereum (secp256k1) keyring is not supported")
	}
	return nil
}

// AddAdditionalTransactions attaches all[1:] to primary under "{phase}{offset}".
func AddAdditionalTransactions(primary PresignedTransaction, all []PresignedTransaction) PresignedTransaction {
	if len(all) <= 1 {
		return primary
	}
	additional := make(map[string]PresignedTransaction, len(all)-1)
	for offset := 1; offset < len(all); offset++ {
		additional[AdditionalTxName(primary.Phase, offset)] = all[offset]
	}
	primary.Meta = primary.Meta.clone()
	primary.Meta.AdditionalTxs = additional
	return primary
}

func (p *Presigner) signStellarGroup(g *chainGroup, acc *ephemeral.Account) ([]PresignedTransaction, error) {
	kp, err := ephemeral.StellarKeypair(acc)
	if err != nil {
		return nil, fmt.Errorf("invalid stellar ephemeral: %w", err)
	}

	out := make([]PresignedTransaction, 0, len(g.txs))
	for _, tx := range g.txs {
		signedTx := PresignedTransaction(tx)
		signedTx.Meta = tx.Meta.clone()

		envelope, err := signStellarEnvelope(tx.TxData.Encoded, p.config.StellarPassphrase, kp)
		if err != nil {
			return nil, chainErrors.Wrap(chainErrors.KindInternal, string(g.network), fmt.Sprintf("failed to sign %s", tx.Phase), err)
		}
		signedTx.TxData = TxData{Encoded: envelope}

		// Alternates of this phase arrive unsigned in the template metadata.
		for name, extra := range signedTx.Meta.AdditionalTxs {
			if !strings.Contains(name, tx.Phase) {
				continue
			}
			extraEnvelope, err := signStellarEnvelope(extra.TxData.Encoded, p.config.StellarPassphrase, kp)
			if err != nil {
				return nil, chainErrors.Wrap(chainErrors.KindInternal, string(g.network), fmt.Sprintf("failed to sign %s", name), err)
			}
			extra.TxData = TxData{Encoded: extraEnvelope}
			signedTx.Meta.AdditionalTxs[name] = extra
		}
		out = append(out, signedTx)
	}
	return out, nil
}

func signStellarEnvelope(envelopeXDR, passphrase string, kp *keypair.Full) (string, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return "", fmt.Errorf("failed to parse envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return "", fmt.Errorf("fee bump envelopes are not supported")
	}
	tx, err = tx.Sign(passphrase, kp)
	if err != nil {
		return "", err
	}
	return tx.Base64()
}

func (p *Presigner) signSubstrateGroup(ctx context.Context, g *chainGroup, acc *ephemeral.Account) ([]PresignedTransaction, error) {
	handle, err := p.substrate.GetApi(ctx, g.network, false)
	if err != nil {
		return nil, chainErrors.Reclassify(chainErrors.KindMissingPrerequisite, string(g.network), "no live connection", err)
	}
	kp, err := ephemeral.SubstrateKeypair(acc, handle.SS58Format)
	if err != nil {
		return nil, fmt.Errorf("invalid substrate ephemeral: %w", err)
	}

	out := make([]PresignedTransaction, 0, len(g.txs))
	for _, tx := range g.txs {
		call, err := substrateManager.DecodeCall(tx.TxData.Encoded)
		if err != nil {
			return nil, chainErrors.Wrap(chainErrors.KindInternal, string(g.network), fmt.Sprintf("invalid extrinsic for %s", tx.Phase), err)
		}

		all := make([]PresignedTransaction, 0, p.config.LookAhead)
		for i := 0; i < p.config.LookAhead; i++ {
			nonce := tx.Nonce + uint64(i)
			signedHex, err := handle.Client.SignCall(ctx, call, kp, nonce)
			if err != nil {
				return nil, chainErrors.Wrap(chainErrors.KindInternal, string(g.network), fmt.Sprintf("failed to sign %s at nonce %d", tx.Phase, nonce), err)
			}
			all = append(all, alternate(tx, nonce, TxData{Encoded: signedHex}))
		}
		out = append(out, AddAdditionalTransactions(all[0], all))
	}
	return out, nil
}

func (p *Presigner) signEvmGroup(ctx context.Context, g *chainGroup, acc *ephemeral.Account) ([]PresignedTransaction, error) {
	signer, err := ephemeral.EvmSigner(acc)
	if err != nil {
		return nil, fmt.Errorf("invalid evm ephemeral: %w", err)
	}
	wc, err := p.evm.GetOrCreateWalletClient(g.network, signer)
	if err != nil {
		return nil, chainErrors.Reclassify(chainErrors.KindMissingPrerequisite, string(g.network), "no wallet client", err)
	}

	var networkFees *chainManager.Fees
	feesOnce := sync.OnceValues(func() (*chainManager.Fees, error) {
		fees, err := p.evm.SuggestFees(ctx, g.network)
		if err != nil {
			return nil, err
		}
		return fees.Multiply(FeeMultiplier), nil
	})

	out := make([]PresignedTransaction, 0, len(g.txs))
	for _, tx := range g.txs {
		data := *tx.TxData.Evm
		if !data.HasFees() {
			networkFees, err = feesOnce()
			if err != nil {
				return nil, chainErrors.Wrap(chainErrors.KindTransient, string(g.network), "failed to get network fees", err)
			}
			data = data.WithFees(networkFees)
		}

		all := make([]PresignedTransaction, 0, p.config.LookAhead)
		for i := 0; i < p.config.LookAhead; i++ {
			nonce := tx.Nonce + uint64(i)
			signed, err := wc.SignTransaction(ctx, data, nonce)
			if err != nil {
				return nil, chainErrors.Wrap(chainErrors.KindInternal, string(g.network), fmt.Sprintf("failed to sign %s at nonce %d", tx.Phase, nonce), err)
			}
			raw, err := chainManager.EncodeSignedTransaction(signed)
			if err != nil {
				return nil, err
			}
			all = append(all, alternate(tx, nonce, TxData{Encoded: raw}))
		}
		out = append(out, AddAdditionalTransactions(all[0], all))
	}
	return out, nil
}

// alternate copies tx at nonce with a signed payload and no nested alternates.
func alternate(tx UnsignedTransaction, nonce uint64, data TxData) PresignedTransaction {
	out := PresignedTransaction(tx)
	out.Nonce = nonce
	out.TxData = data
	out.Meta = Meta{ExpectedSequenceNumber: tx.Meta.ExpectedSequenceNumber}
	return out
}
