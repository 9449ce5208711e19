package substrateManager

import (
	"context"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"go.uber.org/zap"
)

// ExecuteApiCall builds, signs and submits a call from kp and waits for finalization,
// returning the finalized block hash. A stale-connection failure triggers exactly one
// forced reconnect and a retry with a freshly allocated nonce.
func (m *Manager) ExecuteApiCall(ctx context.Context, network networks.Network, buildCall CallBuilder, kp signature.KeyringPair) (types.Hash, error) {
	hash, err := m.submitOnce(ctx, network, buildCall, kp, false)
	if err == nil || !chainErrors.IsKind(err, chainErrors.KindStaleConnection) {
		return hash, err
	}

	m.logger.Sugar().Infow("Bad signature error encountered, refreshing the api",
		zap.String("network", string(network)),
		zap.Error(err),
	)
	return m.submitOnce(ctx, network, buildCall, kp, true)
}

func (m *Manager) submitOnce(ctx context.Context, network networks.Network, buildCall CallBuilder, kp signature.KeyringPair, forceRefresh bool) (types.Hash, error) {
	handle, err := m.GetApi(ctx, network, forceRefresh)
	if err != nil {
		return types.Hash{}, err
	}
	call, err := buildCall(handle.Client.Metadata())
	if err != nil {
		return types.Hash{}, fmt.Errorf("failed to build call for %s: %w", network, err)
	}
	nonce, err := m.GetNonce(ctx, network, kp)
	if err != nil {
		return types.Hash{}, err
	}

	m.logger.Sugar().Infow("Sending transaction",
		zap.String("network", string(network)),
		zap.String("address", kp.Address),
		zap.Uint64("nonce", nonce),
	)

	finalizeCtx, cancel := context.WithTimeout(ctx, m.config.FinalizationTimeout)
	defer cancel()
	hash, err := handle.Client.SubmitAndWatch(finalizeCtx, call, kp, nonce)
	if err != nil {
		return types.Hash{}, chainErrors.Wrap(chainErrors.KindInternal, string(network), "transaction was not finalized", err)
	}
	return hash, nil
}
