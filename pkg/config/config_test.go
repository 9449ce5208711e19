package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/presigner"
	"github.com/vortex-ramp/ephemeral-signer/pkg/substrateManager"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, presigner.DefaultLookAhead, cfg.Presign.LookAhead)
	assert.Equal(t, substrateManager.DefaultFinalizationTimeout, cfg.Substrate.FinalizationTimeout)
	assert.Equal(t, time.Second, cfg.Transport.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Transport.Timeout)
	assert.Contains(t, cfg.Evm.Networks, string(networks.Polygon))

	sub := cfg.SubstrateManagerConfig()
	assert.Equal(t, networks.DefaultSubstrateWS(networks.Pendulum), sub.Endpoints[networks.Pendulum])
	assert.Equal(t, networks.StellarPassphrase(false), cfg.PresignerConfig().StellarPassphrase)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
evm:
  networks: [polygon, base]
  rpcs:
    base: ["http://base-a", "http://base-b"]
substrate:
  networks: [pendulum]
  finalization_timeout: 90s
stellar:
  sandbox: true
presign:
  lookahead: 3
route:
  integrator_id: from-file
`)
	t.Setenv("RAMP_EVM_ALCHEMY_API_KEY", "key123")
	t.Setenv("RAMP_ROUTE_INTEGRATOR_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Presign.LookAhead)
	assert.Equal(t, 90*time.Second, cfg.Substrate.FinalizationTimeout)
	assert.Equal(t, "from-env", cfg.RouteClientConfig().IntegratorID)

	chains := cfg.EvmChains()
	require.Len(t, chains, 2)
	assert.Equal(t, networks.Polygon, chains[0].Network)
	assert.Equal(t, networks.DefaultEvmRPCs(networks.Polygon, "key123"), chains[0].RPCUrls)
	assert.Contains(t, chains[0].RPCUrls[0], "key123")
	assert.Equal(t, []string{"http://base-a", "http://base-b"}, chains[1].RPCUrls)

	assert.Equal(t, networks.StellarPassphrase(true), cfg.PresignerConfig().StellarPassphrase)
	assert.Len(t, cfg.SubstrateManagerConfig().Endpoints, 1)
}

func TestLoad_RejectsWrongFamily(t *testing.T) {
	path := writeConfig(t, "evm:\n  networks: [pendulum]\n")
	_, err := Load(path)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))

	path = writeConfig(t, "substrate:\n  networks: [atlantis]\n")
	_, err = Load(path)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))

	path = writeConfig(t, "presign:\n  lookahead: 0\n")
	_, err = Load(path)
	assert.True(t, chainErrors.IsKind(err, chainErrors.KindConfiguration))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
