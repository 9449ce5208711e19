package networks

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/network"
)

const alchemyURLTemplate = "https://%s.g.alchemy.com/v2/%s"

var alchemySubdomains = map[Network]string{
	Polygon:   "polygon-mainnet",
	Arbitrum:  "arb-mainnet",
	Avalanche: "avax-mainnet",
	Base:      "base-mainnet",
	BSC:       "bnb-mainnet",
	Ethereum:  "eth-mainnet",
}

var publicEvmRPCs = map[Network][]string{
	Polygon:     {"https://polygon-rpc.com"},
	PolygonAmoy: {"https://polygon-amoy.api.onfinality.io/public"},
	Moonbeam:    {"https://rpc.api.moonbeam.network", "https://moonbeam-rpc.publicnode.com"},
	Arbitrum:    {"https://arb1.arbitrum.io/rpc"},
	Avalanche:   {"https://api.avax.network/ext/bc/C/rpc"},
	Base:        {"https://mainnet.base.org"},
	BSC:         {"https://bsc-dataseed.binance.org"},
	Ethereum:    {"https://eth.llamarpc.com"},
}

var substrateWS = map[Network][]string{
	AssetHub:          {"wss://dot-rpc.stakeworld.io/assethub"},
	Hydration:         {"wss://rpc.hydradx.cloud"},
	MoonbeamSubstrate: {"wss://wss.api.moonbeam.network", "wss://moonbeam.api.onfinality.io/public-ws", "wss://moonbeam.ibp.network"},
	Pendulum:          {"wss://rpc-pendulum.prd.pendulumchain.tech"},
	Paseo:             {"wss://asset-hub-paseo-rpc.n.dwellir.com"},
}

// DefaultEvmRPCs returns the ordered endpoint list for an EVM network. The keyed
// provider endpoint, when an API key is available, is tried first and the public
// endpoints act as fallbacks.
func DefaultEvmRPCs(n Network, alchemyAPIKey string) []string {
	urls := make([]string, 0, 3)
	if sub, ok := alchemySubdomains[n]; ok && alchemyAPIKey != "" {
		urls = append(urls, fmt.Sprintf(alchemyURLTemplate, sub, alchemyAPIKey))
	}
	return append(urls, publicEvmRPCs[n]...)
}

// DefaultSubstrateWS returns the websocket endpoints of a Substrate network.
func DefaultSubstrateWS(n Network) []string {
	return append([]string(nil), substrateWS[n]...)
}

// StellarPassphrase returns the network passphrase used to sign Stellar envelopes.
func StellarPassphrase(sandbox bool) string {
	if sandbox {
		return network.TestNetworkPassphrase
	}
	return network.PublicNetworkPassphrase
}
