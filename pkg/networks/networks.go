// Package networks declares the ledgers the ephemeral signer can target and the
// static metadata (family, chain id, default endpoints) attached to each of them.
package networks

import (
	"fmt"
	"strings"

	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
)

// Family groups networks that share key types, nonce semantics and wire formats.
type Family string

const (
	FamilyEVM       Family = "evm"
	FamilySubstrate Family = "substrate"
	FamilyStellar   Family = "stellar"
)

// ParseFamily parses a family name case-insensitively.
func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyEVM:
		return FamilyEVM, nil
	case FamilySubstrate:
		return FamilySubstrate, nil
	case FamilyStellar:
		return FamilyStellar, nil
	}
	return "", chainErrors.New(chainErrors.KindConfiguration, "", fmt.Sprintf("unknown chain family %q", s))
}

// Network is the identity of a supported ledger.
type Network string

const (
	Polygon     Network = "polygon"
	PolygonAmoy Network = "polygonAmoy"
	Moonbeam    Network = "moonbeam"
	Arbitrum    Network = "arbitrum"
	Avalanche   Network = "avalanche"
	Base        Network = "base"
	BSC         Network = "bsc"
	Ethereum    Network = "ethereum"

	Pendulum          Network = "pendulum"
	AssetHub          Network = "assethub"
	Hydration         Network = "hydration"
	MoonbeamSubstrate Network = "moonbeam-substrate"
	Paseo             Network = "paseo"

	Stellar Network = "stellar"
)

// Info is the static description of a network.
type Info struct {
	Network Network
	Family  Family
	// EvmChainID is only set for EVM networks.
	EvmChainID uint64
	// SS58Format is only set for Substrate networks; it is the fallback used when the
	// node does not report one.
	SS58Format uint16
	// Decimals is the native token precision fallback.
	Decimals uint32
}

var registry = map[Network]Info{
	Polygon:     {Network: Polygon, Family: FamilyEVM, EvmChainID: 137, Decimals: 18},
	PolygonAmoy: {Network: PolygonAmoy, Family: FamilyEVM, EvmChainID: 80002, Decimals: 18},
	Moonbeam:    {Network: Moonbeam, Family: FamilyEVM, EvmChainID: 1284, Decimals: 18},
	Arbitrum:    {Network: Arbitrum, Family: FamilyEVM, EvmChainID: 42161, Decimals: 18},
	Avalanche:   {Network: Avalanche, Family: FamilyEVM, EvmChainID: 43114, Decimals: 18},
	Base:        {Network: Base, Family: FamilyEVM, EvmChainID: 8453, Decimals: 18},
	BSC:         {Network: BSC, Family: FamilyEVM, EvmChainID: 56, Decimals: 18},
	Ethereum:    {Network: Ethereum, Family: FamilyEVM, EvmChainID: 1, Decimals: 18},

	Pendulum:          {Network: Pendulum, Family: FamilySubstrate, SS58Format: 56, Decimals: 12},
	AssetHub:          {Network: AssetHub, Family: FamilySubstrate, SS58Format: 0, Decimals: 10},
	Hydration:         {Network: Hydration, Family: FamilySubstrate, SS58Format: 63, Decimals: 12},
	MoonbeamSubstrate: {Network: MoonbeamSubstrate, Family: FamilySubstrate, SS58Format: 1284, Decimals: 18},
	Paseo:             {Network: Paseo, Family: FamilySubstrate, SS58Format: 0, Decimals: 10},

	Stellar: {Network: Stellar, Family: FamilyStellar, Decimals: 7},
}

// Lookup returns the static info of a network or a configuration error.
func Lookup(n Network) (Info, error) {
	info, ok := registry[n]
	if !ok {
		return Info{}, chainErrors.New(chainErrors.KindConfiguration, string(n), "unknown network")
	}
	return info, nil
}

// Parse resolves a network name, accepting any casing.
func Parse(s string) (Network, error) {
	clean := strings.TrimSpace(s)
	for n := range registry {
		if strings.EqualFold(string(n), clean) {
			return n, nil
		}
	}
	return "", chainErrors.New(chainErrors.KindConfiguration, clean, "unknown network")
}

// FamilyOf returns the family of n, or an empty family if n is unknown.
func FamilyOf(n Network) Family {
	return registry[n].Family
}

// ByEvmChainID finds the EVM network with the given chain id.
func ByEvmChainID(chainID uint64) (Network, error) {
	for n, info := range registry {
		if info.Family == FamilyEVM && info.EvmChainID == chainID {
			return n, nil
		}
	}
	return "", chainErrors.New(chainErrors.KindConfiguration, fmt.Sprintf("eip155:%d", chainID), "unknown evm chain id")
}

// All returns every network of the given family.
func All(family Family) []Network {
	out := make([]Network, 0)
	for n, info := range registry {
		if info.Family == family {
			out = append(out, n)
		}
	}
	return out
}
