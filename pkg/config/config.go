// Package config loads the signer configuration from a YAML file and RAMP_ prefixed
// environment variables.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainManager"
	"github.com/vortex-ramp/ephemeral-signer/pkg/fallbackTransport"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/presigner"
	"github.com/vortex-ramp/ephemeral-signer/pkg/routeBuilder"
	"github.com/vortex-ramp/ephemeral-signer/pkg/substrateManager"
)

const EnvPrefix = "RAMP"

type Config struct {
	Debug     bool            `mapstructure:"debug"`
	Evm       EvmConfig       `mapstructure:"evm"`
	Substrate SubstrateConfig `mapstructure:"substrate"`
	Stellar   StellarConfig   `mapstructure:"stellar"`
	Presign   PresignConfig   `mapstructure:"presign"`
	Route     RouteConfig     `mapstructure:"route"`
	Transport TransportConfig `mapstructure:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type EvmConfig struct {
	// Networks lists the EVM networks to connect at startup.
	Networks      []string `mapstructure:"networks"`
	AlchemyAPIKey string   `mapstructure:"alchemy_api_key"`
	// RPCs overrides the default endpoints of a network.
	RPCs map[string][]string `mapstructure:"rpcs"`
}

type SubstrateConfig struct {
	Networks            []string            `mapstructure:"networks"`
	Endpoints           map[string][]string `mapstructure:"endpoints"`
	FinalizationTimeout time.Duration       `mapstructure:"finalization_timeout"`
}

type StellarConfig struct {
	Sandbox bool `mapstructure:"sandbox"`
}

type PresignConfig struct {
	LookAhead int `mapstructure:"lookahead"`
}

type RouteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	IntegratorID      string        `mapstructure:"integrator_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type TransportConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("evm.networks", []string{string(networks.Polygon), string(networks.Moonbeam), string(networks.Base)})
	// Keys without a default are invisible to environment overrides on Unmarshal.
	v.SetDefault("evm.alchemy_api_key", "")

	v.SetDefault("substrate.networks", []string{string(networks.Pendulum), string(networks.AssetHub), string(networks.Hydration)})
	v.SetDefault("substrate.finalization_timeout", substrateManager.DefaultFinalizationTimeout)

	v.SetDefault("stellar.sandbox", false)

	v.SetDefault("presign.lookahead", presigner.DefaultLookAhead)

	v.SetDefault("route.base_url", routeBuilder.DefaultBaseURL)
	v.SetDefault("route.integrator_id", "")
	v.SetDefault("route.timeout", routeBuilder.DefaultTimeout)
	v.SetDefault("route.requests_per_second", 5)
	v.SetDefault("route.burst", 5)

	v.SetDefault("transport.initial_delay", fallbackTransport.DefaultInitialDelay)
	v.SetDefault("transport.timeout", fallbackTransport.DefaultTimeout)
	v.SetDefault("transport.max_retries", 0)

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads path (optional) and environment overrides such as RAMP_EVM_ALCHEMY_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every configured network against its family.
func (c *Config) Validate() error {
	for _, name := range c.Evm.Networks {
		if err := expectFamily(name, networks.FamilyEVM); err != nil {
			return err
		}
	}
	for _, name := range c.Substrate.Networks {
		if err := expectFamily(name, networks.FamilySubstrate); err != nil {
			return err
		}
	}
	if c.Presign.LookAhead < 1 {
		return chainErrors.New(chainErrors.KindConfiguration, "", "presign lookahead must be at least 1")
	}
	return nil
}

func expectFamily(name string, family networks.Family) error {
	n, err := networks.Parse(name)
	if err != nil {
		return err
	}
	if networks.FamilyOf(n) != family {
		return chainErrors.New(chainErrors.KindConfiguration, name, fmt.Sprintf("not a %s network", family))
	}
	return nil
}

// TransportSettings returns the fallback transport configuration.
func (c *Config) TransportSettings() fallbackTransport.Config {
	return fallbackTransport.Config{
		InitialDelay: c.Transport.InitialDelay,
		Timeout:      c.Transport.Timeout,
		MaxRetries:   c.Transport.MaxRetries,
	}
}

// EvmChains returns the chain configs of every EVM network, endpoint overrides first.
func (c *Config) EvmChains() []*chainManager.ChainConfig {
	out := make([]*chainManager.ChainConfig, 0, len(c.Evm.Networks))
	for _, name := range c.Evm.Networks {
		n, _ := networks.Parse(name)
		urls := lookupOverride(c.Evm.RPCs, n)
		if len(urls) == 0 {
			urls = networks.DefaultEvmRPCs(n, c.Evm.AlchemyAPIKey)
		}
		out = append(out, &chainManager.ChainConfig{Network: n, RPCUrls: urls})
	}
	return out
}

// SubstrateManagerConfig returns the connection manager configuration.
func (c *Config) SubstrateManagerConfig() *substrateManager.Config {
	endpoints := make(map[networks.Network][]string, len(c.Substrate.Networks))
	for _, name := range c.Substrate.Networks {
		n, _ := networks.Parse(name)
		urls := lookupOverride(c.Substrate.Endpoints, n)
		if len(urls) == 0 {
			urls = networks.DefaultSubstrateWS(n)
		}
		endpoints[n] = urls
	}
	return &substrateManager.Config{
		Endpoints:           endpoints,
		FinalizationTimeout: c.Substrate.FinalizationTimeout,
		Transport:           c.TransportSettings(),
	}
}

// PresignerConfig returns the presigner configuration.
func (c *Config) PresignerConfig() *presigner.Config {
	return &presigner.Config{
		LookAhead:         c.Presign.LookAhead,
		StellarPassphrase: networks.StellarPassphrase(c.Stellar.Sandbox),
	}
}

// RouteClientConfig returns the route client configuration.
func (c *Config) RouteClientConfig() *routeBuilder.Config {
	return &routeBuilder.Config{
		BaseURL:           c.Route.BaseURL,
		IntegratorID:      c.Route.IntegratorID,
		Timeout:           c.Route.Timeout,
		RequestsPerSecond: c.Route.RequestsPerSecond,
		Burst:             c.Route.Burst,
	}
}

// lookupOverride matches map keys case-insensitively; viper lowercases keys.
func lookupOverride(m map[string][]string, n networks.Network) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, string(n)) {
			return m[k]
		}
	}
	return nil
}
