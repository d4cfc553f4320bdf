// Package config loads the duopowd runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/encody/duopow/registry"
)

// Environment variable fallbacks, kept compatible with earlier deployments.
const (
	EnvKeystore   = "DUOPOW_KEYSTORE"
	EnvPassphrase = "DUOPOW_PASSWORD"
	EnvContract   = "DUOPOW_CONTRACT"
	EnvRPC        = "DUOPOW_RPC"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for duopowd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	Duolingo      DuolingoConfig `yaml:"duolingo"`
	Chain         ChainConfig    `yaml:"chain"`
	Keystore      KeystoreConfig `yaml:"keystore"`
}

// DuolingoConfig configures the off-chain profile client.
type DuolingoConfig struct {
	BaseURL           string   `yaml:"base_url"`
	RequestsPerMinute float64  `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	Timeout           Duration `yaml:"timeout"`
}

// ChainConfig configures the RPC endpoint and the rewards contract.
type ChainConfig struct {
	Endpoint string `yaml:"endpoint"`
	ChainID  uint64 `yaml:"chain_id"`
	Contract string `yaml:"contract"`
}

// KeystoreConfig locates the signer key and its passphrase source.
type KeystoreConfig struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Load reads configuration from the supplied path. An empty path yields a
// config assembled purely from defaults and DUOPOW_* environment variables,
// matching how the bot has historically been deployed.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7810"
	}
	if cfg.Duolingo.BaseURL == "" {
		cfg.Duolingo.BaseURL = "https://www.duolingo.com/2017-06-30"
	}
	if cfg.Duolingo.RequestsPerMinute == 0 {
		cfg.Duolingo.RequestsPerMinute = 30
	}
	if cfg.Duolingo.Burst <= 0 {
		cfg.Duolingo.Burst = 5
	}
	if cfg.Duolingo.Timeout.Duration == 0 {
		cfg.Duolingo.Timeout.Duration = 15 * time.Second
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = registry.DefaultChainID
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = EnvPassphrase
	}
}

func applyEnv(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv(EnvKeystore)); value != "" && cfg.Keystore.Path == "" {
		cfg.Keystore.Path = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvContract)); value != "" && cfg.Chain.Contract == "" {
		cfg.Chain.Contract = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvRPC)); value != "" && cfg.Chain.Endpoint == "" {
		cfg.Chain.Endpoint = value
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured (chain.endpoint or %s)", EnvRPC)
	}
	contract := strings.TrimSpace(cfg.Chain.Contract)
	if contract == "" {
		return fmt.Errorf("contract address must be configured (chain.contract or %s)", EnvContract)
	}
	if !common.IsHexAddress(contract) {
		return fmt.Errorf("contract address %q is not a hex address", contract)
	}
	if strings.TrimSpace(cfg.Keystore.Path) == "" {
		return fmt.Errorf("keystore path must be configured (keystore.path or %s)", EnvKeystore)
	}
	return nil
}

// ContractAddress returns the parsed contract address. Call after Load.
func (c ChainConfig) ContractAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Contract))
}

// String renders the chain id for logging.
func (c ChainConfig) String() string {
	return "chain " + strconv.FormatUint(c.ChainID, 10) + " via " + c.Endpoint
}
