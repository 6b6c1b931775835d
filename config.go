package llmbroker

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration. Deployment-specific values
// such as the directory address are always injected, never compiled in.
type Config struct {
	Ledger    LedgerConfig     `yaml:"ledger"`
	Client    ClientConfig     `yaml:"client"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// LedgerConfig locates the ledger and the directory contract.
type LedgerConfig struct {
	RPCURL           string  `yaml:"rpc_url"`
	ChainID          int64   `yaml:"chain_id"`
	DirectoryAddress string  `yaml:"directory_address"`
	PrivateKey       string  `yaml:"private_key"`
	AwaitReceipts    *bool   `yaml:"await_receipts"`
	MaxReadsPerSec   float64 `yaml:"max_reads_per_second"`
}

// ClientConfig holds request and escrow defaults.
type ClientConfig struct {
	DefaultModel   string        `yaml:"default_model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Deposit        string        `yaml:"deposit"` // decimal ether, e.g. "0.01"
	DepositSlack   float64       `yaml:"deposit_slack"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EndpointConfig maps a server contract to its inference endpoint.
type EndpointConfig struct {
	Server string `yaml:"server"`
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("llmbroker: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("llmbroker: parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.AwaitReceipts == nil {
		await := true
		c.Ledger.AwaitReceipts = &await
	}
	if c.Client.MaxTokens == 0 {
		c.Client.MaxTokens = 700
	}
	if c.Client.DepositSlack == 0 {
		c.Client.DepositSlack = 1
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Path == "" {
			c.Endpoints[i].Path = "/"
		}
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("%w: ledger.rpc_url is required", ErrInvalidConfig)
	}
	if c.Ledger.ChainID <= 0 {
		return fmt.Errorf("%w: ledger.chain_id must be positive", ErrInvalidConfig)
	}
	if !common.IsHexAddress(c.Ledger.DirectoryAddress) {
		return fmt.Errorf("%w: ledger.directory_address %q is not an address", ErrInvalidConfig, c.Ledger.DirectoryAddress)
	}
	if c.Ledger.MaxReadsPerSec < 0 {
		return fmt.Errorf("%w: ledger.max_reads_per_second must not be negative", ErrInvalidConfig)
	}

	if c.Client.MaxTokens < 0 {
		return fmt.Errorf("%w: client.max_tokens must not be negative", ErrInvalidConfig)
	}
	if c.Client.Deposit != "" {
		if _, err := ParseEther(c.Client.Deposit); err != nil {
			return fmt.Errorf("%w: client.deposit: %w", ErrInvalidConfig, err)
		}
	}
	if c.Client.DepositSlack < 0 {
		return fmt.Errorf("%w: client.deposit_slack must not be negative", ErrInvalidConfig)
	}

	servers := make(map[common.Address]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if !common.IsHexAddress(ep.Server) {
			return fmt.Errorf("%w: endpoints[%d]: server %q is not an address", ErrInvalidConfig, i, ep.Server)
		}
		addr := common.HexToAddress(ep.Server)
		if servers[addr] {
			return fmt.Errorf("%w: duplicate endpoint for server %s", ErrInvalidConfig, addr.Hex())
		}
		servers[addr] = true

		u, err := url.Parse(ep.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: endpoints[%d] (%s): invalid url %q", ErrInvalidConfig, i, addr.Hex(), ep.URL)
		}
	}

	return nil
}

// DirectoryAddress returns the parsed directory contract address.
func (c Config) DirectoryAddress() common.Address {
	return common.HexToAddress(c.Ledger.DirectoryAddress)
}

// DepositWei returns the configured default deposit in wei, or zero when unset.
func (c Config) DepositWei() *big.Int {
	if c.Client.Deposit == "" {
		return new(big.Int)
	}
	wei, err := ParseEther(c.Client.Deposit)
	if err != nil {
		return new(big.Int)
	}
	return wei
}

// EndpointFor returns the endpoint configured for server.
func (c Config) EndpointFor(server common.Address) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if common.HexToAddress(ep.Server) == server {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}
