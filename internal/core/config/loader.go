package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/rangefetch"
	"github.com/vietddude/chainfetch/internal/infra/rpc"
)

// Environment variables consulted when the file leaves a value unset.
const (
	EnvProviderURI     = "WEB3_PROVIDER_URI"
	EnvEtherscanAPIKey = "ETHERSCAN_API_KEY"
)

const defaultEtherscanURL = "https://api.etherscan.io/api"

// Load reads configuration from a YAML file. An empty path yields the
// defaults plus whatever the environment provides.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if len(cfg.Providers) == 0 {
		if uri := os.Getenv(EnvProviderURI); uri != "" {
			cfg.Providers = []rpc.ProviderConfig{{Name: "default", URL: uri}}
		}
	}

	if cfg.Etherscan.URL == "" {
		cfg.Etherscan.URL = defaultEtherscanURL
	}
	if cfg.Etherscan.APIKey == "" {
		cfg.Etherscan.APIKey = os.Getenv(EnvEtherscanAPIKey)
	}
	if cfg.Etherscan.RPS == 0 {
		cfg.Etherscan.RPS = 5
	}

	if len(cfg.Fetch.Ladder) == 0 {
		cfg.Fetch.Ladder = append([]uint64(nil), rangefetch.DefaultLadder...)
	}
	if cfg.Fetch.Parallelism == 0 {
		cfg.Fetch.Parallelism = 20
	}
	if cfg.Fetch.Tasks == 0 {
		cfg.Fetch.Tasks = 4
	}

	cfg.Retry = cfg.Retry.WithDefaults()

	if cfg.Sample.Workers == 0 {
		cfg.Sample.Workers = runtime.NumCPU() * 5
	}
	if cfg.Sample.TickEvery == 0 {
		cfg.Sample.TickEvery = 10
	}
	cfg.Sample.Retry = inherit(cfg.Sample.Retry, cfg)

	if cfg.Paginate.PageSize == 0 {
		cfg.Paginate.PageSize = 1000
	}
	if cfg.Paginate.MaxPages == 0 {
		cfg.Paginate.MaxPages = 10
	}
	cfg.Paginate.Retry = inherit(cfg.Paginate.Retry, cfg)

	if cfg.Blocks.Workers == 0 {
		cfg.Blocks.Workers = 20
	}
	if cfg.Blocks.LogInterval == 0 {
		cfg.Blocks.LogInterval = 1000
	}
	cfg.Blocks.Retry = inherit(cfg.Blocks.Retry, cfg)
}

// inherit fills unset fields of a section's retry policy from the global one.
func inherit(p retry.Policy, cfg *AppConfig) retry.Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = cfg.Retry.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = cfg.Retry.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	return p
}

// Validate checks values that defaults cannot repair.
func (c *AppConfig) Validate() error {
	if _, err := rangefetch.NewLadder(c.Fetch.Ladder...); err != nil {
		return fmt.Errorf("fetch.ladder: %w", err)
	}
	if c.Fetch.Parallelism < 0 || c.Fetch.Tasks < 0 {
		return fmt.Errorf("fetch: parallelism and tasks must be positive")
	}
	if c.Sample.Workers < 0 || c.Blocks.Workers < 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Paginate.PageSize < 0 || c.Paginate.MaxPages < 0 {
		return fmt.Errorf("paginate: page_size and max_pages must be positive")
	}
	for i, p := range c.Providers {
		if p.URL == "" {
			return fmt.Errorf("providers[%d]: url is required", i)
		}
	}
	return nil
}
