package config

import (
	"github.com/vietddude/chainfetch/internal/core/retry"
	redisclient "github.com/vietddude/chainfetch/internal/infra/redis"
	"github.com/vietddude/chainfetch/internal/infra/rpc"
	"github.com/vietddude/chainfetch/internal/infra/sink"
	"github.com/vietddude/chainfetch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   LoggingConfig        `yaml:"logging"`
	Providers []rpc.ProviderConfig `yaml:"providers"`
	Etherscan EtherscanConfig      `yaml:"etherscan"`
	Fetch     FetchConfig          `yaml:"fetch"`
	Sample    SampleConfig         `yaml:"sample"`
	Paginate  PaginateConfig       `yaml:"paginate"`
	Blocks    BlocksConfig         `yaml:"blocks"`
	Retry     retry.Policy         `yaml:"retry"`
	Redis     redisclient.Config   `yaml:"redis"`
	Database  postgres.Config      `yaml:"database"`
	S3        sink.S3Config        `yaml:"s3"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"` // empty = no metrics server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// EtherscanConfig holds the explorer API settings.
type EtherscanConfig struct {
	URL    string  `yaml:"url"`
	APIKey string  `yaml:"api_key"`
	RPS    float64 `yaml:"rps"`
}

// FetchConfig tunes the adaptive range fetcher.
type FetchConfig struct {
	Ladder      []uint64 `yaml:"ladder"`
	Parallelism int      `yaml:"parallelism"`
	Tasks       int      `yaml:"tasks"` // tasks fetched concurrently by fetch-all-events
}

// SampleConfig tunes the call sampler.
type SampleConfig struct {
	Workers   int          `yaml:"workers"`
	TickEvery int          `yaml:"tick_every"`
	Retry     retry.Policy `yaml:"retry"`
}

// PaginateConfig tunes the cursor paginator.
type PaginateConfig struct {
	PageSize int          `yaml:"page_size"`
	MaxPages int          `yaml:"max_pages"`
	Retry    retry.Policy `yaml:"retry"`
}

// BlocksConfig tunes the block iterator.
type BlocksConfig struct {
	Workers     int          `yaml:"workers"`
	LogInterval uint64       `yaml:"log_interval"`
	Retry       retry.Policy `yaml:"retry"`
}
