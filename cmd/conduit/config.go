package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConduitConfig = "CONDUIT_CONFIG"

// Config represents the conduit configuration file (~/.config/conduit/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Store     string `yaml:"store"`
	Backend   string `yaml:"backend"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	Seed          *int64   `yaml:"seed"`
	MaxTokens     *int64   `yaml:"max_tokens"`

	// Execution
	MaxSeqLen      *int64 `yaml:"max_seq_len"`
	KVHalf         *bool  `yaml:"kv_half"`
	ExpertBudgetMB *int64 `yaml:"expert_budget_mb"`
	VerifyHashes   *bool  `yaml:"verify_hashes"`

	HTTP struct {
		ChunkSize   *int64   `yaml:"chunk_size"`
		Concurrency *int64   `yaml:"concurrency"`
		Rate        *float64 `yaml:"rate"`
	} `yaml:"http"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

// activeConfig is the config file loaded before any command runs.
var activeConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "conduit", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyStoreConfig fills store and backend settings the command line left
// unset.
func applyStoreConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-dir") {
		modelsDir = cfg.ModelsDir
	}
	if cfg.Store != "" && !c.IsSet("store") {
		storeURL = cfg.Store
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.HTTP.ChunkSize != nil && !c.IsSet("http-chunk") {
		httpChunkSize = *cfg.HTTP.ChunkSize
	}
	if cfg.HTTP.Concurrency != nil && !c.IsSet("http-concurrency") {
		httpConcurrency = *cfg.HTTP.Concurrency
	}
	if cfg.HTTP.Rate != nil && !c.IsSet("http-rate") {
		httpRate = *cfg.HTTP.Rate
	}
}

func applyExecConfig(c *cli.Command, cfg Config, o *execOptions) {
	if cfg.MaxSeqLen != nil && !c.IsSet("max-seq") {
		o.maxSeq = *cfg.MaxSeqLen
	}
	if cfg.KVHalf != nil && !c.IsSet("kv-half") {
		o.kvHalf = *cfg.KVHalf
	}
	if cfg.ExpertBudgetMB != nil && !c.IsSet("expert-budget-mb") {
		o.expertBudgetMB = *cfg.ExpertBudgetMB
	}
	if cfg.VerifyHashes != nil && !c.IsSet("verify") {
		o.verify = *cfg.VerifyHashes
		o.verifySet = true
	}
}

func applySamplingConfig(c *cli.Command, cfg Config, o *sampleOptions) {
	if cfg.Temperature != nil && !c.IsSet("temp") {
		o.temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		o.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		o.topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") {
		o.minP = *cfg.MinP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		o.repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		o.maxTokens = *cfg.MaxTokens
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ModelsDir != "" && !c.IsSet("models-dir") {
		modelsDir = cfg.ModelsDir
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
