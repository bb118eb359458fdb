package main

import (
	"encoding/json"
	"os"
	"path"
	"strings"

	"github.com/omeid/uconfig"
	"github.com/omeid/uconfig/plugins"
	"github.com/omeid/uconfig/plugins/file"
	"github.com/rs/zerolog/log"
)

// configFilename is the filename of the config file automatically loaded
// from the directory passed via --dir.
var configFilename = "config.json"

// config mirrors the recognized options table in spec.md §6, with
// uconfig `default:`/`env:` tags carrying the stated defaults.
type config struct {
	RPCNodeURL string `default:"" env:"RPC_NODE_URL"`
	WSNodeURL  string `default:"" env:"WS_NODE_URL"`

	StartingBlockNumber string `default:"latest" env:"STARTING_BLOCK_NUMBER"`

	LogLevel string `default:"info" env:"LOG_LEVEL"`

	HistoricalConcurrency int    `default:"8"`
	ReorgWindow           uint64 `default:"64"`

	WebhookURL string `default:"" env:"WEBHOOK_URL"`

	Database DatabaseConfig

	Metrics struct {
		Enabled bool   `default:"true"`
		Addr    string `default:":9090"`
	}

	Log struct {
		Human bool `default:"false"`
	}

	Subscriptions []SubscriptionConfig
}

// DatabaseConfig selects the persistence.Store adapter. Driver is one of
// "sqlite"/"postgres"; DSN is adapter-specific (a sqlite file URI or a
// postgres connection string).
type DatabaseConfig struct {
	Driver string `default:"sqlite"`
	DSN    string `default:"file:indexer.db?_busy_timeout=5000&_journal_mode=WAL"`
}

// SubscriptionConfig is one onEvent registration read from the config
// file: a contract address, the event's fully-qualified name, and its
// flat field layout (composite Cairo types are not configurable from the
// CLI; embedders needing them call pkg/indexer's Go API directly).
type SubscriptionConfig struct {
	ContractAddress string        `default:""`
	EventName       string        `default:""`
	Fields          []FieldConfig `default:"[]"`
}

// FieldConfig is one abiregistry.Field read from config. Kind is "key" or
// "data"; Type is a Cairo scalar type name ("felt252", "u256", ...).
type FieldConfig struct {
	Name string `default:""`
	Kind string `default:"data"`
	Type string `default:"felt252"`
}

func setupConfig() (*config, string) {
	dirPath := os.ExpandEnv(defaultDir)
	if v, ok := os.LookupEnv("INDEXER_DIR"); ok && v != "" {
		dirPath = os.ExpandEnv(v)
	}
	_ = os.MkdirAll(dirPath, 0o755)

	var configPlugins []plugins.Plugin
	fullPath := path.Join(dirPath, configFilename)
	configFileBytes, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		log.Info().Str("config_file_path", fullPath).Msg("config file not found, using defaults and env vars")
	} else if err != nil {
		log.Fatal().Str("config_file_path", fullPath).Err(err).Msg("opening config file")
	} else {
		fileStr := os.ExpandEnv(string(configFileBytes))
		configPlugins = append(configPlugins, file.NewReader(strings.NewReader(fileStr), json.Unmarshal))
	}

	conf := &config{}
	c, err := uconfig.Classic(&conf, file.Files{}, configPlugins...)
	if err != nil {
		c.Usage()
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	return conf, dirPath
}

// defaultDir is overridden by the --dir flag in main.go before
// setupConfig is called.
var defaultDir = "${HOME}/.starknet-indexer"
