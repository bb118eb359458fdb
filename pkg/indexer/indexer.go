// Package indexer defines the Orchestrator contract: component lifetimes,
// the cursor bootstrap contract, and the registration API operators use to
// wire event/reorg handlers before starting the pipeline.
package indexer

import (
	"context"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"

	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	"github.com/NethermindEth/starknet-indexer/pkg/metrics"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

// StartingPoint selects where the Chain Source begins when no cursor is
// persisted yet: either a numeric block or the live head.
type StartingPoint struct {
	Latest bool
	Number uint64
}

// Config holds every recognized option from the registration API's
// configuration table. Build with DefaultConfig and Options.
type Config struct {
	RPCNodeURL string
	WSNodeURL  string

	Store          persistence.Store
	ChainClient    chainsource.ChainClient
	HeadSubscriber chainsource.HeadSubscriber

	StartingBlock StartingPoint
	LogLevel      zerolog.Level

	HistoricalConcurrency int
	ReorgWindow           uint64

	WebhookURL string

	// Metrics is optional; when nil the Orchestrator runs without emitting
	// OpenTelemetry instruments.
	Metrics *metrics.Indexer
}

// DefaultConfig returns the configuration defaults named in the options
// table: historicalConcurrency=8, reorgWindow=64, logLevel=info.
func DefaultConfig() *Config {
	return &Config{
		StartingBlock:         StartingPoint{Number: 0},
		LogLevel:              zerolog.InfoLevel,
		HistoricalConcurrency: 8,
		ReorgWindow:           64,
	}
}

// Option mutates a Config, returning a ConfigurationError for invalid
// values.
type Option func(*Config) error

// WithRPCNodeURL sets the required HTTPS RPC endpoint.
func WithRPCNodeURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return &ConfigurationError{Reason: "rpcNodeUrl must not be empty"}
		}
		c.RPCNodeURL = url
		return nil
	}
}

// WithWSNodeURL sets the required WebSocket endpoint.
func WithWSNodeURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return &ConfigurationError{Reason: "wsNodeUrl must not be empty"}
		}
		c.WSNodeURL = url
		return nil
	}
}

// WithStore sets the required persistence adapter (the "database" option:
// adapter choice + adapter-specific config happen when the caller
// constructs the concrete sqlite.Store/postgres.Store and passes it here).
func WithStore(store persistence.Store) Option {
	return func(c *Config) error {
		if store == nil {
			return &ConfigurationError{Reason: "database adapter must not be nil"}
		}
		c.Store = store
		return nil
	}
}

// WithChainSource sets the ChainClient/HeadSubscriber pair the Chain Source
// composes over.
func WithChainSource(client chainsource.ChainClient, subscriber chainsource.HeadSubscriber) Option {
	return func(c *Config) error {
		if client == nil || subscriber == nil {
			return &ConfigurationError{Reason: "chain client and head subscriber must not be nil"}
		}
		c.ChainClient = client
		c.HeadSubscriber = subscriber
		return nil
	}
}

// WithStartingBlockNumber sets startingBlockNumber to a numeric value,
// consulted only when no cursor is yet persisted.
func WithStartingBlockNumber(number uint64) Option {
	return func(c *Config) error {
		c.StartingBlock = StartingPoint{Number: number}
		return nil
	}
}

// WithStartingBlockLatest sets startingBlockNumber to "latest".
func WithStartingBlockLatest() Option {
	return func(c *Config) error {
		c.StartingBlock = StartingPoint{Latest: true}
		return nil
	}
}

// WithLogLevel sets the global zerolog level, one of debug/info/warn/error.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return &ConfigurationError{Reason: "invalid logLevel " + level}
		}
		c.LogLevel = parsed
		return nil
	}
}

// WithHistoricalConcurrency overrides W, the historical-backfill worker pool
// size.
func WithHistoricalConcurrency(w int) Option {
	return func(c *Config) error {
		if w < 1 {
			return &ConfigurationError{Reason: "historicalConcurrency must be >= 1"}
		}
		c.HistoricalConcurrency = w
		return nil
	}
}

// WithReorgWindow overrides K, the canonical-tail window size.
func WithReorgWindow(k uint64) Option {
	return func(c *Config) error {
		if k < 1 {
			return &ConfigurationError{Reason: "reorgWindow must be >= 1"}
		}
		c.ReorgWindow = k
		return nil
	}
}

// WithWebhookURL enables an optional webhook notification sink.
func WithWebhookURL(url string) Option {
	return func(c *Config) error {
		c.WebhookURL = url
		return nil
	}
}

// WithMetrics wires an OpenTelemetry instrument set the Orchestrator
// updates as it runs (cursor height, apply latency, decoded/dropped
// counters, reorg counter).
func WithMetrics(m *metrics.Indexer) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// ConfigurationError is raised at start() when required options are
// missing, or when subscriptions are registered after start().
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

// HealthStatus reflects liveness of each external dependency from the last
// observed interaction within a 30-second window.
type HealthStatus struct {
	WS       bool
	RPC      bool
	Database bool
}

// HealthWindow bounds how recent an interaction must be to count as "live"
// for HealthCheck.
const HealthWindow = 30 * time.Second

// Orchestrator owns component lifetimes and the cursor. Event/reorg
// handlers must be registered before Start(); registering after returns
// ConfigurationError.
type Orchestrator interface {
	// OnEvent registers a handler for events named eventName emitted by
	// contract, decoded against abi (composite may be nil if abi has no
	// composite-typed fields).
	OnEvent(contract *felt.Felt, abi abiregistry.EventABI, composite abiregistry.CompositeDecoder, handler dispatcher.EventHandler) error

	// OnReorg registers the single reorg handler.
	OnReorg(handler dispatcher.ReorgHandler) error

	// Start runs the bootstrap contract (migrate, read cursor, start chain
	// source at cursor+1) and then drives the pipeline in the background.
	// Returns once running; fatal conditions surface via HealthCheck.
	Start(ctx context.Context) error

	// Stop signals cancellation, lets the in-flight block finish cleanly,
	// and blocks until every goroutine has joined.
	Stop()

	// HealthCheck reports liveness of ws/rpc/database.
	HealthCheck() HealthStatus
}
